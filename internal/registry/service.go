// Package registry implements the dependency-ordered service lifecycle
// registry at the heart of the workspace layer. It tracks one global scope
// and any number of workspace scopes, resolves declared dependencies into a
// topological initialization order, and drives init/cleanup sweeps across
// every managed service.
package registry

import "context"

// ServiceKey identifies a managed service. An empty Workspace denotes the
// global scope; otherwise the key addresses a single workspace's instance.
type ServiceKey struct {
	Workspace string
	Type      string
}

// GlobalKey returns the key for a global service type.
func GlobalKey(serviceType string) ServiceKey {
	return ServiceKey{Type: serviceType}
}

// WorkspaceKey returns the key for a workspace-scoped service type.
func WorkspaceKey(workspaceID, serviceType string) ServiceKey {
	return ServiceKey{Workspace: workspaceID, Type: serviceType}
}

// IsGlobal reports whether the key addresses the global scope.
func (k ServiceKey) IsGlobal() bool { return k.Workspace == "" }

// String renders the key for logs and status maps: "type" for global keys,
// "workspace:type" for workspace keys.
func (k ServiceKey) String() string {
	if k.Workspace == "" {
		return k.Type
	}
	return k.Workspace + ":" + k.Type
}

// HealthSnapshot is the result of a service status probe.
type HealthSnapshot struct {
	Healthy    bool           `json:"healthy"`
	StatusCode int            `json:"status_code,omitempty"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// ManagedService is the capability contract every supervised component must
// satisfy. Init and Cleanup are idempotent; GetStatus never fails, a broken
// probe is reported as an unhealthy snapshot.
type ManagedService interface {
	Init(ctx context.Context) error
	IsInitialized() bool
	Cleanup(ctx context.Context) error
	GetStatus(ctx context.Context) HealthSnapshot
}

// Factory defers construction of a service until first use.
type Factory func() (ManagedService, error)

// WorkspaceFactory constructs a service for an arbitrary workspace ID. A
// single registration serves every workspace encountered afterwards.
type WorkspaceFactory func(workspaceID string) (ManagedService, error)

// ServiceOptions carries per-registration metadata consumed by the orderer.
type ServiceOptions struct {
	// Dependencies lists service types this entry must be initialized after.
	// For workspace-scoped entries each name resolves to the same workspace's
	// instance when one is registered, else to the global instance.
	Dependencies []string

	// Priority breaks ties between independent entries; higher initializes
	// earlier. Defaults to 0.
	Priority int

	// Metadata is opaque to the registry.
	Metadata map[string]string
}
