package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/atelier-run/workspace_layer/internal/metrics"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

// Registry supervises every managed service in the process: the global scope
// plus one scope per workspace. It records registrations and factories during
// the setup phase, computes a dependency-ordered startup sequence, resolves
// services lazily at runtime, and drives the reverse-ordered cleanup sweep.
//
// Registration is expected to happen before InitializeServices; concurrent
// registration during an active sweep is unsupported. Lookups are safe at any
// time.
type Registry struct {
	mu  sync.RWMutex
	log *logger.Logger

	services         map[ServiceKey]ManagedService
	factories        map[ServiceKey]Factory
	genericFactories map[string]WorkspaceFactory
	options          map[ServiceKey]ServiceOptions
	genericOptions   map[string]ServiceOptions

	// order preserves registration order so the topological sort stays
	// deterministic across runs.
	order []ServiceKey

	// workspaces tracks every workspace ID seen through registration or lazy
	// materialization.
	workspaces map[string]struct{}

	started bool
}

// New constructs an empty registry. A nil logger falls back to the default.
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	return &Registry{
		log:              log,
		services:         make(map[ServiceKey]ManagedService),
		factories:        make(map[ServiceKey]Factory),
		genericFactories: make(map[string]WorkspaceFactory),
		options:          make(map[ServiceKey]ServiceOptions),
		genericOptions:   make(map[string]ServiceOptions),
		workspaces:       make(map[string]struct{}),
	}
}

// RegisterService registers a live global service instance.
func (r *Registry) RegisterService(serviceType string, svc ManagedService, opts ServiceOptions) {
	r.register(GlobalKey(serviceType), svc, nil, opts)
}

// RegisterWorkspaceService registers a live service instance for one workspace.
func (r *Registry) RegisterWorkspaceService(workspaceID, serviceType string, svc ManagedService, opts ServiceOptions) {
	r.register(WorkspaceKey(workspaceID, serviceType), svc, nil, opts)
}

// RegisterServiceFactory registers a deferred constructor for a global service.
func (r *Registry) RegisterServiceFactory(serviceType string, factory Factory, opts ServiceOptions) {
	r.register(GlobalKey(serviceType), nil, factory, opts)
}

// RegisterWorkspaceServiceFactory registers a deferred constructor for one
// workspace's service.
func (r *Registry) RegisterWorkspaceServiceFactory(workspaceID, serviceType string, factory Factory, opts ServiceOptions) {
	r.register(WorkspaceKey(workspaceID, serviceType), nil, factory, opts)
}

// RegisterWorkspaceFactoryFunc registers a generic workspace factory keyed by
// bare service type. It is invoked lazily for any workspace ID the first time
// that workspace requests the type.
func (r *Registry) RegisterWorkspaceFactoryFunc(serviceType string, factory WorkspaceFactory, opts ServiceOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.genericFactories[serviceType]; exists {
		r.log.Warnf("generic workspace factory for %q re-registered, overwriting previous entry", serviceType)
	}
	r.genericFactories[serviceType] = factory
	r.genericOptions[serviceType] = opts
}

func (r *Registry) register(key ServiceKey, svc ManagedService, factory Factory, opts ServiceOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, hadService := r.services[key]
	_, hadFactory := r.factories[key]
	if hadService || hadFactory {
		r.log.Warnf("service %q re-registered, overwriting previous entry", key)
		delete(r.services, key)
		delete(r.factories, key)
	} else {
		r.order = append(r.order, key)
	}

	if svc != nil {
		r.services[key] = svc
	} else {
		r.factories[key] = factory
	}
	r.options[key] = opts

	if !key.IsGlobal() {
		r.workspaces[key.Workspace] = struct{}{}
	}
}

// GetService resolves a global service by type. A miss returns
// ErrServiceNotFound; construction failures from a registered factory are
// returned as-is.
func (r *Registry) GetService(serviceType string) (ManagedService, error) {
	return r.resolve(GlobalKey(serviceType))
}

// GetWorkspaceService resolves a workspace-scoped service. Factories are
// consulted on a live-store miss: first one registered for this exact
// workspace and type, then a generic workspace factory for the type.
func (r *Registry) GetWorkspaceService(workspaceID, serviceType string) (ManagedService, error) {
	return r.resolve(WorkspaceKey(workspaceID, serviceType))
}

func (r *Registry) resolve(key ServiceKey) (ManagedService, error) {
	r.mu.RLock()
	if svc, ok := r.services[key]; ok {
		r.mu.RUnlock()
		return svc, nil
	}
	r.mu.RUnlock()

	return r.materialize(key)
}

// materialize constructs a service from its factory, registers the instance
// into the live store, and — when the registry already completed startup —
// fires a non-blocking initialization for it. The instance is returned
// immediately; callers that depend on side effects check IsInitialized or the
// status probe.
//
// The factory runs outside the registry lock so it may resolve other services
// through the registry. Concurrent callers racing for the same key all get the
// first instance that lands in the live store.
func (r *Registry) materialize(key ServiceKey) (ManagedService, error) {
	r.mu.RLock()

	var (
		construct func() (ManagedService, error)
		opts      ServiceOptions
	)
	switch {
	case r.factories[key] != nil:
		factory := r.factories[key]
		construct = func() (ManagedService, error) { return factory() }
		opts = r.options[key]
	case !key.IsGlobal() && r.genericFactories[key.Type] != nil:
		factory := r.genericFactories[key.Type]
		construct = func() (ManagedService, error) { return factory(key.Workspace) }
		opts = r.genericOptions[key.Type]
	default:
		r.mu.RUnlock()
		return nil, fmt.Errorf("service %q: %w", key, ErrServiceNotFound)
	}
	r.mu.RUnlock()

	svc, err := construct()
	if err != nil {
		return nil, fmt.Errorf("construct service %q: %w", key, err)
	}

	r.mu.Lock()

	// Another caller may have won the race while the factory ran; keep the
	// instance that registered first.
	if existing, ok := r.services[key]; ok {
		r.mu.Unlock()
		return existing, nil
	}

	if _, tracked := r.options[key]; !tracked {
		r.order = append(r.order, key)
	}
	r.services[key] = svc
	r.options[key] = opts
	if !key.IsGlobal() {
		r.workspaces[key.Workspace] = struct{}{}
	}
	started := r.started
	r.mu.Unlock()

	metrics.LazyMaterializations.Inc()
	r.log.WithField("service", key.String()).Info("service materialized from factory")

	if started {
		go func() {
			if initErr := svc.Init(context.Background()); initErr != nil {
				r.log.WithError(initErr).
					WithField("service", key.String()).
					Error("background initialization of lazily created service failed")
			}
		}()
	}

	return svc, nil
}

// Started reports whether the startup sweep has completed.
func (r *Registry) Started() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

// liveServices returns a point-in-time copy of the live instance store.
func (r *Registry) liveServices() map[ServiceKey]ManagedService {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[ServiceKey]ManagedService, len(r.services))
	for k, v := range r.services {
		out[k] = v
	}
	return out
}
