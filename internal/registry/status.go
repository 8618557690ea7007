package registry

import (
	"context"
	"fmt"
	"sort"
)

// GetServiceStatus resolves a global service and probes its health.
func (r *Registry) GetServiceStatus(ctx context.Context, serviceType string) (HealthSnapshot, error) {
	svc, err := r.GetService(serviceType)
	if err != nil {
		return HealthSnapshot{}, err
	}
	return probeStatus(ctx, svc), nil
}

// GetWorkspaceServiceStatus resolves a workspace-scoped service and probes
// its health.
func (r *Registry) GetWorkspaceServiceStatus(ctx context.Context, workspaceID, serviceType string) (HealthSnapshot, error) {
	svc, err := r.GetWorkspaceService(workspaceID, serviceType)
	if err != nil {
		return HealthSnapshot{}, err
	}
	return probeStatus(ctx, svc), nil
}

// GetAllServiceStatuses probes every live instance in both scopes and
// returns a map keyed by bare type for global entries and "workspace:type"
// for workspace entries. Factory registrations that never materialized are
// not probed.
func (r *Registry) GetAllServiceStatuses(ctx context.Context) map[string]HealthSnapshot {
	live := r.liveServices()

	keys := make([]ServiceKey, 0, len(live))
	for key := range live {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	statuses := make(map[string]HealthSnapshot, len(keys))
	for _, key := range keys {
		statuses[key.String()] = probeStatus(ctx, live[key])
	}
	return statuses
}

// probeStatus shields the aggregator from a misbehaving probe: a panic in
// GetStatus becomes an unhealthy snapshot instead of crashing the sweep.
func probeStatus(ctx context.Context, svc ManagedService) (snapshot HealthSnapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			snapshot = HealthSnapshot{
				Healthy: false,
				Message: fmt.Sprintf("status probe panicked: %v", rec),
			}
		}
	}()
	return svc.GetStatus(ctx)
}
