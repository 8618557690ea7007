package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atelier-run/workspace_layer/internal/metrics"
)

// InitializeServices computes the dependency order and initializes every
// registered service along it: global nodes first, then each workspace scope
// following the same order filtered to that scope. The first failing Init
// aborts the sweep immediately; nodes initialized earlier are left as-is and
// the registry stays unstarted, which callers must treat as a hard startup
// failure.
func (r *Registry) InitializeServices(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	g := r.buildGraph()
	r.mu.Unlock()

	order, err := g.topoOrder()
	if err != nil {
		return fmt.Errorf("compute initialization order: %w", err)
	}

	start := time.Now()

	for _, key := range order {
		if !key.IsGlobal() {
			continue
		}
		if err := r.initNode(ctx, key); err != nil {
			return err
		}
	}

	for _, ws := range scopesOf(order) {
		for _, key := range order {
			if key.Workspace != ws {
				continue
			}
			if err := r.initNode(ctx, key); err != nil {
				return err
			}
		}
	}

	r.mu.Lock()
	r.started = true
	live := len(r.services)
	r.mu.Unlock()

	metrics.StartupDuration.Observe(time.Since(start).Seconds())
	metrics.LiveServices.Set(float64(live))
	r.log.WithField("services", len(order)).
		WithField("duration", time.Since(start).String()).
		Info("service initialization complete")
	return nil
}

func (r *Registry) initNode(ctx context.Context, key ServiceKey) error {
	svc, err := r.resolve(key)
	if err != nil {
		metrics.ServiceInits.WithLabelValues(key.Type, "error").Inc()
		return fmt.Errorf("service %q failed to initialize: %w", key, err)
	}
	if err := svc.Init(ctx); err != nil {
		metrics.ServiceInits.WithLabelValues(key.Type, "error").Inc()
		return fmt.Errorf("service %q failed to initialize: %w", key, err)
	}
	metrics.ServiceInits.WithLabelValues(key.Type, "ok").Inc()
	r.log.WithField("service", key.String()).Debug("service initialized")
	return nil
}

// CleanupServices tears services down in exactly the reverse of the
// initialization order: workspace scopes first, then global nodes. Individual
// failures are logged and collected without stopping the sweep; a non-empty
// collection is raised once as a CleanupError after every node has been
// visited. The started flag is cleared unconditionally.
func (r *Registry) CleanupServices(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		r.log.Warn("cleanup requested but registry never started")
		return nil
	}
	g := r.buildGraph()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
	}()

	order, err := g.topoOrder()
	if err != nil {
		return fmt.Errorf("compute cleanup order: %w", err)
	}

	start := time.Now()
	reversed := make([]ServiceKey, len(order))
	for i, key := range order {
		reversed[len(order)-1-i] = key
	}

	live := r.liveServices()
	var errs []error
	clean := func(key ServiceKey) {
		svc, ok := live[key]
		if !ok {
			// Factory entries never materialized have nothing to clean.
			return
		}
		if err := svc.Cleanup(ctx); err != nil {
			wrapped := fmt.Errorf("cleanup service %q: %w", key, err)
			r.log.WithError(err).WithField("service", key.String()).Error("service cleanup failed")
			errs = append(errs, wrapped)
			metrics.ServiceCleanups.WithLabelValues(key.Type, "error").Inc()
			return
		}
		metrics.ServiceCleanups.WithLabelValues(key.Type, "ok").Inc()
		r.log.WithField("service", key.String()).Debug("service cleaned up")
	}

	scopes := scopesOf(order)
	for i := len(scopes) - 1; i >= 0; i-- {
		for _, key := range reversed {
			if key.Workspace == scopes[i] {
				clean(key)
			}
		}
	}
	for _, key := range reversed {
		if key.IsGlobal() {
			clean(key)
		}
	}

	metrics.CleanupDuration.Observe(time.Since(start).Seconds())
	metrics.LiveServices.Set(0)
	r.log.WithField("failures", len(errs)).Info("service cleanup complete")

	if len(errs) > 0 {
		return &CleanupError{Errors: errs}
	}
	return nil
}

// scopesOf lists the workspace scopes present in an order, sorted for
// deterministic sweeps.
func scopesOf(order []ServiceKey) []string {
	seen := make(map[string]struct{})
	var scopes []string
	for _, key := range order {
		if key.IsGlobal() {
			continue
		}
		if _, ok := seen[key.Workspace]; ok {
			continue
		}
		seen[key.Workspace] = struct{}{}
		scopes = append(scopes, key.Workspace)
	}
	sort.Strings(scopes)
	return scopes
}
