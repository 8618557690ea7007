package registry

import (
	"context"
	"sync"

	"github.com/atelier-run/workspace_layer/pkg/logger"
)

// BaseService supplies the initialized-flag bookkeeping shared by service
// adapters. Embed it and wrap setup/teardown in RunInit and RunCleanup:
//
//	type Service struct {
//	    registry.BaseService
//	    pool *sql.DB
//	}
//
//	func (s *Service) Init(ctx context.Context) error {
//	    return s.RunInit(ctx, s.open)
//	}
type BaseService struct {
	mu          sync.Mutex
	name        string
	log         *logger.Logger
	initialized bool
}

// NewBase constructs the embeddable lifecycle state for a named service.
func NewBase(name string, log *logger.Logger) BaseService {
	if log == nil {
		log = logger.NewDefault(name)
	}
	return BaseService{name: name, log: log}
}

// Name returns the service name used in logs.
func (b *BaseService) Name() string { return b.name }

// Log returns the service logger.
func (b *BaseService) Log() *logger.Logger { return b.log }

// IsInitialized reports whether the service completed initialization.
func (b *BaseService) IsInitialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// RunInit executes setup exactly once. A second call on an initialized
// service is a no-op.
func (b *BaseService) RunInit(ctx context.Context, setup func(context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	if setup != nil {
		if err := setup(ctx); err != nil {
			return err
		}
	}
	b.initialized = true
	return nil
}

// RunCleanup executes teardown and clears the initialized flag even when
// teardown fails. A call on an uninitialized service is a no-op.
func (b *BaseService) RunCleanup(ctx context.Context, teardown func(context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}
	b.initialized = false
	if teardown != nil {
		return teardown(ctx)
	}
	return nil
}

// GetStatus reports basic liveness. Adapters with richer health information
// shadow this method.
func (b *BaseService) GetStatus(ctx context.Context) HealthSnapshot {
	if b.IsInitialized() {
		return HealthSnapshot{Healthy: true, Message: b.name + " ready"}
	}
	return HealthSnapshot{Healthy: false, Message: b.name + " not initialized"}
}
