// Package database provides the shared Postgres connection pool as a managed
// service. Other services resolve it through the registry instead of opening
// their own connections.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/atelier-run/workspace_layer/internal/config"
	"github.com/atelier-run/workspace_layer/internal/registry"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

// ServiceType is the registry key for the database service.
const ServiceType = "database"

// Service owns the process-wide *sql.DB pool.
type Service struct {
	registry.BaseService
	cfg config.DatabaseConfig
	db  *sql.DB

	// open is swappable for tests.
	open func(driver, dsn string) (*sql.DB, error)
}

// New constructs the database service. The pool is opened during Init, not
// here.
func New(cfg config.DatabaseConfig, log *logger.Logger) *Service {
	return &Service{
		BaseService: registry.NewBase(ServiceType, log),
		cfg:         cfg,
		open:        sql.Open,
	}
}

// Init opens and pings the pool.
func (s *Service) Init(ctx context.Context) error {
	return s.RunInit(ctx, func(ctx context.Context) error {
		if s.cfg.Driver == "" {
			return fmt.Errorf("database driver not configured")
		}
		if s.cfg.DSN == "" {
			return fmt.Errorf("database dsn not configured")
		}

		db, err := s.open(s.cfg.Driver, s.cfg.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}

		if s.cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		}
		if s.cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		}
		if s.cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(time.Duration(s.cfg.ConnMaxLifetime) * time.Second)
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return fmt.Errorf("ping database: %w", err)
		}

		s.db = db
		s.Log().Infof("database pool ready (driver=%s)", s.cfg.Driver)
		return nil
	})
}

// Cleanup closes the pool.
func (s *Service) Cleanup(ctx context.Context) error {
	return s.RunCleanup(ctx, func(context.Context) error {
		if s.db == nil {
			return nil
		}
		err := s.db.Close()
		s.db = nil
		if err != nil {
			return fmt.Errorf("close database: %w", err)
		}
		return nil
	})
}

// GetStatus pings the pool and reports connection statistics.
func (s *Service) GetStatus(ctx context.Context) registry.HealthSnapshot {
	if !s.IsInitialized() || s.db == nil {
		return registry.HealthSnapshot{Healthy: false, Message: "database not initialized"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return registry.HealthSnapshot{Healthy: false, Message: fmt.Sprintf("ping failed: %v", err)}
	}

	stats := s.db.Stats()
	return registry.HealthSnapshot{
		Healthy: true,
		Message: "database reachable",
		Details: map[string]any{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
		},
	}
}

// DB exposes the pool to collaborating services. Nil until Init completes.
func (s *Service) DB() *sql.DB { return s.db }
