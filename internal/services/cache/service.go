// Package cache provides the shared Redis cache as a managed service.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/atelier-run/workspace_layer/internal/config"
	"github.com/atelier-run/workspace_layer/internal/registry"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

// ServiceType is the registry key for the cache service.
const ServiceType = "cache"

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Service wraps a Redis client behind the managed-service contract.
type Service struct {
	registry.BaseService
	cfg    config.CacheConfig
	client *redis.Client
}

// New constructs the cache service. The client connects during Init.
func New(cfg config.CacheConfig, log *logger.Logger) *Service {
	return &Service{BaseService: registry.NewBase(ServiceType, log), cfg: cfg}
}

// Init connects and verifies the server responds to PING.
func (s *Service) Init(ctx context.Context) error {
	return s.RunInit(ctx, func(ctx context.Context) error {
		if s.cfg.Addr == "" {
			return fmt.Errorf("cache addr not configured")
		}

		client := redis.NewClient(&redis.Options{
			Addr:     s.cfg.Addr,
			Password: s.cfg.Password,
			DB:       s.cfg.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("ping cache: %w", err)
		}

		s.client = client
		s.Log().Infof("cache ready (addr=%s db=%d)", s.cfg.Addr, s.cfg.DB)
		return nil
	})
}

// Cleanup closes the client.
func (s *Service) Cleanup(ctx context.Context) error {
	return s.RunCleanup(ctx, func(context.Context) error {
		if s.client == nil {
			return nil
		}
		err := s.client.Close()
		s.client = nil
		if err != nil {
			return fmt.Errorf("close cache: %w", err)
		}
		return nil
	})
}

// GetStatus pings the server.
func (s *Service) GetStatus(ctx context.Context) registry.HealthSnapshot {
	if !s.IsInitialized() || s.client == nil {
		return registry.HealthSnapshot{Healthy: false, Message: "cache not initialized"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return registry.HealthSnapshot{Healthy: false, Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return registry.HealthSnapshot{
		Healthy: true,
		Message: "cache reachable",
		Details: map[string]any{"addr": s.cfg.Addr, "db": s.cfg.DB},
	}
}

// Set stores a value with a TTL.
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.client == nil {
		return fmt.Errorf("cache not initialized")
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Get fetches a value, returning ErrCacheMiss when absent.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("cache not initialized")
	}
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return val, err
}
