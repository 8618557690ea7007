package cache

import (
	"context"
	"io"
	"testing"

	"github.com/atelier-run/workspace_layer/internal/config"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

func testLogger() *logger.Logger {
	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)
	return log
}

func TestInitRequiresAddr(t *testing.T) {
	svc := New(config.CacheConfig{}, testLogger())
	if err := svc.Init(context.Background()); err == nil {
		t.Fatalf("expected error without addr")
	}
	if svc.IsInitialized() {
		t.Fatalf("failed init must not mark the service initialized")
	}
}

func TestStatusBeforeInit(t *testing.T) {
	svc := New(config.CacheConfig{Addr: "localhost:6379"}, testLogger())
	if snap := svc.GetStatus(context.Background()); snap.Healthy {
		t.Fatalf("uninitialized cache must report unhealthy")
	}
}

func TestOperationsBeforeInitFail(t *testing.T) {
	svc := New(config.CacheConfig{Addr: "localhost:6379"}, testLogger())

	if err := svc.Set(context.Background(), "k", "v", 0); err == nil {
		t.Fatalf("expected Set to fail before init")
	}
	if _, err := svc.Get(context.Background(), "k"); err == nil {
		t.Fatalf("expected Get to fail before init")
	}
}

func TestCleanupWithoutInitIsNoop(t *testing.T) {
	svc := New(config.CacheConfig{Addr: "localhost:6379"}, testLogger())
	if err := svc.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
