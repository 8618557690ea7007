package database

import (
	"context"
	"database/sql"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/atelier-run/workspace_layer/internal/config"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

func testLogger() *logger.Logger {
	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)
	return log
}

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	svc := New(config.DatabaseConfig{Driver: "postgres", DSN: "mock"}, testLogger())
	svc.open = func(driver, dsn string) (*sql.DB, error) { return db, nil }
	return svc, mock
}

func TestInitPingsPool(t *testing.T) {
	svc, mock := newMockService(t)
	mock.ExpectPing()

	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !svc.IsInitialized() {
		t.Fatalf("expected initialized")
	}
	if svc.DB() == nil {
		t.Fatalf("expected a live pool")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInitRequiresConfiguration(t *testing.T) {
	svc := New(config.DatabaseConfig{}, testLogger())
	if err := svc.Init(context.Background()); err == nil {
		t.Fatalf("expected error without driver and dsn")
	}
}

func TestStatusReportsPoolStats(t *testing.T) {
	svc, mock := newMockService(t)
	mock.ExpectPing()
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	mock.ExpectPing()
	snap := svc.GetStatus(context.Background())
	if !snap.Healthy {
		t.Fatalf("expected healthy snapshot, got %+v", snap)
	}
	if _, ok := snap.Details["open_connections"]; !ok {
		t.Fatalf("expected connection stats in details")
	}
}

func TestStatusBeforeInit(t *testing.T) {
	svc := New(config.DatabaseConfig{Driver: "postgres", DSN: "mock"}, testLogger())
	if snap := svc.GetStatus(context.Background()); snap.Healthy {
		t.Fatalf("uninitialized service must report unhealthy")
	}
}

func TestCleanupClosesPool(t *testing.T) {
	svc, mock := newMockService(t)
	mock.ExpectPing()
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	mock.ExpectClose()
	if err := svc.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if svc.IsInitialized() {
		t.Fatalf("expected uninitialized after cleanup")
	}
	if svc.DB() != nil {
		t.Fatalf("pool must be released")
	}
}
