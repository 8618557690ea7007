// Package main runs the workspace supervisor: it assembles the service
// registry, starts every registered service in dependency order, serves the
// HTTP API, and tears everything down on shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/atelier-run/workspace_layer/internal/config"
	"github.com/atelier-run/workspace_layer/internal/httpapi"
	"github.com/atelier-run/workspace_layer/internal/registry"
	"github.com/atelier-run/workspace_layer/internal/services/cache"
	"github.com/atelier-run/workspace_layer/internal/services/conversation"
	"github.com/atelier-run/workspace_layer/internal/services/database"
	"github.com/atelier-run/workspace_layer/internal/services/monitor"
	"github.com/atelier-run/workspace_layer/internal/services/toolgateway"
	"github.com/atelier-run/workspace_layer/internal/services/workspace"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML configuration")
	envFile := flag.String("env", ".env", "path to optional .env file")
	flag.Parse()

	// Best effort; a missing .env file just means the environment is set
	// elsewhere.
	_ = godotenv.Load(*envFile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging)
	log.Infof("workspace supervisor starting (port %d)", cfg.Server.Port)

	reg := registry.New(log)
	registerServices(reg, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.InitializeServices(ctx); err != nil {
		log.Fatalf("service startup failed: %v", err)
	}

	api := httpapi.NewServer(reg, cfg, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infof("HTTP API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown error")
	}
	if err := reg.CleanupServices(shutdownCtx); err != nil {
		log.WithError(err).Warn("service cleanup reported errors")
	}
	log.Info("supervisor stopped")
}

// registerServices installs the global services and the per-workspace
// factories. Workspace instances materialize lazily on first use.
func registerServices(reg *registry.Registry, cfg *config.Config, log *logger.Logger) {
	// Globals. The database and cache carry no dependencies; the monitor
	// starts last among the globals so its first sample sees a settled
	// process.
	if cfg.Database.DSN != "" {
		reg.RegisterService(database.ServiceType, database.New(cfg.Database, log),
			registry.ServiceOptions{Priority: 100})
	} else {
		log.Warn("no database DSN configured, shared database service disabled")
	}
	if cfg.Cache.Addr != "" {
		reg.RegisterService(cache.ServiceType, cache.New(cfg.Cache, log),
			registry.ServiceOptions{Priority: 90})
	} else {
		log.Warn("no cache address configured, shared cache service disabled")
	}
	reg.RegisterService(monitor.ServiceType, monitor.New(cfg.Monitor, log),
		registry.ServiceOptions{Priority: 10})

	masterKey := []byte(os.Getenv("WORKSPACE_MASTER_KEY"))

	reg.RegisterWorkspaceFactoryFunc(workspace.ServiceType,
		func(workspaceID string) (registry.ManagedService, error) {
			return workspace.New(workspaceID, masterKey, log), nil
		},
		registry.ServiceOptions{Priority: 50})

	reg.RegisterWorkspaceFactoryFunc(toolgateway.ServiceType,
		func(workspaceID string) (registry.ManagedService, error) {
			return toolgateway.New(workspaceID, cfg.Gateway, log), nil
		},
		registry.ServiceOptions{
			Priority:     40,
			Dependencies: []string{workspace.ServiceType},
		})

	reg.RegisterWorkspaceFactoryFunc(conversation.ServiceType,
		func(workspaceID string) (registry.ManagedService, error) {
			svc, err := reg.GetWorkspaceService(workspaceID, toolgateway.ServiceType)
			if err != nil {
				return nil, fmt.Errorf("resolve tool gateway for %s: %w", workspaceID, err)
			}
			gateway, ok := svc.(*toolgateway.Service)
			if !ok {
				return nil, fmt.Errorf("tool gateway for %s has unexpected type", workspaceID)
			}
			return conversation.New(workspaceID, gateway, log), nil
		},
		registry.ServiceOptions{
			Priority:     30,
			Dependencies: []string{workspace.ServiceType, toolgateway.ServiceType},
		})
}
