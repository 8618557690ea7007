// Package monitor samples host resource usage on a schedule and exposes the
// latest snapshot through the status probe.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/atelier-run/workspace_layer/internal/config"
	"github.com/atelier-run/workspace_layer/internal/registry"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

// ServiceType is the registry key for the system monitor.
const ServiceType = "system-monitor"

// Sample is one resource usage reading.
type Sample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  uint64    `json:"memory_used_mb"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	TakenAt       time.Time `json:"taken_at"`
}

// Service samples host metrics with a cron schedule.
type Service struct {
	registry.BaseService
	schedule string

	mu     sync.RWMutex
	latest Sample
	runner *cron.Cron

	// sample is swappable for tests.
	sample func(ctx context.Context) (Sample, error)
}

// New constructs the monitor service.
func New(cfg config.MonitorConfig, log *logger.Logger) *Service {
	return &Service{
		BaseService: registry.NewBase(ServiceType, log),
		schedule:    cfg.SampleSchedule,
		sample:      takeSample,
	}
}

// Init takes an initial sample and starts the cron runner.
func (s *Service) Init(ctx context.Context) error {
	return s.RunInit(ctx, func(ctx context.Context) error {
		if s.schedule == "" {
			s.schedule = "@every 30s"
		}

		first, err := s.sample(ctx)
		if err != nil {
			return fmt.Errorf("initial resource sample: %w", err)
		}
		s.setLatest(first)

		runner := cron.New()
		if _, err := runner.AddFunc(s.schedule, s.resample); err != nil {
			return fmt.Errorf("schedule %q: %w", s.schedule, err)
		}
		runner.Start()
		s.runner = runner

		s.Log().Infof("system monitor sampling on %q", s.schedule)
		return nil
	})
}

func (s *Service) resample() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sample, err := s.sample(ctx)
	if err != nil {
		s.Log().WithError(err).Warn("resource sample failed")
		return
	}
	s.setLatest(sample)
}

func (s *Service) setLatest(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = sample
}

// Latest returns the most recent sample.
func (s *Service) Latest() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Cleanup stops the cron runner.
func (s *Service) Cleanup(ctx context.Context) error {
	return s.RunCleanup(ctx, func(context.Context) error {
		if s.runner != nil {
			s.runner.Stop()
			s.runner = nil
		}
		return nil
	})
}

// GetStatus reports the latest sample in the snapshot details.
func (s *Service) GetStatus(ctx context.Context) registry.HealthSnapshot {
	if !s.IsInitialized() {
		return registry.HealthSnapshot{Healthy: false, Message: "monitor not initialized"}
	}

	latest := s.Latest()
	return registry.HealthSnapshot{
		Healthy: true,
		Message: "sampling",
		Details: map[string]any{
			"cpu_percent":    latest.CPUPercent,
			"memory_percent": latest.MemoryPercent,
			"memory_used_mb": latest.MemoryUsedMB,
			"uptime_seconds": latest.UptimeSeconds,
			"taken_at":       latest.TakenAt,
		},
	}
}

func takeSample(ctx context.Context) (Sample, error) {
	sample := Sample{TakenAt: time.Now().UTC()}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("cpu sample: %w", err)
	}
	if len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("memory sample: %w", err)
	}
	sample.MemoryPercent = vm.UsedPercent
	sample.MemoryUsedMB = vm.Used / (1024 * 1024)

	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("uptime sample: %w", err)
	}
	sample.UptimeSeconds = uptime

	return sample, nil
}
