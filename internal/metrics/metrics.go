// Package metrics exposes Prometheus collectors for the workspace layer:
// registry lifecycle sweeps, lazy materializations, and the HTTP surface.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "workspace_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workspace_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "workspace_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	// StartupDuration observes full InitializeServices sweeps.
	StartupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "workspace_layer",
			Subsystem: "registry",
			Name:      "startup_duration_seconds",
			Help:      "Duration of full service initialization sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	// CleanupDuration observes full CleanupServices sweeps.
	CleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "workspace_layer",
			Subsystem: "registry",
			Name:      "cleanup_duration_seconds",
			Help:      "Duration of full service cleanup sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	// ServiceInits counts per-service initialization outcomes.
	ServiceInits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workspace_layer",
			Subsystem: "registry",
			Name:      "service_inits_total",
			Help:      "Total number of service initializations by outcome.",
		},
		[]string{"service_type", "status"},
	)

	// ServiceCleanups counts per-service cleanup outcomes.
	ServiceCleanups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workspace_layer",
			Subsystem: "registry",
			Name:      "service_cleanups_total",
			Help:      "Total number of service cleanups by outcome.",
		},
		[]string{"service_type", "status"},
	)

	// LiveServices tracks the number of live service instances.
	LiveServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "workspace_layer",
			Subsystem: "registry",
			Name:      "live_services",
			Help:      "Current number of live service instances across all scopes.",
		},
	)

	// LazyMaterializations counts services constructed from factories on a
	// lookup miss.
	LazyMaterializations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "workspace_layer",
			Subsystem: "registry",
			Name:      "lazy_materializations_total",
			Help:      "Total number of services lazily constructed from factories.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		StartupDuration,
		CleanupDuration,
		ServiceInits,
		ServiceCleanups,
		LiveServices,
		LazyMaterializations,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the instrumented writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}

// canonicalPath collapses IDs out of the workspace routes so metric
// cardinality stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "v1" {
		return "/" + parts[0]
	}
	if len(parts) < 2 {
		return "/v1"
	}
	switch parts[1] {
	case "workspaces":
		if len(parts) == 2 {
			return "/v1/workspaces"
		}
		if len(parts) == 3 {
			return "/v1/workspaces/:workspace"
		}
		return "/v1/workspaces/:workspace/" + parts[3]
	default:
		return "/v1/" + parts[1]
	}
}
