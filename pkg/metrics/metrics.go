// Package metrics exposes Prometheus instrumentation for the memory
// service and its HTTP API.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goclaw/cortex/pkg/version"
)

const namespace = "cortex"

// Manager owns a private registry and every collector the service
// publishes. A disabled Manager accepts every call and records nothing.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	ingestTotal         *prometheus.CounterVec
	recallDuration      prometheus.Histogram
	recallResults       prometheus.Histogram
	embeddingDuration   *prometheus.HistogramVec
	breakerState        *prometheus.GaugeVec
	promotionQueueDepth prometheus.Gauge
	promotionTotal      *prometheus.CounterVec
	retentionDeleted    *prometheus.CounterVec
	storeRecords        prometheus.Gauge
	storeBytes          prometheus.Gauge
	indexTombstones     prometheus.Gauge

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge
}

// Config selects the endpoint and histogram buckets.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	RecallDurationBuckets    []float64
	RecallResultBuckets      []float64
	EmbeddingDurationBuckets []float64
	HTTPDurationBuckets      []float64
}

// DefaultConfig serves /metrics on port 9091.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		Port:                     9091,
		Path:                     "/metrics",
		RecallDurationBuckets:    []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		RecallResultBuckets:      []float64{0, 1, 2, 5, 10, 20, 50},
		EmbeddingDurationBuckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		HTTPDurationBuckets:      prometheus.DefBuckets,
	}
}

// NewManager registers the runtime, build, memory and HTTP collectors on
// a fresh registry.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return NoOpManager()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Manager{registry: reg, enabled: true}
	f := promauto.With(reg)

	f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata of the running binary; always 1",
		ConstLabels: prometheus.Labels{
			"version":    version.Version,
			"commit":     version.GitCommit,
			"go_version": version.GoVersion,
		},
	}).Set(1)

	m.initMemoryMetrics(f, cfg)
	m.initHTTPMetrics(f, cfg)
	return m
}

// NoOpManager returns a disabled Manager.
func NoOpManager() *Manager {
	return &Manager{}
}

// Enabled reports whether metrics are collected.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus or OpenMetrics format.
// A disabled Manager answers 404.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// StartServer serves Handler at path on port until ctx is done. It returns
// nil after a clean shutdown and immediately when metrics are disabled.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}
