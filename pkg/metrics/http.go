package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
)

func (m *Manager) initHTTPMetrics(f promauto.Factory, cfg Config) {
	m.httpRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by method, route and status",
	}, []string{"method", "path", "status"})

	m.httpDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   cfg.HTTPDurationBuckets,
	}, []string{"method", "path"})

	m.httpConnections = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "active_connections",
		Help:      "HTTP requests currently in flight",
	})
}

// RecordHTTPRequest counts one request and observes its latency. A sampled
// span in ctx is attached to the observation as an exemplar.
func (m *Manager) RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()

	obs := m.httpDuration.WithLabelValues(method, path)
	labels, sampled := traceExemplarLabels(ctx)
	if eo, ok := obs.(prometheus.ExemplarObserver); ok && sampled {
		eo.ObserveWithExemplar(duration.Seconds(), labels)
		return
	}
	obs.Observe(duration.Seconds())
}

// IncActiveConnections marks a request as started.
func (m *Manager) IncActiveConnections() {
	if m.enabled {
		m.httpConnections.Inc()
	}
}

// DecActiveConnections marks a request as finished.
func (m *Manager) DecActiveConnections() {
	if m.enabled {
		m.httpConnections.Dec()
	}
}

func traceExemplarLabels(ctx context.Context) (prometheus.Labels, bool) {
	if ctx == nil {
		return nil, false
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil, false
	}
	return prometheus.Labels{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	}, true
}
