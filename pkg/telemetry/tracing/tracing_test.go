package tracing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/goclaw/cortex/config"
)

type stubExporter struct {
	exportErr   error
	exportCalls atomic.Int32
	shutdown    atomic.Bool
	block       bool
}

func (s *stubExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	s.exportCalls.Add(1)
	return s.exportErr
}

func (s *stubExporter) Shutdown(ctx context.Context) error {
	s.shutdown.Store(true)
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func enabledConfig() config.TracingConfig {
	return config.TracingConfig{
		Enabled:    true,
		Exporter:   "otlpgrpc",
		Endpoint:   "localhost:4317",
		Timeout:    200 * time.Millisecond,
		Sampler:    "always_on",
		SampleRate: 1.0,
	}
}

// useExporter swaps the exporter factory and restores global otel state.
func useExporter(t *testing.T, exp sdktrace.SpanExporter) *bool {
	t.Helper()
	origFactory := newOTLPExporter
	origProvider := otel.GetTracerProvider()
	called := false
	newOTLPExporter = func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error) {
		called = true
		return exp, nil
	}
	t.Cleanup(func() {
		newOTLPExporter = origFactory
		otel.SetTracerProvider(origProvider)
	})
	return &called
}

func TestInit_Disabled(t *testing.T) {
	called := useExporter(t, &stubExporter{})

	shutdown, err := Init(context.Background(), config.TracingConfig{}, "cortex", "test")
	require.NoError(t, err)
	assert.False(t, *called)
	assert.NoError(t, shutdown(context.Background()))

	_, span := otel.Tracer("x").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
}

func TestInit_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.TracingConfig)
		wantErr string
	}{
		{name: "missing exporter", mutate: func(c *config.TracingConfig) { c.Exporter = "" }, wantErr: "exporter"},
		{name: "unknown exporter", mutate: func(c *config.TracingConfig) { c.Exporter = "zipkin" }, wantErr: "zipkin"},
		{name: "missing endpoint", mutate: func(c *config.TracingConfig) { c.Endpoint = " " }, wantErr: "endpoint"},
		{name: "zero timeout", mutate: func(c *config.TracingConfig) { c.Timeout = 0 }, wantErr: "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := useExporter(t, &stubExporter{})
			cfg := enabledConfig()
			tt.mutate(&cfg)

			_, err := Init(context.Background(), cfg, "cortex", "test")
			assert.ErrorContains(t, err, tt.wantErr)
			assert.False(t, *called)
		})
	}
}

func TestInit_ExportsAndShutsDown(t *testing.T) {
	exp := &stubExporter{}
	useExporter(t, exp)

	cfg := enabledConfig()
	cfg.Endpoint = "http://localhost:4317/v1/traces"
	shutdown, err := Init(context.Background(), cfg, "cortex", "test",
		WithEnvironment("staging"),
		WithResourceAttributes(attribute.String("cortex.storage", "badger")),
	)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "memory.recall")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, shutdown(ctx))
	assert.True(t, exp.shutdown.Load())
	assert.Positive(t, exp.exportCalls.Load())
}

func TestInit_ExporterFailureIsIsolated(t *testing.T) {
	exp := &stubExporter{exportErr: errors.New("collector down")}
	useExporter(t, exp)

	origReporter := reportExporterFailure
	t.Cleanup(func() { reportExporterFailure = origReporter })
	var reported []string
	reportExporterFailure = func(err error, exporter, endpoint string, spanCount int) {
		reported = append(reported, fmt.Sprintf("%s %s %d %v", exporter, endpoint, spanCount, err))
	}

	shutdown, err := Init(context.Background(), enabledConfig(), "cortex", "test")
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "memory.store_interaction")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, shutdown(ctx))
	require.NotEmpty(t, reported)
	assert.Equal(t, "otlpgrpc localhost:4317 1 collector down", reported[0])
}

func TestShutdown_Bounded(t *testing.T) {
	useExporter(t, &stubExporter{block: true})

	shutdown, err := Init(context.Background(), enabledConfig(), "cortex", "test")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = shutdown(ctx)

	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSelectSampler(t *testing.T) {
	assert.Contains(t, selectSampler(config.TracingConfig{Sampler: "always_on"}).Description(), "AlwaysOnSampler")
	assert.Contains(t, selectSampler(config.TracingConfig{Sampler: "always_off"}).Description(), "AlwaysOffSampler")
	assert.Contains(t, selectSampler(config.TracingConfig{Sampler: "ratio", SampleRate: 0.25}).Description(), "TraceIDRatioBased")
	assert.Contains(t, selectSampler(config.TracingConfig{Sampler: "parentbased_ratio", SampleRate: 0.25}).Description(), "ParentBased")
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "localhost:4317", normalizeEndpoint("localhost:4317"))
	assert.Equal(t, "localhost:4317", normalizeEndpoint(" http://localhost:4317/v1/traces "))
	assert.Equal(t, "", normalizeEndpoint(""))
}

func TestStartAndEndSpan(t *testing.T) {
	orig := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	_, failed := StartSpan(context.Background(), "cortex.memory", "memory.recall", attribute.Int("recall.limit", 5))
	EndSpan(failed, errors.New("embedding unavailable"))

	_, canceled := StartSpan(context.Background(), "cortex.memory", "memory.recall")
	EndSpan(canceled, fmt.Errorf("search: %w", context.Canceled))

	_, ok := StartSpan(context.Background(), "cortex.memory", "memory.store_interaction")
	EndSpan(ok, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "cortex.memory", spans[0].InstrumentationScope().Name)

	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "canceled", spans[1].Events()[0].Name)

	assert.Equal(t, codes.Unset, spans[2].Status().Code)
}
