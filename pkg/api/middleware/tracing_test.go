package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setTracingTestProvider(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	return recorder
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	})
}

func TestTracing_ContinuesInboundTrace(t *testing.T) {
	recorder := setTracingTestProvider(t)

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		SpanID:     trace.SpanID{2, 2, 2, 2, 2, 2, 2, 2},
		TraceFlags: trace.FlagsSampled,
	})
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(trace.ContextWithSpanContext(context.Background(), parent), carrier)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/memories", nil)
	for k, v := range carrier {
		req.Header.Set(k, v)
	}
	Tracing(DefaultTracingOptions())(statusHandler(http.StatusOK)).ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, parent.TraceID(), spans[0].Parent().TraceID())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
}

func TestTracing_RootSpanWithoutHeaders(t *testing.T) {
	recorder := setTracingTestProvider(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/memories", nil)
	Tracing(DefaultTracingOptions())(statusHandler(http.StatusOK)).ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.False(t, spans[0].Parent().IsValid())
	assert.Equal(t, "GET /api/v1/memories", spans[0].Name())
}

func TestTracing_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		code int
		want otelcodes.Code
	}{
		{name: "2xx unset", code: http.StatusCreated, want: otelcodes.Unset},
		{name: "4xx unset", code: http.StatusNotFound, want: otelcodes.Unset},
		{name: "5xx error", code: http.StatusServiceUnavailable, want: otelcodes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := setTracingTestProvider(t)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/cleanup", nil)
			Tracing(DefaultTracingOptions())(statusHandler(tt.code)).ServeHTTP(httptest.NewRecorder(), req)

			spans := recorder.Ended()
			require.Len(t, spans, 1)
			assert.Equal(t, tt.want, spans[0].Status().Code)
			v, ok := attrValue(spans[0].Attributes(), "http.response.status_code")
			require.True(t, ok)
			assert.EqualValues(t, tt.code, v.AsInt64())
		})
	}
}

func TestTracing_RouteAttributes(t *testing.T) {
	recorder := setTracingTestProvider(t)

	r := chi.NewRouter()
	r.Use(RequestID(), Tracing(DefaultTracingOptions()))
	r.Get("/api/v1/sessions/{sessionID}/recall", statusHandler(http.StatusOK).ServeHTTP)
	r.Delete("/api/v1/memories/{id}", statusHandler(http.StatusNoContent).ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s-1/recall?query=x", nil)
	req.Header.Set(RequestIDHeader, "req-9")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/v1/memories/m-1", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	recall := spans[0]
	assert.Equal(t, "GET /api/v1/sessions/{sessionID}/recall", recall.Name())
	v, ok := attrValue(recall.Attributes(), "session.id")
	require.True(t, ok)
	assert.Equal(t, "s-1", v.AsString())
	v, ok = attrValue(recall.Attributes(), "http.request.id")
	require.True(t, ok)
	assert.Equal(t, "req-9", v.AsString())

	del := spans[1]
	assert.Equal(t, "DELETE /api/v1/memories/{id}", del.Name())
	v, ok = attrValue(del.Attributes(), "memory.id")
	require.True(t, ok)
	assert.Equal(t, "m-1", v.AsString())
}

func TestTracing_SkipsProbes(t *testing.T) {
	recorder := setTracingTestProvider(t)

	handler := Tracing(DefaultTracingOptions())(statusHandler(http.StatusOK))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Empty(t, recorder.Ended())
}
