package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type recordedRequest struct {
	method  string
	path    string
	status  string
	traceID string
}

type mockMetricsRecorder struct {
	mu          sync.Mutex
	requests    []recordedRequest
	activeConns int
}

func (m *mockMetricsRecorder) RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := recordedRequest{method: method, path: path, status: status}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		rec.traceID = sc.TraceID().String()
	}
	m.requests = append(m.requests, rec)
}

func (m *mockMetricsRecorder) IncActiveConnections() {
	m.mu.Lock()
	m.activeConns++
	m.mu.Unlock()
}

func (m *mockMetricsRecorder) DecActiveConnections() {
	m.mu.Lock()
	m.activeConns--
	m.mu.Unlock()
}

func TestMetrics_Success(t *testing.T) {
	mock := &mockMetricsRecorder{}

	handler := Metrics(mock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/memories", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, mock.requests, 1)
	assert.Equal(t, "200", mock.requests[0].status)
	assert.Equal(t, 0, mock.activeConns)
}

func TestMetrics_SkipMetricsEndpoint(t *testing.T) {
	mock := &mockMetricsRecorder{}

	handler := Metrics(mock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Empty(t, mock.requests)
}

func TestMetrics_CaptureStatusCode(t *testing.T) {
	mock := &mockMetricsRecorder{}

	handler := Metrics(mock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/notfound", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	require.Len(t, mock.requests, 1)
	assert.Equal(t, "404", mock.requests[0].status)
}

func TestMetrics_HandlePanic(t *testing.T) {
	mock := &mockMetricsRecorder{}

	handler := Metrics(mock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	assert.Panics(t, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/panic", nil))
	})
	require.Len(t, mock.requests, 1)
	assert.Equal(t, "500", mock.requests[0].status)
	assert.Equal(t, 0, mock.activeConns)
}

func TestMetrics_UsesRoutePattern(t *testing.T) {
	mock := &mockMetricsRecorder{}

	r := chi.NewRouter()
	r.Use(Metrics(mock))
	r.Get("/api/v1/memories/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/memories/mem-abc", nil))

	require.Len(t, mock.requests, 1)
	assert.Equal(t, "/api/v1/memories/{id}", mock.requests[0].path)
}

func TestMetrics_PassesTraceContext(t *testing.T) {
	mock := &mockMetricsRecorder{}
	handler := Metrics(mock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		SpanID:     trace.SpanID{2, 2, 2, 2, 2, 2, 2, 2},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/memories", nil).WithContext(ctx)

	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, mock.requests, 1)
	assert.Equal(t, spanCtx.TraceID().String(), mock.requests[0].traceID)
}

func TestMetrics_UnmatchedRouteLabel(t *testing.T) {
	mock := &mockMetricsRecorder{}

	r := chi.NewRouter()
	r.Use(Metrics(mock))
	r.Get("/api/v1/memories/{id}", func(w http.ResponseWriter, r *http.Request) {})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/random/550e8400-e29b-41d4", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	require.Len(t, mock.requests, 1)
	assert.Equal(t, unmatchedRoute, mock.requests[0].path)
	assert.Equal(t, "404", mock.requests[0].status)
}

func TestMetrics_ImplicitOK(t *testing.T) {
	mock := &mockMetricsRecorder{}
	handler := Metrics(mock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/memories", nil))

	require.Len(t, mock.requests, 1)
	assert.Equal(t, "200", mock.requests[0].status)
}
