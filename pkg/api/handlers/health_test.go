package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/cortex/pkg/memory"
)

type stubStats struct {
	stats memory.Stats
	err   error
}

func (s stubStats) Stats(ctx context.Context) (memory.Stats, error) {
	return s.stats, s.err
}

func TestHealthHandler_Health(t *testing.T) {
	handler := NewHealthHandler(stubStats{err: errors.New("down")})

	w := httptest.NewRecorder()
	handler.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		name       string
		source     stubStats
		wantStatus int
		wantReady  bool
	}{
		{name: "storage answers", source: stubStats{stats: memory.Stats{Enabled: true}}, wantStatus: http.StatusOK, wantReady: true},
		{name: "storage fails", source: stubStats{err: memory.ErrStorage}, wantStatus: http.StatusServiceUnavailable, wantReady: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(tt.source).Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantReady, body["ready"])
		})
	}
}

func TestHealthHandler_Status(t *testing.T) {
	handler := NewHealthHandler(stubStats{stats: memory.Stats{Enabled: true, STMCount: 3, STMCapacity: 20}})

	w := httptest.NewRecorder()
	handler.Status(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Version map[string]string `json:"version"`
		Memory  memory.Stats      `json:"memory"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Version["version"])
	assert.Equal(t, 3, body.Memory.STMCount)

	w = httptest.NewRecorder()
	NewHealthHandler(stubStats{err: memory.ErrClosed}).Status(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
