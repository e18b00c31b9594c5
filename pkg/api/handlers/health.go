// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/goclaw/cortex/pkg/api/middleware"
	"github.com/goclaw/cortex/pkg/api/response"
	"github.com/goclaw/cortex/pkg/memory"
	"github.com/goclaw/cortex/pkg/version"
)

const readyTimeout = 2 * time.Second

// StatsSource reports the memory system's state for probes.
type StatsSource interface {
	Stats(ctx context.Context) (memory.Stats, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	source  StatsSource
	started time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(source StatsSource) *HealthHandler {
	return &HealthHandler{
		source:  source,
		started: time.Now(),
	}
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles the /ready endpoint (readiness probe). The service is ready
// when long-term storage answers a stats query.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if _, err := h.source.Stats(ctx); err != nil {
		response.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"error": err.Error(),
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]bool{
		"ready": true,
	})
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.source.Stats(r.Context())
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"version": version.Info(),
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"memory":  stats,
	})
}
