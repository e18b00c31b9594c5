// Package api assembles the memory service's HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/cortex/config"
	"github.com/goclaw/cortex/pkg/api/handlers"
	"github.com/goclaw/cortex/pkg/api/middleware"
	"github.com/goclaw/cortex/pkg/api/response"
	"github.com/goclaw/cortex/pkg/logger"
)

// Handlers groups the endpoint implementations. Nil members leave their
// routes unregistered, except /health which always answers.
type Handlers struct {
	Health *handlers.HealthHandler
	Memory *handlers.MemoryHandler

	// Metrics records per-route request metrics when set.
	Metrics middleware.MetricsRecorder
}

// NewRouter builds the chi router. Every route shares request ids, tracing,
// access logs, panic recovery, metrics and CORS. Rate limiting and the
// request timeout apply to /api/v1 only, so probes stay cheap and always
// answer.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID(),
		middleware.Tracing(middleware.DefaultTracingOptions()),
		middleware.Logger(log),
		middleware.Recovery(log),
	)
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}
	r.Use(middleware.CORS(&cfg.Server.CORS))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound,
			"Route not found", middleware.GetRequestID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed,
			"Method not allowed", middleware.GetRequestID(r.Context()))
	})

	// chi builds the middleware chain on the first route, so liveness is
	// always mounted.
	health := h.Health
	if health == nil {
		health = handlers.NewHealthHandler(nil)
	} else {
		r.Get("/ready", health.Ready)
		r.Get("/status", health.Status)
	}
	r.Get("/health", health.Health)

	if h.Memory != nil {
		r.Route("/api/v1", func(api chi.Router) {
			api.Use(
				middleware.RateLimit(&cfg.Server.RateLimit),
				middleware.Timeout(cfg.Server.HTTP.RequestTimeout),
			)
			mountMemoryRoutes(api, h.Memory)
		})
	}

	return r
}

func mountMemoryRoutes(r chi.Router, m *handlers.MemoryHandler) {
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Post("/interactions", m.StoreInteraction)
		r.Get("/recall", m.Recall)
		r.Get("/memories", m.ListSessionMemories)
	})

	r.Route("/memories", func(r chi.Router) {
		r.Get("/", m.ListMemories)
		r.Get("/{id}", m.GetMemory)
		r.Delete("/{id}", m.DeleteMemory)
		r.Post("/{id}/feedback", m.RecordFeedback)
	})

	r.Get("/feedback/stats", m.FeedbackStats)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/cleanup", m.Cleanup)
		r.Get("/stats", m.Stats)
		r.Put("/enabled", m.SetEnabled)
	})
}
