// Package middleware provides the HTTP middleware chain of the memory API.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/goclaw/cortex/pkg/logger"
)

// Logger writes one access log record per request. 5xx responses log at
// error level, 4xx at warn and probe traffic at debug.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := responseStatus(ww)
			args := []any{
				"request_id", GetRequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"route", routePattern(r),
				"status", status,
				"duration_ms", float64(time.Since(start).Microseconds()) / 1000,
				"bytes", ww.BytesWritten(),
				"remote_addr", r.RemoteAddr,
			}
			if sid := chi.URLParam(r, "sessionID"); sid != "" {
				args = append(args, "session_id", sid)
			}
			if ua := r.UserAgent(); ua != "" {
				args = append(args, "user_agent", ua)
			}

			ctx := r.Context()
			switch {
			case status >= http.StatusInternalServerError:
				log.ErrorContext(ctx, "HTTP request", args...)
			case status >= http.StatusBadRequest:
				log.WarnContext(ctx, "HTTP request", args...)
			case isProbe(r.URL.Path):
				log.DebugContext(ctx, "HTTP request", args...)
			default:
				log.InfoContext(ctx, "HTTP request", args...)
			}
		})
	}
}

// responseStatus treats a handler that wrote nothing as 200.
func responseStatus(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

func isProbe(path string) bool {
	return path == "/health" || path == "/ready"
}
