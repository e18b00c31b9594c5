package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/goclaw/cortex/pkg/api/response"
	"github.com/goclaw/cortex/pkg/logger"
)

// Recovery turns a handler panic into a logged 500. The panic value stays
// in the log; the client only sees a generic error with its request id.
// http.ErrAbortHandler is re-raised so the server can abort the connection.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &headerTracker{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				log.ErrorContext(r.Context(), "Panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"headers_sent", tw.sent,
					"stack", string(debug.Stack()),
				)
				if tw.sent {
					return
				}

				requestID := GetRequestID(r.Context())
				if requestID == "" {
					requestID = "unknown"
				}
				response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer,
					response.ErrInternalServer.Error(), requestID)
			}()

			next.ServeHTTP(tw, r)
		})
	}
}

// headerTracker notes whether the status line has gone out.
type headerTracker struct {
	http.ResponseWriter
	sent bool
}

func (t *headerTracker) WriteHeader(code int) {
	t.sent = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *headerTracker) Write(b []byte) (int, error) {
	t.sent = true
	return t.ResponseWriter.Write(b)
}
