package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/cortex/pkg/logger"
)

func TestLogger(t *testing.T) {
	tests := []struct {
		name          string
		method        string
		path          string
		handlerStatus int
		handlerBody   string
		wantLevel     string
	}{
		{
			name:          "successful recall",
			method:        http.MethodGet,
			path:          "/api/v1/sessions/s1/recall",
			handlerStatus: http.StatusOK,
			handlerBody:   `{"results":[]}`,
			wantLevel:     "INFO",
		},
		{
			name:          "stored interaction",
			method:        http.MethodPost,
			path:          "/api/v1/sessions/s1/interactions",
			handlerStatus: http.StatusCreated,
			handlerBody:   `{"outcome":"stored"}`,
			wantLevel:     "INFO",
		},
		{
			name:          "missing memory",
			method:        http.MethodGet,
			path:          "/api/v1/memories/unknown",
			handlerStatus: http.StatusNotFound,
			handlerBody:   `{"error":"not found"}`,
			wantLevel:     "WARN",
		},
		{
			name:          "embedding unavailable",
			method:        http.MethodGet,
			path:          "/api/v1/sessions/s1/recall",
			handlerStatus: http.StatusServiceUnavailable,
			handlerBody:   `{"error":"unavailable"}`,
			wantLevel:     "ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.NewWithWriter(&logger.Config{
				Level:  logger.DebugLevel,
				Format: "json",
			}, &buf)

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.handlerStatus)
				w.Write([]byte(tt.handlerBody))
			})

			wrapped := RequestID()(Logger(log)(handler))

			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("X-Request-ID", "req-42")
			w := httptest.NewRecorder()
			wrapped.ServeHTTP(w, req)

			assert.Equal(t, tt.handlerStatus, w.Code)
			assert.Equal(t, tt.handlerBody, w.Body.String())

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, "HTTP request", entry["message"])
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "req-42", entry["request_id"])
			assert.Equal(t, tt.path, entry["path"])
			assert.EqualValues(t, tt.handlerStatus, entry["status"])
			assert.EqualValues(t, len(tt.handlerBody), entry["bytes"])
		})
	}
}
