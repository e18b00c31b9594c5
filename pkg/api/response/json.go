// Package response provides HTTP response utilities.
package response

import (
	"encoding/json"
	"net/http"
)

// encodeFailure is written when a payload cannot be marshaled. It is built
// by hand so it can never fail itself.
var encodeFailure = []byte(`{"error":{"code":"` + ErrCodeInternalServer + `","message":"response encoding failed"}}` + "\n")

// JSON writes data as a JSON response. The payload is marshaled before
// anything is sent, so a value that cannot be encoded turns into a 500
// instead of a truncated body under the original status.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	if data == nil {
		w.WriteHeader(statusCode)
		return
	}

	body, err := json.Marshal(data)
	if err != nil {
		statusCode = http.StatusInternalServerError
		body = encodeFailure
	} else {
		body = append(body, '\n')
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// Error writes the standard error envelope.
func Error(w http.ResponseWriter, statusCode int, code, message string, requestID string) {
	ErrorWithDetails(w, statusCode, code, message, nil, requestID)
}

// ErrorWithDetails writes the error envelope with per-field details, as
// produced by request validation.
func ErrorWithDetails(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}, requestID string) {
	JSON(w, statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	})
}
