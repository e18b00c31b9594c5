package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/goclaw/cortex/pkg/memory"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failed request.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id"`
}

// Machine-readable error codes.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeTooManyRequests    = "TOO_MANY_REQUESTS"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// Request-level errors raised by the API layer itself.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrValidationFailed   = errors.New("validation failed")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrInternalServer     = errors.New("internal server error")
)

// statusRules is checked in order; the first rule with a matching target
// decides the status. Not found wins over the rest, so a missing record
// behind an open breaker is still a 404.
var statusRules = []struct {
	status  int
	targets []error
}{
	{http.StatusNotFound, []error{memory.ErrNotFound}},
	{http.StatusBadRequest, []error{memory.ErrInvalidInput, ErrInvalidInput, ErrValidationFailed}},
	{http.StatusServiceUnavailable, []error{memory.ErrEmbeddingUnavailable, memory.ErrCircuitOpen, memory.ErrClosed, ErrServiceUnavailable}},
	{http.StatusGatewayTimeout, []error{context.DeadlineExceeded}},
}

var statusCodes = map[int]string{
	http.StatusBadRequest:         ErrCodeBadRequest,
	http.StatusNotFound:           ErrCodeNotFound,
	http.StatusMethodNotAllowed:   ErrCodeMethodNotAllowed,
	http.StatusTooManyRequests:    ErrCodeTooManyRequests,
	http.StatusServiceUnavailable: ErrCodeServiceUnavailable,
	http.StatusGatewayTimeout:     ErrCodeGatewayTimeout,
}

// HTTPStatusFromError maps err onto an HTTP status. Unrecognised errors,
// including plain storage failures, are 500.
func HTTPStatusFromError(err error) int {
	for _, rule := range statusRules {
		for _, target := range rule.targets {
			if errors.Is(err, target) {
				return rule.status
			}
		}
	}
	return http.StatusInternalServerError
}

// ErrorCodeFromStatus returns the error code reported for status.
func ErrorCodeFromStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return ErrCodeInternalServer
}

// HandleError writes the error response for err. A 500 carries a generic
// message; the cause belongs in the server log, not the response.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatusFromError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = ErrInternalServer.Error()
	}
	Error(w, status, ErrorCodeFromStatus(status), message, requestID)
}
