package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dag"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/steprun"
)

// Error codes for consistent error identification.
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeValidation     = "validation_failed"
	ErrCodeInvalidGraph   = "invalid_graph"
	ErrCodeConflict       = "conflict"
	ErrCodeInvalidState   = "invalid_state_transition"
	ErrCodeUnsupported    = "unsupported"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string                 `json:"error"`                // Short error code
	Message   string                 `json:"message"`              // Human-readable message
	Details   map[string]interface{} `json:"details,omitempty"`    // Optional additional details
	RequestID string                 `json:"request_id,omitempty"` // Request ID for correlation
}

// requestIDContextKey is the context key for request ID.
type requestIDContextKey struct{}

// RequestIDKey is the exported context key for request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusUnprocessableEntity:
		return ErrCodeValidation
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusNotImplemented:
		return ErrCodeUnsupported
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

// classify maps domain errors to a status and error code.
func classify(err error) (int, string) {
	var (
		cyc   *dag.CyclicGraphError
		unk   *dag.UnknownDependencyError
		dup   *dag.DuplicateStepError
		trans *steprun.InvalidStateTransitionError
	)
	switch {
	case errors.Is(err, runstore.ErrPipelineNotFound),
		errors.Is(err, runstore.ErrRunNotFound),
		errors.Is(err, runstore.ErrStepRunNotFound),
		errors.Is(err, runstore.ErrArtifactNotFound),
		errors.Is(err, dataflow.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.As(err, &cyc), errors.As(err, &unk), errors.As(err, &dup):
		return http.StatusUnprocessableEntity, ErrCodeInvalidGraph
	case errors.As(err, &trans):
		return http.StatusConflict, ErrCodeInvalidState
	case errors.Is(err, scheduler.ErrRunActive),
		errors.Is(err, scheduler.ErrRunFinished),
		errors.Is(err, runstore.ErrAlreadyExists):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, dataflow.ErrUnsupported):
		return http.StatusNotImplemented, ErrCodeUnsupported
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, ErrCodeServiceUnavail
	default:
		return http.StatusInternalServerError, ErrCodeInternalError
	}
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]interface{}) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
