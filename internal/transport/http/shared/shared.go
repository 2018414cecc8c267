// Package shared centralizes JSON response writing and domain error
// translation so handlers stay thin.
package shared

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "veridoc/pkg/domain-errors"
	"veridoc/pkg/platform/sentinel"
)

// ErrorBody is the wire shape for all error responses.
type ErrorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates domain and sentinel errors into HTTP responses.
// Policy and integrity violations map to 4xx so callers know retrying the
// same request cannot succeed; degradation maps to 503.
func WriteError(w http.ResponseWriter, err error) {
	var de *dErrors.Error
	if errors.As(err, &de) {
		body := ErrorBody{Error: string(de.Code), Message: de.Message, Details: de.Details}
		WriteJSON(w, statusFor(de.Code), body)
		return
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		WriteJSON(w, http.StatusNotFound, ErrorBody{Error: "not_found"})
	case errors.Is(err, sentinel.ErrExpired):
		WriteJSON(w, http.StatusGone, ErrorBody{Error: "expired"})
	case errors.Is(err, sentinel.ErrConflict):
		WriteJSON(w, http.StatusConflict, ErrorBody{Error: "conflict"})
	case errors.Is(err, sentinel.ErrUnavailable):
		WriteJSON(w, http.StatusServiceUnavailable, ErrorBody{Error: "unavailable"})
	default:
		WriteJSON(w, http.StatusInternalServerError, ErrorBody{Error: "internal"})
	}
}

func statusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest,
		dErrors.CodePolicyNonEmpty,
		dErrors.CodePolicyMonotonicity,
		dErrors.CodePolicyMinimum:
		return http.StatusBadRequest
	case dErrors.CodeForbidden,
		dErrors.CodeTokenExpired,
		dErrors.CodeTokenRevoked:
		return http.StatusForbidden
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict,
		dErrors.CodeStageRegression,
		dErrors.CodeSnapshotMismatch:
		return http.StatusConflict
	case dErrors.CodeAttemptsExhausted:
		return http.StatusTooManyRequests
	case dErrors.CodeAnchorPrecondition:
		return http.StatusPreconditionFailed
	case dErrors.CodeUnavailable, dErrors.CodeExternalTimeout:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
