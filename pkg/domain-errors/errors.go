// Package domainerrors provides coded domain errors with structured details.
//
// Services return these so transport layers can translate codes into HTTP
// statuses and auditors can reconstruct why an operation was rejected without
// parsing message strings. Infrastructure facts (not found, expired) live in
// pkg/platform/sentinel; this package is for domain-level outcomes.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies a class of domain error.
type Code string

const (
	CodeBadRequest  Code = "bad_request"
	CodeForbidden   Code = "forbidden"
	CodeNotFound    Code = "not_found"
	CodeConflict    Code = "conflict"
	CodeInternal    Code = "internal"
	CodeUnavailable Code = "unavailable"

	// Policy violation codes. Non-retryable; surfaced to the caller with the
	// full Details map so audits can reconstruct the rejected request.
	CodePolicyNonEmpty     Code = "B1"
	CodePolicyMonotonicity Code = "B2"
	CodePolicyMinimum      Code = "B3"

	// Integrity violation codes. Hard rejects: proceeding would corrupt
	// evidentiary value.
	CodeSnapshotMismatch  Code = "snapshot_mismatch"
	CodeTokenExpired      Code = "token_expired"
	CodeTokenRevoked      Code = "token_revoked"
	CodeAttemptsExhausted Code = "attempts_exhausted"
	CodeStageRegression   Code = "stage_regression"

	// External-service degradation. Retryable; never fatal to the primary
	// certification path.
	CodeAnchorPrecondition Code = "anchor_precondition"
	CodeExternalTimeout    Code = "external_timeout"
	CodeKeyMissing         Code = "key_missing"
)

// Error is a coded domain error with optional structured details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded domain error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetails returns a copy of the error carrying structured details.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from err, or CodeInternal if err is not coded.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Retryable reports whether the error class is safe to retry. Policy and
// integrity violations are final; external degradation is not.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeAnchorPrecondition, CodeExternalTimeout, CodeConflict:
		return true
	}
	return false
}
