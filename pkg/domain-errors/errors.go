// Package domainerrors provides the coded error type shared by all
// subsystems. Services construct these at the point where a precondition
// fails; transports translate codes to their own status vocabulary.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a domain failure. Every operation aborts with exactly one
// code; the calling environment decides whether to resubmit.
type Code string

const (
	// CodeUnauthorized: caller is not the owner or required capability holder.
	CodeUnauthorized Code = "unauthorized"
	// CodeForbidden: caller is authenticated but the action is not permitted.
	CodeForbidden Code = "forbidden"
	// CodeNotFound: referenced entry, config, or request is absent.
	CodeNotFound Code = "not_found"
	// CodeConflict: duplicate where uniqueness is required.
	CodeConflict Code = "conflict"
	// CodeExpired: a recovery window or entry expiration has passed at
	// evaluation time.
	CodeExpired Code = "expired"
	// CodeValidation: parameter out of bounds (threshold, empty scopes, ...).
	CodeValidation Code = "validation"
	// CodeInvariantViolation: operation requires an aggregate state that does
	// not hold, e.g. an active identity that is deactivated.
	CodeInvariantViolation Code = "invariant_violation"
	// CodeStateConflict: state machine refuses the transition, e.g.
	// initiating recovery while a request is already pending.
	CodeStateConflict Code = "state_conflict"
	// CodeTimelockNotExpired: recovery completion attempted before the
	// configured timelock elapsed.
	CodeTimelockNotExpired Code = "timelock_not_expired"
	// CodeInsufficientVotes: recovery completion attempted below threshold.
	CodeInsufficientVotes Code = "insufficient_votes"
	// CodeBadRequest: transport-level malformed input.
	CodeBadRequest Code = "bad_request"
	// CodeTimeout: transaction aborted by context cancellation or deadline.
	CodeTimeout Code = "timeout"
	// CodeInternal: unexpected infrastructure failure.
	CodeInternal Code = "internal"
)

// Error is the coded error carried across service boundaries. It wraps an
// optional cause so errors.Is/As keep working through it.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a coded error with no underlying cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) error {
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether err or anything it wraps carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	for errors.As(err, &de) {
		if de.Code == code {
			return true
		}
		err = de.Err
		if err == nil {
			return false
		}
	}
	return false
}

// CodeOf returns the outermost code on err, or CodeInternal when err carries
// none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a code to the status the thin HTTP wrapper reports.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeStateConflict:
		return http.StatusConflict
	case CodeExpired, CodeTimelockNotExpired, CodeInsufficientVotes:
		return http.StatusPreconditionFailed
	case CodeValidation, CodeBadRequest:
		return http.StatusBadRequest
	case CodeInvariantViolation:
		return http.StatusUnprocessableEntity
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
