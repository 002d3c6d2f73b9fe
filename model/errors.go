package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrConfiguration       = "CONFIGURATION_ERROR"
	ErrInvalidTarget       = "INVALID_TARGET"
	ErrNoValidTransition   = "NO_VALID_TRANSITION"
	ErrLedgerInconsistency = "LEDGER_INCONSISTENCY"
	ErrPersistence         = "PERSISTENCE_ERROR"
	ErrBatchFailed         = "BATCH_FAILED"
)

// ErrorEnvelope is the error body every API failure is rendered as. It is
// also the error value passed between packages, so callers can branch on
// Code with errors.Is or CodeOf.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

func (e *ErrorEnvelope) Error() string {
	return e.Code + ": " + e.Message
}

// Is reports whether target is an envelope with the same code, so
// errors.Is(err, &ErrorEnvelope{Code: ErrNotFound}) matches any not-found.
func (e *ErrorEnvelope) Is(target error) bool {
	t, ok := target.(*ErrorEnvelope)
	return ok && t.Code == e.Code
}

// FieldError is one entry of a VALIDATION_ERROR's details.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the code of the envelope wrapped by err, or "" when there
// is none.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// Errorf builds an envelope with a formatted message.
func Errorf(code, format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: fmt.Sprintf(format, args...)}
}

func newError(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return newError(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return newError(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return newError(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return newError(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope     { return newError(ErrConflict, msg) }

// NewInternalError hides the underlying cause; log it before returning this.
func NewInternalError() *ErrorEnvelope {
	return newError(ErrInternalError, "An unexpected error occurred")
}

func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := newError(ErrValidationError, "One or more fields are invalid")
	e.Details = details
	return e
}

// NewConfigurationError reports a workflow graph that cannot be built.
func NewConfigurationError(msg string) *ErrorEnvelope { return newError(ErrConfiguration, msg) }

// NewInvalidTargetError reports an explicit target that is unknown or does
// not lie after the item's current position.
func NewInvalidTargetError(msg string) *ErrorEnvelope { return newError(ErrInvalidTarget, msg) }

// NewNoValidTransitionError reports an item that has nowhere to move.
func NewNoValidTransitionError(msg string) *ErrorEnvelope {
	return newError(ErrNoValidTransition, msg)
}

// NewLedgerInconsistencyError reports an item whose history holds more than
// one open entry.
func NewLedgerInconsistencyError(msg string) *ErrorEnvelope {
	return newError(ErrLedgerInconsistency, msg)
}

func NewPersistenceError(msg string) *ErrorEnvelope { return newError(ErrPersistence, msg) }

// NewBatchFailedError summarizes a batch in which no item moved.
func NewBatchFailedError(failed int) *ErrorEnvelope {
	return Errorf(ErrBatchFailed, "all %d item(s) failed to move", failed)
}
