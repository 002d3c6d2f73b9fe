package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "item not found"}
	want := "NOT_FOUND: item not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_Is(t *testing.T) {
	err := fmt.Errorf("load item: %w", NewNotFoundError("item it-3 not found"))

	if !errors.Is(err, &ErrorEnvelope{Code: ErrNotFound}) {
		t.Error("errors.Is did not match on code")
	}
	if errors.Is(err, &ErrorEnvelope{Code: ErrConflict}) {
		t.Error("errors.Is matched a different code")
	}
	if errors.Is(err, errors.New(ErrNotFound)) {
		t.Error("errors.Is matched a non-envelope target")
	}
}

func TestErrorf(t *testing.T) {
	e := Errorf(ErrConflict, "item %q already exists", "it-1")
	if e.Code != ErrConflict || e.Message != `item "it-1" already exists` {
		t.Errorf("Errorf() = %+v", e)
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "item_ids", Code: "REQUIRED", Message: "at least one item is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "item_ids" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "item_ids")
	}
}

func TestWorkflowErrorConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"configuration", NewConfigurationError("no stages"), ErrConfiguration},
		{"invalid target", NewInvalidTargetError("before current"), ErrInvalidTarget},
		{"no valid transition", NewNoValidTransitionError("last stage"), ErrNoValidTransition},
		{"ledger", NewLedgerInconsistencyError("two open entries"), ErrLedgerInconsistency},
		{"persistence", NewPersistenceError("commit failed"), ErrPersistence},
		{"batch failed", NewBatchFailedError(3), ErrBatchFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("Message should not be empty")
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("move item: %w", NewInvalidTargetError("x"))
	if got := CodeOf(wrapped); got != ErrInvalidTarget {
		t.Errorf("CodeOf(wrapped) = %q, want %q", got, ErrInvalidTarget)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
}
