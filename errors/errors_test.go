package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseOpen,
				Kind:   KindOpenFailed,
				Code:   14,
				Detail: "unable to open database file",
			},
			contains: []string{"[open]", "open_failed", "status 14", "unable to open database file"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseSchedule,
				Kind:  KindResourceClosed,
			},
			contains: []string{"[schedule]", "resource_closed"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseExec,
				Kind:   KindOpFailed,
				Detail: "command rejected",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[exec]", "op_failed", "command rejected", "caused by: underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, missing %q", msg, want)
				}
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	closed := ResourceClosed(PhaseSchedule)

	if !errors.Is(closed, &Error{Phase: PhaseSchedule, Kind: KindResourceClosed}) {
		t.Error("expected Is to match same phase and kind")
	}
	if errors.Is(closed, &Error{Phase: PhaseFinalize, Kind: KindResourceClosed}) {
		t.Error("expected Is to reject different phase")
	}
	if errors.Is(closed, &Error{Phase: PhaseSchedule, Kind: KindOpenFailed}) {
		t.Error("expected Is to reject different kind")
	}
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("body failure")
	wrapped := OperationFailed(inner)

	if !errors.Is(wrapped, inner) {
		t.Error("expected wrapped error to match inner via errors.Is")
	}
	if wrapped.Unwrap() != inner {
		t.Error("Unwrap did not return the cause")
	}
}

func TestBuilder(t *testing.T) {
	err := New(PhaseClose, KindCloseFailed).
		Status(5).
		Detail("database is %s", "busy").
		Build()

	if err.Phase != PhaseClose || err.Kind != KindCloseFailed {
		t.Errorf("unexpected phase/kind: %s/%s", err.Phase, err.Kind)
	}
	if err.Code != 5 {
		t.Errorf("Code = %d, want 5", err.Code)
	}
	if err.Detail != "database is busy" {
		t.Errorf("Detail = %q", err.Detail)
	}
}

type statusErr struct{ code int }

func (e statusErr) Error() string { return fmt.Sprintf("native status %d", e.code) }
func (e statusErr) Status() int   { return e.code }

func TestStatusOf(t *testing.T) {
	if got := StatusOf(statusErr{code: 21}); got != 21 {
		t.Errorf("StatusOf = %d, want 21", got)
	}

	wrapped := fmt.Errorf("open: %w", statusErr{code: 14})
	if got := StatusOf(wrapped); got != 14 {
		t.Errorf("StatusOf(wrapped) = %d, want 14", got)
	}

	if got := StatusOf(errors.New("plain")); got != 0 {
		t.Errorf("StatusOf(plain) = %d, want 0", got)
	}
	if got := StatusOf(nil); got != 0 {
		t.Errorf("StatusOf(nil) = %d, want 0", got)
	}
}

func TestDriver_LiftsStatus(t *testing.T) {
	err := Driver(PhaseOpen, statusErr{code: 14})
	if err.Code != 14 {
		t.Errorf("Code = %d, want 14", err.Code)
	}
	if err.Status() != 14 {
		t.Errorf("Status() = %d, want 14", err.Status())
	}
}
