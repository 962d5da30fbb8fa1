package errors

import (
	"fmt"
	"strconv"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseSchedule Phase = "schedule" // task admission
	PhaseOpen     Phase = "open"     // native open
	PhaseExec     Phase = "exec"     // operation body execution
	PhaseClose    Phase = "close"    // native close
	PhaseFinalize Phase = "finalize" // holder-triggered destruction
	PhaseRuntime  Phase = "runtime"  // runtime setup and teardown
)

// Kind categorizes the error
type Kind string

const (
	KindResourceClosed Kind = "resource_closed"
	KindOpenFailed     Kind = "open_failed"
	KindCloseFailed    Kind = "close_failed"
	KindOpFailed       Kind = "op_failed"
	KindDriver         Kind = "driver"
	KindInvalidInput   Kind = "invalid_input"
	KindNotFound       Kind = "not_found"
	KindRegistration   Kind = "registration"
	KindPanic          Kind = "panic"
)

// Error is the structured error type used throughout the library
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Code   int // native status code, 0 when none
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Code != 0 {
		b.WriteString(" (status ")
		b.WriteString(strconv.Itoa(e.Code))
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Status returns the native status code, 0 when none was reported.
func (e *Error) Status() int {
	return e.Code
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Status sets the native status code
func (b *Builder) Status(code int) *Builder {
	b.err.Code = code
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// ResourceClosed creates the error delivered to any operation submitted to,
// or still queued on, a connection that has reached its terminal closed state.
func ResourceClosed(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindResourceClosed,
		Detail: "connection is closed",
	}
}

// OpenFailed creates an open failure error carrying the native status code.
func OpenFailed(status int, message string) *Error {
	return &Error{
		Phase:  PhaseOpen,
		Kind:   KindOpenFailed,
		Code:   status,
		Detail: message,
	}
}

// CloseFailed creates a close failure error carrying the native status code.
// The connection is marked not-open regardless of this error.
func CloseFailed(status int, message string) *Error {
	return &Error{
		Phase:  PhaseClose,
		Kind:   KindCloseFailed,
		Code:   status,
		Detail: message,
	}
}

// OperationFailed wraps a failure reported by a submitted operation body.
// The body's error is opaque to the scheduler and simply forwarded.
func OperationFailed(cause error) *Error {
	return &Error{
		Phase: PhaseExec,
		Kind:  KindOpFailed,
		Cause: cause,
	}
}

// Driver wraps a driver-reported error, lifting its native status code if
// the driver exposes one.
func Driver(phase Phase, cause error) *Error {
	return &Error{
		Phase: phase,
		Kind:  KindDriver,
		Code:  StatusOf(cause),
		Cause: cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a registration error
func Registration(name string, detail string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register driver %q: %s", name, detail),
	}
}

// Panicked wraps a panic recovered from an operation body or a completion
// continuation, so it can be reported without corrupting scheduler state.
func Panicked(phase Phase, value any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindPanic,
		Detail: fmt.Sprintf("recovered panic: %v", value),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// StatusOf extracts the native status code from err, walking the cause
// chain. Returns 0 when no status is attached.
func StatusOf(err error) int {
	for err != nil {
		if sc, ok := err.(interface{ Status() int }); ok {
			return sc.Status()
		}
		if u, ok := err.(interface{ Unwrap() error }); ok {
			err = u.Unwrap()
			continue
		}
		return 0
	}
	return 0
}
