// Package errors provides structured error types for the conn-runtime library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type includes rich context: the native status code reported by the
// driver, a human-readable detail, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseOpen, errors.KindOpenFailed).
//		Status(14).
//		Detail("unable to open database file").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.ResourceClosed(errors.PhaseSchedule)
//	err := errors.OpenFailed(14, "unable to open database file")
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
