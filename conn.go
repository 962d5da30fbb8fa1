package connruntime

import "context"

// Mode is a bit set of open flags passed through to the driver.
type Mode uint32

const (
	ModeReadOnly  Mode = 1 << 0
	ModeReadWrite Mode = 1 << 1
	ModeCreate    Mode = 1 << 2

	// ModeSerialized requests full native-side serialization of handle
	// access. The runtime always ORs it in before the driver sees the
	// mode; drivers that have no such concept may ignore it.
	ModeSerialized Mode = 1 << 16

	// ModeDefault is what callers get when they pass no explicit mode.
	ModeDefault = ModeReadWrite | ModeCreate
)

// Has reports whether all bits of flag are set.
func (m Mode) Has(flag Mode) bool {
	return m&flag == flag
}

// NativeConn is an open native connection handle. It is exclusively owned
// by the scheduler that opened it; bodies receive it for the duration of a
// single operation and must not retain it. Close is called at most once,
// by the scheduler.
type NativeConn interface {
	Close() error
}

// Driver opens native connection handles. Implementations must be safe for
// concurrent use; the handles they return need not be.
type Driver interface {
	Open(ctx context.Context, path string, mode Mode) (NativeConn, error)
}

// StatusCoder is optionally implemented by driver errors that carry a
// native status code (the engine surfaces it in structured errors).
type StatusCoder interface {
	Status() int
}
