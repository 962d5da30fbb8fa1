package engine

// State is the externally visible position of a connection in its
// lifecycle. Admission decisions are made from the underlying open/locked
// flags; State exists for introspection and logging.
type State uint8

const (
	// StateUnopened means construction finished but the native open has
	// not been requested yet.
	StateUnopened State = iota

	// StateOpening means the native open is running on the executor.
	StateOpening

	// StateOpen accepts dispatch.
	StateOpen

	// StateClosing means the exclusive close task holds the handle and
	// the native close is running.
	StateClosing

	// StateClosed is terminal: the handle is locked forever and every
	// queued or future submission fails. A failed open also lands here.
	StateClosed

	// StateDestroying means the last holder is gone and the native
	// handle, if still present, is being finalized.
	StateDestroying

	// StateDestroyed means all bookkeeping has been freed.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateDestroying:
		return "destroying"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of a scheduler.
type Stats struct {
	State      State
	QueueDepth int
	Pending    uint
	Holders    int64
}
