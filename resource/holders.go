package resource

import "sync/atomic"

// Holders counts external references keeping a resource alive. The count
// starts at 1, tied to the creating caller's interest. When the count
// reaches zero the finalizer runs exactly once; the zero crossing is
// monotonic and further Release calls are ignored.
type Holders struct {
	count    atomic.Int64
	fired    atomic.Bool
	finalize func()
}

// NewHolders creates a holder count at 1. finalize runs on the goroutine
// of whichever Release drops the count to zero; it is typically a handoff
// into the owner's control line rather than actual teardown work.
func NewHolders(finalize func()) *Holders {
	h := &Holders{finalize: finalize}
	h.count.Store(1)
	return h
}

// Retain records one more holder.
func (h *Holders) Retain() {
	h.count.Add(1)
}

// Release drops one holder. The Release that reaches zero triggers the
// finalizer; releases past zero do nothing.
func (h *Holders) Release() {
	for {
		c := h.count.Load()
		if c <= 0 {
			return
		}
		if !h.count.CompareAndSwap(c, c-1) {
			continue
		}
		if c == 1 && h.fired.CompareAndSwap(false, true) && h.finalize != nil {
			h.finalize()
		}
		return
	}
}

// Count returns the current holder count. Zero means finalization has
// been triggered.
func (h *Holders) Count() int64 {
	c := h.count.Load()
	if c < 0 {
		return 0
	}
	return c
}

// Finalized reports whether the zero crossing has happened.
func (h *Holders) Finalized() bool {
	return h.fired.Load()
}
