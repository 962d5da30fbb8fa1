package engine

import (
	"sync"

	"github.com/gammazero/deque"
)

// mailbox is the unbounded handoff feeding a scheduler's control
// goroutine. Submissions and worker completions post closures; the control
// goroutine runs them one at a time in arrival order.
type mailbox struct {
	mu      sync.Mutex
	items   deque.Deque[func()]
	signal  chan struct{}
	stopped bool
}

func newMailbox() *mailbox {
	return &mailbox{
		signal: make(chan struct{}, 1),
	}
}

// post enqueues fn for the control goroutine. Returns false once the
// mailbox has stopped; the caller must then handle fn's work itself
// (typically by failing the submission synchronously).
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.items.PushBack(fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// next pops the oldest posted closure, if any.
func (m *mailbox) next() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items.Len() == 0 {
		return nil, false
	}
	return m.items.PopFront(), true
}

// stop rejects all future posts. Closures already posted still run.
func (m *mailbox) stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped && m.items.Len() == 0
}
