package runtime

import (
	"sync"

	connruntime "github.com/dbhost/conn-runtime"
	"github.com/dbhost/conn-runtime/engine"
)

// Event names delivered to connection observers. An event fires only for
// operations submitted without a completion callback.
const (
	EventOpen  = engine.EventOpen
	EventClose = engine.EventClose
	EventError = engine.EventError
)

// Event is a connection lifecycle notification.
type Event struct {
	Conn *Conn
	Err  error
	Name string
}

// Observer receives connection lifecycle events. Callbacks run on the
// connection's control goroutine and must return promptly.
type Observer interface {
	OnConnEvent(Event)
}

// Conn is a handle to one scheduled native connection. All methods are
// safe for concurrent use from any goroutine.
type Conn struct {
	rt        *Runtime
	sched     *engine.Scheduler
	id        string
	driver    string
	path      string
	mode      connruntime.Mode
	obsMu     sync.RWMutex
	observers []Observer
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// Driver returns the name of the driver that opened the connection.
func (c *Conn) Driver() string {
	return c.driver
}

// Path returns the path the connection was opened with.
func (c *Conn) Path() string {
	return c.path
}

// Mode returns the effective open mode, including the flags the runtime
// forces on.
func (c *Conn) Mode() connruntime.Mode {
	return c.mode
}

// State returns the connection's lifecycle position.
func (c *Conn) State() engine.State {
	return c.sched.State()
}

// Stats returns a snapshot of queue depth, in-flight work, and holders.
func (c *Conn) Stats() engine.Stats {
	return c.sched.Stats()
}

// Done returns a channel closed once the native handle and all
// bookkeeping have been freed.
func (c *Conn) Done() <-chan struct{} {
	return c.sched.Done()
}

// Submit schedules body against the connection. Exclusive bodies run
// strictly alone; non-exclusive bodies may run concurrently with each
// other. cb, if non-nil, receives the body's result exactly once;
// without it a failure is reported as an "error" event.
//
// The submission never blocks. In any connection state the task either
// dispatches, queues, or fails with ResourceClosed.
func (c *Conn) Submit(exclusive bool, body engine.TaskFunc, cb func(result any, err error)) {
	c.sched.Submit(engine.NewTask(exclusive, body, cb))
}

// Close submits the exclusive close operation. It waits its turn behind
// all queued and in-flight work, then closes the native handle; the
// connection is unusable afterwards whether or not the native close
// succeeded. cb, if non-nil, receives the close error or nil; without it
// subscribers get a "close" or "error" event.
//
// Close does not release the caller's holder reference.
func (c *Conn) Close(cb func(error)) {
	c.sched.Close(cb)
}

// Retain records one more holder of the connection.
func (c *Conn) Retain() {
	c.sched.Retain()
}

// Release drops one holder. The release that drops the count to zero
// finalizes the native handle exactly once; the Conn must not be used
// after that.
func (c *Conn) Release() {
	c.sched.Release()
}

// Subscribe adds an observer for lifecycle events.
func (c *Conn) Subscribe(o Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

// Unsubscribe removes an observer.
func (c *Conn) Unsubscribe(o Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	for i, obs := range c.observers {
		if obs == o {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

func (c *Conn) notify(e Event) {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	for _, o := range c.observers {
		o.OnConnEvent(e)
	}
}

// connEmitter adapts a Conn to the engine's notification seam without
// exposing Emit on the public surface.
type connEmitter struct {
	c *Conn
}

func (e connEmitter) Emit(name string, err error) {
	e.c.notify(Event{Conn: e.c, Name: name, Err: err})
}

// OpenOption customizes Runtime.Open.
type OpenOption func(*openOptions)

type openOptions struct {
	callback func(error)
}

// WithOpenCallback supplies the open completion. With it set, the open
// result is delivered to cb and no "open" or "error" event fires.
func WithOpenCallback(cb func(error)) OpenOption {
	return func(o *openOptions) {
		o.callback = cb
	}
}
