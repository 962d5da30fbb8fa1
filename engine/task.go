package engine

import (
	"context"

	connruntime "github.com/dbhost/conn-runtime"
)

// TaskFunc is an operation body. It receives the connection's lifetime
// context and the open native handle, which it must not retain past its
// return.
type TaskFunc func(ctx context.Context, conn connruntime.NativeConn) (any, error)

type taskKind uint8

const (
	taskExec taskKind = iota
	taskClose
)

// Task is a single schedulable unit of work. A task is owned by the queue
// while enqueued; ownership passes to the executor at dispatch. Its
// completion fires exactly once, whether the body ran or the task was
// failed at admission or drain time.
type Task struct {
	body      TaskFunc
	done      func(result any, err error)
	closeCB   func(err error)
	seq       uint64
	kind      taskKind
	exclusive bool
	finished  bool
}

// NewTask creates a generic operation task. done may be nil, in which case
// a failure is reported through the scheduler's error notification instead.
func NewTask(exclusive bool, body TaskFunc, done func(any, error)) *Task {
	return &Task{
		kind:      taskExec,
		exclusive: exclusive,
		body:      body,
		done:      done,
	}
}

// Exclusive reports whether the task must run alone on the handle.
func (t *Task) Exclusive() bool {
	return t.exclusive
}

// Seq returns the admission sequence number, assigned at submission.
// Used for log correlation only.
func (t *Task) Seq() uint64 {
	return t.seq
}

func newCloseTask(cb func(error)) *Task {
	return &Task{
		kind:      taskClose,
		exclusive: true,
		closeCB:   cb,
	}
}
