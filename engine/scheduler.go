package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	connruntime "github.com/dbhost/conn-runtime"
	"github.com/dbhost/conn-runtime/errors"
	"github.com/dbhost/conn-runtime/resource"
)

// Event names delivered through an Emitter when an operation was submitted
// without a completion callback.
const (
	EventOpen  = "open"
	EventClose = "close"
	EventError = "error"
)

// Emitter receives lifecycle notifications for operations submitted
// without a completion callback. An operation that did supply a callback
// never notifies: the two channels are mutually exclusive.
type Emitter interface {
	Emit(event string, err error)
}

// Options configures a scheduler.
type Options struct {
	// BaseContext bounds the connection's lifetime. Operation bodies
	// receive a context derived from it, cancelled at finalization.
	// nil means context.Background().
	BaseContext context.Context

	// Emitter receives callback-less notifications. nil drops them.
	Emitter Emitter

	// OnFinalized runs on the control goroutine after the native handle
	// and all bookkeeping have been freed. Used by the runtime layer to
	// unregister the connection.
	OnFinalized func()
}

// Scheduler coordinates all access to one native connection handle. Public
// methods are safe for concurrent use from any goroutine; they post work
// to the scheduler's control goroutine, where every queue and state
// mutation happens.
type Scheduler struct {
	drv     connruntime.Driver
	exec    *Executor
	emitter Emitter
	onFinal func()

	mail    *mailbox
	holders *resource.Holders
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	seq     atomic.Uint64

	// Control-goroutine state. Never touched off the control line.
	queue           taskQueue
	phase           State
	open            bool
	locked          bool
	pending         uint
	exclusiveActive bool
	opening         bool
	native          connruntime.NativeConn
	finalized       bool

	snapMu sync.RWMutex
	snap   Stats
}

// New creates a scheduler for one connection and starts its control
// goroutine. The holder count starts at 1 for the creating caller; the
// scheduler itself is destroyed when the last holder releases.
func New(drv connruntime.Driver, exec *Executor, opts Options) *Scheduler {
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)

	s := &Scheduler{
		drv:     drv,
		exec:    exec,
		emitter: opts.Emitter,
		onFinal: opts.OnFinalized,
		mail:    newMailbox(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		phase:   StateUnopened,
	}
	s.holders = resource.NewHolders(func() {
		// Last holder gone. Hand destruction to the control line; the
		// admission path is bypassed because nothing external remains
		// that could race new submissions.
		s.mail.post(s.finalize)
	})
	s.snap = Stats{State: StateUnopened, Holders: 1}

	go s.run()
	return s
}

func (s *Scheduler) run() {
	for {
		<-s.mail.signal
		for {
			fn, ok := s.mail.next()
			if !ok {
				break
			}
			fn()
			s.publish()
		}
		if s.mail.drained() {
			return
		}
	}
}

// publish refreshes the snapshot read by Stats and State.
func (s *Scheduler) publish() {
	s.snapMu.Lock()
	s.snap = Stats{
		State:      s.phase,
		QueueDepth: s.queue.Len(),
		Pending:    s.pending,
		Holders:    s.holders.Count(),
	}
	s.snapMu.Unlock()
}

// Stats returns a point-in-time snapshot. The snapshot trails the control
// line by at most one step.
func (s *Scheduler) Stats() Stats {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	st := s.snap
	st.Holders = s.holders.Count()
	return st
}

// State returns the lifecycle position from the latest snapshot.
func (s *Scheduler) State() State {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap.State
}

// Done returns a channel closed once the native handle and all
// bookkeeping have been freed.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Context returns the connection's lifetime context, cancelled at
// finalization.
func (s *Scheduler) Context() context.Context {
	return s.ctx
}

// Retain records one more external holder of the connection.
func (s *Scheduler) Retain() {
	s.holders.Retain()
}

// Release drops one external holder. The release that drops the count to
// zero triggers finalization of the native handle, exactly once.
func (s *Scheduler) Release() {
	s.holders.Release()
}

// Open begins the async native open. Call it once, right after New; any
// further call is rejected through its completion without touching the
// live handle. cb, if non-nil, receives the open error or nil; without a
// callback the emitter gets an "open" event on success or an "error"
// event on failure.
func (s *Scheduler) Open(path string, mode connruntime.Mode, cb func(error)) {
	ok := s.mail.post(func() {
		s.beginOpen(path, mode, cb)
	})
	if !ok {
		s.reportOpen(cb, errors.ResourceClosed(errors.PhaseOpen))
	}
}

// Submit schedules a generic operation task. In any resource state this
// either dispatches the task, queues it, or fails it with ResourceClosed;
// the task's completion fires exactly once in all cases.
func (s *Scheduler) Submit(t *Task) {
	t.seq = s.seq.Add(1)
	ok := s.mail.post(func() {
		s.schedule(t)
	})
	if !ok {
		// Control line already stopped: terminal. Admission failures are
		// synchronous on the caller's goroutine in this case.
		s.fail(t, errors.ResourceClosed(errors.PhaseSchedule))
	}
}

// Close submits the exclusive close task. It queues behind all in-flight
// and already-queued work and runs strictly alone. cb, if non-nil,
// receives the close error or nil; without a callback the emitter gets a
// "close" event on success or an "error" event on failure.
func (s *Scheduler) Close(cb func(error)) {
	t := newCloseTask(cb)
	t.seq = s.seq.Add(1)
	ok := s.mail.post(func() {
		s.schedule(t)
	})
	if !ok {
		s.fail(t, errors.ResourceClosed(errors.PhaseSchedule))
	}
}

// Finalize force-triggers the destruction path regardless of the holder
// count. Used by the runtime layer at shutdown; normal destruction comes
// from Release. Queued tasks fail immediately, but bodies already in
// flight run to completion: their completions still fire and the native
// handle is closed only after the last one returns.
func (s *Scheduler) Finalize() {
	s.mail.post(s.finalize)
}

// --- control-line functions below; never call them off the control line ---

// schedule implements the admission rule. Dispatch immediately when the
// handle is open, unlocked, nothing exclusive is in flight, and the task
// is either shared or arrives at an idle handle. Queue when the handle is
// busy or not open yet. Fail outright in the terminal state.
func (s *Scheduler) schedule(t *Task) {
	if !s.open && s.locked {
		s.fail(t, errors.ResourceClosed(errors.PhaseSchedule))
		return
	}

	// A holder count already at zero means destruction has been posted
	// but not yet processed; park the task for finalize to fail.
	if !s.open || s.locked || s.exclusiveActive || s.holders.Finalized() ||
		(t.exclusive && s.pending > 0) {
		s.queue.PushBack(t)
		Logger().Debug("task queued",
			zap.Uint64("seq", t.seq),
			zap.Bool("exclusive", t.exclusive),
			zap.Int("depth", s.queue.Len()))
		return
	}

	s.dispatch(t)
}

// drain dispatches as many queued tasks as admission allows, in strict
// FIFO order. A blocked head blocks everything behind it; nothing is ever
// skipped. In the terminal state every queued task fails instead.
func (s *Scheduler) drain() {
	if !s.open && s.locked && s.queue.Len() > 0 {
		s.failQueued(errors.ResourceClosed(errors.PhaseSchedule))
		return
	}

	// Destruction is posted but has not run yet: nothing more dispatches,
	// finalize will fail whatever is queued.
	if s.holders.Finalized() && !s.finalized {
		return
	}

	for s.open && !s.locked && !s.exclusiveActive && s.queue.Len() > 0 {
		head := s.queue.Front()
		if head.exclusive && s.pending > 0 {
			break
		}
		s.queue.PopFront()
		s.dispatch(head)
	}
}

// failQueued fails every queued task with err, exactly once each.
func (s *Scheduler) failQueued(err error) {
	for s.queue.Len() > 0 {
		s.fail(s.queue.PopFront(), err)
	}
}

func (s *Scheduler) dispatch(t *Task) {
	if t.kind == taskClose {
		s.beginClose(t)
		return
	}

	if t.exclusive {
		s.exclusiveActive = true
	} else {
		s.pending++
	}

	Logger().Debug("task dispatched",
		zap.Uint64("seq", t.seq),
		zap.Bool("exclusive", t.exclusive),
		zap.Uint("pending", s.pending))

	// The operation holds an internal reference for its flight time so
	// finalization cannot race the native call.
	s.holders.Retain()
	nc := s.native
	ctx := s.ctx
	s.exec.Submit(func() {
		result, err := runBody(ctx, t.body, nc)
		s.mail.post(func() {
			s.afterTask(t, result, err)
		})
	})
}

func (s *Scheduler) afterTask(t *Task, result any, err error) {
	if t.exclusive {
		s.exclusiveActive = false
	} else {
		s.pending--
	}

	s.deliver(t, result, err)
	s.holders.Release()
	s.drain()
	s.maybeFree()
}

func (s *Scheduler) beginOpen(path string, mode connruntime.Mode, cb func(error)) {
	if s.phase != StateUnopened {
		s.reportOpen(cb, errors.InvalidInput(errors.PhaseOpen, "open already requested"))
		return
	}

	s.phase = StateOpening
	s.opening = true
	Logger().Debug("opening native handle", zap.String("path", path))
	s.holders.Retain()
	s.exec.Submit(func() {
		nc, err := s.drv.Open(s.ctx, path, mode)
		s.mail.post(func() {
			s.afterOpen(nc, err, cb)
		})
	})
}

func (s *Scheduler) afterOpen(nc connruntime.NativeConn, err error, cb func(error)) {
	s.opening = false

	if s.finalized {
		// Destruction ran while the open was in flight. A handle that
		// arrived anyway is closed through the finalize path; the open
		// completion still fires exactly once.
		if err != nil {
			s.reportOpen(cb, openFailure(err))
		} else {
			s.native = nc
			s.reportOpen(cb, errors.ResourceClosed(errors.PhaseFinalize))
		}
		s.holders.Release()
		s.maybeFree()
		return
	}

	if err != nil {
		oerr := openFailure(err)
		// Terminal: the handle never opened and never will. Lock so
		// later submissions fail with ResourceClosed at admission.
		s.locked = true
		s.phase = StateClosed
		s.reportOpen(cb, oerr)
		// Work queued while the open was in flight fails with the open
		// error itself.
		s.failQueued(oerr)
		s.holders.Release()
		return
	}

	s.native = nc
	s.open = true
	s.phase = StateOpen
	Logger().Debug("native handle opened")
	s.reportOpen(cb, nil)
	s.holders.Release()
	s.drain()
}

func (s *Scheduler) beginClose(t *Task) {
	// Admission guarantees an idle, open, unlocked handle here.
	if !s.open || s.locked || s.pending != 0 || s.exclusiveActive {
		panic("engine: close dispatched against a busy handle")
	}

	s.locked = true
	s.exclusiveActive = true
	s.phase = StateClosing

	s.holders.Retain()
	nc := s.native
	s.exec.Submit(func() {
		err := nc.Close()
		s.mail.post(func() {
			s.afterClose(t, err)
		})
	})
}

func (s *Scheduler) afterClose(t *Task, err error) {
	s.exclusiveActive = false
	// The handle is unusable whether or not the native close reported an
	// error; close is not retryable. locked stays set forever.
	s.open = false
	s.phase = StateClosed

	if err == nil {
		s.native = nil
		if t.closeCB != nil {
			s.invoke(t, func() { t.closeCB(nil) })
		} else {
			s.emit(EventClose, nil)
		}
	} else {
		cerr := closeFailure(err)
		if t.closeCB != nil {
			s.invoke(t, func() { t.closeCB(cerr) })
		} else {
			s.emit(EventError, cerr)
		}
	}

	s.holders.Release()
	s.drain()
	s.maybeFree()
}

// finalize is the destruction path, entered when the last holder releases
// or when the host forces teardown. It bypasses admission but not
// in-flight work: queued tasks fail immediately, while bodies already on
// the executor run to completion before the native handle is closed and
// the bookkeeping freed.
func (s *Scheduler) finalize() {
	if s.finalized {
		return
	}
	s.finalized = true

	s.phase = StateDestroying
	s.open = false
	s.locked = true
	s.failQueued(errors.ResourceClosed(errors.PhaseFinalize))

	s.maybeFree()
}

// maybeFree finishes destruction once nothing is left in flight. Every
// completion lands here again, so the last one performs the actual close
// and free.
func (s *Scheduler) maybeFree() {
	if !s.finalized || s.opening || s.exclusiveActive || s.pending > 0 {
		return
	}

	if s.native != nil {
		nc := s.native
		s.native = nil
		s.exec.Submit(func() {
			if err := nc.Close(); err != nil {
				Logger().Warn("native close during finalize failed", zap.Error(err))
			}
			s.mail.post(s.free)
		})
		return
	}

	s.free()
}

func (s *Scheduler) free() {
	s.phase = StateDestroyed
	s.publish()
	s.cancel()
	if s.onFinal != nil {
		s.onFinal()
	}
	close(s.done)
	s.mail.stop()
}

// --- delivery helpers ---

// deliver reports a completed body exactly once: callback if supplied,
// otherwise an "error" notification for failures and silence for
// successes.
func (s *Scheduler) deliver(t *Task, result any, err error) {
	if t.done != nil {
		s.invoke(t, func() { t.done(result, err) })
		return
	}
	if err != nil {
		s.emit(EventError, err)
	}
}

// fail reports a task that never dispatched.
func (s *Scheduler) fail(t *Task, err error) {
	if t.kind == taskClose {
		if t.closeCB != nil {
			s.invoke(t, func() { t.closeCB(err) })
		} else {
			s.emit(EventError, err)
		}
		return
	}
	s.deliver(t, nil, err)
}

// invoke guards a completion continuation: it fires at most once and a
// panic inside it is recovered and logged instead of corrupting scheduler
// state.
func (s *Scheduler) invoke(t *Task, fn func()) {
	if t.finished {
		return
	}
	t.finished = true
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("completion panicked",
				zap.Uint64("seq", t.seq),
				zap.Any("panic", r))
		}
	}()
	fn()
}

func (s *Scheduler) emit(event string, err error) {
	if s.emitter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("emitter panicked", zap.Any("panic", r))
		}
	}()
	s.emitter.Emit(event, err)
}

// reportOpen applies the callback-XOR-notification rule to the open
// result.
func (s *Scheduler) reportOpen(cb func(error), err error) {
	if cb != nil {
		defer func() {
			if r := recover(); r != nil {
				Logger().Error("open callback panicked", zap.Any("panic", r))
			}
		}()
		cb(err)
		return
	}
	if err != nil {
		s.emit(EventError, err)
	} else {
		s.emit(EventOpen, nil)
	}
}

// runBody executes a task body, converting a panic into a structured
// error so it crosses the completion boundary like any other failure.
func runBody(ctx context.Context, body TaskFunc, nc connruntime.NativeConn) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.Panicked(errors.PhaseExec, r)
		}
	}()
	result, err = body(ctx, nc)
	if err != nil {
		err = operationFailure(err)
	}
	return result, err
}

// openFailure shapes a driver open error, preserving structured errors
// and lifting native status codes from plain ones.
func openFailure(err error) *errors.Error {
	if e, ok := err.(*errors.Error); ok {
		return e
	}
	return errors.New(errors.PhaseOpen, errors.KindOpenFailed).
		Status(errors.StatusOf(err)).
		Cause(err).
		Build()
}

func closeFailure(err error) *errors.Error {
	if e, ok := err.(*errors.Error); ok {
		return e
	}
	return errors.New(errors.PhaseClose, errors.KindCloseFailed).
		Status(errors.StatusOf(err)).
		Cause(err).
		Build()
}

func operationFailure(err error) error {
	if _, ok := err.(*errors.Error); ok {
		return err
	}
	return errors.OperationFailed(err)
}
