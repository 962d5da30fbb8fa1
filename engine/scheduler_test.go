package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	connruntime "github.com/dbhost/conn-runtime"
	"github.com/dbhost/conn-runtime/errors"
)

// fakeConn is a controllable native handle for scheduler tests.
type fakeConn struct {
	mu       sync.Mutex
	closes   int
	closeErr error
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return c.closeErr
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakeDriver opens fakeConns, optionally failing or stalling.
type fakeDriver struct {
	mu      sync.Mutex
	conn    *fakeConn
	openErr error
	stall   chan struct{} // Open blocks until closed, when non-nil
}

func (d *fakeDriver) Open(ctx context.Context, path string, mode connruntime.Mode) (connruntime.NativeConn, error) {
	if d.stall != nil {
		<-d.stall
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	if d.conn == nil {
		d.conn = &fakeConn{}
	}
	return d.conn, nil
}

type emitted struct {
	event string
	err   error
}

type recordEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *recordEmitter) Emit(event string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{event, err})
}

func (e *recordEmitter) snapshot() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitted(nil), e.events...)
}

func waitErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

// openScheduler opens a scheduler against drv and waits for the open to
// complete.
func openScheduler(t *testing.T, drv connruntime.Driver, opts Options) *Scheduler {
	t.Helper()
	s := New(drv, NewExecutor(Config{}), opts)
	errc := make(chan error, 1)
	s.Open("test", connruntime.ModeDefault, func(err error) { errc <- err })
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestOpen_Callback(t *testing.T) {
	drv := &fakeDriver{}
	em := &recordEmitter{}
	s := openScheduler(t, drv, Options{Emitter: em})
	defer s.Release()

	if got := s.State(); got != StateOpen {
		t.Errorf("state = %v, want open", got)
	}
	if len(em.snapshot()) != 0 {
		t.Errorf("expected no events when a callback was supplied, got %v", em.snapshot())
	}
}

func TestOpen_EmitsEventWithoutCallback(t *testing.T) {
	drv := &fakeDriver{}
	em := &recordEmitter{}
	s := New(drv, NewExecutor(Config{}), Options{Emitter: em})
	defer s.Release()

	s.Open("test", connruntime.ModeDefault, nil)

	deadline := time.After(2 * time.Second)
	for {
		if ev := em.snapshot(); len(ev) > 0 {
			if ev[0].event != EventOpen || ev[0].err != nil {
				t.Fatalf("event = %+v, want open/nil", ev[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no open event")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOpen_FailureCarriesStatus(t *testing.T) {
	drv := &fakeDriver{openErr: errors.OpenFailed(14, "unable to open database file")}
	em := &recordEmitter{}
	s := New(drv, NewExecutor(Config{}), Options{Emitter: em})
	defer s.Release()

	errc := make(chan error, 1)
	s.Open("missing", connruntime.ModeDefault, func(err error) { errc <- err })

	err := waitErr(t, errc)
	if err == nil {
		t.Fatal("expected open error")
	}
	if got := errors.StatusOf(err); got != 14 {
		t.Errorf("status = %d, want 14", got)
	}
	if len(em.snapshot()) != 0 {
		t.Errorf("expected no events when a callback was supplied, got %v", em.snapshot())
	}

	// The resource is terminally unusable: later submissions fail with
	// ResourceClosed and their bodies never run.
	ran := false
	done := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		ran = true
		return nil, nil
	}, func(_ any, err error) { done <- err }))

	serr := waitErr(t, done)
	if !stderrors.Is(serr, &errors.Error{Phase: errors.PhaseSchedule, Kind: errors.KindResourceClosed}) {
		t.Errorf("submit error = %v, want ResourceClosed", serr)
	}
	if ran {
		t.Error("body ran against a failed handle")
	}
}

func TestOpen_FailureFailsQueuedWithOpenError(t *testing.T) {
	stall := make(chan struct{})
	drv := &fakeDriver{openErr: errors.OpenFailed(14, "no such store"), stall: stall}
	s := New(drv, NewExecutor(Config{}), Options{})
	defer s.Release()

	openErrc := make(chan error, 1)
	s.Open("missing", connruntime.ModeDefault, func(err error) { openErrc <- err })

	// Queued while the open is still in flight.
	taskErrc := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		return nil, nil
	}, func(_ any, err error) { taskErrc <- err }))

	close(stall)

	if err := waitErr(t, openErrc); errors.StatusOf(err) != 14 {
		t.Errorf("open status = %d, want 14", errors.StatusOf(err))
	}
	terr := waitErr(t, taskErrc)
	if errors.StatusOf(terr) != 14 {
		t.Errorf("queued task error = %v, want the open error itself", terr)
	}
}

func TestSubmit_BeforeOpenQueues(t *testing.T) {
	stall := make(chan struct{})
	drv := &fakeDriver{stall: stall}
	s := New(drv, NewExecutor(Config{}), Options{})
	defer s.Release()

	s.Open("test", connruntime.ModeDefault, nil)

	var ran atomic.Bool
	done := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		ran.Store(true)
		return "ok", nil
	}, func(_ any, err error) { done <- err }))

	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Fatal("body ran before the handle opened")
	}

	close(stall)
	if err := waitErr(t, done); err != nil {
		t.Fatalf("task failed: %v", err)
	}
	if !ran.Load() {
		t.Fatal("body never ran")
	}
}

func TestSubmit_NonExclusiveRunConcurrently(t *testing.T) {
	drv := &fakeDriver{}
	s := openScheduler(t, drv, Options{})
	defer s.Release()

	const n = 3
	var started sync.WaitGroup
	started.Add(n)
	release := make(chan struct{})
	done := make(chan error, n)

	for i := 0; i < n; i++ {
		s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
			started.Done()
			<-release
			return nil, nil
		}, func(_ any, err error) { done <- err }))
	}

	// All three must be in flight at once: none waits for another.
	allStarted := make(chan struct{})
	go func() { started.Wait(); close(allStarted) }()
	waitClosed(t, allStarted)

	close(release)
	for i := 0; i < n; i++ {
		if err := waitErr(t, done); err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
	}
}

func TestClose_WaitsForPending(t *testing.T) {
	drv := &fakeDriver{}
	s := openScheduler(t, drv, Options{})
	defer s.Release()

	const n = 3
	var started sync.WaitGroup
	started.Add(n)
	release := make(chan struct{})
	var running atomic.Int32
	done := make(chan error, n)

	for i := 0; i < n; i++ {
		s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
			running.Add(1)
			started.Done()
			<-release
			running.Add(-1)
			return nil, nil
		}, func(_ any, err error) { done <- err }))
	}

	allStarted := make(chan struct{})
	go func() { started.Wait(); close(allStarted) }()
	waitClosed(t, allStarted)

	closed := make(chan error, 1)
	s.Close(func(err error) {
		if n := running.Load(); n != 0 {
			t.Errorf("close ran with %d bodies still in flight", n)
		}
		closed <- err
	})

	time.Sleep(20 * time.Millisecond)
	if got := drv.conn.closeCount(); got != 0 {
		t.Fatalf("native close ran %d times while work was pending", got)
	}

	close(release)
	for i := 0; i < n; i++ {
		waitErr(t, done)
	}
	if err := waitErr(t, closed); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := drv.conn.closeCount(); got != 1 {
		t.Errorf("native close ran %d times, want 1", got)
	}
}

func TestSubmit_ExclusiveBlocksFollowers(t *testing.T) {
	drv := &fakeDriver{}
	s := openScheduler(t, drv, Options{})
	defer s.Release()

	release := make(chan struct{})
	exclStarted := make(chan struct{})
	exclDone := make(chan error, 1)
	s.Submit(NewTask(true, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		close(exclStarted)
		<-release
		return nil, nil
	}, func(_ any, err error) { exclDone <- err }))

	waitClosed(t, exclStarted)

	var followerRan atomic.Bool
	followerDone := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		followerRan.Store(true)
		return nil, nil
	}, func(_ any, err error) { followerDone <- err }))

	time.Sleep(20 * time.Millisecond)
	if followerRan.Load() {
		t.Fatal("follower dispatched while an exclusive body was in flight")
	}

	close(release)
	waitErr(t, exclDone)
	if err := waitErr(t, followerDone); err != nil {
		t.Fatalf("follower: %v", err)
	}
	if !followerRan.Load() {
		t.Fatal("follower never ran")
	}
}

func TestDrain_StrictFIFO(t *testing.T) {
	stall := make(chan struct{})
	drv := &fakeDriver{stall: stall}
	s := New(drv, NewExecutor(Config{}), Options{})
	defer s.Release()

	s.Open("test", connruntime.ModeDefault, nil)

	// Exclusive tasks dispatch one at a time, so the scheduler itself
	// serializes them: observed body order is dispatch order.
	var mu sync.Mutex
	var order []int
	done := make(chan error, 5)
	for i := 0; i < 5; i++ {
		i := i
		s.Submit(NewTask(true, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}, func(_ any, err error) { done <- err }))
	}

	close(stall)
	for i := 0; i < 5; i++ {
		waitErr(t, done)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("dispatch order = %v, want submission order", order)
		}
	}
}

func TestDrain_NoSkipPastBlockedHead(t *testing.T) {
	openStall := make(chan struct{})
	drv := &fakeDriver{stall: openStall}
	s := New(drv, NewExecutor(Config{}), Options{})
	defer s.Release()

	s.Open("test", connruntime.ModeDefault, nil)

	// All three queue while the open is in flight: a stalling shared
	// body, then an exclusive, then another shared behind it.
	release := make(chan struct{})
	started := make(chan struct{})
	pendingDone := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, func(_ any, err error) { pendingDone <- err }))

	var exclRan, sharedRan atomic.Bool
	exclDone := make(chan error, 1)
	sharedDone := make(chan error, 1)
	s.Submit(NewTask(true, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		exclRan.Store(true)
		return nil, nil
	}, func(_ any, err error) { exclDone <- err }))
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		if !exclRan.Load() {
			t.Error("shared task skipped past the blocked exclusive head")
		}
		sharedRan.Store(true)
		return nil, nil
	}, func(_ any, err error) { sharedDone <- err }))

	// Open completes; the drain dispatches the first shared body and must
	// then stop at the exclusive head it cannot run yet. The shared task
	// behind that head stays queued even though the handle could take it.
	close(openStall)
	waitClosed(t, started)

	time.Sleep(20 * time.Millisecond)
	if exclRan.Load() || sharedRan.Load() {
		t.Fatal("queued tasks dispatched while the head was blocked")
	}

	close(release)
	waitErr(t, pendingDone)
	waitErr(t, exclDone)
	waitErr(t, sharedDone)
	if !sharedRan.Load() {
		t.Fatal("shared task never ran")
	}
}

func TestSubmit_AfterCloseFails(t *testing.T) {
	drv := &fakeDriver{}
	s := openScheduler(t, drv, Options{})
	defer s.Release()

	closed := make(chan error, 1)
	s.Close(func(err error) { closed <- err })
	if err := waitErr(t, closed); err != nil {
		t.Fatalf("close: %v", err)
	}

	done := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		t.Error("body ran on a closed handle")
		return nil, nil
	}, func(_ any, err error) { done <- err }))

	err := waitErr(t, done)
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseSchedule, Kind: errors.KindResourceClosed}) {
		t.Errorf("error = %v, want ResourceClosed", err)
	}
}

func TestClose_Twice(t *testing.T) {
	drv := &fakeDriver{}
	s := openScheduler(t, drv, Options{})
	defer s.Release()

	first := make(chan error, 1)
	second := make(chan error, 1)
	s.Close(func(err error) { first <- err })
	s.Close(func(err error) { second <- err })

	if err := waitErr(t, first); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := waitErr(t, second); err == nil {
		t.Fatal("second close succeeded, want ResourceClosed")
	}
	if got := drv.conn.closeCount(); got != 1 {
		t.Errorf("native close ran %d times, want 1", got)
	}
}

func TestClose_FailureStillClosesHandle(t *testing.T) {
	drv := &fakeDriver{conn: &fakeConn{closeErr: errors.CloseFailed(5, "database is busy")}}
	s := openScheduler(t, drv, Options{})

	closed := make(chan error, 1)
	s.Close(func(err error) { closed <- err })

	err := waitErr(t, closed)
	if errors.StatusOf(err) != 5 {
		t.Errorf("close error status = %d, want 5", errors.StatusOf(err))
	}

	// Marked not-open regardless: further work is rejected.
	done := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		return nil, nil
	}, func(_ any, err error) { done <- err }))
	if err := waitErr(t, done); err == nil {
		t.Error("submit after failed close succeeded, want ResourceClosed")
	}

	s.Release()
	waitClosed(t, s.Done())
	// Finalize retried the native close on the still-present handle.
	if got := drv.conn.closeCount(); got != 2 {
		t.Errorf("native close ran %d times, want 2 (failed close + finalize)", got)
	}
}

func TestRelease_FinalizesExactlyOnce(t *testing.T) {
	drv := &fakeDriver{}
	var finalized atomic.Int32
	s := openScheduler(t, drv, Options{OnFinalized: func() { finalized.Add(1) }})

	s.Release()
	s.Release() // past zero: ignored
	waitClosed(t, s.Done())

	if got := drv.conn.closeCount(); got != 1 {
		t.Errorf("native close ran %d times, want 1", got)
	}
	if got := finalized.Load(); got != 1 {
		t.Errorf("OnFinalized ran %d times, want 1", got)
	}
	if got := s.State(); got != StateDestroyed {
		t.Errorf("state = %v, want destroyed", got)
	}
}

func TestRelease_AfterCloseSkipsNativeClose(t *testing.T) {
	drv := &fakeDriver{}
	s := openScheduler(t, drv, Options{})

	closed := make(chan error, 1)
	s.Close(func(err error) { closed <- err })
	if err := waitErr(t, closed); err != nil {
		t.Fatalf("close: %v", err)
	}

	s.Release()
	waitClosed(t, s.Done())

	if got := drv.conn.closeCount(); got != 1 {
		t.Errorf("native close ran %d times, want 1 (no double close)", got)
	}
}

func TestRelease_FailsQueuedTasks(t *testing.T) {
	stall := make(chan struct{})
	drv := &fakeDriver{stall: stall}
	s := New(drv, NewExecutor(Config{}), Options{})

	s.Open("test", connruntime.ModeDefault, nil)

	done := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		t.Error("body ran after the last holder released")
		return nil, nil
	}, func(_ any, err error) { done <- err }))

	// The open flight holds a reference, so releasing the external holder
	// defers finalization until the open completes.
	s.Release()
	close(stall)

	err := waitErr(t, done)
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseFinalize, Kind: errors.KindResourceClosed}) {
		t.Errorf("queued task error = %v, want ResourceClosed (finalize)", err)
	}
	waitClosed(t, s.Done())
}

func TestFinalize_WaitsForInFlightWork(t *testing.T) {
	drv := &fakeDriver{}
	s := openScheduler(t, drv, Options{})

	release := make(chan struct{})
	started := make(chan struct{})
	var fired atomic.Int32
	done := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, func(_ any, err error) {
		fired.Add(1)
		done <- err
	}))
	waitClosed(t, started)

	s.Finalize()

	// The body is still running: teardown must not close the handle
	// underneath it or free the scheduler.
	time.Sleep(20 * time.Millisecond)
	if got := drv.conn.closeCount(); got != 0 {
		t.Fatalf("native close ran %d times while a body was in flight", got)
	}
	select {
	case <-s.Done():
		t.Fatal("scheduler freed while a body was in flight")
	default:
	}

	close(release)
	if err := waitErr(t, done); err != nil {
		t.Fatalf("completion: %v", err)
	}
	waitClosed(t, s.Done())

	if got := fired.Load(); got != 1 {
		t.Errorf("completion fired %d times, want exactly 1", got)
	}
	if got := drv.conn.closeCount(); got != 1 {
		t.Errorf("native close ran %d times, want 1", got)
	}
}

func TestFinalize_DuringOpenClosesLateHandle(t *testing.T) {
	stall := make(chan struct{})
	drv := &fakeDriver{stall: stall}
	s := New(drv, NewExecutor(Config{}), Options{})

	errc := make(chan error, 1)
	s.Open("test", connruntime.ModeDefault, func(err error) { errc <- err })
	s.Finalize()

	select {
	case <-s.Done():
		t.Fatal("scheduler freed while the open was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(stall)
	err := waitErr(t, errc)
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseFinalize, Kind: errors.KindResourceClosed}) {
		t.Errorf("open completion = %v, want ResourceClosed", err)
	}
	waitClosed(t, s.Done())
	if got := drv.conn.closeCount(); got != 1 {
		t.Errorf("native close ran %d times, want 1 (late handle closed)", got)
	}
}

func TestOpen_SecondCallRejected(t *testing.T) {
	drv := &fakeDriver{}
	s := openScheduler(t, drv, Options{})
	defer s.Release()

	errc := make(chan error, 1)
	s.Open("again", connruntime.ModeDefault, func(err error) { errc <- err })

	err := waitErr(t, errc)
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseOpen, Kind: errors.KindInvalidInput}) {
		t.Errorf("second open = %v, want invalid_input", err)
	}

	// The first handle stays live and usable.
	done := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		if nc != drv.conn {
			t.Error("handle replaced by rejected re-open")
		}
		return nil, nil
	}, func(_ any, err error) { done <- err }))
	if err := waitErr(t, done); err != nil {
		t.Fatalf("task after rejected re-open: %v", err)
	}
}

func TestSubmit_BodyErrorForwarded(t *testing.T) {
	drv := &fakeDriver{}
	s := openScheduler(t, drv, Options{})
	defer s.Release()

	cause := fmt.Errorf("constraint violated")
	done := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		return nil, cause
	}, func(_ any, err error) { done <- err }))

	err := waitErr(t, done)
	if !stderrors.Is(err, cause) {
		t.Errorf("error = %v, want wrapped %v", err, cause)
	}
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseExec, Kind: errors.KindOpFailed}) {
		t.Errorf("error = %v, want op_failed", err)
	}
}

func TestSubmit_BodyPanicRecovered(t *testing.T) {
	drv := &fakeDriver{}
	s := openScheduler(t, drv, Options{})
	defer s.Release()

	done := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		panic("body exploded")
	}, func(_ any, err error) { done <- err }))

	err := waitErr(t, done)
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseExec, Kind: errors.KindPanic}) {
		t.Errorf("error = %v, want recovered panic", err)
	}

	// The scheduler survived: the next task runs normally.
	next := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		return nil, nil
	}, func(_ any, err error) { next <- err }))
	if err := waitErr(t, next); err != nil {
		t.Fatalf("next task: %v", err)
	}
}

func TestSubmit_CompletionPanicRecovered(t *testing.T) {
	drv := &fakeDriver{}
	s := openScheduler(t, drv, Options{})
	defer s.Release()

	fired := make(chan struct{})
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		return nil, nil
	}, func(_ any, err error) {
		close(fired)
		panic("continuation exploded")
	}))
	waitClosed(t, fired)

	next := make(chan error, 1)
	s.Submit(NewTask(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		return nil, nil
	}, func(_ any, err error) { next <- err }))
	if err := waitErr(t, next); err != nil {
		t.Fatalf("task after panicking continuation: %v", err)
	}
}

func TestStats(t *testing.T) {
	drv := &fakeDriver{}
	s := openScheduler(t, drv, Options{})
	defer s.Release()

	st := s.Stats()
	if st.State != StateOpen {
		t.Errorf("state = %v, want open", st.State)
	}
	if st.QueueDepth != 0 || st.Pending != 0 {
		t.Errorf("fresh handle has depth=%d pending=%d", st.QueueDepth, st.Pending)
	}
	if st.Holders != 1 {
		t.Errorf("holders = %d, want 1", st.Holders)
	}

	s.Retain()
	if got := s.Stats().Holders; got != 2 {
		t.Errorf("holders after retain = %d, want 2", got)
	}
	s.Release()
}
