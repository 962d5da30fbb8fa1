package engine

import (
	"sync"

	"go.uber.org/zap"
)

// DefaultWorkers is the executor pool size used when Config.Workers is 0.
const DefaultWorkers = 4

// Config holds configuration for executor creation
type Config struct {
	// Workers caps how many operation bodies run concurrently across all
	// connections sharing the executor. 0 means DefaultWorkers.
	Workers int
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{Workers: DefaultWorkers}
}

// Executor runs operation bodies on a bounded worker pool so that slow
// native calls never block the submission path. It is safe for concurrent
// use and is typically shared by every connection of a runtime.
type Executor struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

// NewExecutor creates an executor with the configured pool size.
func NewExecutor(cfg Config) *Executor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Executor{
		slots: make(chan struct{}, workers),
	}
}

// Handle tracks a single submitted body.
type Handle struct {
	done chan struct{}
}

// Done returns a channel closed when the body has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the body has returned.
func (h *Handle) Wait() {
	<-h.done
}

// Submit hands fn to the pool and returns immediately. fn runs as soon as
// a worker slot is free. A panic in fn is recovered and logged; it never
// takes down the pool.
func (e *Executor) Submit(fn func()) *Handle {
	h := &Handle{done: make(chan struct{})}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(h.done)

		e.slots <- struct{}{}
		defer func() { <-e.slots }()

		defer func() {
			if r := recover(); r != nil {
				Logger().Error("executor body panicked", zap.Any("panic", r))
			}
		}()
		fn()
	}()
	return h
}

// Wait blocks until every submitted body has returned. Intended for
// teardown; new submissions during Wait are not prevented.
func (e *Executor) Wait() {
	e.wg.Wait()
}
