// Package engine provides the low-level scheduling core for native
// connection handles.
//
// This package implements the operation queue, the admission and drain
// algorithm, the availability state machine, and the bounded executor that
// runs operation bodies off the submission path.
//
// # Architecture
//
// The engine package provides three main types:
//
//	Scheduler - Per-connection admission control, queue, and state machine
//	Executor  - Bounded worker pool shared by all connections of a runtime
//	Task      - A single schedulable unit of work with a completion
//
// # Control Line
//
// Every Scheduler owns a single control goroutine. All queue and state
// mutation happens on that goroutine, so scheduler state itself is never
// locked. Submissions and worker completions enter through an unbounded
// mailbox, which is the only synchronization handoff in the design.
//
// # Admission
//
// A task submitted while the handle is open, unlocked, and compatible with
// the in-flight set dispatches immediately. Otherwise it is queued in FIFO
// order, or failed outright when the handle has reached its terminal closed
// state. Draining stops at the first queued task whose exclusivity
// precondition does not hold, so queued tasks are never reordered.
//
// An exclusive task dispatches only when nothing else is in flight, and
// while it runs nothing else dispatches. Close is an exclusive task that
// additionally locks the handle forever: the lock is a one-way transition.
//
// # Lifecycle
//
// The scheduler tracks external holders of the connection. Each dispatched
// operation holds an internal reference for its flight time, so the
// holder count cannot reach zero while a native call is in progress. When
// the last holder is released the native handle is finalized exactly once,
// bypassing admission: no holder remains that could race new submissions.
//
// Most users should use the runtime package for a simpler API.
// This package is for advanced use cases requiring direct control.
package engine
