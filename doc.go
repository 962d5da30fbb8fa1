// Package connruntime provides an async scheduling host for exclusive native
// connection handles.
//
// This library coordinates concurrent access to stateful connection handles
// (database connections and similar single-owner native resources) on behalf
// of many independent callers, with full support for shared/exclusive
// operation scheduling, deferred reference-counted destruction, and
// pluggable connection drivers.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	connruntime/         Root package with core Driver and NativeConn interfaces
//	├── runtime/         High-level API for opening and driving connections
//	├── engine/          Low-level scheduler, operation queue, and executor
//	├── resource/        Holder reference counting and the live-connection registry
//	├── errors/          Structured error types for debugging
//	└── drivers/         Stock driver implementations
//	    ├── memdb/       In-memory command-driven store
//	    └── sqlbridge/   Adapter for database/sql/driver drivers
//
// # Quick Start
//
// Open a connection and run work against it:
//
//	rt := runtime.New(runtime.Config{})
//	defer rt.Close(ctx)
//
//	rt.RegisterDriver("memdb", memdb.New())
//
//	conn, err := rt.Open(ctx, "memdb", ":memory:", connruntime.ModeDefault)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	conn.Submit(false, func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
//	    return nc.(*memdb.Conn).Exec(ctx, "SET greeting hello")
//	}, func(result any, err error) {
//	    fmt.Println(result, err)
//	})
//
//	conn.Close(nil)
//	conn.Release()
//
// # Scheduling Model
//
// A connection handle is never touched by two operations simultaneously
// unless both are non-exclusive. Non-exclusive operations may run
// concurrently with each other; an exclusive operation (close is one) runs
// strictly alone. Admission and queue draining happen on a single control
// goroutine per connection, so scheduler state itself needs no locking;
// operation bodies run on a bounded worker pool shared by the runtime.
//
// Queued operations dispatch in strict submission order. A queued
// exclusive operation blocks everything behind it until all in-flight work
// completes, and no queued operation is ever skipped.
//
// # Lifecycle
//
// A connection is kept alive by explicit holder references. Retain adds a
// holder, Release drops one; when the last holder is gone the native handle
// is finalized exactly once, whether or not the connection was explicitly
// closed first. Operations in flight hold an internal reference for the
// duration of their run, so finalization never races a native call.
//
// # Thread Safety
//
// Runtime and Conn are safe for concurrent use. A NativeConn obtained from a
// driver is NOT thread-safe by itself; the scheduler is what makes access to
// it safe, which is why operation bodies must only touch the handle they are
// passed and never stash it.
package connruntime
