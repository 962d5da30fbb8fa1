// Package runtime provides the high-level API for opening and driving
// native connections.
//
// # Quick Start
//
//	rt := runtime.New(runtime.Config{})
//	defer rt.Close(context.Background())
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
// # Drivers
//
// Drivers are registered per runtime, never globally; the registry is
// built once and passed explicitly, so there is no hidden mutable process
// state. The library ships two stock drivers: memdb (an in-memory
// command store) and sqlbridge (an adapter for database/sql/driver
// implementations such as lib/pq and go-sql-driver/mysql).
//
// # Completions and Events
//
// Every operation takes an optional completion callback. When a callback
// is supplied, the operation's error (or nil) is delivered there and no
// event fires. When no callback is supplied, subscribers receive an
// "open", "close", or "error" event instead. The two channels are
// mutually exclusive, uniformly across open, close, and submitted work.
//
// # Holders
//
// A Conn starts with one holder reference owned by the caller that opened
// it. Retain and Release adjust the count; the Release that drops it to
// zero finalizes the native handle exactly once, even if the connection
// was never explicitly closed. After releasing its last reference a
// caller must not touch the Conn again.
//
// # Thread Safety
//
// Runtime and Conn are safe for concurrent use. Operation bodies receive
// the native handle under the scheduler's exclusivity rules and must not
// retain it past their return.
package runtime
