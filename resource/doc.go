// Package resource provides connection lifecycle bookkeeping.
//
// Two concerns live here: holder reference counting, which decides when a
// connection's native handle may be finalized, and the registry of live
// connections a runtime keeps for teardown and observation.
//
// # Holders
//
// Holders counts the external references keeping a connection alive. The
// count starts at 1 for the creating caller:
//
//	h := resource.NewHolders(finalize)
//
//	h.Retain()  // another holder appears
//	h.Release() // and goes away
//	h.Release() // last holder gone: finalize runs, exactly once
//
// Reaching zero triggers the finalizer exactly once, even under concurrent
// Release calls, and releases past zero are ignored. This replaces the
// host-collector weak-handle protocol of runtimes that tie destruction to
// garbage collection: destruction is driven purely by the count, so it is
// testable without a collector.
//
// # Registry
//
// The Registry maps connection IDs to live connection objects and notifies
// observers as connections come and go:
//
//	reg := resource.NewRegistry()
//	reg.Register(id, conn)
//	...
//	reg.Remove(id)
//
// A runtime uses the registry to force-finalize whatever is still alive at
// shutdown. Observers receive events outside the registry lock but must
// still return promptly.
package resource
