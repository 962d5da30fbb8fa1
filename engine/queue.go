package engine

import "github.com/gammazero/deque"

// taskQueue is the pending-operation queue: unbounded, strict FIFO. A
// task appears at most once and only because it could not be dispatched
// at submission time.
type taskQueue = deque.Deque[*Task]
