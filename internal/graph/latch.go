package graph

import "sync"

// latch is a single-shot broadcast primitive: trigger is idempotent, and
// triggered returns a channel that is closed exactly once, the first time
// trigger is called. It grounds Entry.Running the way the original
// engine's async_latch does — a Running entry may gain new waiters after
// its computation has already started, which a bare channel send (as
// opposed to a close) cannot support, since only one receiver would get
// the value.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

// trigger resolves the latch. Safe to call more than once or concurrently.
func (l *latch) trigger() {
	l.once.Do(func() { close(l.ch) })
}

// triggered returns a channel that is closed once trigger has been called.
func (l *latch) triggered() <-chan struct{} {
	return l.ch
}
