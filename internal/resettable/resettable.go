// Package resettable implements the SUPPLEMENTED FEATURES "resettable"
// primitive: a lazily (re)built value that can be torn down and recreated
// around a boundary where the state it owns - background goroutines,
// open connections, file descriptors - must not survive, the way the
// engine drops and rebuilds such state when it is asked to fork into a
// fresh generation.
package resettable

import "sync"

// Resettable holds a value built by make, guarded so it can be stopped
// and rebuilt atomically via WithReset.
type Resettable[T any] struct {
	mu   sync.RWMutex
	cur  *T
	make func() T
	stop func(T)
}

// New builds a Resettable whose value is produced by make. stop, if
// non-nil, runs on the outgoing value every time the value is reset,
// before make is called again.
func New[T any](make func() T, stop func(T)) *Resettable[T] {
	v := make()
	return &Resettable[T]{cur: &v, make: make, stop: stop}
}

// Get returns the current value. A Get made while WithReset is running
// blocks until the value has been rebuilt; Get panics if it ever finds no
// current value, since a Resettable value must never be used mid-reset.
func (r *Resettable[T]) Get() T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cur == nil {
		panic("resettable: value used while reset")
	}
	return *r.cur
}

// WithReset stops the current value, runs f with the value torn down,
// then rebuilds it before returning. Concurrent Get calls block for the
// duration of f.
func (r *Resettable[T]) WithReset(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil && r.cur != nil {
		r.stop(*r.cur)
	}
	r.cur = nil
	f()
	v := r.make()
	r.cur = &v
}
