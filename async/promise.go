// Package async implements simple one-shot notification primitives.
package async

import (
	"sync/atomic"
)

// Promise is a simple notification primitive for asynchronous events.
type Promise chan struct{}

// Resolve wakes any clients currently waiting on the Promise
func (s Promise) Resolve() {
	close(s)
}

// Wait synchronously blocks until the Promise is resolved.
func (s Promise) Wait() {
	<-s
}

// Completion is a Promise carrying a value, which may be resolved only once.
// Resolutions after the first are discarded.
type Completion[T any] struct {
	resolved atomic.Bool
	done     Promise
	value    T
	callback func(T)
}

// NewCompletion returns a Completion which invokes |callback|, if non-nil,
// with the value of its resolution.
func NewCompletion[T any](callback func(T)) *Completion[T] {
	return &Completion[T]{done: make(Promise), callback: callback}
}

// Resolve the Completion with |value|. It returns true if this call resolved
// the Completion, or false if it was already resolved. The callback of the
// Completion is invoked before Resolve returns, and before waiters are woken.
func (c *Completion[T]) Resolve(value T) bool {
	if !c.resolved.CompareAndSwap(false, true) {
		return false
	}
	c.value = value

	if c.callback != nil {
		c.callback(value)
	}
	c.done.Resolve()
	return true
}

// IsResolved is true if the Completion has been resolved.
func (c *Completion[T]) IsResolved() bool { return c.resolved.Load() }

// Done returns a channel which is closed upon resolution.
func (c *Completion[T]) Done() <-chan struct{} { return c.done }

// Wait blocks until the Completion is resolved, and returns its value.
func (c *Completion[T]) Wait() T {
	c.done.Wait()
	return c.value
}
