// ABOUTME: One-shot generic future completed exactly once by whichever path wins a CAS.
// ABOUTME: With an executor set, callbacks never run on the goroutine that completes the future.

package future

import (
	"context"
	"sync"
	"sync/atomic"
)

// Executor runs callbacks off the completing goroutine. Submit returns an error when it
// cannot accept more work.
type Executor interface {
	Submit(task func()) error
}

// Future holds a value or error that becomes available once.
type Future[T any] struct {
	completed atomic.Bool
	done      chan struct{}
	exec      Executor

	mu        sync.Mutex
	resolved  bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns a pending future. exec may be nil, in which case callbacks run inline. When
// exec rejects a callback it runs on a goroutine of its own.
func New[T any](exec Executor) *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
		exec: exec,
	}
}

// Failed returns a future already completed with err.
func Failed[T any](err error) *Future[T] {
	f := New[T](nil)
	var zero T
	f.Complete(zero, err)
	return f
}

// Completed returns a future already completed with v.
func Completed[T any](v T) *Future[T] {
	f := New[T](nil)
	f.Complete(v, nil)
	return f
}

// Complete resolves the future. Only the first call wins; later calls return false and
// leave the future untouched.
func (f *Future[T]) Complete(v T, err error) bool {
	if !f.completed.CompareAndSwap(false, true) {
		return false
	}

	f.mu.Lock()
	f.value = v
	f.err = err
	f.resolved = true
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		f.run(cb, v, err)
	}
	return true
}

// Then registers cb to run once the future completes. If it already has, cb is scheduled
// immediately.
func (f *Future[T]) Then(cb func(T, error)) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	f.run(cb, v, err)
}

func (f *Future[T]) run(cb func(T, error), v T, err error) {
	if f.exec == nil {
		cb(v, err)
		return
	}
	task := func() { cb(v, err) }
	if f.exec.Submit(task) != nil {
		// The completer may be a timeout worker or a stream reader; it must not wait on cb.
		go task()
	}
}

// Done is closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while the future is pending.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}
