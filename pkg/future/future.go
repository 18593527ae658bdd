// Package future provides a single-assignment result that can be awaited or
// observed through callbacks.
package future

import (
	"context"
	"sync"
)

// Future holds the eventual result of a computation. It is completed at most
// once; later Complete/Fail calls are ignored and report false.
type Future[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	value     T
	err       error
	resolved  bool
	callbacks []func(T, error)
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already resolved with value.
func Completed[T any](value T) *Future[T] {
	f := New[T]()
	f.Complete(value)
	return f
}

// Failed returns a future already resolved with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Go runs fn on a new goroutine and resolves the future with its result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		value, err := fn()
		f.resolve(value, err)
	}()
	return f
}

func (f *Future[T]) Complete(value T) bool {
	return f.resolve(value, nil)
}

func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.resolve(zero, err)
}

func (f *Future[T]) resolve(value T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.value, f.err, f.resolved = value, err, true
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(value, err)
	}
	return true
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future resolves or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WhenComplete registers cb to run exactly once with the result. If the
// future is already resolved cb runs immediately on the calling goroutine.
func (f *Future[T]) WhenComplete(cb func(T, error)) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	cb(value, err)
}

// Then maps a successful result. Failures propagate unchanged.
func Then[T, R any](f *Future[T], fn func(T) (R, error)) *Future[R] {
	out := New[R]()
	f.WhenComplete(func(value T, err error) {
		if err != nil {
			out.Fail(err)
			return
		}
		mapped, err := fn(value)
		out.resolve(mapped, err)
	})
	return out
}
