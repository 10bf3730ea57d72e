// Package future provides a single-assignment result cell. Native callbacks
// settle a Future from their own goroutine; callers block on Await (bounded by
// a context) or select on Done.
package future

import (
	"context"
	"sync/atomic"
)

// Future holds a value or an error once settled. The first Resolve or Reject
// wins; later calls are ignored.
type Future[T any] struct {
	settled atomic.Bool
	done    chan struct{}
	val     T
	err     error
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Failed returns a future already settled with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with v. It reports whether this call won.
func (f *Future[T]) Resolve(v T) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.val = v
	close(f.done)
	return true
}

// Reject settles the future with err. It reports whether this call won.
func (f *Future[T]) Reject(err error) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.err = err
	close(f.done)
	return true
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the future settles or ctx is done. Returning on ctx does
// not settle the future.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek returns the settled value without blocking. ok is false while pending.
func (f *Future[T]) Peek() (v T, err error, ok bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Then returns a future settled by fn once f settles. fn receives f's value
// and error and may translate either.
func Then[T, U any](f *Future[T], fn func(T, error) (U, error)) *Future[U] {
	out := New[U]()
	go func() {
		<-f.done
		u, err := fn(f.val, f.err)
		if err != nil {
			out.Reject(err)
			return
		}
		out.Resolve(u)
	}()
	return out
}
