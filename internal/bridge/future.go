package bridge

import (
	"context"
	"sync"
	"sync/atomic"
)

// Future is the pending result of a bridged call. It resolves exactly once.
type Future[T any] struct {
	op   string
	done chan struct{}
	once sync.Once

	val T
	err error

	abandoned atomic.Bool
}

func newFuture[T any](op string) *Future[T] {
	return &Future[T]{op: op, done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
	})
}

// Failed returns a future already resolved with err, for calls rejected
// before dispatch.
func Failed[T any](op string, err error) *Future[T] {
	f := newFuture[T](op)
	var zero T
	f.resolve(zero, err)
	return f
}

// Op returns the operation name the future was dispatched with.
func (f *Future[T]) Op() string { return f.op }

// Done is closed once the call has resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await waits for the result. If ctx is done first, it returns ctx.Err() and
// the eventual result of the call is discarded.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}

	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		f.abandoned.Store(true)
		var zero T
		return zero, ctx.Err()
	}
}
