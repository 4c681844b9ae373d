// Package bridge runs blocking native BLE calls off the caller's goroutine
// and hands their outcome back through a Future.
//
// At most Options.Workers native calls run at the same time. Calls issued
// against the same target run one at a time, in the order they were
// dispatched, because the native objects are not assumed to be reentrant.
// Cancelling the awaiting context never abandons a native call that has
// already started: it runs to completion and its result is dropped.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/facade"
	"github.com/srg/blebridge/internal/groutine"
)

// NoTarget dispatches a call without per-target serialization.
const NoTarget uint64 = 0

var lastTargetID atomic.Uint64

// NewTargetID allocates a process-unique target identity.
func NewTargetID() uint64 {
	return lastTargetID.Add(1)
}

// Options configures a Bridge.
type Options struct {
	Workers     int           // max concurrently running native calls
	CallTimeout time.Duration // applied by Call/Run when > 0
}

// DefaultOptions returns the defaults used when no configuration is supplied.
func DefaultOptions() Options {
	return Options{Workers: 8}
}

// Bridge dispatches blocking calls onto a bounded set of workers.
type Bridge struct {
	logger      *logrus.Logger
	slots       chan struct{}
	callTimeout time.Duration

	targets  *hashmap.Map[uint64, *targetQueue]
	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// targetQueue hands the per-target turn from one call to the next in dispatch order.
type targetQueue struct {
	mu   sync.Mutex
	tail chan struct{}
}

// New creates a Bridge.
func New(opts Options, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	return &Bridge{
		logger:      logger,
		slots:       make(chan struct{}, opts.Workers),
		callTimeout: opts.CallTimeout,
		targets:     hashmap.New[uint64, *targetQueue](),
	}
}

// reserve takes the next turn on target. The returned prev is closed once
// every earlier call on target has finished; next must be closed when this
// call is done.
func (b *Bridge) reserve(target uint64) (prev, next chan struct{}) {
	q, _ := b.targets.GetOrInsert(target, newTargetQueue())

	next = make(chan struct{})
	q.mu.Lock()
	prev = q.tail
	q.tail = next
	q.mu.Unlock()
	return prev, next
}

func newTargetQueue() *targetQueue {
	ready := make(chan struct{})
	close(ready)
	return &targetQueue{tail: ready}
}

// Release forgets the serialization state of target. Calls already
// dispatched keep their order.
func (b *Bridge) Release(target uint64) {
	b.targets.Del(target)
}

// InFlight returns the number of dispatched calls that have not resolved yet.
func (b *Bridge) InFlight() int64 {
	return b.inFlight.Load()
}

// Wait blocks until every dispatched call has resolved or ctx is done.
func (b *Bridge) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go dispatches fn and returns its pending result. op names the operation in
// errors and logs. If ctx is already done when fn's turn comes, fn is skipped
// and the future resolves with ctx.Err().
func Go[T any](ctx context.Context, b *Bridge, target uint64, op string, fn func() (T, error)) *Future[T] {
	f := newFuture[T](op)

	var prev, next chan struct{}
	if target != NoTarget {
		prev, next = b.reserve(target)
	}

	b.inFlight.Add(1)
	b.wg.Add(1)
	groutine.Go(context.Background(), "ble-bridge:"+op, func(context.Context) {
		defer b.wg.Done()
		defer b.inFlight.Add(-1)
		if next != nil {
			defer close(next)
		}

		if prev != nil {
			<-prev
		}
		b.slots <- struct{}{}
		defer func() { <-b.slots }()

		if err := ctx.Err(); err != nil {
			var zero T
			f.resolve(zero, err)
			return
		}

		v, err := invoke(op, fn)
		f.resolve(v, err)

		if f.abandoned.Load() {
			b.logger.WithFields(logrus.Fields{
				"op":     op,
				"target": target,
				"error":  err,
			}).Debug("Discarding result of a cancelled bridged call")
		}
	})

	return f
}

// Call dispatches fn and waits for its result, applying the bridge call timeout.
func Call[T any](ctx context.Context, b *Bridge, target uint64, op string, fn func() (T, error)) (T, error) {
	awaitCtx := ctx
	if b.callTimeout > 0 {
		var cancel context.CancelFunc
		awaitCtx, cancel = context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
	}

	v, err := Go(awaitCtx, b, target, op, fn).Await(awaitCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// our own call timeout, not the caller's deadline
		return v, facade.TransportError(op, fmt.Errorf("timed out after %s: %w", b.callTimeout, err))
	}
	return v, err
}

// Run is Call for operations without a result.
func Run(ctx context.Context, b *Bridge, target uint64, op string, fn func() error) error {
	_, err := Call(ctx, b, target, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// invoke runs fn, turning a panic into a transport failure and classifying errors.
func invoke[T any](op string, fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = facade.TransportError(op, fmt.Errorf("native call panicked: %v", r))
		}
	}()

	v, err = fn()
	return v, facade.Normalize(op, err)
}
