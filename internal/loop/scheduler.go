// Package loop implements the foreground scheduler: a single goroutine that
// runs submitted tasks one at a time, in submission order.
//
// Submit is safe from any goroutine, including native callback goroutines,
// and never blocks: tasks are appended to an unbounded queue and the loop
// goroutine is woken. Everything delivered through a Scheduler therefore runs
// sequentially, never concurrently with another task of the same Scheduler.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/groutine"
)

// ErrStopped is returned when a task is submitted to a stopped scheduler.
var ErrStopped = errors.New("scheduler stopped")

// Scheduler is a FIFO task loop.
type Scheduler struct {
	logger *logrus.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake    chan struct{}
	done    chan struct{}
	started atomic.Bool
	panics  atomic.Int64
}

// New creates a scheduler. It does nothing until Run or Start is called.
func New(logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Submit enqueues fn. It returns false if the scheduler has been stopped.
func (s *Scheduler) Submit(fn func()) bool {
	if fn == nil {
		return true
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Run drains the queue on the calling goroutine until ctx is done or Stop is
// called. Run may be called once per Scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}
	defer close(s.done)

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, fn := range batch {
			s.runTask(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// Start runs the loop on its own named goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	groutine.Go(ctx, "ble-foreground", func(ctx context.Context) {
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Debug("Foreground scheduler exited")
		}
	})
}

// Stop refuses new tasks, lets the loop drain what is already queued and
// waits for it to exit. Stopping a scheduler that never ran only refuses new tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	if s.started.Load() {
		<-s.done
	}
}

// Flush waits until every task submitted before the call has run.
func (s *Scheduler) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	if !s.Submit(func() { close(marker) }) {
		return ErrStopped
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Panics returns how many tasks panicked since the scheduler was created.
func (s *Scheduler) Panics() int64 {
	return s.panics.Load()
}

func (s *Scheduler) runTask(fn func()) {
	// A panicking callback must not take the loop down with it
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.WithField("panic", r).Error("Foreground task panicked")
		}
	}()
	fn()
}

var (
	defaultOnce  sync.Once
	defaultSched *Scheduler
)

// Default returns the process scheduler, starting it on first use. It runs
// for the lifetime of the process.
func Default() *Scheduler {
	defaultOnce.Do(func() {
		defaultSched = New(nil)
		defaultSched.Start(context.Background())
	})
	return defaultSched
}
