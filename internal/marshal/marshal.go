// Package marshal wraps user callbacks so that native goroutines can invoke
// them safely: the wrapper only enqueues the call on the foreground scheduler
// and returns at once, and the user callback body then runs on the scheduler
// goroutine, in the order the native layer invoked the wrapper.
package marshal

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/groutine"
	"github.com/srg/blebridge/internal/loop"
)

// Slot is one native callback registration point (an event callback or a
// characteristic subscription). Each wrapper remembers the generation it was
// created for; once the slot is re-armed or disarmed, invocations of older
// wrappers are dropped instead of delivered.
type Slot struct {
	name      string
	gen       atomic.Uint64
	installed atomic.Bool
}

// NewSlot creates an empty slot.
func NewSlot(name string) *Slot {
	return &Slot{name: name}
}

func (s *Slot) Name() string { return s.name }

// Installed reports whether a live wrapper is registered in the slot.
func (s *Slot) Installed() bool { return s.installed.Load() }

// Disarm invalidates every wrapper created for the slot so far.
func (s *Slot) Disarm() {
	s.gen.Add(1)
	s.installed.Store(false)
}

func (s *Slot) arm() uint64 {
	g := s.gen.Add(1)
	s.installed.Store(true)
	return g
}

func (s *Slot) live(g uint64) bool {
	return s.gen.Load() == g
}

// Stats counts wrapper invocations.
type Stats struct {
	Delivered int64 // enqueued on the scheduler
	Stale     int64 // dropped because the slot moved on, before or after enqueueing
	Refused   int64 // dropped because the scheduler was stopped
}

// Marshaler produces scheduler-bound wrappers.
type Marshaler struct {
	sched  *loop.Scheduler
	logger *logrus.Logger

	delivered atomic.Int64
	stale     atomic.Int64
	refused   atomic.Int64
}

// New creates a Marshaler delivering on sched.
func New(sched *loop.Scheduler, logger *logrus.Logger) *Marshaler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Marshaler{sched: sched, logger: logger}
}

// Scheduler returns the scheduler callbacks are delivered on.
func (m *Marshaler) Scheduler() *loop.Scheduler { return m.sched }

// Stats returns a snapshot of the delivery counters.
func (m *Marshaler) Stats() Stats {
	return Stats{
		Delivered: m.delivered.Load(),
		Stale:     m.stale.Load(),
		Refused:   m.refused.Load(),
	}
}

// enqueue is what every wrapper does on the native goroutine. The slot is
// checked again when the task runs, since it may have moved on while the
// task was queued.
func (m *Marshaler) enqueue(slot *Slot, gen uint64, task func()) {
	if slot != nil && !slot.live(gen) {
		m.stale.Add(1)
		return
	}

	run := task
	if slot != nil {
		run = func() {
			if !slot.live(gen) {
				m.stale.Add(1)
				return
			}
			task()
		}
	}
	if !m.sched.Submit(run) {
		m.refused.Add(1)
		if slot != nil {
			m.logger.WithField("slot", slot.name).Debug("Scheduler stopped, dropping callback")
		}
		return
	}
	m.delivered.Add(1)
}

func (m *Marshaler) armed(slot *Slot) uint64 {
	if slot == nil {
		return 0
	}
	return slot.arm()
}

// Func0 wraps a zero-argument callback. A nil fn disarms slot and returns nil,
// so the native slot is cleared rather than given a no-op.
func (m *Marshaler) Func0(slot *Slot, fn func()) func() {
	if fn == nil {
		if slot != nil {
			slot.Disarm()
		}
		return nil
	}
	gen := m.armed(slot)
	return func() {
		m.enqueue(slot, gen, fn)
	}
}

// Func1 wraps a one-argument callback. See Func0 for nil handling.
func Func1[T any](m *Marshaler, slot *Slot, fn func(T)) func(T) {
	if fn == nil {
		if slot != nil {
			slot.Disarm()
		}
		return nil
	}
	gen := m.armed(slot)
	return func(v T) {
		m.enqueue(slot, gen, func() { fn(v) })
	}
}

// Bytes wraps a payload callback. The payload is copied on the native
// goroutine because the native layer may reuse its buffer after returning.
func (m *Marshaler) Bytes(slot *Slot, fn func([]byte)) func([]byte) {
	if fn == nil {
		return Func1[[]byte](m, slot, nil)
	}
	wrapped := Func1(m, slot, fn)
	return func(data []byte) {
		wrapped(bytes.Clone(data))
	}
}

// Async0 wraps a long-running callback: the foreground starts fn on its own
// goroutine instead of running it in place, so the queue keeps moving.
// Start order follows native invocation order; completion order does not.
func (m *Marshaler) Async0(slot *Slot, fn func(ctx context.Context)) func() {
	if fn == nil {
		return m.Func0(slot, nil)
	}
	name := "ble-callback"
	if slot != nil {
		name = "ble-callback:" + slot.name
	}
	return m.Func0(slot, func() {
		groutine.Go(context.Background(), name, func(ctx context.Context) {
			defer m.recoverCallback(name)
			fn(ctx)
		})
	})
}

// Async1 is Async0 for one-argument callbacks.
func Async1[T any](m *Marshaler, slot *Slot, fn func(ctx context.Context, v T)) func(T) {
	if fn == nil {
		return Func1[T](m, slot, nil)
	}
	name := "ble-callback"
	if slot != nil {
		name = "ble-callback:" + slot.name
	}
	return Func1(m, slot, func(v T) {
		groutine.Go(context.Background(), name, func(ctx context.Context) {
			defer m.recoverCallback(name)
			fn(ctx, v)
		})
	})
}

func (m *Marshaler) recoverCallback(name string) {
	if r := recover(); r != nil {
		m.logger.WithFields(logrus.Fields{
			"callback": name,
			"panic":    r,
		}).Error("Async callback panicked")
	}
}
