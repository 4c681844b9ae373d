package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/bridge"
	"github.com/srg/blebridge/internal/facade"
	"github.com/srg/blebridge/internal/lifecycle"
	"github.com/srg/blebridge/internal/marshal"
)

// handle is the state shared by adapter and peripheral handles: the bridge
// lane their native calls are serialized on and the teardown guard.
type handle struct {
	client *Client
	id     uint64
	kind   string
	name   string
	guard  *lifecycle.Guard
}

func newHandle(c *Client, kind, name string) handle {
	return handle{
		client: c,
		id:     bridge.NewTargetID(),
		kind:   kind,
		name:   name,
		guard:  lifecycle.NewGuard(),
	}
}

// Closed reports whether the handle has been torn down or is being torn down.
func (h *handle) Closed() bool {
	return !h.guard.Active()
}

func (h *handle) closedError(op string) error {
	return facade.NotFoundError(op, "%s %s is closed", h.kind, h.name)
}

func (h *handle) logFailure(op string, err error) {
	if err == nil {
		return
	}
	h.client.logger.WithFields(logrus.Fields{
		h.kind:  h.name,
		"op":    op,
		"kind":  facade.KindOf(err),
		"error": err,
	}).Error("BLE operation failed")
}

// dispatch issues fn on the handle's lane without waiting for it.
func dispatch[T any](ctx context.Context, h *handle, op string, fn func() (T, error)) *Future[T] {
	if !h.guard.Active() {
		return bridge.Failed[T](op, h.closedError(op))
	}
	return bridge.Go(ctx, h.client.bridge, h.id, op, fn)
}

// call issues fn on the handle's lane and waits for its result.
func call[T any](ctx context.Context, h *handle, op string, fn func() (T, error)) (T, error) {
	if !h.guard.Active() {
		var zero T
		return zero, h.closedError(op)
	}
	v, err := bridge.Call(ctx, h.client.bridge, h.id, op, fn)
	if ctx.Err() == nil {
		h.logFailure(op, err)
	}
	return v, err
}

func run(ctx context.Context, h *handle, op string, fn func() error) error {
	_, err := call(ctx, h, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func runAsync(ctx context.Context, h *handle, op string, fn func() error) *Future[struct{}] {
	return dispatch(ctx, h, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
}

// close queues release once on the handle's lane and waits for it, bounded
// by the teardown timeout. The queued release has no deadline of its own: a
// lane held by a long native call delays it but never skips it. The handle
// stays tracked until release has run, so a wait that times out is reported
// and a shutdown sweep still waits on the same release. Later calls only
// wait.
func (h *handle) close(ctx context.Context, release func(t *teardown)) error {
	timeout := h.client.cfg.Lifecycle.HandleTeardownTimeout
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if !h.guard.Begin() {
		select {
		case <-h.guard.Done():
			return nil
		case <-wctx.Done():
			return h.pendingError(timeout, wctx.Err())
		}
	}

	t := &teardown{logger: h.client.logger, kind: h.kind, name: h.name}
	f := bridge.Go(context.Background(), h.client.bridge, h.id, "teardown", func() (struct{}, error) {
		defer h.finish(t)
		release(t)
		return struct{}{}, t.err()
	})

	select {
	case <-f.Done():
		_, err := f.Await(wctx)
		return err
	case <-wctx.Done():
		h.client.logger.WithFields(logrus.Fields{
			h.kind:    h.name,
			"timeout": timeout,
		}).Warn("Teardown still queued behind a running native call")
		return h.pendingError(timeout, wctx.Err())
	}
}

// finish runs on the lane right after release, also when release panicked.
func (h *handle) finish(t *teardown) {
	h.client.process.Untrack(h.id)
	h.client.bridge.Release(h.id)
	h.guard.Finish()
	h.client.logger.WithFields(logrus.Fields{
		h.kind:   h.name,
		"failed": t.failed(),
	}).Debug("Handle released")
}

func (h *handle) pendingError(timeout time.Duration, err error) error {
	return facade.TransportError("teardown", fmt.Errorf("%s %s still releasing after %s: %w", h.kind, h.name, timeout, err))
}

// teardown runs best-effort native steps: a failing or panicking step is
// logged and recorded, and the remaining steps still run.
type teardown struct {
	logger *logrus.Logger
	kind   string
	name   string

	mu   sync.Mutex
	errs []error
}

func (t *teardown) step(what string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panicked: %v", r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}

	t.logger.WithFields(logrus.Fields{
		t.kind:  t.name,
		"step":  what,
		"error": err,
	}).Warn("Teardown step failed, continuing")

	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, fmt.Errorf("%s: %w", what, err))
}

func (t *teardown) failed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.errs)
}

func (t *teardown) err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return errors.Join(t.errs...)
}

// callbackSlot tracks the live marshal slot behind one native registration
// point. A new slot is armed for every registration and committed only once
// the native call accepted it, so a failed registration leaves the previous
// callback delivering.
type callbackSlot struct {
	name string

	mu  sync.Mutex
	cur *marshal.Slot
}

func newCallbackSlot(name string) *callbackSlot {
	return &callbackSlot{name: name}
}

// set installs (or, with clearing, removes) a callback through install.
// install receives the slot to build its wrapper for; it runs on the
// handle's lane.
func (c *callbackSlot) set(ctx context.Context, h *handle, op string, clearing bool, install func(s *marshal.Slot) error) error {
	return run(ctx, h, op, func() error {
		var next *marshal.Slot
		if !clearing {
			next = marshal.NewSlot(c.name)
		}
		if err := install(next); err != nil {
			if next != nil {
				next.Disarm()
			}
			return err
		}
		c.commit(next)
		return nil
	})
}

func (c *callbackSlot) commit(next *marshal.Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil && c.cur != next {
		c.cur.Disarm()
	}
	c.cur = next
}

// Installed reports whether a callback is registered.
func (c *callbackSlot) Installed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil && c.cur.Installed()
}

func (c *callbackSlot) clear() {
	c.commit(nil)
}
