package ble

import (
	"bytes"
	"context"

	"github.com/srg/blebridge/internal/marshal"
)

// CallbackOption configures how a user callback is delivered.
type CallbackOption func(*callbackConfig)

type callbackConfig struct {
	task bool
}

// AsTask starts every invocation of the callback on its own goroutine from
// the foreground instead of running it in place. Use it for callbacks that
// await bridged operations, such as connecting to a peripheral found by a
// scan. Tasks start in delivery order but may finish in any order.
func AsTask() CallbackOption {
	return func(c *callbackConfig) { c.task = true }
}

func callbackOptions(opts []CallbackOption) callbackConfig {
	var cfg callbackConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func wrap0(m *marshal.Marshaler, s *marshal.Slot, cb func(), opts []CallbackOption) func() {
	if cb == nil {
		return m.Func0(s, nil)
	}
	if callbackOptions(opts).task {
		return m.Async0(s, func(context.Context) { cb() })
	}
	return m.Func0(s, cb)
}

func wrap1[T any](m *marshal.Marshaler, s *marshal.Slot, cb func(T), opts []CallbackOption) func(T) {
	if cb == nil {
		return marshal.Func1[T](m, s, nil)
	}
	if callbackOptions(opts).task {
		return marshal.Async1(m, s, func(_ context.Context, v T) { cb(v) })
	}
	return marshal.Func1(m, s, cb)
}

func wrapBytes(m *marshal.Marshaler, s *marshal.Slot, cb func([]byte), opts []CallbackOption) func([]byte) {
	if cb == nil || !callbackOptions(opts).task {
		return m.Bytes(s, cb)
	}
	w := marshal.Async1(m, s, func(_ context.Context, data []byte) { cb(data) })
	return func(data []byte) {
		w(bytes.Clone(data))
	}
}
