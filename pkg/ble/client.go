// Package ble is the asynchronous BLE API. Blocking native calls run on a
// bounded worker pool, serialized per adapter or peripheral; user callbacks
// are delivered in order on a single foreground goroutine; every handle's
// native registrations are released when its scope ends or the process
// shuts down.
package ble

import (
	"context"
	"sync"
	"time"
	"weak"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/bridge"
	"github.com/srg/blebridge/internal/facade"
	"github.com/srg/blebridge/internal/facade/goble"
	"github.com/srg/blebridge/internal/lifecycle"
	"github.com/srg/blebridge/internal/loop"
	"github.com/srg/blebridge/internal/marshal"
	"github.com/srg/blebridge/internal/registry"
	"github.com/srg/blebridge/pkg/config"
)

// Future is the pending result of an ...Async operation.
type Future[T any] = bridge.Future[T]

// Client owns the machinery shared by every handle it creates: the worker
// pool, the foreground scheduler and the subscription registry.
type Client struct {
	logger   *logrus.Logger
	cfg      *config.Config
	provider facade.Provider

	sched    *loop.Scheduler
	ownSched bool
	bridge   *bridge.Bridge
	marshal  *marshal.Marshaler
	subs     *registry.Registry
	process  *lifecycle.Process

	wrapMu      sync.Mutex
	adapters    *hashmap.Map[string, weak.Pointer[Adapter]]
	peripherals *hashmap.Map[string, weak.Pointer[Peripheral]]

	firstHandle sync.Once
	closeOnce   sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger; by default one is built from the configuration.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithConfig sets the configuration; by default config.DefaultConfig is used.
func WithConfig(cfg *config.Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// WithScheduler delivers callbacks on sched instead of a scheduler owned by
// the client. The caller starts and stops it.
func WithScheduler(sched *loop.Scheduler) Option {
	return func(c *Client) { c.sched = sched }
}

// WithProcess tracks handles in p instead of the process-wide registry.
func WithProcess(p *lifecycle.Process) Option {
	return func(c *Client) { c.process = p }
}

// New creates a client over provider.
func New(provider facade.Provider, opts ...Option) *Client {
	c := &Client{
		provider:    provider,
		subs:        registry.New(),
		adapters:    hashmap.New[string, weak.Pointer[Adapter]](),
		peripherals: hashmap.New[string, weak.Pointer[Peripheral]](),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cfg == nil {
		c.cfg = config.DefaultConfig()
	}
	if c.logger == nil {
		c.logger = c.cfg.NewLogger()
	}
	if c.sched == nil {
		c.sched = loop.New(c.logger)
		c.sched.Start(context.Background())
		c.ownSched = true
	}
	if c.process == nil {
		lifecycle.SetDefault(lifecycle.NewProcess(c.logger, c.cfg.Lifecycle.HandleTeardownTimeout))
		c.process = lifecycle.Default()
	}

	c.bridge = bridge.New(bridge.Options{
		Workers:     c.cfg.Bridge.Workers,
		CallTimeout: c.cfg.Bridge.CallTimeout,
	}, c.logger)
	c.marshal = marshal.New(c.sched, c.logger)
	c.process.OnShutdown("adapter-callbacks", c.clearAdapterCallbacks)

	return c
}

// Scheduler returns the foreground scheduler callbacks are delivered on.
func (c *Client) Scheduler() *loop.Scheduler { return c.sched }

// Flush waits until every callback queued so far has run.
func (c *Client) Flush(ctx context.Context) error {
	return c.sched.Flush(ctx)
}

// GetAdapters enumerates the native adapters.
func (c *Client) GetAdapters(ctx context.Context) ([]*Adapter, error) {
	natives, err := bridge.Call(ctx, c.bridge, bridge.NoTarget, "get_adapters", c.provider.GetAdapters)
	if err != nil {
		return nil, err
	}

	adapters := make([]*Adapter, 0, len(natives))
	for _, n := range natives {
		adapters = append(adapters, c.wrapAdapter(n))
	}
	return adapters, nil
}

// Shutdown releases every live handle tracked in the client's process
// registry and returns how many teardowns failed. It never fails itself.
func (c *Client) Shutdown(ctx context.Context) int {
	return c.process.Shutdown(ctx)
}

// Close shuts down, waits for in-flight native calls and stops the
// scheduler the client owns.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.Shutdown(ctx)
		err = c.bridge.Wait(ctx)
		if c.ownSched {
			c.sched.Stop()
		}
	})
	return err
}

// wrapAdapter returns the live handle for native, creating one if needed.
func (c *Client) wrapAdapter(native facade.Adapter) *Adapter {
	key := native.Identifier()

	c.wrapMu.Lock()
	defer c.wrapMu.Unlock()

	if ref, ok := c.adapters.Get(key); ok {
		if a := ref.Value(); a != nil && !a.Closed() {
			return a
		}
	}

	a := newAdapter(c, native, key)
	c.adapters.Set(key, weak.Make(a))
	c.track()
	lifecycle.Track(c.process, a.id, "adapter", a.name, a, func(ctx context.Context, a *Adapter) error {
		return a.release(ctx)
	})
	return a
}

// wrapPeripheral returns the live handle for native, creating one if needed.
// Handles are keyed by the device address, so every scan event for the
// same device yields the same handle and the same subscription set.
func (c *Client) wrapPeripheral(native facade.Peripheral) *Peripheral {
	key := native.Address()

	c.wrapMu.Lock()
	defer c.wrapMu.Unlock()

	if ref, ok := c.peripherals.Get(key); ok {
		if p := ref.Value(); p != nil && !p.Closed() {
			return p
		}
	}

	p := newPeripheral(c, native, key)
	c.peripherals.Set(key, weak.Make(p))
	c.track()
	lifecycle.Track(c.process, p.id, "peripheral", p.name, p, func(ctx context.Context, p *Peripheral) error {
		return p.release(ctx)
	})
	return p
}

func (c *Client) forgetAdapter(key string, a *Adapter) {
	c.wrapMu.Lock()
	defer c.wrapMu.Unlock()
	if ref, ok := c.adapters.Get(key); ok && ref.Value() == a {
		c.adapters.Del(key)
	}
}

func (c *Client) forgetPeripheral(key string, p *Peripheral) {
	c.wrapMu.Lock()
	defer c.wrapMu.Unlock()
	if ref, ok := c.peripherals.Get(key); ok && ref.Value() == p {
		c.peripherals.Del(key)
	}
}

// track runs the first-handle setup.
func (c *Client) track() {
	c.firstHandle.Do(func() {
		if c.cfg.Lifecycle.SignalHook {
			c.process.InstallSignalHook()
		}
	})
}

// clearAdapterCallbacks removes scan callbacks from every adapter the
// provider enumerates, including adapters no handle was ever created for.
func (c *Client) clearAdapterCallbacks(ctx context.Context) error {
	natives, err := bridge.Call(ctx, c.bridge, bridge.NoTarget, "get_adapters", c.provider.GetAdapters)
	if err != nil {
		return err
	}

	t := &teardown{logger: c.logger, kind: "adapter", name: "*"}
	for _, n := range natives {
		t.name = n.Identifier()
		clearScanCallbacks(t, n)
	}
	return t.err()
}

var (
	defaultOnce   sync.Once
	defaultClient *Client
)

// Default returns the process-wide client over the go-ble backend.
func Default() *Client {
	defaultOnce.Do(func() {
		cfg := config.DefaultConfig()
		logger := cfg.NewLogger()
		defaultClient = New(goble.NewProvider(logger), WithConfig(cfg), WithLogger(logger))
	})
	return defaultClient
}

// GetAdapters enumerates adapters with the default client.
func GetAdapters(ctx context.Context) ([]*Adapter, error) {
	return Default().GetAdapters(ctx)
}

// Shutdown releases every live handle in the process, whichever client
// created it. Failures are logged and counted, never returned.
func Shutdown(ctx context.Context) int {
	return lifecycle.Default().Shutdown(ctx)
}

// Use runs fn with h and releases h on every exit path, including panics
// and cancellation.
func Use[H lifecycle.Closer](ctx context.Context, h H, fn func(ctx context.Context, h H) error) error {
	return lifecycle.Use(ctx, h, fn)
}

// ShutdownTimeout is a convenience bound for Shutdown at process exit.
const ShutdownTimeout = 5 * time.Second
