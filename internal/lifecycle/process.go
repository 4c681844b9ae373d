package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"weak"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/groutine"
)

// DefaultHandleTimeout bounds how long the shutdown sweep waits for one handle.
const DefaultHandleTimeout = 2 * time.Second

// Teardown releases one handle's native resources. It is run best-effort:
// its error is logged and never stops the sweep.
type Teardown func(ctx context.Context) error

type tracked struct {
	id       uint64
	kind     string
	name     string
	teardown Teardown
}

// Process is the registry of live handles swept at shutdown. It holds weak
// references only: tracking a handle never keeps it alive, and a collected
// handle is pruned automatically.
type Process struct {
	logger        *logrus.Logger
	handleTimeout time.Duration

	handles *hashmap.Map[uint64, *tracked]

	hooksMu sync.Mutex
	hooks   []namedHook

	exitOnce   sync.Once
	signalOnce sync.Once
	sweeps     atomic.Int64
}

type namedHook struct {
	name string
	fn   Teardown
}

// NewProcess creates an empty process registry.
func NewProcess(logger *logrus.Logger, handleTimeout time.Duration) *Process {
	if logger == nil {
		logger = logrus.New()
	}
	if handleTimeout <= 0 {
		handleTimeout = DefaultHandleTimeout
	}
	return &Process{
		logger:        logger,
		handleTimeout: handleTimeout,
		handles:       hashmap.New[uint64, *tracked](),
	}
}

// Track registers h for the shutdown sweep. teardown receives h again at
// sweep time if it is still alive; it must not capture h itself, or the
// handle could never be collected.
func Track[H any](p *Process, id uint64, kind, name string, h *H, teardown func(ctx context.Context, h *H) error) {
	ref := weak.Make(h)
	p.handles.Set(id, &tracked{
		id:   id,
		kind: kind,
		name: name,
		teardown: func(ctx context.Context) error {
			live := ref.Value()
			if live == nil {
				return nil
			}
			return teardown(ctx, live)
		},
	})

	runtime.AddCleanup(h, func(id uint64) {
		p.handles.Del(id)
	}, id)
}

// Untrack removes a handle, typically once its scoped teardown has run.
func (p *Process) Untrack(id uint64) {
	p.handles.Del(id)
}

// Tracked returns the number of handles awaiting teardown.
func (p *Process) Tracked() int {
	return p.handles.Len()
}

// OnShutdown registers an extra step run after the handle sweep.
func (p *Process) OnShutdown(name string, fn Teardown) {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.hooks = append(p.hooks, namedHook{name: name, fn: fn})
}

// Shutdown tears down every tracked handle, then runs the shutdown hooks.
// Teardowns run concurrently and each is bounded by the handle timeout, so a
// hung or failing handle cannot hold back the others. Failures are logged and
// counted, never returned. Swept handles are untracked, so calling Shutdown
// again only touches handles tracked since.
func (p *Process) Shutdown(ctx context.Context) int {
	p.sweeps.Add(1)

	var items []*tracked
	p.handles.Range(func(_ uint64, t *tracked) bool {
		items = append(items, t)
		return true
	})
	for _, t := range items {
		p.handles.Del(t.id)
	}

	p.logger.WithField("handles", len(items)).Debug("Shutdown sweep started")

	var failures atomic.Int64
	var wg sync.WaitGroup
	for _, t := range items {
		wg.Add(1)
		go func(t *tracked) {
			defer wg.Done()
			if err := p.runIsolated(ctx, t.kind+":"+t.name, t.teardown); err != nil {
				failures.Add(1)
			}
		}(t)
	}
	wg.Wait()

	p.hooksMu.Lock()
	hooks := append([]namedHook(nil), p.hooks...)
	p.hooksMu.Unlock()
	for _, h := range hooks {
		if err := p.runIsolated(ctx, h.name, h.fn); err != nil {
			failures.Add(1)
		}
	}

	n := int(failures.Load())
	p.logger.WithFields(logrus.Fields{
		"handles":  len(items),
		"failures": n,
	}).Debug("Shutdown sweep finished")
	return n
}

// Sweeps returns how many times Shutdown ran.
func (p *Process) Sweeps() int64 {
	return p.sweeps.Load()
}

// runIsolated runs fn on its own goroutine, bounded by the handle timeout,
// converting panics into errors. A teardown still running at the deadline
// is left behind; its outcome is ignored.
func (p *Process) runIsolated(ctx context.Context, name string, fn Teardown) error {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.handleTimeout)
	defer cancel()

	result := make(chan error, 1)
	groutine.Go(tctx, "ble-teardown:"+name, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("teardown panicked: %v", r)
			}
		}()
		result <- fn(ctx)
	})

	var err error
	select {
	case err = <-result:
	case <-tctx.Done():
		err = fmt.Errorf("teardown timed out after %s", p.handleTimeout)
	}

	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"handle": name,
			"error":  err,
		}).Warn("Teardown failed during shutdown, continuing")
	}
	return err
}

// Exit runs Shutdown once per process; later calls do nothing.
func (p *Process) Exit(ctx context.Context) {
	p.exitOnce.Do(func() {
		p.Shutdown(ctx)
	})
}

// InstallSignalHook runs Exit when the process receives SIGINT or SIGTERM and
// then re-delivers the signal with default handling restored. It installs at
// most once per Process.
func (p *Process) InstallSignalHook() {
	p.signalOnce.Do(func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

		groutine.Go(context.Background(), "ble-shutdown-signal", func(ctx context.Context) {
			sig := <-sigs
			p.logger.WithField("signal", sig.String()).Info("Signal received, releasing BLE resources")
			p.Exit(ctx)

			signal.Stop(sigs)
			signal.Reset(sig)
			if proc, err := os.FindProcess(os.Getpid()); err == nil {
				_ = proc.Signal(sig)
			}
		})
	})
}

var (
	processOnce sync.Once
	process     *Process
)

// Default returns the process-wide registry, created on first use (the first
// handle creation). Configure it before creating handles with SetDefault.
func Default() *Process {
	processOnce.Do(func() {
		if process == nil {
			process = NewProcess(nil, DefaultHandleTimeout)
		}
	})
	return process
}

// SetDefault replaces the process-wide registry. It only takes effect before
// Default is first called.
func SetDefault(p *Process) bool {
	installed := false
	processOnce.Do(func() {
		process = p
		installed = true
	})
	return installed
}
