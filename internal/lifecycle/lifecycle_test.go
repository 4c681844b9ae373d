package lifecycle_test

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type handle struct {
	guard    *lifecycle.Guard
	closes   atomic.Int32
	closeErr error
}

func newHandle() *handle { return &handle{guard: lifecycle.NewGuard()} }

func (h *handle) Close(ctx context.Context) error {
	h.guard.Close(func() { h.closes.Add(1) })
	return h.closeErr
}

func TestGuardRunsTeardownOnce(t *testing.T) {
	// GOAL: Verify cleanup is idempotent under concurrent callers
	//
	// TEST SCENARIO: 16 goroutines close the same guard → teardown ran once, state cleaned

	g := lifecycle.NewGuard()
	assert.Equal(t, lifecycle.Active, g.State())

	var runs atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Close(func() {
				runs.Add(1)
				time.Sleep(10 * time.Millisecond)
			})
		}()
	}
	wg.Wait()
	<-g.Done()

	assert.Equal(t, int32(1), runs.Load(), "teardown MUST run exactly once")
	assert.Equal(t, lifecycle.Cleaned, g.State())
	assert.False(t, g.Close(func() { runs.Add(1) }), "later close MUST be a no-op")
	assert.Equal(t, "cleaning", lifecycle.Cleaning.String())
}

func TestGuardPanickingTeardownStillCleans(t *testing.T) {
	g := lifecycle.NewGuard()

	assert.Panics(t, func() {
		g.Close(func() { panic("boom") })
	})
	assert.Equal(t, lifecycle.Cleaned, g.State(), "guard MUST reach cleaned even when teardown panics")
}

func TestGuardCleaningUntilFinished(t *testing.T) {
	// GOAL: Verify a teardown finished elsewhere keeps the guard cleaning until it completes
	//
	// TEST SCENARIO: Begin → cleaning, Done open, second Begin refused; Finish → cleaned, Done closed

	g := lifecycle.NewGuard()
	require.True(t, g.Begin(), "the first Begin MUST own the teardown")
	assert.Equal(t, lifecycle.Cleaning, g.State())
	assert.False(t, g.Active())
	assert.False(t, g.Begin(), "a second Begin MUST be refused")
	assert.False(t, g.Close(func() { t.Fatal("teardown MUST NOT run twice") }))

	select {
	case <-g.Done():
		t.Fatal("Done MUST stay open while cleaning")
	default:
	}

	g.Finish()
	assert.Equal(t, lifecycle.Cleaned, g.State())
	<-g.Done()
	g.Finish()
}

func TestUseClosesOnEveryExitPath(t *testing.T) {
	// GOAL: Verify scoped acquisition tears down on return, error, panic and cancellation
	//
	// TEST SCENARIO: Run Use with each exit path → handle closed exactly once each time

	t.Run("normal return", func(t *testing.T) {
		h := newHandle()
		err := lifecycle.Use(context.Background(), h, func(ctx context.Context, h *handle) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, int32(1), h.closes.Load())
	})

	t.Run("error", func(t *testing.T) {
		h := newHandle()
		h.closeErr = errors.New("close failed")
		err := lifecycle.Use(context.Background(), h, func(ctx context.Context, h *handle) error {
			return errors.New("body failed")
		})
		assert.EqualError(t, err, "body failed", "body error MUST win over close error")
		assert.Equal(t, int32(1), h.closes.Load())
	})

	t.Run("close error surfaces", func(t *testing.T) {
		h := newHandle()
		h.closeErr = errors.New("close failed")
		err := lifecycle.Use(context.Background(), h, func(ctx context.Context, h *handle) error { return nil })
		assert.EqualError(t, err, "close failed")
	})

	t.Run("panic", func(t *testing.T) {
		h := newHandle()
		assert.PanicsWithValue(t, "user bug", func() {
			_ = lifecycle.Use(context.Background(), h, func(ctx context.Context, h *handle) error {
				panic("user bug")
			})
		}, "panic MUST be re-raised after teardown")
		assert.Equal(t, int32(1), h.closes.Load())
	})

	t.Run("cancellation", func(t *testing.T) {
		h := newHandle()
		ctx, cancel := context.WithCancel(context.Background())
		err := lifecycle.Use(ctx, h, func(ctx context.Context, h *handle) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(1), h.closes.Load())
	})
}

type resource struct{ name string }

type ProcessTestSuite struct {
	suite.Suite
	p *lifecycle.Process
}

func (s *ProcessTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	s.p = lifecycle.NewProcess(logger, 100*time.Millisecond)
}

func (s *ProcessTestSuite) TestShutdownContinuesPastFailures() {
	// GOAL: Verify one failing teardown does not stop the others
	//
	// TEST SCENARIO: 4 handles: failing, panicking, hanging, healthy → healthy torn down, 3 failures counted

	failing, panicking, hanging, healthy := &resource{"a"}, &resource{"b"}, &resource{"c"}, &resource{"d"}
	var healthyRan atomic.Bool

	lifecycle.Track(s.p, 1, "peripheral", "a", failing, func(ctx context.Context, r *resource) error {
		return errors.New("unsubscribe failed")
	})
	lifecycle.Track(s.p, 2, "peripheral", "b", panicking, func(ctx context.Context, r *resource) error {
		panic("native crash")
	})
	lifecycle.Track(s.p, 3, "peripheral", "c", hanging, func(ctx context.Context, r *resource) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	lifecycle.Track(s.p, 4, "adapter", "d", healthy, func(ctx context.Context, r *resource) error {
		healthyRan.Store(r.name == "d")
		return nil
	})

	start := time.Now()
	failures := s.p.Shutdown(context.Background())

	s.Equal(3, failures, "failing, panicking and hanging teardowns MUST be counted")
	s.True(healthyRan.Load(), "healthy handle MUST be torn down")
	s.Less(time.Since(start), time.Second, "a hung teardown MUST be bounded by the handle timeout")
	s.Equal(0, s.p.Tracked(), "swept handles MUST be untracked")

	runtime.KeepAlive(failing)
	runtime.KeepAlive(panicking)
	runtime.KeepAlive(hanging)
	runtime.KeepAlive(healthy)
}

func (s *ProcessTestSuite) TestSecondShutdownIssuesNothing() {
	r := &resource{"x"}
	var runs atomic.Int32
	lifecycle.Track(s.p, 1, "adapter", "x", r, func(ctx context.Context, r *resource) error {
		runs.Add(1)
		return nil
	})

	s.p.Shutdown(context.Background())
	s.p.Shutdown(context.Background())

	s.Equal(int32(1), runs.Load(), "a handle MUST be torn down once")
	s.Equal(int64(2), s.p.Sweeps())
	runtime.KeepAlive(r)
}

func (s *ProcessTestSuite) TestUntrackedHandleIsSkipped() {
	r := &resource{"x"}
	lifecycle.Track(s.p, 1, "adapter", "x", r, func(ctx context.Context, r *resource) error {
		s.Fail("untracked handle MUST NOT be torn down")
		return nil
	})
	s.p.Untrack(1)

	s.Equal(0, s.p.Shutdown(context.Background()))
	runtime.KeepAlive(r)
}

func (s *ProcessTestSuite) TestCollectedHandleIsPruned() {
	// GOAL: Verify the process registry never keeps a handle alive
	//
	// TEST SCENARIO: Track a handle, drop every reference, run GC → entry pruned

	func() {
		r := &resource{"gone"}
		lifecycle.Track(s.p, 9, "peripheral", "gone", r, func(ctx context.Context, r *resource) error {
			return nil
		})
	}()

	s.Eventually(func() bool {
		runtime.GC()
		return s.p.Tracked() == 0
	}, 2*time.Second, 10*time.Millisecond, "collected handle MUST be pruned")
}

func (s *ProcessTestSuite) TestHooksRunAfterHandles() {
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	r := &resource{"p"}
	lifecycle.Track(s.p, 1, "peripheral", "p", r, func(ctx context.Context, r *resource) error {
		record("handle")
		return nil
	})
	s.p.OnShutdown("adapters", func(ctx context.Context) error {
		record("hook")
		return errors.New("clear failed")
	})

	s.Equal(1, s.p.Shutdown(context.Background()), "failing hook MUST be counted")
	s.Equal([]string{"handle", "hook"}, order)
	runtime.KeepAlive(r)
}

func (s *ProcessTestSuite) TestExitRunsOnce() {
	var hooks atomic.Int32
	s.p.OnShutdown("count", func(ctx context.Context) error {
		hooks.Add(1)
		return nil
	})

	s.p.Exit(context.Background())
	s.p.Exit(context.Background())

	s.Equal(int32(1), hooks.Load(), "exit sweep MUST run once per process")
}

func TestProcessTestSuite(t *testing.T) {
	suite.Run(t, new(ProcessTestSuite))
}

func TestDefaultIsSingleton(t *testing.T) {
	custom := lifecycle.NewProcess(nil, time.Second)
	installed := lifecycle.SetDefault(custom)

	assert.True(t, installed, "first SetDefault MUST install")
	assert.Same(t, custom, lifecycle.Default())
	assert.False(t, lifecycle.SetDefault(lifecycle.NewProcess(nil, 0)), "later SetDefault MUST be ignored")
	assert.Same(t, custom, lifecycle.Default())
}
