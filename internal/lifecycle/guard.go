// Package lifecycle tears down adapter and peripheral resources exactly once,
// either when a scope using the handle exits or when the process shuts down.
package lifecycle

import (
	"context"
	"fmt"
	"sync/atomic"
)

// State of a handle's teardown.
type State int32

const (
	Active State = iota
	Cleaning
	Cleaned
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Cleaning:
		return "cleaning"
	case Cleaned:
		return "cleaned"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Guard drives ACTIVE → CLEANING → CLEANED. The first Close runs the
// teardown; concurrent and later calls observe CLEANING or CLEANED and
// return immediately without running it again.
type Guard struct {
	state atomic.Int32
	done  chan struct{}
}

// NewGuard returns a guard in the Active state.
func NewGuard() *Guard {
	return &Guard{done: make(chan struct{})}
}

// State returns the current state.
func (g *Guard) State() State {
	return State(g.state.Load())
}

// Active reports whether teardown has not started.
func (g *Guard) Active() bool {
	return g.State() == Active
}

// Done is closed once teardown has completed.
func (g *Guard) Done() <-chan struct{} {
	return g.done
}

// Begin moves the guard from Active to Cleaning and reports whether the
// caller won the transition and so owns the teardown. The owner must call
// Finish once the teardown has run.
func (g *Guard) Begin() bool {
	return g.state.CompareAndSwap(int32(Active), int32(Cleaning))
}

// Finish marks the teardown complete and releases Done waiters.
func (g *Guard) Finish() {
	if g.state.Swap(int32(Cleaned)) == int32(Cleaning) {
		close(g.done)
	}
}

// Close runs teardown if this is the first call and reports whether it did.
// A panicking teardown still leaves the guard Cleaned and is re-raised.
func (g *Guard) Close(teardown func()) bool {
	if !g.Begin() {
		return false
	}
	defer g.Finish()
	teardown()
	return true
}

// Closer is a handle with a scoped lifetime.
type Closer interface {
	Close(ctx context.Context) error
}

// Use runs fn with h and closes h on every exit path: normal return, error,
// panic (re-raised after close) and context cancellation. The close error is
// returned only when fn itself succeeded.
func Use[H Closer](ctx context.Context, h H, fn func(ctx context.Context, h H) error) (err error) {
	defer func() {
		// teardown must not be skipped because the scope's context is gone
		closeErr := h.Close(context.WithoutCancel(ctx))
		if r := recover(); r != nil {
			panic(r)
		}
		if err == nil {
			err = closeErr
		}
	}()

	return fn(ctx, h)
}
