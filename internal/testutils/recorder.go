package testutils

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Call is one native call observed by a fake.
type Call struct {
	Target string
	Method string
	Args   []string
}

func (c Call) String() string {
	return fmt.Sprintf("%s(%s)", c.Method, strings.Join(c.Args, ","))
}

// Recorder collects the native calls issued against a set of fakes, in the
// order they started.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(target, method string, args ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Target: target, Method: method, Args: args})
}

// Calls returns a snapshot of every recorded call.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Methods returns the recorded calls for target, rendered as "Method(args)".
// An empty target matches every fake.
func (r *Recorder) Methods(target string) []string {
	var out []string
	for _, c := range r.Calls() {
		if target == "" || c.Target == target {
			out = append(out, c.String())
		}
	}
	return out
}

// Count returns how many times method was called on any fake.
func (r *Recorder) Count(method string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset forgets every recorded call.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Faults injects failures into a fake's native methods.
type Faults struct {
	mu     sync.Mutex
	errs   map[string]error
	panics map[string]any
	blocks map[string]chan struct{}
	delays map[string]chan struct{}

	inFlight atomic.Int32
	overlaps atomic.Int32
}

// FailOn makes every call of method return err. A nil err clears the fault.
func (f *Faults) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

// PanicOn makes every call of method panic with v.
func (f *Faults) PanicOn(method string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics == nil {
		f.panics = make(map[string]any)
	}
	f.panics[method] = v
}

// BlockOn makes calls of method block until the returned release is called.
// entered is closed once the first blocked call has started.
func (f *Faults) BlockOn(method string) (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocks == nil {
		f.blocks = make(map[string]chan struct{})
		f.delays = make(map[string]chan struct{})
	}
	gate := make(chan struct{})
	in := make(chan struct{})
	f.blocks[method] = gate
	f.delays[method] = in

	var once sync.Once
	return in, func() { once.Do(func() { close(gate) }) }
}

// Overlaps counts calls that started while another call on the same fake was
// still running.
func (f *Faults) Overlaps() int {
	return int(f.overlaps.Load())
}

// enter runs the fault plan for method. The returned exit must be deferred.
func (f *Faults) enter(method string) (exit func(), err error) {
	if f.inFlight.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	exit = func() { f.inFlight.Add(-1) }

	f.mu.Lock()
	gate := f.blocks[method]
	in := f.delays[method]
	p, shouldPanic := f.panics[method]
	err = f.errs[method]
	if in != nil {
		delete(f.delays, method)
	}
	f.mu.Unlock()

	if in != nil {
		close(in)
	}
	if gate != nil {
		<-gate
	}
	if shouldPanic {
		exit()
		panic(p)
	}
	return exit, err
}

// invokeNative calls cb from a fresh goroutine and waits for it to return,
// the way a native stack delivers events from its own threads.
func invokeNative(cb func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		cb()
	}()
	<-done
}
