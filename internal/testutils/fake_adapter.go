package testutils

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blebridge/internal/facade"
)

// FakeAdapter is an in-memory facade.Adapter. Peripherals added with
// WithPeripherals are reported by scans.
type FakeAdapter struct {
	*Faults

	rec     *Recorder
	id      string
	address string

	powered    atomic.Bool
	scanActive atomic.Bool

	mu          sync.Mutex
	nearby      []*FakePeripheral
	onScanStart func()
	onScanStop  func()
	onFound     func(facade.Peripheral)
	onUpdated   func(facade.Peripheral)
}

var _ facade.Adapter = (*FakeAdapter)(nil)

// NewFakeAdapter creates a powered adapter.
func NewFakeAdapter(rec *Recorder, id string) *FakeAdapter {
	a := &FakeAdapter{
		Faults:  &Faults{},
		rec:     rec,
		id:      id,
		address: "00:11:22:33:44:55",
	}
	a.powered.Store(true)
	return a
}

// WithPeripherals makes the peripherals visible to scans.
func (a *FakeAdapter) WithPeripherals(ps ...*FakePeripheral) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nearby = append(a.nearby, ps...)
	return a
}

func (a *FakeAdapter) call(method string, args ...string) (func(), error) {
	a.rec.record(a.id, method, args...)
	return a.enter(method)
}

func (a *FakeAdapter) Identifier() string     { return a.id }
func (a *FakeAdapter) Address() string        { return a.address }
func (a *FakeAdapter) Initialized() bool      { return true }
func (a *FakeAdapter) BluetoothEnabled() bool { return a.powered.Load() }
func (a *FakeAdapter) IsPowered() bool        { return a.powered.Load() }
func (a *FakeAdapter) ScanIsActive() bool     { return a.scanActive.Load() }

func (a *FakeAdapter) PowerOn() error {
	exit, err := a.call("PowerOn")
	defer exit()
	if err == nil {
		a.powered.Store(true)
	}
	return err
}

func (a *FakeAdapter) PowerOff() error {
	exit, err := a.call("PowerOff")
	defer exit()
	if err == nil {
		a.powered.Store(false)
	}
	return err
}

func (a *FakeAdapter) ScanStart() error {
	exit, err := a.call("ScanStart")
	defer exit()
	if err != nil {
		return err
	}
	if a.scanActive.Swap(true) {
		return nil
	}

	a.mu.Lock()
	start, found := a.onScanStart, a.onFound
	nearby := append([]*FakePeripheral(nil), a.nearby...)
	a.mu.Unlock()

	if start != nil {
		invokeNative(start)
	}
	if found != nil {
		for _, p := range nearby {
			invokeNative(func() { found(p) })
		}
	}
	return nil
}

func (a *FakeAdapter) ScanStop() error {
	exit, err := a.call("ScanStop")
	defer exit()
	if err != nil {
		return err
	}
	if !a.scanActive.Swap(false) {
		return nil
	}

	a.mu.Lock()
	stop := a.onScanStop
	a.mu.Unlock()
	if stop != nil {
		invokeNative(stop)
	}
	return nil
}

func (a *FakeAdapter) ScanFor(d time.Duration) error {
	exit, err := a.call("ScanFor", d.String())
	if err != nil {
		exit()
		return err
	}
	exit()

	// ScanStart/ScanStop are internal steps here, not separate native calls
	a.scanActive.Store(true)
	a.mu.Lock()
	start, stop, found := a.onScanStart, a.onScanStop, a.onFound
	nearby := append([]*FakePeripheral(nil), a.nearby...)
	a.mu.Unlock()

	if start != nil {
		invokeNative(start)
	}
	if found != nil {
		for _, p := range nearby {
			invokeNative(func() { found(p) })
		}
	}
	time.Sleep(d)
	a.scanActive.Store(false)
	if stop != nil {
		invokeNative(stop)
	}
	return nil
}

func (a *FakeAdapter) ScanGetResults() ([]facade.Peripheral, error) {
	exit, err := a.call("ScanGetResults")
	defer exit()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]facade.Peripheral, 0, len(a.nearby))
	for _, p := range a.nearby {
		out = append(out, p)
	}
	return out, nil
}

func (a *FakeAdapter) GetPairedPeripherals() ([]facade.Peripheral, error) {
	exit, err := a.call("GetPairedPeripherals")
	defer exit()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var out []facade.Peripheral
	for _, p := range a.nearby {
		if p.IsPaired() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (a *FakeAdapter) SetCallbackOnScanStart(cb func()) error {
	exit, err := a.call("SetCallbackOnScanStart", installed(cb != nil))
	defer exit()
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onScanStart = cb
	return nil
}

func (a *FakeAdapter) SetCallbackOnScanStop(cb func()) error {
	exit, err := a.call("SetCallbackOnScanStop", installed(cb != nil))
	defer exit()
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onScanStop = cb
	return nil
}

func (a *FakeAdapter) SetCallbackOnScanFound(cb func(facade.Peripheral)) error {
	exit, err := a.call("SetCallbackOnScanFound", installed(cb != nil))
	defer exit()
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFound = cb
	return nil
}

func (a *FakeAdapter) SetCallbackOnScanUpdated(cb func(facade.Peripheral)) error {
	exit, err := a.call("SetCallbackOnScanUpdated", installed(cb != nil))
	defer exit()
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onUpdated = cb
	return nil
}

// EmitUpdated reports p as updated from a native goroutine.
func (a *FakeAdapter) EmitUpdated(p *FakePeripheral) bool {
	a.mu.Lock()
	cb := a.onUpdated
	a.mu.Unlock()
	if cb == nil {
		return false
	}
	invokeNative(func() { cb(p) })
	return true
}

// HasCallbacks reports whether any scan callback slot is set.
func (a *FakeAdapter) HasCallbacks() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onScanStart != nil || a.onScanStop != nil || a.onFound != nil || a.onUpdated != nil
}

// Provider returns a facade.Provider enumerating adapters.
func Provider(adapters ...*FakeAdapter) facade.Provider {
	return facade.ProviderFunc(func() ([]facade.Adapter, error) {
		out := make([]facade.Adapter, len(adapters))
		for i, a := range adapters {
			out[i] = a
		}
		return out, nil
	})
}
