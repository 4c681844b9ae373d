package goble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/facade"
	"github.com/srg/blebridge/internal/groutine"
)

const (
	// AdapterIdentifier names the single go-ble adapter.
	AdapterIdentifier = "go-ble"

	// DefaultResultsCapacity bounds the per-scan result history; the oldest
	// entries are overwritten once it is full.
	DefaultResultsCapacity = 256
)

// Adapter is the go-ble radio.
type Adapter struct {
	radio  radio
	logger *logrus.Logger

	// every peripheral ever reported, by address
	known *hashmap.Map[string, *Peripheral]

	scanMu     sync.Mutex
	scanActive atomic.Bool
	scanCancel context.CancelFunc
	scanDone   <-chan struct{}
	seen       *hashmap.Map[string, struct{}]

	resultsMu   sync.Mutex
	results     mpmc.RichOverlappedRingBuffer[*Peripheral]
	overwritten atomic.Uint64

	cbMu      sync.RWMutex
	onStart   func()
	onStop    func()
	onFound   func(facade.Peripheral)
	onUpdated func(facade.Peripheral)
}

func newAdapter(r radio, logger *logrus.Logger) *Adapter {
	return &Adapter{
		radio:   r,
		logger:  logger,
		known:   hashmap.New[string, *Peripheral](),
		seen:    hashmap.New[string, struct{}](),
		results: mpmc.NewOverlappedRingBuffer[*Peripheral](DefaultResultsCapacity),
	}
}

func (a *Adapter) Identifier() string { return AdapterIdentifier }

// Address is not exposed by go-ble.
func (a *Adapter) Address() string { return "" }

func (a *Adapter) Initialized() bool      { return a.radio != nil }
func (a *Adapter) BluetoothEnabled() bool { return a.radio != nil }
func (a *Adapter) IsPowered() bool        { return a.radio != nil }

func (a *Adapter) PowerOn() error  { return facade.ErrUnsupported }
func (a *Adapter) PowerOff() error { return facade.ErrUnsupported }

func (a *Adapter) ScanStart() error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	if a.scanActive.Load() {
		return nil
	}

	a.resultsMu.Lock()
	a.results = mpmc.NewOverlappedRingBuffer[*Peripheral](DefaultResultsCapacity)
	a.resultsMu.Unlock()
	a.seen = hashmap.New[string, struct{}]()
	a.overwritten.Store(0)

	ctx, cancel := context.WithCancel(context.Background())
	a.scanCancel = cancel
	a.scanActive.Store(true)
	seen := a.seen

	a.logger.Debug("BLE scan started")
	a.fire(a.startCallback())

	a.scanDone = groutine.GoDone(ctx, "ble-scan", func(ctx context.Context) {
		defer func() {
			a.scanActive.Store(false)
			a.logger.WithField("overwritten", a.overwritten.Load()).Debug("BLE scan stopped")
			a.fire(a.stopCallback())
		}()
		err := a.radio.scan(ctx, func(adv advert) { a.handleAdvert(seen, adv) })
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.WithError(err).Warn("BLE scan ended with error")
		}
	})
	return nil
}

func (a *Adapter) ScanStop() error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	if a.scanCancel == nil {
		return nil
	}
	a.scanCancel()
	<-a.scanDone
	a.scanCancel = nil
	return nil
}

func (a *Adapter) ScanFor(d time.Duration) error {
	if err := a.ScanStart(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	<-timer.C
	return a.ScanStop()
}

func (a *Adapter) ScanIsActive() bool { return a.scanActive.Load() }

// ScanGetResults returns the peripherals found by the current or last scan
// in discovery order.
func (a *Adapter) ScanGetResults() ([]facade.Peripheral, error) {
	a.resultsMu.Lock()
	defer a.resultsMu.Unlock()

	var drained []*Peripheral
	for !a.results.IsEmpty() {
		p, err := a.results.Dequeue()
		if err != nil {
			break
		}
		drained = append(drained, p)
	}

	out := make([]facade.Peripheral, 0, len(drained))
	for _, p := range drained {
		if _, err := a.results.EnqueueM(p); err != nil {
			a.logger.WithError(err).Warn("Failed to restore scan result")
		}
		out = append(out, p)
	}
	return out, nil
}

// GetPairedPeripherals is always empty: go-ble has no bonding API.
func (a *Adapter) GetPairedPeripherals() ([]facade.Peripheral, error) {
	return []facade.Peripheral{}, nil
}

func (a *Adapter) SetCallbackOnScanStart(cb func()) error {
	a.cbMu.Lock()
	a.onStart = cb
	a.cbMu.Unlock()
	return nil
}

func (a *Adapter) SetCallbackOnScanStop(cb func()) error {
	a.cbMu.Lock()
	a.onStop = cb
	a.cbMu.Unlock()
	return nil
}

func (a *Adapter) SetCallbackOnScanFound(cb func(facade.Peripheral)) error {
	a.cbMu.Lock()
	a.onFound = cb
	a.cbMu.Unlock()
	return nil
}

func (a *Adapter) SetCallbackOnScanUpdated(cb func(facade.Peripheral)) error {
	a.cbMu.Lock()
	a.onUpdated = cb
	a.cbMu.Unlock()
	return nil
}

// handleAdvert runs on the radio's goroutine for every advertisement report.
func (a *Adapter) handleAdvert(seen *hashmap.Map[string, struct{}], adv advert) {
	p, ok := a.known.Get(adv.address)
	if !ok {
		p, _ = a.known.GetOrInsert(adv.address, newPeripheral(a.radio, adv.address, a.logger))
	}
	p.update(adv)

	if _, loaded := seen.GetOrInsert(adv.address, struct{}{}); loaded {
		if cb := a.updatedCallback(); cb != nil {
			cb(p)
		}
		return
	}

	a.resultsMu.Lock()
	overwrites, err := a.results.EnqueueM(p)
	a.resultsMu.Unlock()
	if err != nil {
		a.logger.WithError(err).Warn("Failed to record scan result")
	}
	a.overwritten.Add(uint64(overwrites))

	if cb := a.foundCallback(); cb != nil {
		cb(p)
	}
}

func (a *Adapter) fire(cb func()) {
	if cb != nil {
		cb()
	}
}

func (a *Adapter) startCallback() func() {
	a.cbMu.RLock()
	defer a.cbMu.RUnlock()
	return a.onStart
}

func (a *Adapter) stopCallback() func() {
	a.cbMu.RLock()
	defer a.cbMu.RUnlock()
	return a.onStop
}

func (a *Adapter) foundCallback() func(facade.Peripheral) {
	a.cbMu.RLock()
	defer a.cbMu.RUnlock()
	return a.onFound
}

func (a *Adapter) updatedCallback() func(facade.Peripheral) {
	a.cbMu.RLock()
	defer a.cbMu.RUnlock()
	return a.onUpdated
}
