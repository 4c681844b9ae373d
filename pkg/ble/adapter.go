package ble

import (
	"context"
	"time"

	"github.com/srg/blebridge/internal/facade"
	"github.com/srg/blebridge/internal/marshal"
)

// Adapter is a handle on a native BLE adapter. Power and scan state are
// queried from the adapter on every call, never cached.
type Adapter struct {
	handle

	native  facade.Adapter
	key     string
	address string

	onScanStart   *callbackSlot
	onScanStop    *callbackSlot
	onScanFound   *callbackSlot
	onScanUpdated *callbackSlot
}

func newAdapter(c *Client, native facade.Adapter, key string) *Adapter {
	return &Adapter{
		handle:        newHandle(c, "adapter", key),
		native:        native,
		key:           key,
		address:       native.Address(),
		onScanStart:   newCallbackSlot(key + "/scan_start"),
		onScanStop:    newCallbackSlot(key + "/scan_stop"),
		onScanFound:   newCallbackSlot(key + "/scan_found"),
		onScanUpdated: newCallbackSlot(key + "/scan_updated"),
	}
}

func (a *Adapter) Identifier() string { return a.key }
func (a *Adapter) Address() string    { return a.address }

func (a *Adapter) Initialized(ctx context.Context) (bool, error) {
	return call(ctx, &a.handle, "initialized", func() (bool, error) {
		return a.native.Initialized(), nil
	})
}

func (a *Adapter) BluetoothEnabled(ctx context.Context) (bool, error) {
	return call(ctx, &a.handle, "bluetooth_enabled", func() (bool, error) {
		return a.native.BluetoothEnabled(), nil
	})
}

func (a *Adapter) IsPowered(ctx context.Context) (bool, error) {
	return call(ctx, &a.handle, "is_powered", func() (bool, error) {
		return a.native.IsPowered(), nil
	})
}

func (a *Adapter) PowerOn(ctx context.Context) error {
	return run(ctx, &a.handle, "power_on", a.native.PowerOn)
}

func (a *Adapter) PowerOnAsync(ctx context.Context) *Future[struct{}] {
	return runAsync(ctx, &a.handle, "power_on", a.native.PowerOn)
}

func (a *Adapter) PowerOff(ctx context.Context) error {
	return run(ctx, &a.handle, "power_off", a.native.PowerOff)
}

func (a *Adapter) PowerOffAsync(ctx context.Context) *Future[struct{}] {
	return runAsync(ctx, &a.handle, "power_off", a.native.PowerOff)
}

func (a *Adapter) ScanStart(ctx context.Context) error {
	return run(ctx, &a.handle, "scan_start", a.native.ScanStart)
}

func (a *Adapter) ScanStop(ctx context.Context) error {
	return run(ctx, &a.handle, "scan_stop", a.native.ScanStop)
}

// ScanFor scans for d and returns once the scan has finished. Found and
// updated callbacks fire while it runs.
func (a *Adapter) ScanFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return facade.InvalidArgumentError("scan_for", "scan duration must be positive, got %s", d)
	}
	return run(ctx, &a.handle, "scan_for", func() error { return a.native.ScanFor(d) })
}

func (a *Adapter) ScanForAsync(ctx context.Context, d time.Duration) *Future[struct{}] {
	if d <= 0 {
		return failed[struct{}]("scan_for", facade.InvalidArgumentError("scan_for", "scan duration must be positive, got %s", d))
	}
	return runAsync(ctx, &a.handle, "scan_for", func() error { return a.native.ScanFor(d) })
}

func (a *Adapter) ScanIsActive(ctx context.Context) (bool, error) {
	return call(ctx, &a.handle, "scan_is_active", func() (bool, error) {
		return a.native.ScanIsActive(), nil
	})
}

// ScanGetResults returns handles for the peripherals seen by the last scan.
func (a *Adapter) ScanGetResults(ctx context.Context) ([]*Peripheral, error) {
	natives, err := call(ctx, &a.handle, "scan_get_results", a.native.ScanGetResults)
	if err != nil {
		return nil, err
	}
	return a.client.wrapPeripherals(natives), nil
}

// GetPairedPeripherals returns handles for the bonded peripherals.
func (a *Adapter) GetPairedPeripherals(ctx context.Context) ([]*Peripheral, error) {
	natives, err := call(ctx, &a.handle, "get_paired_peripherals", a.native.GetPairedPeripherals)
	if err != nil {
		return nil, err
	}
	return a.client.wrapPeripherals(natives), nil
}

// SetCallbackOnScanStart registers cb for scan start events; nil removes it.
func (a *Adapter) SetCallbackOnScanStart(ctx context.Context, cb func(), opts ...CallbackOption) error {
	return a.onScanStart.set(ctx, &a.handle, "set_callback_on_scan_start", cb == nil, func(s *marshal.Slot) error {
		return a.native.SetCallbackOnScanStart(wrap0(a.client.marshal, s, cb, opts))
	})
}

// SetCallbackOnScanStop registers cb for scan stop events; nil removes it.
func (a *Adapter) SetCallbackOnScanStop(ctx context.Context, cb func(), opts ...CallbackOption) error {
	return a.onScanStop.set(ctx, &a.handle, "set_callback_on_scan_stop", cb == nil, func(s *marshal.Slot) error {
		return a.native.SetCallbackOnScanStop(wrap0(a.client.marshal, s, cb, opts))
	})
}

// SetCallbackOnScanFound registers cb for newly found peripherals; nil removes it.
// cb receives the tracked handle of the peripheral.
func (a *Adapter) SetCallbackOnScanFound(ctx context.Context, cb func(*Peripheral), opts ...CallbackOption) error {
	return a.onScanFound.set(ctx, &a.handle, "set_callback_on_scan_found", cb == nil, func(s *marshal.Slot) error {
		return a.native.SetCallbackOnScanFound(a.peripheralCallback(s, cb, opts))
	})
}

// SetCallbackOnScanUpdated registers cb for advertisement updates; nil removes it.
func (a *Adapter) SetCallbackOnScanUpdated(ctx context.Context, cb func(*Peripheral), opts ...CallbackOption) error {
	return a.onScanUpdated.set(ctx, &a.handle, "set_callback_on_scan_updated", cb == nil, func(s *marshal.Slot) error {
		return a.native.SetCallbackOnScanUpdated(a.peripheralCallback(s, cb, opts))
	})
}

// peripheralCallback converts native peripherals to handles on the foreground.
func (a *Adapter) peripheralCallback(s *marshal.Slot, cb func(*Peripheral), opts []CallbackOption) func(facade.Peripheral) {
	if cb == nil {
		return wrap1[facade.Peripheral](a.client.marshal, s, nil, opts)
	}
	return wrap1(a.client.marshal, s, func(native facade.Peripheral) {
		cb(a.client.wrapPeripheral(native))
	}, opts)
}

// Close clears the scan callbacks and stops an active scan. The steps run
// once; the first call returns their joined failures.
func (a *Adapter) Close(ctx context.Context) error {
	return a.release(ctx)
}

func (a *Adapter) release(ctx context.Context) error {
	err := a.close(ctx, func(t *teardown) {
		clearScanCallbacks(t, a.native)
		for _, s := range []*callbackSlot{a.onScanStart, a.onScanStop, a.onScanFound, a.onScanUpdated} {
			s.clear()
		}
		t.step("stop scan", func() error {
			if !a.native.ScanIsActive() {
				return nil
			}
			return a.native.ScanStop()
		})
	})
	a.client.forgetAdapter(a.key, a)
	return err
}

func clearScanCallbacks(t *teardown, native facade.Adapter) {
	t.step("clear scan start callback", func() error { return native.SetCallbackOnScanStart(nil) })
	t.step("clear scan stop callback", func() error { return native.SetCallbackOnScanStop(nil) })
	t.step("clear scan found callback", func() error { return native.SetCallbackOnScanFound(nil) })
	t.step("clear scan updated callback", func() error { return native.SetCallbackOnScanUpdated(nil) })
}
