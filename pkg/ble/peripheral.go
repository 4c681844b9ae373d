package ble

import (
	"context"
	"errors"
	"sync"

	"github.com/srg/blebridge/internal/bridge"
	"github.com/srg/blebridge/internal/facade"
	"github.com/srg/blebridge/internal/marshal"
	"github.com/srg/blebridge/internal/registry"
)

// maxAttributeLen is the largest attribute value ATT allows.
const maxAttributeLen = 512

// SubscriptionMode is how a characteristic delivers its values.
type SubscriptionMode = registry.Mode

const (
	ModeNotify   = registry.Notify
	ModeIndicate = registry.Indicate
)

// Subscription is one active notify or indicate registration.
type Subscription = registry.Entry

// Peripheral is a handle on a remote BLE device. Connection state is queried
// from the device on every call, never cached.
type Peripheral struct {
	handle

	native  facade.Peripheral
	key     string
	address string

	onConnected    *callbackSlot
	onDisconnected *callbackSlot

	subMu    sync.Mutex
	subSlots map[registry.Key]*callbackSlot
}

func newPeripheral(c *Client, native facade.Peripheral, key string) *Peripheral {
	return &Peripheral{
		handle:         newHandle(c, "peripheral", key),
		native:         native,
		key:            key,
		address:        native.Address(),
		onConnected:    newCallbackSlot(key + "/connected"),
		onDisconnected: newCallbackSlot(key + "/disconnected"),
		subSlots:       make(map[registry.Key]*callbackSlot),
	}
}

func (c *Client) wrapPeripherals(natives []facade.Peripheral) []*Peripheral {
	out := make([]*Peripheral, 0, len(natives))
	for _, n := range natives {
		out = append(out, c.wrapPeripheral(n))
	}
	return out
}

func failed[T any](op string, err error) *Future[T] {
	return bridge.Failed[T](op, err)
}

func (p *Peripheral) Identifier() string { return p.native.Identifier() }
func (p *Peripheral) Address() string    { return p.address }

// Advertisement data, as last reported by the native layer.

func (p *Peripheral) AddressType() string                 { return p.native.AddressType() }
func (p *Peripheral) RSSI() int16                         { return p.native.RSSI() }
func (p *Peripheral) TxPower() int16                      { return p.native.TxPower() }
func (p *Peripheral) MTU() uint16                         { return p.native.MTU() }
func (p *Peripheral) IsConnectable() bool                 { return p.native.IsConnectable() }
func (p *Peripheral) ManufacturerData() map[uint16][]byte { return p.native.ManufacturerData() }

func (p *Peripheral) Initialized(ctx context.Context) (bool, error) {
	return call(ctx, &p.handle, "initialized", func() (bool, error) {
		return p.native.Initialized(), nil
	})
}

func (p *Peripheral) IsConnected(ctx context.Context) (bool, error) {
	return call(ctx, &p.handle, "is_connected", func() (bool, error) {
		return p.native.IsConnected(), nil
	})
}

func (p *Peripheral) IsPaired(ctx context.Context) (bool, error) {
	return call(ctx, &p.handle, "is_paired", func() (bool, error) {
		return p.native.IsPaired(), nil
	})
}

func (p *Peripheral) Connect(ctx context.Context) error {
	return run(ctx, &p.handle, "connect", p.native.Connect)
}

func (p *Peripheral) ConnectAsync(ctx context.Context) *Future[struct{}] {
	return runAsync(ctx, &p.handle, "connect", p.native.Connect)
}

func (p *Peripheral) Disconnect(ctx context.Context) error {
	return run(ctx, &p.handle, "disconnect", p.native.Disconnect)
}

func (p *Peripheral) DisconnectAsync(ctx context.Context) *Future[struct{}] {
	return runAsync(ctx, &p.handle, "disconnect", p.native.Disconnect)
}

func (p *Peripheral) Unpair(ctx context.Context) error {
	return run(ctx, &p.handle, "unpair", p.native.Unpair)
}

// connected fails with NotConnectedError unless the peripheral is connected.
// It runs inside the bridged call so the check and the GATT operation are
// not interleaved with other calls on the same peripheral.
func (p *Peripheral) connected(op string) error {
	if !p.native.IsConnected() {
		return facade.NotConnectedError(op, p.address)
	}
	return nil
}

// Services returns the discovered GATT profile while connected, and the
// advertised services otherwise.
func (p *Peripheral) Services(ctx context.Context) ([]Service, error) {
	return call(ctx, &p.handle, "services", p.native.Services)
}

func (p *Peripheral) Read(ctx context.Context, service, characteristic string) ([]byte, error) {
	fn, err := p.readOp(service, characteristic)
	if err != nil {
		return nil, err
	}
	return call(ctx, &p.handle, "read", fn)
}

func (p *Peripheral) ReadAsync(ctx context.Context, service, characteristic string) *Future[[]byte] {
	fn, err := p.readOp(service, characteristic)
	if err != nil {
		return failed[[]byte]("read", err)
	}
	return dispatch(ctx, &p.handle, "read", fn)
}

func (p *Peripheral) readOp(service, characteristic string) (func() ([]byte, error), error) {
	ids, err := uuids("read", service, characteristic)
	if err != nil {
		return nil, err
	}
	return func() ([]byte, error) {
		if err := p.connected("read"); err != nil {
			return nil, err
		}
		return p.native.Read(ids[0], ids[1])
	}, nil
}

func (p *Peripheral) WriteRequest(ctx context.Context, service, characteristic string, data []byte) error {
	fn, err := p.writeOp("write_request", service, characteristic, data, p.native.WriteRequest)
	if err != nil {
		return err
	}
	return run(ctx, &p.handle, "write_request", fn)
}

func (p *Peripheral) WriteRequestAsync(ctx context.Context, service, characteristic string, data []byte) *Future[struct{}] {
	fn, err := p.writeOp("write_request", service, characteristic, data, p.native.WriteRequest)
	if err != nil {
		return failed[struct{}]("write_request", err)
	}
	return runAsync(ctx, &p.handle, "write_request", fn)
}

func (p *Peripheral) WriteCommand(ctx context.Context, service, characteristic string, data []byte) error {
	fn, err := p.writeOp("write_command", service, characteristic, data, p.native.WriteCommand)
	if err != nil {
		return err
	}
	return run(ctx, &p.handle, "write_command", fn)
}

func (p *Peripheral) WriteCommandAsync(ctx context.Context, service, characteristic string, data []byte) *Future[struct{}] {
	fn, err := p.writeOp("write_command", service, characteristic, data, p.native.WriteCommand)
	if err != nil {
		return failed[struct{}]("write_command", err)
	}
	return runAsync(ctx, &p.handle, "write_command", fn)
}

// writeOp validates the arguments and copies data, so the caller may reuse
// its buffer as soon as the call is dispatched.
func (p *Peripheral) writeOp(op, service, characteristic string, data []byte, native func(string, string, []byte) error) (func() error, error) {
	ids, err := uuids(op, service, characteristic)
	if err != nil {
		return nil, err
	}
	if err := payload(op, data); err != nil {
		return nil, err
	}

	buf := append([]byte(nil), data...)
	return func() error {
		if err := p.connected(op); err != nil {
			return err
		}
		return native(ids[0], ids[1], buf)
	}, nil
}

func (p *Peripheral) DescriptorRead(ctx context.Context, service, characteristic, descriptor string) ([]byte, error) {
	ids, err := uuids("descriptor_read", service, characteristic, descriptor)
	if err != nil {
		return nil, err
	}
	return call(ctx, &p.handle, "descriptor_read", func() ([]byte, error) {
		if err := p.connected("descriptor_read"); err != nil {
			return nil, err
		}
		return p.native.DescriptorRead(ids[0], ids[1], ids[2])
	})
}

func (p *Peripheral) DescriptorWrite(ctx context.Context, service, characteristic, descriptor string, data []byte) error {
	ids, err := uuids("descriptor_write", service, characteristic, descriptor)
	if err != nil {
		return err
	}
	if err := payload("descriptor_write", data); err != nil {
		return err
	}

	buf := append([]byte(nil), data...)
	return run(ctx, &p.handle, "descriptor_write", func() error {
		if err := p.connected("descriptor_write"); err != nil {
			return err
		}
		return p.native.DescriptorWrite(ids[0], ids[1], ids[2], buf)
	})
}

// Notify subscribes cb to notifications of (service, characteristic),
// replacing any existing subscription on it. A nil cb unsubscribes.
func (p *Peripheral) Notify(ctx context.Context, service, characteristic string, cb func([]byte), opts ...CallbackOption) error {
	if cb == nil {
		return p.Unsubscribe(ctx, service, characteristic)
	}
	fn, err := p.subscribeOp("notify", registry.Notify, service, characteristic, cb, opts)
	if err != nil {
		return err
	}
	return run(ctx, &p.handle, "notify", fn)
}

func (p *Peripheral) NotifyAsync(ctx context.Context, service, characteristic string, cb func([]byte), opts ...CallbackOption) *Future[struct{}] {
	if cb == nil {
		return p.UnsubscribeAsync(ctx, service, characteristic)
	}
	fn, err := p.subscribeOp("notify", registry.Notify, service, characteristic, cb, opts)
	if err != nil {
		return failed[struct{}]("notify", err)
	}
	return runAsync(ctx, &p.handle, "notify", fn)
}

// Indicate subscribes cb to indications of (service, characteristic),
// replacing any existing subscription on it. A nil cb unsubscribes.
func (p *Peripheral) Indicate(ctx context.Context, service, characteristic string, cb func([]byte), opts ...CallbackOption) error {
	if cb == nil {
		return p.Unsubscribe(ctx, service, characteristic)
	}
	fn, err := p.subscribeOp("indicate", registry.Indicate, service, characteristic, cb, opts)
	if err != nil {
		return err
	}
	return run(ctx, &p.handle, "indicate", fn)
}

func (p *Peripheral) IndicateAsync(ctx context.Context, service, characteristic string, cb func([]byte), opts ...CallbackOption) *Future[struct{}] {
	if cb == nil {
		return p.UnsubscribeAsync(ctx, service, characteristic)
	}
	fn, err := p.subscribeOp("indicate", registry.Indicate, service, characteristic, cb, opts)
	if err != nil {
		return failed[struct{}]("indicate", err)
	}
	return runAsync(ctx, &p.handle, "indicate", fn)
}

// subscribeOp builds the bridged subscribe. The subscription is recorded
// before the native call and rolled back if it fails; both happen on the
// peripheral's lane, so a teardown queued on the same lane either runs first
// (and the subscribe is refused) or sees the entry and unsubscribes it.
func (p *Peripheral) subscribeOp(op string, mode registry.Mode, service, characteristic string, cb func([]byte), opts []CallbackOption) (func() error, error) {
	ids, err := uuids(op, service, characteristic)
	if err != nil {
		return nil, err
	}
	svc, char := ids[0], ids[1]
	slot := p.subSlot(registry.Key{Service: svc, Characteristic: char})

	return func() error {
		if p.Closed() {
			return p.closedError(op)
		}
		if err := p.connected(op); err != nil {
			return err
		}

		prev := p.client.subs.Record(p.id, svc, char, mode)
		next := marshal.NewSlot(slot.name)
		w := wrapBytes(p.client.marshal, next, cb, opts)

		var err error
		if mode == registry.Indicate {
			err = p.native.Indicate(svc, char, w)
		} else {
			err = p.native.Notify(svc, char, w)
		}
		if err != nil {
			next.Disarm()
			p.client.subs.Rollback(p.id, svc, char, prev)
			return err
		}
		slot.commit(next)
		return nil
	}, nil
}

// Unsubscribe removes the subscription of (service, characteristic). The
// subscription is forgotten even when the native call fails.
func (p *Peripheral) Unsubscribe(ctx context.Context, service, characteristic string) error {
	fn, err := p.unsubscribeOp(service, characteristic)
	if err != nil {
		return err
	}
	return run(ctx, &p.handle, "unsubscribe", fn)
}

func (p *Peripheral) UnsubscribeAsync(ctx context.Context, service, characteristic string) *Future[struct{}] {
	fn, err := p.unsubscribeOp(service, characteristic)
	if err != nil {
		return failed[struct{}]("unsubscribe", err)
	}
	return runAsync(ctx, &p.handle, "unsubscribe", fn)
}

func (p *Peripheral) unsubscribeOp(service, characteristic string) (func() error, error) {
	ids, err := uuids("unsubscribe", service, characteristic)
	if err != nil {
		return nil, err
	}
	svc, char := ids[0], ids[1]

	// looked up on the lane, so a subscribe dispatched just before is seen
	return func() error {
		if _, ok := p.client.subs.Lookup(p.id, svc, char); !ok {
			return facade.NotFoundError("unsubscribe", "no subscription on %s/%s", svc, char)
		}
		defer p.dropSubscription(registry.Key{Service: svc, Characteristic: char})
		if err := p.connected("unsubscribe"); err != nil {
			return err
		}
		return p.native.Unsubscribe(svc, char)
	}, nil
}

// ListSubscriptions returns the active subscriptions in the order they were made.
func (p *Peripheral) ListSubscriptions() []Subscription {
	return p.client.subs.ListActive(p.id)
}

func (p *Peripheral) subSlot(key registry.Key) *callbackSlot {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	s, ok := p.subSlots[key]
	if !ok {
		s = newCallbackSlot(p.key + "/" + key.Service + "/" + key.Characteristic)
		p.subSlots[key] = s
	}
	return s
}

func (p *Peripheral) dropSubscription(key registry.Key) {
	p.client.subs.Forget(p.id, key.Service, key.Characteristic)

	p.subMu.Lock()
	defer p.subMu.Unlock()
	if s, ok := p.subSlots[key]; ok {
		s.clear()
		delete(p.subSlots, key)
	}
}

// SetCallbackOnConnected registers cb for connection events; nil removes it.
func (p *Peripheral) SetCallbackOnConnected(ctx context.Context, cb func(), opts ...CallbackOption) error {
	return p.onConnected.set(ctx, &p.handle, "set_callback_on_connected", cb == nil, func(s *marshal.Slot) error {
		return p.native.SetCallbackOnConnected(wrap0(p.client.marshal, s, cb, opts))
	})
}

// SetCallbackOnDisconnected registers cb for disconnection events; nil removes it.
func (p *Peripheral) SetCallbackOnDisconnected(ctx context.Context, cb func(), opts ...CallbackOption) error {
	return p.onDisconnected.set(ctx, &p.handle, "set_callback_on_disconnected", cb == nil, func(s *marshal.Slot) error {
		return p.native.SetCallbackOnDisconnected(wrap0(p.client.marshal, s, cb, opts))
	})
}

// Close clears the event callbacks and unsubscribes every active
// subscription. The steps run once and each runs even when an earlier one
// failed; the first call returns the joined failures, and a teardown still
// queued behind a running native call when the teardown timeout expires.
func (p *Peripheral) Close(ctx context.Context) error {
	return p.release(ctx)
}

func (p *Peripheral) release(ctx context.Context) error {
	err := p.close(ctx, func(t *teardown) {
		t.step("clear connected callback", func() error { return p.native.SetCallbackOnConnected(nil) })
		p.onConnected.clear()
		t.step("clear disconnected callback", func() error { return p.native.SetCallbackOnDisconnected(nil) })
		p.onDisconnected.clear()

		for _, sub := range p.client.subs.Drop(p.id) {
			t.step("unsubscribe "+sub.Service+"/"+sub.Characteristic, func() error {
				return p.native.Unsubscribe(sub.Service, sub.Characteristic)
			})
		}

		p.subMu.Lock()
		for key, s := range p.subSlots {
			s.clear()
			delete(p.subSlots, key)
		}
		p.subMu.Unlock()
	})
	p.client.forgetPeripheral(p.key, p)
	return err
}

func uuids(op string, ids ...string) ([]string, error) {
	out, err := facade.ValidateUUIDs(ids...)
	if err != nil {
		var e *facade.Error
		if errors.As(err, &e) {
			return nil, &facade.Error{Kind: e.Kind, Op: op, Msg: e.Msg}
		}
		return nil, facade.InvalidArgumentError(op, "%v", err)
	}
	return out, nil
}

func payload(op string, data []byte) error {
	if len(data) > maxAttributeLen {
		return facade.InvalidArgumentError(op, "payload of %d bytes exceeds the %d byte attribute limit", len(data), maxAttributeLen)
	}
	return nil
}
