package testutils

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/srg/blebridge/internal/facade"
)

// FakePeripheral is an in-memory facade.Peripheral. Every native method is
// recorded on the shared Recorder and passes through the fault plan.
type FakePeripheral struct {
	*Faults

	rec *Recorder

	id          string
	address     string
	addressType string
	rssi        int16
	txPower     int16
	mtu         uint16
	connectable bool
	manufData   map[uint16][]byte

	connected atomic.Bool
	paired    atomic.Bool

	mu             sync.Mutex
	services       []facade.Service
	values         map[string][]byte
	subs           map[string]func([]byte)
	onConnected    func()
	onDisconnected func()
}

var _ facade.Peripheral = (*FakePeripheral)(nil)

// NewFakePeripheral creates a disconnected, connectable peripheral.
func NewFakePeripheral(rec *Recorder, address string) *FakePeripheral {
	return &FakePeripheral{
		Faults:      &Faults{},
		rec:         rec,
		id:          address,
		address:     address,
		addressType: "public",
		rssi:        -60,
		txPower:     4,
		mtu:         23,
		connectable: true,
		values:      make(map[string][]byte),
		subs:        make(map[string]func([]byte)),
	}
}

func charKey(service, characteristic string) string {
	return strings.ToLower(service) + "/" + strings.ToLower(characteristic)
}

// WithService adds a service to the peripheral's profile.
func (p *FakePeripheral) WithService(uuid string) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services = append(p.services, facade.Service{UUID: strings.ToLower(uuid)})
	return p
}

// WithCharacteristic adds a characteristic to the last added service.
// capabilities is a comma separated list such as "read,notify".
func (p *FakePeripheral) WithCharacteristic(uuid, capabilities string, value []byte) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	svc := &p.services[len(p.services)-1]
	var caps []string
	for _, c := range strings.Split(capabilities, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	svc.Characteristics = append(svc.Characteristics, facade.Characteristic{
		UUID:         strings.ToLower(uuid),
		Capabilities: caps,
	})
	p.values[charKey(svc.UUID, uuid)] = value
	return p
}

// WithDescriptor adds a descriptor to the last added characteristic.
func (p *FakePeripheral) WithDescriptor(uuid string, value []byte) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc := &p.services[len(p.services)-1]
	char := &svc.Characteristics[len(svc.Characteristics)-1]
	char.Descriptors = append(char.Descriptors, facade.Descriptor{UUID: strings.ToLower(uuid)})
	p.values[charKey(svc.UUID, char.UUID)+"/"+strings.ToLower(uuid)] = value
	return p
}

// WithRSSI sets the advertised signal strength.
func (p *FakePeripheral) WithRSSI(rssi int16) *FakePeripheral {
	p.rssi = rssi
	return p
}

// WithManufacturerData sets advertised manufacturer data.
func (p *FakePeripheral) WithManufacturerData(company uint16, data []byte) *FakePeripheral {
	p.manufData = map[uint16][]byte{company: data}
	return p
}

// Paired marks the peripheral as bonded.
func (p *FakePeripheral) Paired() *FakePeripheral {
	p.paired.Store(true)
	return p
}

func (p *FakePeripheral) call(method string, args ...string) (func(), error) {
	p.rec.record(p.address, method, args...)
	return p.enter(method)
}

func (p *FakePeripheral) Initialized() bool   { return true }
func (p *FakePeripheral) Identifier() string  { return p.id }
func (p *FakePeripheral) Address() string     { return p.address }
func (p *FakePeripheral) AddressType() string { return p.addressType }
func (p *FakePeripheral) RSSI() int16         { return p.rssi }
func (p *FakePeripheral) TxPower() int16      { return p.txPower }
func (p *FakePeripheral) MTU() uint16         { return p.mtu }
func (p *FakePeripheral) IsConnected() bool   { return p.connected.Load() }
func (p *FakePeripheral) IsConnectable() bool { return p.connectable }
func (p *FakePeripheral) IsPaired() bool      { return p.paired.Load() }

func (p *FakePeripheral) ManufacturerData() map[uint16][]byte {
	return p.manufData
}

func (p *FakePeripheral) Connect() error {
	exit, err := p.call("Connect")
	defer exit()
	if err != nil {
		return err
	}
	if p.connected.Swap(true) {
		return nil
	}

	p.mu.Lock()
	cb := p.onConnected
	p.mu.Unlock()
	if cb != nil {
		invokeNative(cb)
	}
	return nil
}

func (p *FakePeripheral) Disconnect() error {
	exit, err := p.call("Disconnect")
	defer exit()
	if err != nil {
		return err
	}
	if !p.connected.Swap(false) {
		return nil
	}
	p.dropLink()
	return nil
}

// DropLink simulates the remote side going away.
func (p *FakePeripheral) DropLink() {
	if p.connected.Swap(false) {
		p.dropLink()
	}
}

func (p *FakePeripheral) dropLink() {
	p.mu.Lock()
	cb := p.onDisconnected
	clear(p.subs)
	p.mu.Unlock()
	if cb != nil {
		invokeNative(cb)
	}
}

func (p *FakePeripheral) Unpair() error {
	exit, err := p.call("Unpair")
	defer exit()
	if err != nil {
		return err
	}
	p.paired.Store(false)
	return nil
}

func (p *FakePeripheral) Services() ([]facade.Service, error) {
	exit, err := p.call("Services")
	defer exit()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]facade.Service, len(p.services))
	copy(out, p.services)
	return out, nil
}

func (p *FakePeripheral) lookup(service, characteristic string) error {
	if !p.connected.Load() {
		return errors.New("device not connected")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.values[charKey(service, characteristic)]; !ok {
		return fmt.Errorf("characteristic %s/%s not found", service, characteristic)
	}
	return nil
}

func (p *FakePeripheral) Read(service, characteristic string) ([]byte, error) {
	exit, err := p.call("Read", service, characteristic)
	defer exit()
	if err != nil {
		return nil, err
	}
	if err := p.lookup(service, characteristic); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.values[charKey(service, characteristic)]), nil
}

func (p *FakePeripheral) write(method, service, characteristic string, data []byte) error {
	exit, err := p.call(method, service, characteristic)
	defer exit()
	if err != nil {
		return err
	}
	if err := p.lookup(service, characteristic); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[charKey(service, characteristic)] = bytes.Clone(data)
	return nil
}

func (p *FakePeripheral) WriteRequest(service, characteristic string, data []byte) error {
	return p.write("WriteRequest", service, characteristic, data)
}

func (p *FakePeripheral) WriteCommand(service, characteristic string, data []byte) error {
	return p.write("WriteCommand", service, characteristic, data)
}

func (p *FakePeripheral) subscribe(method, service, characteristic string, cb func([]byte)) error {
	exit, err := p.call(method, service, characteristic)
	defer exit()
	if err != nil {
		return err
	}
	if err := p.lookup(service, characteristic); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[charKey(service, characteristic)] = cb
	return nil
}

func (p *FakePeripheral) Notify(service, characteristic string, cb func([]byte)) error {
	return p.subscribe("Notify", service, characteristic, cb)
}

func (p *FakePeripheral) Indicate(service, characteristic string, cb func([]byte)) error {
	return p.subscribe("Indicate", service, characteristic, cb)
}

func (p *FakePeripheral) Unsubscribe(service, characteristic string) error {
	exit, err := p.call("Unsubscribe", service, characteristic)
	defer exit()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, charKey(service, characteristic))
	return nil
}

func (p *FakePeripheral) DescriptorRead(service, characteristic, descriptor string) ([]byte, error) {
	exit, err := p.call("DescriptorRead", service, characteristic, descriptor)
	defer exit()
	if err != nil {
		return nil, err
	}
	if err := p.lookup(service, characteristic); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[charKey(service, characteristic)+"/"+strings.ToLower(descriptor)]
	if !ok {
		return nil, fmt.Errorf("descriptor %s not found", descriptor)
	}
	return bytes.Clone(v), nil
}

func (p *FakePeripheral) DescriptorWrite(service, characteristic, descriptor string, data []byte) error {
	exit, err := p.call("DescriptorWrite", service, characteristic, descriptor)
	defer exit()
	if err != nil {
		return err
	}
	if err := p.lookup(service, characteristic); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[charKey(service, characteristic)+"/"+strings.ToLower(descriptor)] = bytes.Clone(data)
	return nil
}

func (p *FakePeripheral) SetCallbackOnConnected(cb func()) error {
	exit, err := p.call("SetCallbackOnConnected", installed(cb != nil))
	defer exit()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnected = cb
	return nil
}

func (p *FakePeripheral) SetCallbackOnDisconnected(cb func()) error {
	exit, err := p.call("SetCallbackOnDisconnected", installed(cb != nil))
	defer exit()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDisconnected = cb
	return nil
}

// Emit delivers a payload on the subscription of (service, characteristic)
// from a native goroutine. It reports whether a subscription was installed.
func (p *FakePeripheral) Emit(service, characteristic string, data []byte) bool {
	p.mu.Lock()
	cb := p.subs[charKey(service, characteristic)]
	p.mu.Unlock()
	if cb == nil {
		return false
	}
	invokeNative(func() { cb(data) })
	return true
}

// Subscribed returns the characteristic keys with an installed native subscription.
func (p *FakePeripheral) Subscribed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.subs))
	for k := range p.subs {
		out = append(out, k)
	}
	return out
}

// HasCallbacks reports whether the connected or disconnected slot is set.
func (p *FakePeripheral) HasCallbacks() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onConnected != nil || p.onDisconnected != nil
}

func installed(set bool) string {
	if set {
		return "set"
	}
	return "nil"
}
