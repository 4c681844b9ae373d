package goble

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/facade"
	"github.com/srg/blebridge/internal/groutine"
)

const (
	// DefaultConnectTimeout bounds dialing and profile discovery.
	DefaultConnectTimeout = 30 * time.Second

	// defaultMTU is the ATT default; go-ble does not report the negotiated value.
	defaultMTU = 23
)

// Peripheral is a remote device seen by the go-ble radio. Advertisement
// fields are refreshed on every scan report; GATT operations need a
// connection.
type Peripheral struct {
	radio   radio
	logger  *logrus.Logger
	address string

	connectTimeout time.Duration

	advMu sync.RWMutex
	adv   advert

	connMu   sync.Mutex
	client   gattClient
	profile  *ble.Profile
	monitor  context.CancelFunc
	indicate map[string]bool // subscribed characteristic key -> indicate flag

	cbMu           sync.RWMutex
	onConnected    func()
	onDisconnected func()
}

func newPeripheral(r radio, address string, logger *logrus.Logger) *Peripheral {
	return &Peripheral{
		radio:          r,
		logger:         logger,
		address:        address,
		connectTimeout: DefaultConnectTimeout,
		adv:            advert{address: address},
		indicate:       make(map[string]bool),
	}
}

func (p *Peripheral) update(adv advert) {
	p.advMu.Lock()
	defer p.advMu.Unlock()

	if adv.name == "" {
		adv.name = p.adv.name
	}
	if adv.manufacturer == nil {
		adv.manufacturer = p.adv.manufacturer
	}
	if adv.serviceData == nil {
		adv.serviceData = p.adv.serviceData
	}
	if len(adv.services) == 0 {
		adv.services = p.adv.services
	}
	p.adv = adv
}

func (p *Peripheral) advertisement() advert {
	p.advMu.RLock()
	defer p.advMu.RUnlock()
	return p.adv
}

func (p *Peripheral) Initialized() bool { return p.radio != nil }

// Identifier is the advertised local name, empty when none was seen.
func (p *Peripheral) Identifier() string { return p.advertisement().name }
func (p *Peripheral) Address() string    { return p.address }

// AddressType is not reported by go-ble.
func (p *Peripheral) AddressType() string { return "unspecified" }
func (p *Peripheral) RSSI() int16         { return p.advertisement().rssi }
func (p *Peripheral) TxPower() int16      { return p.advertisement().txPower }
func (p *Peripheral) MTU() uint16         { return defaultMTU }
func (p *Peripheral) IsConnectable() bool { return p.advertisement().connectable }

func (p *Peripheral) ManufacturerData() map[uint16][]byte {
	return maps.Clone(p.advertisement().manufacturer)
}

func (p *Peripheral) IsConnected() bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.client != nil
}

// IsPaired is always false: go-ble has no bonding API.
func (p *Peripheral) IsPaired() bool { return false }
func (p *Peripheral) Unpair() error  { return facade.ErrUnsupported }

func (p *Peripheral) Connect() error {
	p.connMu.Lock()
	if p.client != nil {
		p.connMu.Unlock()
		return nil
	}

	log := p.logger.WithField("address", p.address)
	log.WithField("timeout", p.connectTimeout).Info("Connecting to BLE device...")

	ctx, cancel := context.WithTimeout(context.Background(), p.connectTimeout)
	defer cancel()

	client, err := p.radio.dial(ctx, p.address)
	if err != nil {
		p.connMu.Unlock()
		log.WithError(err).Error("Failed to dial BLE device")
		return NormalizeError(err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		p.connMu.Unlock()
		log.WithError(err).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return NormalizeError(err)
	}

	p.client = client
	p.profile = profile
	p.watch(client)
	p.connMu.Unlock()

	log.Info("Connected to BLE device")
	p.fire(p.connectedCallback())
	return nil
}

// watch reports a link loss when the client exposes a Disconnected channel.
func (p *Peripheral) watch(client gattClient) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		p.logger.Debug("Client does not support Disconnected() channel")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.monitor = cancel
	groutine.Go(ctx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			if p.dropLink(client) {
				p.logger.WithField("address", p.address).Warn("BLE device disconnected")
				p.fire(p.disconnectedCallback())
			}
		case <-ctx.Done():
		}
	})
}

// dropLink forgets client if it is still the current one.
func (p *Peripheral) dropLink(client gattClient) bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.client != client {
		return false
	}
	p.resetLocked()
	return true
}

func (p *Peripheral) resetLocked() {
	if p.monitor != nil {
		p.monitor()
		p.monitor = nil
	}
	p.client = nil
	p.profile = nil
	clear(p.indicate)
}

func (p *Peripheral) Disconnect() error {
	p.connMu.Lock()
	client := p.client
	if client == nil {
		p.connMu.Unlock()
		return nil
	}
	p.resetLocked()
	p.connMu.Unlock()

	err := client.CancelConnection()
	p.fire(p.disconnectedCallback())
	if err != nil {
		p.logger.WithField("address", p.address).WithError(err).Warn("Failed to cancel BLE connection")
		return NormalizeError(err)
	}
	return nil
}

// Services lists the discovered profile when connected, otherwise the
// services seen in advertisements. Advertised service data is attached
// either way.
func (p *Peripheral) Services() ([]facade.Service, error) {
	adv := p.advertisement()

	p.connMu.Lock()
	profile := p.profile
	p.connMu.Unlock()

	if profile == nil {
		uuids := append([]string(nil), adv.services...)
		for u := range adv.serviceData {
			if !slices.Contains(uuids, u) {
				uuids = append(uuids, u)
			}
		}
		slices.Sort(uuids)
		out := make([]facade.Service, 0, len(uuids))
		for _, u := range uuids {
			out = append(out, facade.Service{UUID: u, Data: adv.serviceData[u]})
		}
		return out, nil
	}

	out := make([]facade.Service, 0, len(profile.Services))
	for _, s := range profile.Services {
		svc := facade.Service{UUID: uuidKey(s.UUID), Data: adv.serviceData[uuidKey(s.UUID)]}
		for _, c := range s.Characteristics {
			ch := facade.Characteristic{UUID: uuidKey(c.UUID), Capabilities: capabilities(c.Property)}
			for _, d := range c.Descriptors {
				ch.Descriptors = append(ch.Descriptors, facade.Descriptor{UUID: uuidKey(d.UUID)})
			}
			svc.Characteristics = append(svc.Characteristics, ch)
		}
		out = append(out, svc)
	}
	return out, nil
}

func capabilities(prop ble.Property) []string {
	var caps []string
	if prop&ble.CharRead != 0 {
		caps = append(caps, facade.CapRead)
	}
	if prop&ble.CharWrite != 0 {
		caps = append(caps, facade.CapWriteRequest)
	}
	if prop&ble.CharWriteNR != 0 {
		caps = append(caps, facade.CapWriteCommand)
	}
	if prop&ble.CharNotify != 0 {
		caps = append(caps, facade.CapNotify)
	}
	if prop&ble.CharIndicate != 0 {
		caps = append(caps, facade.CapIndicate)
	}
	return caps
}

// characteristic resolves a characteristic on the connected profile.
func (p *Peripheral) characteristic(service, characteristic string) (gattClient, *ble.Characteristic, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.client == nil {
		return nil, nil, errors.New("device not connected")
	}
	svcKey, charKey := canonical(service), canonical(characteristic)
	for _, s := range p.profile.Services {
		if uuidKey(s.UUID) != svcKey {
			continue
		}
		for _, c := range s.Characteristics {
			if uuidKey(c.UUID) == charKey {
				return p.client, c, nil
			}
		}
		return nil, nil, notFound("characteristic %s in service %s", characteristic, service)
	}
	return nil, nil, notFound("service %s", service)
}

func (p *Peripheral) descriptor(service, characteristic, descriptor string) (gattClient, *ble.Descriptor, error) {
	client, c, err := p.characteristic(service, characteristic)
	if err != nil {
		return nil, nil, err
	}
	key := canonical(descriptor)
	for _, d := range c.Descriptors {
		if uuidKey(d.UUID) == key {
			return client, d, nil
		}
	}
	return nil, nil, notFound("descriptor %s on characteristic %s", descriptor, characteristic)
}

func (p *Peripheral) Read(service, characteristic string) ([]byte, error) {
	client, c, err := p.characteristic(service, characteristic)
	if err != nil {
		return nil, NormalizeError(err)
	}
	data, err := client.ReadCharacteristic(c)
	return data, NormalizeError(err)
}

func (p *Peripheral) WriteRequest(service, characteristic string, data []byte) error {
	return p.write(service, characteristic, data, false)
}

func (p *Peripheral) WriteCommand(service, characteristic string, data []byte) error {
	return p.write(service, characteristic, data, true)
}

func (p *Peripheral) write(service, characteristic string, data []byte, noRsp bool) error {
	client, c, err := p.characteristic(service, characteristic)
	if err != nil {
		return NormalizeError(err)
	}
	return NormalizeError(client.WriteCharacteristic(c, data, noRsp))
}

func (p *Peripheral) Notify(service, characteristic string, cb func([]byte)) error {
	return p.subscribe(service, characteristic, false, cb)
}

func (p *Peripheral) Indicate(service, characteristic string, cb func([]byte)) error {
	return p.subscribe(service, characteristic, true, cb)
}

// subscribe replaces any existing subscription on the characteristic.
func (p *Peripheral) subscribe(service, characteristic string, ind bool, cb func([]byte)) error {
	if cb == nil {
		return p.Unsubscribe(service, characteristic)
	}
	client, c, err := p.characteristic(service, characteristic)
	if err != nil {
		return NormalizeError(err)
	}
	key := uuidKey(c.UUID)

	p.connMu.Lock()
	prev, had := p.indicate[key]
	p.connMu.Unlock()

	if had {
		if err := client.Unsubscribe(c, prev); err != nil {
			return NormalizeError(err)
		}
	}
	if err := client.Subscribe(c, ind, ble.NotificationHandler(cb)); err != nil {
		p.connMu.Lock()
		delete(p.indicate, key)
		p.connMu.Unlock()
		return NormalizeError(err)
	}

	p.connMu.Lock()
	p.indicate[key] = ind
	p.connMu.Unlock()
	return nil
}

// Unsubscribe is a no-op for characteristics without a subscription.
// Unsubscribe removes a subscription. Without a link there is nothing to
// remove: the subscriptions went with the connection.
func (p *Peripheral) Unsubscribe(service, characteristic string) error {
	if !p.IsConnected() {
		return nil
	}
	client, c, err := p.characteristic(service, characteristic)
	if err != nil {
		return NormalizeError(err)
	}
	key := uuidKey(c.UUID)

	p.connMu.Lock()
	ind, ok := p.indicate[key]
	delete(p.indicate, key)
	p.connMu.Unlock()

	if !ok {
		return nil
	}
	return NormalizeError(client.Unsubscribe(c, ind))
}

func (p *Peripheral) DescriptorRead(service, characteristic, descriptor string) ([]byte, error) {
	client, d, err := p.descriptor(service, characteristic, descriptor)
	if err != nil {
		return nil, NormalizeError(err)
	}
	data, err := client.ReadDescriptor(d)
	return data, NormalizeError(err)
}

func (p *Peripheral) DescriptorWrite(service, characteristic, descriptor string, data []byte) error {
	client, d, err := p.descriptor(service, characteristic, descriptor)
	if err != nil {
		return NormalizeError(err)
	}
	return NormalizeError(client.WriteDescriptor(d, data))
}

func (p *Peripheral) SetCallbackOnConnected(cb func()) error {
	p.cbMu.Lock()
	p.onConnected = cb
	p.cbMu.Unlock()
	return nil
}

func (p *Peripheral) SetCallbackOnDisconnected(cb func()) error {
	p.cbMu.Lock()
	p.onDisconnected = cb
	p.cbMu.Unlock()
	return nil
}

func (p *Peripheral) connectedCallback() func() {
	p.cbMu.RLock()
	defer p.cbMu.RUnlock()
	return p.onConnected
}

func (p *Peripheral) disconnectedCallback() func() {
	p.cbMu.RLock()
	defer p.cbMu.RUnlock()
	return p.onDisconnected
}

func (p *Peripheral) fire(cb func()) {
	if cb != nil {
		cb()
	}
}
