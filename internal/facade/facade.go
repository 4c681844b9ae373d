// Package facade defines the synchronous native BLE capability set the async
// bridge is built on.
//
// Every method may block for a device or radio dependent duration and may fail
// on transport errors. Callbacks passed to the SetCallbackOn* methods, Notify
// and Indicate are invoked by the implementation from its own goroutines, at
// any time, possibly concurrently with the caller. Passing a nil callback to a
// SetCallbackOn* method removes the previously installed one.
//
// Implementations are not assumed to be reentrant per object: callers must not
// issue two calls on the same Adapter or Peripheral concurrently.
package facade

import "time"

// Adapter is a native BLE adapter (radio).
type Adapter interface {
	Identifier() string
	Address() string
	Initialized() bool
	BluetoothEnabled() bool

	IsPowered() bool
	PowerOn() error
	PowerOff() error

	ScanStart() error
	ScanStop() error
	// ScanFor blocks until the scan of the given duration has finished.
	ScanFor(d time.Duration) error
	ScanIsActive() bool
	ScanGetResults() ([]Peripheral, error)
	GetPairedPeripherals() ([]Peripheral, error)

	SetCallbackOnScanStart(cb func()) error
	SetCallbackOnScanStop(cb func()) error
	SetCallbackOnScanFound(cb func(Peripheral)) error
	SetCallbackOnScanUpdated(cb func(Peripheral)) error
}

// Peripheral is a native remote BLE device.
type Peripheral interface {
	Initialized() bool
	Identifier() string
	Address() string
	AddressType() string
	RSSI() int16
	TxPower() int16
	MTU() uint16

	Connect() error
	Disconnect() error
	IsConnected() bool
	IsConnectable() bool
	IsPaired() bool
	Unpair() error

	Services() ([]Service, error)
	ManufacturerData() map[uint16][]byte

	Read(service, characteristic string) ([]byte, error)
	WriteRequest(service, characteristic string, data []byte) error
	WriteCommand(service, characteristic string, data []byte) error
	Notify(service, characteristic string, cb func([]byte)) error
	Indicate(service, characteristic string, cb func([]byte)) error
	Unsubscribe(service, characteristic string) error

	DescriptorRead(service, characteristic, descriptor string) ([]byte, error)
	DescriptorWrite(service, characteristic, descriptor string, data []byte) error

	SetCallbackOnConnected(cb func()) error
	SetCallbackOnDisconnected(cb func()) error
}

// Provider enumerates the adapters available to the process.
type Provider interface {
	GetAdapters() ([]Adapter, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func() ([]Adapter, error)

func (f ProviderFunc) GetAdapters() ([]Adapter, error) { return f() }

// Characteristic capability names as reported by Characteristic.Capabilities.
const (
	CapRead         = "read"
	CapWriteRequest = "write_request"
	CapWriteCommand = "write_command"
	CapNotify       = "notify"
	CapIndicate     = "indicate"
)

// Descriptor is a GATT descriptor discovered on a characteristic.
type Descriptor struct {
	UUID string
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	UUID         string
	Descriptors  []Descriptor
	Capabilities []string
}

func (c Characteristic) has(capability string) bool {
	for _, cp := range c.Capabilities {
		if cp == capability {
			return true
		}
	}
	return false
}

func (c Characteristic) CanRead() bool         { return c.has(CapRead) }
func (c Characteristic) CanWriteRequest() bool { return c.has(CapWriteRequest) }
func (c Characteristic) CanWriteCommand() bool { return c.has(CapWriteCommand) }
func (c Characteristic) CanNotify() bool       { return c.has(CapNotify) }
func (c Characteristic) CanIndicate() bool     { return c.has(CapIndicate) }

// Service is a discovered GATT service. Data carries advertised service data
// when the service was seen in an advertisement.
type Service struct {
	UUID            string
	Data            []byte
	Characteristics []Characteristic
}
