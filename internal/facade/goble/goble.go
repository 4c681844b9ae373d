// Package goble implements the native BLE capability set on top of go-ble.
//
// go-ble exposes one radio per process, so the provider reports a single
// adapter. Capabilities the library lacks (power control, bonding) fail with
// facade.ErrUnsupported.
package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// DeviceFactory creates the ble.Device backing the adapter (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

// radio is the part of ble.Device the adapter uses.
type radio interface {
	scan(ctx context.Context, h func(advert)) error
	dial(ctx context.Context, address string) (gattClient, error)
}

// gattClient is the part of ble.Client a connected peripheral uses.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, value []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// deviceRadio wraps a ble.Device.
type deviceRadio struct {
	dev ble.Device
}

func (r *deviceRadio) scan(ctx context.Context, h func(advert)) error {
	return r.dev.Scan(ctx, true, func(a ble.Advertisement) {
		h(newAdvert(a))
	})
}

func (r *deviceRadio) dial(ctx context.Context, address string) (gattClient, error) {
	client, err := r.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}
