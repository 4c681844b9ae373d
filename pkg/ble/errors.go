package ble

import "github.com/srg/blebridge/internal/facade"

// Error is the typed error of every failed operation. Compare kinds with
// errors.Is against the sentinels below.
type Error = facade.Error

// ErrorKind classifies an Error.
type ErrorKind = facade.ErrorKind

const (
	KindTransport       = facade.KindTransport
	KindNotConnected    = facade.KindNotConnected
	KindInvalidArgument = facade.KindInvalidArgument
	KindNotFound        = facade.KindNotFound
)

var (
	// ErrTransport: the native call failed (unreachable device, GATT failure, native timeout).
	ErrTransport = facade.ErrTransport
	// ErrNotConnected: a GATT operation on a disconnected peripheral.
	ErrNotConnected = facade.ErrNotConnected
	// ErrInvalidArgument: a malformed UUID or payload.
	ErrInvalidArgument = facade.ErrInvalidArgument
	// ErrNotFound: a closed handle or an unknown subscription.
	ErrNotFound = facade.ErrNotFound
)

// KindOf returns the kind of err, or "" for errors not produced by this package.
func KindOf(err error) ErrorKind {
	return facade.KindOf(err)
}

// Service, Characteristic and Descriptor describe a discovered GATT profile.
type (
	Service        = facade.Service
	Characteristic = facade.Characteristic
	Descriptor     = facade.Descriptor
)

// NormalizeUUID validates a UUID and returns its canonical form.
func NormalizeUUID(uuid string) (string, error) {
	return facade.NormalizeUUID(uuid)
}
