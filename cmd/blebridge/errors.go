package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blebridge/pkg/ble"
)

// Command-level errors
var (
	// ErrDeviceNotFound indicates the requested address was not seen while scanning.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrConnectionLost indicates the link dropped while the command was still using it.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNoAdapter indicates the backend reported no usable adapter.
	ErrNoAdapter = errors.New("no bluetooth adapter")
)

// FormatUserError turns a command failure into a one-line message with a hint
// for the failures users can act on.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("%v (operation timed out; move closer to the device or raise the timeout)", err)
	case errors.Is(err, ErrDeviceNotFound):
		return fmt.Sprintf("%v (is the device advertising? try 'blebridge scan')", err)
	}

	switch ble.KindOf(err) {
	case ble.KindNotConnected:
		return fmt.Sprintf("%v (the device dropped the connection)", err)
	case ble.KindNotFound:
		return fmt.Sprintf("%v (check the service and characteristic UUIDs)", err)
	case ble.KindInvalidArgument:
		return fmt.Sprintf("invalid input: %v", err)
	}
	return err.Error()
}
