package goble

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blebridge/internal/facade"
)

// NormalizeError maps known go-ble error strings onto facade error kinds.
// Unknown errors are returned unchanged and classified by the bridge.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is Bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"):
		return &facade.Error{Kind: facade.KindTransport, Msg: "bluetooth is turned off", Err: err}
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "connection is not initialized"),
		containsIgnoreCase(msg, "disconnected"):
		return &facade.Error{Kind: facade.KindNotConnected, Err: err}
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// uuidKey is the canonical string form of a go-ble UUID.
func uuidKey(u ble.UUID) string {
	return canonical(u.String())
}

func canonical(uuid string) string {
	if n, err := facade.NormalizeUUID(uuid); err == nil {
		return n
	}
	return strings.ToLower(uuid)
}

func notFound(format string, args ...interface{}) error {
	return fmt.Errorf(format+" not found", args...)
}
