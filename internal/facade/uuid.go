package facade

import (
	"strings"

	"github.com/go-ble/ble"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID validates a UUID string and returns its canonical form:
// lowercase, 16-bit short form for Bluetooth SIG base UUIDs, dashed 128-bit
// form otherwise. Accepts an optional 0x prefix and surrounding braces.
func NormalizeUUID(uuid string) (string, error) {
	s := strings.TrimSpace(uuid)
	s = strings.TrimPrefix(strings.TrimSuffix(s, "}"), "{")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return "", InvalidArgumentError("uuid", "empty UUID")
	}

	u, err := ble.Parse(s)
	if err != nil {
		return "", InvalidArgumentError("uuid", "malformed UUID %q", uuid)
	}

	hex := strings.ToLower(strings.ReplaceAll(u.String(), "-", ""))
	if len(hex) != 32 {
		return hex, nil
	}
	if strings.HasPrefix(hex, "0000") && strings.HasSuffix(hex, sigBaseSuffix) {
		return hex[4:8], nil
	}
	return hex[0:8] + "-" + hex[8:12] + "-" + hex[12:16] + "-" + hex[16:20] + "-" + hex[20:], nil
}

// ValidateUUIDs normalizes every UUID, failing on the first malformed one.
func ValidateUUIDs(uuids ...string) ([]string, error) {
	result := make([]string, 0, len(uuids))
	for _, u := range uuids {
		n, err := NormalizeUUID(u)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, nil
}
