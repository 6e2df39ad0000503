package device

import (
	"fmt"
	"strings"
)

// Bluetooth SIG base UUID tail shared by all 16-bit assigned numbers
const sigBaseSuffix = "00001000800000805f9b34fb"

// Generic Attribute service and its Service Changed characteristic
const (
	GenericAttributeServiceUUID      = "1801"
	ServiceChangedCharacteristicUUID = "2a05"
)

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Strips braces and a 0x prefix. Full 128-bit UUIDs in Bluetooth SIG base format
// (0000xxxx-0000-1000-8000-00805f9b34fb) collapse to their 16-bit short form.
// Returns "" when the input is not a hex UUID.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "{")
	u = strings.TrimSuffix(u, "}")
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	if u == "" {
		return ""
	}
	for _, r := range u {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return ""
		}
	}

	switch len(u) {
	case 4:
		return u
	case 8:
		if strings.HasPrefix(u, "0000") {
			return u[4:]
		}
		return u
	case 32:
		if strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
			return u[4:8]
		}
		return u
	default:
		return ""
	}
}

// NormalizeUUIDs normalizes a slice of UUID strings, dropping invalid ones.
func NormalizeUUIDs(uuids []string) []string {
	result := make([]string, 0, len(uuids))
	for _, u := range uuids {
		if n := NormalizeUUID(u); n != "" {
			result = append(result, n)
		}
	}
	return result
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an InvalidArgument error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, Errorf(KindInvalidArgument, "at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, Errorf(KindInvalidArgument, "UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if normalized == "" {
			return nil, Errorf(KindInvalidArgument, "invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// ExpandUUID returns the dashed 128-bit form of a normalized UUID.
func ExpandUUID(uuid string) string {
	u := NormalizeUUID(uuid)
	switch len(u) {
	case 4:
		u = "0000" + u + sigBaseSuffix
	case 8:
		u = u + sigBaseSuffix
	case 32:
	default:
		return uuid
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s", u[0:8], u[8:12], u[12:16], u[16:20], u[20:32])
}
