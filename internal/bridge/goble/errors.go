package goble

import (
	"errors"
	"strings"

	"github.com/srg/blelink/internal/device"
)

var errUnsupported = errors.New("go-ble has no device implementation for this platform")

// NormalizeError maps known go-ble error strings to device error kinds.
// The original error stays reachable through Unwrap.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var e *device.Error
	if errors.As(err, &e) {
		return err
	}
	var nf *device.NotFoundError
	if errors.As(err, &nf) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is Bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"):
		return device.Errorf(device.KindNativeFailed, "bluetooth is turned off: %w", err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return device.Errorf(device.KindDisconnected, "%w", err)
	case containsIgnoreCase(msg, "device already connected"):
		return device.Errorf(device.KindAlreadyConnected, "%w", err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return device.Errorf(device.KindNativeFailed, "connection is not initialized: %w", err)
	case errors.Is(err, errUnsupported):
		return device.Errorf(device.KindCapabilityNotSupported, "%w", err)
	default:
		return device.Errorf(device.KindNativeFailed, "%w", err)
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
