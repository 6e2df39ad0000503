package main

import (
	"errors"
	"fmt"

	"github.com/srg/blelink/internal/device"
)

// ErrConnectionLost indicates the link dropped while a command was using it.
// A requested disconnect never produces it.
var ErrConnectionLost = errors.New("connection lost")

// FormatUserError turns an error into one line a user can act on.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var nf *device.NotFoundError
	if errors.As(err, &nf) {
		return fmt.Sprintf("%s (run 'blelink inspect' to list what the peripheral offers)", nf.Error())
	}
	if errors.Is(err, ErrConnectionLost) {
		return "connection lost: the peripheral went out of range or was switched off"
	}

	switch device.KindOf(err) {
	case device.KindTimedOut:
		return fmt.Sprintf("%s (is the peripheral powered on and in range?)", err)
	case device.KindNativeFailed:
		return fmt.Sprintf("%s (check that Bluetooth is on and this program may use it)", err)
	case device.KindCapabilityNotSupported:
		return fmt.Sprintf("%s (see the properties listed by 'blelink inspect')", err)
	case device.KindAlreadyConnected, device.KindAlreadyInProgress:
		return fmt.Sprintf("%s (another operation is using the peripheral)", err)
	default:
		return err.Error()
	}
}
