//go:build !darwin && !linux

package goble

import "github.com/go-ble/ble"

func newDevice() (ble.Device, error) {
	return nil, errUnsupported
}
