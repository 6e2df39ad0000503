//go:build darwin

package main

const (
	exampleDeviceAddress = "01234567-89AB-CDEF-0123-456789ABCDEF"
	deviceAddressNote    = "Peripheral address format: 128-bit UUID assigned by CoreBluetooth\n  Use 'blelink scan' to discover peripherals"
)
