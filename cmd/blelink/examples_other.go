//go:build !darwin

package main

const (
	exampleDeviceAddress = "AA:BB:CC:DD:EE:01"
	deviceAddressNote    = "Peripheral address format: MAC address, e.g. AA:BB:CC:DD:EE:01\n  Use 'blelink scan' to discover peripherals"
)
