//go:build linux

package platform

import "github.com/srg/blelink/internal/bluez"

// AdapterName is the BlueZ adapter whose power state gates Bluetooth use.
var AdapterName = bluez.DefaultAdapter

// granted treats a powered BlueZ adapter as permission.
func granted() (bool, error) {
	bus, err := bluez.Connect()
	if err != nil {
		return false, err
	}
	return bus.AdapterPowered(AdapterName)
}
