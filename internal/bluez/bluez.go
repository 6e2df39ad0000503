// Package bluez reads BlueZ state over the system D-Bus: adapter power and the
// GATT characteristic flags tinygo's BlueZ backend does not expose.
package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blelink/internal/device"
)

const (
	Bus                 = "org.bluez"
	Adapter1            = "org.bluez.Adapter1"
	Device1             = "org.bluez.Device1"
	GattService1        = "org.bluez.GattService1"
	GattCharacteristic1 = "org.bluez.GattCharacteristic1"
	DefaultAdapter      = "hci0"
	dbusObjectManager   = "org.freedesktop.DBus.ObjectManager"
)

// ManagedObjects is the GetManagedObjects reply: object path → interface → property.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// AdapterPath returns the object path of a BlueZ adapter, e.g. /org/bluez/hci0.
func AdapterPath(adapter string) dbus.ObjectPath {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// DevicePath converts a BLE MAC address to a BlueZ D-Bus object path.
// Example: "aa:bb:cc:dd:ee:ff" → "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func DevicePath(adapter, address string) dbus.ObjectPath {
	devAddr := strings.ToUpper(strings.ReplaceAll(address, ":", "_"))
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", AdapterPath(adapter), devAddr))
}

// Characteristic is one GATT characteristic object exported by BlueZ.
type Characteristic struct {
	Path  dbus.ObjectPath
	Flags device.Properties
}

// CharacteristicFlags collects the properties of every characteristic under
// devicePath, keyed "service/characteristic" with normalized UUIDs.
func (o ManagedObjects) CharacteristicFlags(devicePath dbus.ObjectPath) map[string]device.Properties {
	chars := o.Characteristics(devicePath)
	flags := make(map[string]device.Properties, len(chars))
	for key, c := range chars {
		flags[key] = c.Flags
	}
	return flags
}

// Characteristics collects every characteristic object under devicePath, keyed
// "service/characteristic" with normalized UUIDs.
func (o ManagedObjects) Characteristics(devicePath dbus.ObjectPath) map[string]Characteristic {
	prefix := string(devicePath) + "/"

	services := make(map[dbus.ObjectPath]string)
	for path, ifaces := range o {
		props, ok := ifaces[GattService1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if uuid, ok := stringProp(props, "UUID"); ok {
			services[path] = device.NormalizeUUID(uuid)
		}
	}

	chars := make(map[string]Characteristic)
	for path, ifaces := range o {
		props, ok := ifaces[GattCharacteristic1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		uuid, ok := stringProp(props, "UUID")
		if !ok {
			continue
		}
		svcPath, ok := props["Service"].Value().(dbus.ObjectPath)
		if !ok {
			continue
		}
		svc, ok := services[svcPath]
		if !ok {
			continue
		}
		names, _ := props["Flags"].Value().([]string)
		chars[svc+"/"+device.NormalizeUUID(uuid)] = Characteristic{Path: path, Flags: ParseFlags(names)}
	}
	return chars
}

// ParseFlags maps BlueZ characteristic flags onto the GATT property bits.
// Security flags such as "encrypt-read" carry no property bit and are ignored.
func ParseFlags(names []string) device.Properties {
	var props device.Properties
	for _, name := range names {
		if flag, err := device.ParseProperty(strings.ReplaceAll(name, "-", "")); err == nil {
			props |= flag
		}
	}
	return props
}

func stringProp(props map[string]dbus.Variant, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}
