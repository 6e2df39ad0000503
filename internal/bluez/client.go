package bluez

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Client queries BlueZ on the system bus.
type Client struct {
	conn *dbus.Conn
}

// Connect attaches to the shared system bus connection.
func Connect() (*Client, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system DBus: %w", err)
	}
	return &Client{conn: conn}, nil
}

// ManagedObjects returns every object BlueZ exports.
func (c *Client) ManagedObjects() (ManagedObjects, error) {
	var objects ManagedObjects
	call := c.conn.Object(Bus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects failed: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to parse managed objects: %w", err)
	}
	return objects, nil
}

// AdapterPowered reports the Powered property of adapter.
func (c *Client) AdapterPowered(adapter string) (bool, error) {
	v, err := c.conn.Object(Bus, AdapterPath(adapter)).GetProperty(Adapter1 + ".Powered")
	if err != nil {
		return false, fmt.Errorf("failed to read %s power state: %w", AdapterPath(adapter), err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected Powered value %v", v.Value())
	}
	return powered, nil
}

// WriteRequest writes value with a GATT Write Request. BlueZ replies once the
// peripheral acknowledged the write.
func (c *Client) WriteRequest(path dbus.ObjectPath, value []byte) error {
	options := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	call := c.conn.Object(Bus, path).Call(GattCharacteristic1+".WriteValue", 0, value, options)
	if call.Err != nil {
		return fmt.Errorf("WriteValue on %s failed: %w", path, call.Err)
	}
	return nil
}
