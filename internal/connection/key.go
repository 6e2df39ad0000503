package connection

import (
	"fmt"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/blelink/internal/config"
	"github.com/srg/blelink/internal/device"
)

// Op names a native operation kind
type Op string

const (
	OpConnect     Op = "connect"
	OpDisconnect  Op = "disconnect"
	OpDiscover    Op = "discover"
	OpRead        Op = "read"
	OpWrite       Op = "write"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpNotify      Op = "notify" // streaming listener, not a one-shot operation
)

// Key is the correlation key of a pending operation. Peripheral-level operations
// leave Service and Characteristic empty.
type Key struct {
	Peripheral     string
	Service        string
	Characteristic string
	Op             Op
}

func (k Key) String() string {
	if k.Characteristic == "" {
		return fmt.Sprintf("%s %s", k.Op, k.Peripheral)
	}
	return fmt.Sprintf("%s %s/%s/%s", k.Op, k.Peripheral, k.Service, k.Characteristic)
}

// characteristicScoped reports whether the key addresses one characteristic
func (k Key) characteristicScoped() bool {
	return k.Characteristic != ""
}

// Options holds the deadlines of one machine
type Options struct {
	ConnectTimeout     time.Duration `default:"30s"`
	DiscoveryTimeout   time.Duration `default:"30s"`
	OperationTimeout   time.Duration `default:"5s"`
	DisconnectTimeout  time.Duration `default:"5s"`
	CancelFallback     time.Duration `default:"2s"`
	NotificationBuffer uint32        `default:"256"`
}

// DefaultOptions returns the default deadlines
func DefaultOptions() Options {
	var o Options
	defaults.SetDefaults(&o)
	return o
}

// OptionsFromConfig maps the connection section of the configuration
func OptionsFromConfig(c config.ConnectionConfig) Options {
	return Options{
		ConnectTimeout:     c.ConnectTimeout,
		DiscoveryTimeout:   c.DiscoveryTimeout,
		OperationTimeout:   c.OperationTimeout,
		DisconnectTimeout:  c.DisconnectTimeout,
		CancelFallback:     c.CancelFallback,
		NotificationBuffer: c.NotificationBuffer,
	}
}

// withDefaults fills zero fields from DefaultOptions
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = d.DisconnectTimeout
	}
	if o.CancelFallback <= 0 {
		o.CancelFallback = d.CancelFallback
	}
	if o.NotificationBuffer == 0 {
		o.NotificationBuffer = d.NotificationBuffer
	}
	return o
}

// Notification is one value pushed by a subscribed characteristic.
type Notification struct {
	PeripheralID       string
	ServiceUUID        string
	CharacteristicUUID string
	Value              []byte
	Seq                uint64
	Timestamp          time.Time
	Dropped            uint64 // values overwritten in the buffer since the previous delivery
}

// IsServiceChanged reports whether the notification comes from the Service Changed characteristic.
func (n Notification) IsServiceChanged() bool {
	return n.ServiceUUID == device.GenericAttributeServiceUUID &&
		n.CharacteristicUUID == device.ServiceChangedCharacteristicUUID
}
