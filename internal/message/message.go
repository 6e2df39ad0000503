// Package message turns raw native callbacks into typed descriptors.
package message

import (
	"fmt"

	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/device"
)

// Message is a decoded callback. Peripheral returns "" for scan-level messages.
type Message interface {
	Kind() bridge.EventKind
	Peripheral() string
}

// CharacteristicScoped is implemented by messages that address one characteristic.
type CharacteristicScoped interface {
	Message
	Target() (service, characteristic string)
}

// ValueSource tells a read result from a notification.
type ValueSource string

const (
	SourceUnspecified ValueSource = ""
	SourceRead        ValueSource = "read"
	SourceNotify      ValueSource = "notify"
)

// Charpath names one characteristic of one peripheral.
type Charpath struct {
	ID             string
	Service        string
	Characteristic string
}

func (c Charpath) Peripheral() string { return c.ID }

func (c Charpath) Target() (string, string) { return c.Service, c.Characteristic }

func (c Charpath) String() string {
	return fmt.Sprintf("%s/%s/%s", c.ID, c.Service, c.Characteristic)
}

type DeviceDiscovered struct {
	Advertisement device.Advertisement
}

func (m *DeviceDiscovered) Kind() bridge.EventKind { return bridge.DeviceDiscovered }
func (m *DeviceDiscovered) Peripheral() string     { return m.Advertisement.ID }

type ScanCompleted struct {
	Reason string
}

func (m *ScanCompleted) Kind() bridge.EventKind { return bridge.ScanCompleted }
func (m *ScanCompleted) Peripheral() string     { return "" }

type DeviceConnected struct {
	ID string
}

func (m *DeviceConnected) Kind() bridge.EventKind { return bridge.DeviceConnected }
func (m *DeviceConnected) Peripheral() string     { return m.ID }

type DeviceDisconnected struct {
	ID     string
	Reason string
}

func (m *DeviceDisconnected) Kind() bridge.EventKind { return bridge.DeviceDisconnected }
func (m *DeviceDisconnected) Peripheral() string     { return m.ID }

// ServicesDiscovered carries one service or a batch of services.
type ServicesDiscovered struct {
	ID       string
	Services []device.ServiceInfo
}

func (m *ServicesDiscovered) Kind() bridge.EventKind { return bridge.ServicesDiscovered }
func (m *ServicesDiscovered) Peripheral() string     { return m.ID }

type CharacteristicDiscovered struct {
	ID             string
	Service        string
	Characteristic device.CharacteristicInfo
}

func (m *CharacteristicDiscovered) Kind() bridge.EventKind { return bridge.CharacteristicDiscovered }
func (m *CharacteristicDiscovered) Peripheral() string     { return m.ID }

type DiscoveryCompleted struct {
	ID string
}

func (m *DiscoveryCompleted) Kind() bridge.EventKind { return bridge.DiscoveryCompleted }
func (m *DiscoveryCompleted) Peripheral() string     { return m.ID }

type ValueChanged struct {
	Charpath
	Value  []byte
	Source ValueSource
}

func (m *ValueChanged) Kind() bridge.EventKind { return bridge.CharacteristicValue }

type WriteCompleted struct {
	Charpath
}

func (m *WriteCompleted) Kind() bridge.EventKind { return bridge.WriteCompleted }

type SubscriptionChanged struct {
	Charpath
	Enabled bool
}

func (m *SubscriptionChanged) Kind() bridge.EventKind { return bridge.SubscriptionChanged }

// Failure is a native error report. ID and the characteristic path are empty
// for scan-level failures.
type Failure struct {
	Charpath
	Op      string
	Message string
	Code    int
}

func (m *Failure) Kind() bridge.EventKind { return bridge.Error }

// Err converts the report into a NativeOperationFailed error.
func (m *Failure) Err() error {
	e := &device.Error{Kind: device.KindNativeFailed, Op: m.Op, ID: m.ID, Msg: m.Message}
	if m.Code != 0 {
		e.Msg = fmt.Sprintf("%s (code %d)", m.Message, m.Code)
	}
	return e
}
