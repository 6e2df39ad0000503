package central

import "github.com/srg/blelink/internal/device"

// EventKind identifies what an Event reports.
type EventKind string

const (
	DevicesCleared   EventKind = "devices-cleared"
	DeviceDiscovered EventKind = "device-discovered"
	StateChanged     EventKind = "state-changed"
)

// Event is published on the Events channel. Advertisement is set for
// DeviceDiscovered, From and To for StateChanged.
type Event struct {
	Kind          EventKind
	PeripheralID  string
	Advertisement device.Advertisement
	From          device.ConnectionState
	To            device.ConnectionState
}
