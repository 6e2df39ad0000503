// Package bridge defines the contract between the central core and a native
// Bluetooth stack.
//
// Outbound calls are fire-and-forget: the returned error only reports whether the
// stack accepted the request. Every result comes back later as an Event delivered
// to the registered Handler, on a goroutine the core does not control.
package bridge

import (
	"slices"

	"github.com/srg/blelink/internal/device"
)

// EventKind identifies an inbound callback
type EventKind string

const (
	DeviceDiscovered         EventKind = "device-discovered"
	ScanCompleted            EventKind = "scan-completed"
	DeviceConnected          EventKind = "device-connected"
	DeviceDisconnected       EventKind = "device-disconnected"
	ServicesDiscovered       EventKind = "services-discovered"
	CharacteristicDiscovered EventKind = "characteristic-discovered"
	DiscoveryCompleted       EventKind = "discovery-completed"
	CharacteristicValue      EventKind = "characteristic-value"
	WriteCompleted           EventKind = "write-completed"
	SubscriptionChanged      EventKind = "subscription-changed"
	Error                    EventKind = "error"
)

// Event is a raw callback: a kind, a string payload and an optional byte payload.
type Event struct {
	Kind    EventKind
	Payload string
	Data    []byte
}

// Handler receives inbound events. It may be called concurrently; events for a
// single peripheral arrive in native delivery order.
type Handler func(Event)

// Native is the per-platform stack adapter.
type Native interface {
	// SetHandler installs the inbound callback sink. Must be called before any other call.
	SetHandler(h Handler)

	StartScan(filter ScanFilter) error
	StopScan() error

	Connect(id string) error
	Disconnect(id string) error
	DiscoverServices(id string) error

	Read(id, service, characteristic string) error
	Write(id, service, characteristic string, data []byte, withResponse bool) error
	Subscribe(id, service, characteristic string) error
	Unsubscribe(id, service, characteristic string) error

	Close() error
}

// ScanFilter narrows a scan. Stacks that can filter natively may do so; the
// scan session applies the same filter locally.
type ScanFilter struct {
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// Match reports whether an advertisement passes the filter.
func (f ScanFilter) Match(adv device.Advertisement) bool {
	if slices.Contains(f.BlockList, adv.ID) {
		return false
	}
	if len(f.AllowList) > 0 && !slices.Contains(f.AllowList, adv.ID) {
		return false
	}
	if len(f.ServiceUUIDs) > 0 {
		for _, uuid := range f.ServiceUUIDs {
			if adv.AdvertisesService(uuid) {
				return true
			}
		}
		return false
	}
	return true
}

// IsEmpty reports whether the filter lets everything through.
func (f ScanFilter) IsEmpty() bool {
	return len(f.ServiceUUIDs) == 0 && len(f.AllowList) == 0 && len(f.BlockList) == 0
}
