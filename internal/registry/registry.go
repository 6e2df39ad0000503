// Package registry keeps the canonical set of discovered peripherals.
//
// The registry is a pure data container: the scan session inserts peripherals,
// connection machines populate and clear their services. All methods are safe for
// concurrent use.
package registry

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type Registry struct {
	logger *logrus.Logger

	mu          sync.RWMutex
	peripherals *orderedmap.OrderedMap[string, *device.Peripheral] // discovery order
}

func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		peripherals: orderedmap.New[string, *device.Peripheral](),
		logger:      logger,
	}
}

// Insert adds a peripheral for a first-seen advertisement. A later advertisement for
// a known identity never replaces the stored record; the existing record is returned
// with inserted=false.
func (r *Registry) Insert(adv device.Advertisement) (p *device.Peripheral, inserted bool) {
	r.mu.Lock()
	p, inserted = r.insertLocked(adv)
	r.mu.Unlock()

	if !inserted {
		r.logger.WithFields(logrus.Fields{
			"id":   adv.ID,
			"rssi": adv.RSSI,
		}).Debug("Ignoring advertisement for known peripheral")
		return p, false
	}

	r.logger.WithFields(logrus.Fields{
		"id":   adv.ID,
		"name": adv.Name,
		"rssi": adv.RSSI,
	}).Debug("Peripheral registered")
	return p, true
}

func (r *Registry) insertLocked(adv device.Advertisement) (*device.Peripheral, bool) {
	if p, ok := r.peripherals.Get(adv.ID); ok {
		return p, false
	}
	p := device.NewPeripheral(adv)
	r.peripherals.Set(adv.ID, p)
	return p, true
}

// Ensure returns the peripheral for id, creating a bare record when it was never
// seen in a scan (e.g. connecting by a known address).
func (r *Registry) Ensure(id string) *device.Peripheral {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(id)
}

func (r *Registry) ensureLocked(id string) *device.Peripheral {
	p, _ := r.insertLocked(device.Advertisement{ID: id, Connectable: true, TxPower: device.TxPowerUnknown})
	return p
}

func (r *Registry) Get(id string) (*device.Peripheral, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peripherals.Get(id)
}

// Peripherals returns a snapshot sorted by identity.
func (r *Registry) Peripherals() []*device.Peripheral {
	r.mu.RLock()
	result := make([]*device.Peripheral, 0, r.peripherals.Len())
	for pair := r.peripherals.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID() < result[j].ID()
	})
	return result
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peripherals.Len()
}

// Acquire returns the peripheral for id (creating a bare record if needed) after
// running claim on it. No removal can interleave between lookup and claim, so a
// claim that moves the peripheral into a linked state pins it in the registry.
func (r *Registry) Acquire(id string, claim func(p *device.Peripheral) error) (*device.Peripheral, error) {
	if id == "" {
		return nil, device.Errorf(device.KindInvalidArgument, "peripheral identity must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.ensureLocked(id)
	if claim != nil {
		if err := claim(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Remove deletes a disconnected peripheral. Linked peripherals are never removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) bool {
	p, ok := r.peripherals.Get(id)
	if !ok || p.State().IsLinked() {
		return false
	}
	_, removed := r.peripherals.Delete(id)
	return removed
}

// ClearDisconnected removes every peripheral that is not linked and returns how
// many were removed. Discovery state is scan scoped; connected peripherals survive.
func (r *Registry) ClearDisconnected() int {
	r.mu.Lock()
	var stale []string
	for pair := r.peripherals.Oldest(); pair != nil; pair = pair.Next() {
		if !pair.Value.State().IsLinked() {
			stale = append(stale, pair.Key)
		}
	}
	removed := 0
	for _, id := range stale {
		if r.removeLocked(id) {
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.logger.WithField("count", removed).Debug("Cleared discovered peripherals")
	}
	return removed
}

func (r *Registry) peripheral(id string) (*device.Peripheral, error) {
	p, ok := r.Get(id)
	if !ok {
		return nil, &device.NotFoundError{Resource: "peripheral", UUIDs: []string{id}}
	}
	return p, nil
}

// AddService records a discovered service and the characteristics reported with it.
func (r *Registry) AddService(id string, info device.ServiceInfo) (*device.Service, error) {
	p, err := r.peripheral(id)
	if err != nil {
		return nil, err
	}

	svc, created := p.AddService(info.UUID)
	for _, c := range info.Characteristics {
		svc.AddCharacteristic(c.UUID, c.Properties)
	}

	r.logger.WithFields(logrus.Fields{
		"id":              id,
		"service_uuid":    svc.UUID(),
		"characteristics": len(info.Characteristics),
		"new":             created,
	}).Debug("Service discovered")
	return svc, nil
}

// AddCharacteristic records one incrementally discovered characteristic,
// creating its service when the service itself was not reported yet.
func (r *Registry) AddCharacteristic(id, service string, info device.CharacteristicInfo) (*device.Characteristic, error) {
	p, err := r.peripheral(id)
	if err != nil {
		return nil, err
	}

	svc, _ := p.AddService(service)
	char, created := svc.AddCharacteristic(info.UUID, info.Properties)

	r.logger.WithFields(logrus.Fields{
		"id":           id,
		"service_uuid": svc.UUID(),
		"char_uuid":    char.UUID(),
		"properties":   char.Properties().String(),
		"new":          created,
	}).Debug("Characteristic discovered")
	return char, nil
}

// ClearServices drops the service subtree of a peripheral.
func (r *Registry) ClearServices(id string) int {
	p, ok := r.Get(id)
	if !ok {
		return 0
	}
	return p.ClearServices()
}

// Characteristic looks up a characteristic of a registered peripheral.
func (r *Registry) Characteristic(id, service, char string) (*device.Characteristic, error) {
	p, err := r.peripheral(id)
	if err != nil {
		return nil, err
	}
	return p.Characteristic(service, char)
}
