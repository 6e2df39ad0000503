package device

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Peripheral is the registry record of a remote device.
//
// Advertisement metadata is fixed at creation (first seen wins). The connection
// state is owned by the peripheral's connection machine; services are populated
// by discovery and cleared on disconnect.
type Peripheral struct {
	adv Advertisement

	mu       sync.RWMutex
	state    ConnectionState
	services *orderedmap.OrderedMap[string, *Service]
}

// NewPeripheral creates a disconnected peripheral from its first advertisement.
func NewPeripheral(adv Advertisement) *Peripheral {
	adv.Payload = append([]byte(nil), adv.Payload...)
	adv.Services = append([]string(nil), adv.Services...)
	return &Peripheral{
		adv:      adv,
		services: orderedmap.New[string, *Service](),
	}
}

func (p *Peripheral) ID() string           { return p.adv.ID }
func (p *Peripheral) Name() string         { return p.adv.Name }
func (p *Peripheral) RSSI() int            { return p.adv.RSSI }
func (p *Peripheral) Connectable() bool    { return p.adv.Connectable }
func (p *Peripheral) TxPower() (int, bool) { return p.adv.TxPower, p.adv.HasTxPower() }

// Advertisement returns a copy of the advertisement the peripheral was created from.
func (p *Peripheral) Advertisement() Advertisement {
	adv := p.adv
	adv.Payload = append([]byte(nil), p.adv.Payload...)
	adv.Services = append([]string(nil), p.adv.Services...)
	return adv
}

func (p *Peripheral) State() ConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SetState records a lifecycle transition and returns the previous state.
func (p *Peripheral) SetState(s ConnectionState) ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.state
	p.state = s
	return prev
}

// Services returns the discovered services in discovery order.
func (p *Peripheral) Services() []*Service {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*Service, 0, p.services.Len())
	for pair := p.services.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Service looks a service up by UUID in any accepted format.
func (p *Peripheral) Service(uuid string) (*Service, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	svc, ok := p.services.Get(NormalizeUUID(uuid))
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

// Characteristic looks a characteristic up by service and characteristic UUID.
func (p *Peripheral) Characteristic(service, uuid string) (*Characteristic, error) {
	svc, err := p.Service(service)
	if err != nil {
		return nil, err
	}
	char, ok := svc.Characteristic(uuid)
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return char, nil
}

// Characteristics returns every discovered characteristic across all services.
func (p *Peripheral) Characteristics() []*Characteristic {
	var result []*Characteristic
	for _, svc := range p.Services() {
		result = append(result, svc.Characteristics()...)
	}
	return result
}

// AddService returns the service with the given UUID, creating it when missing.
// The boolean is true when the service was created.
func (p *Peripheral) AddService(uuid string) (*Service, bool) {
	n := NormalizeUUID(uuid)

	p.mu.Lock()
	defer p.mu.Unlock()

	if svc, ok := p.services.Get(n); ok {
		return svc, false
	}
	svc := newService(p.adv.ID, n)
	p.services.Set(n, svc)
	return svc, true
}

// ClearServices drops every service and characteristic and returns how many services were removed.
func (p *Peripheral) ClearServices() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.services.Len()
	for pair := p.services.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.detach()
	}
	p.services = orderedmap.New[string, *Service]()
	return n
}
