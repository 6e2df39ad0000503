package device

import (
	"sync"
	"sync/atomic"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ----------------------------
// Service
// ----------------------------

// Service is a discovered GATT service. Characteristics are added incrementally
// because discovery may report them one callback at a time.
type Service struct {
	peripheralID string
	uuid         string

	mu    sync.RWMutex
	chars *orderedmap.OrderedMap[string, *Characteristic]
}

func newService(peripheralID, uuid string) *Service {
	return &Service{
		peripheralID: peripheralID,
		uuid:         uuid,
		chars:        orderedmap.New[string, *Characteristic](),
	}
}

func (s *Service) UUID() string         { return s.uuid }
func (s *Service) PeripheralID() string { return s.peripheralID }

// Characteristics returns the characteristics in discovery order.
func (s *Service) Characteristics() []*Characteristic {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Characteristic, 0, s.chars.Len())
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

func (s *Service) Characteristic(uuid string) (*Characteristic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chars.Get(NormalizeUUID(uuid))
}

// AddCharacteristic registers a characteristic. Capability flags are immutable,
// so a repeated report for a known UUID returns the existing record unchanged.
func (s *Service) AddCharacteristic(uuid string, props Properties) (*Characteristic, bool) {
	n := NormalizeUUID(uuid)

	s.mu.Lock()
	defer s.mu.Unlock()

	if char, ok := s.chars.Get(n); ok {
		return char, false
	}
	char := &Characteristic{
		peripheralID: s.peripheralID,
		serviceUUID:  s.uuid,
		uuid:         n,
		props:        props,
	}
	s.chars.Set(n, char)
	return char, true
}

// detach marks every characteristic as no longer live after a disconnect.
func (s *Service) detach() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.sub.Store(int32(Unsubscribed))
		pair.Value.stale.Store(true)
	}
}

// ----------------------------
// Characteristic
// ----------------------------

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	peripheralID string
	serviceUUID  string
	uuid         string
	props        Properties

	sub   atomic.Int32 // SubscriptionState
	stale atomic.Bool
}

func (c *Characteristic) UUID() string           { return c.uuid }
func (c *Characteristic) ServiceUUID() string    { return c.serviceUUID }
func (c *Characteristic) PeripheralID() string   { return c.peripheralID }
func (c *Characteristic) Properties() Properties { return c.props }

func (c *Characteristic) SubscriptionState() SubscriptionState {
	return SubscriptionState(c.sub.Load())
}

// SetSubscriptionState is reserved for the connection machine, which enforces
// that Subscribed is only reached while the peripheral is ready.
func (c *Characteristic) SetSubscriptionState(s SubscriptionState) {
	c.sub.Store(int32(s))
}

// Stale reports whether the owning service set was cleared since discovery.
func (c *Characteristic) Stale() bool {
	return c.stale.Load()
}
