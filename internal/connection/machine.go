// Package connection drives the connection lifecycle of one peripheral.
//
// A Machine walks Disconnected -> Connecting -> Connected -> DiscoveringServices ->
// AutoSubscribing -> Ready and back through Disconnecting. Every native request is
// issued through a correlator keyed by peripheral, characteristic and operation, so
// a callback resolves exactly one waiter and a second identical request is rejected
// while the first one is in flight.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/correlator"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/fanout"
	"github.com/srg/blelink/internal/message"
	"github.com/srg/blelink/internal/registry"
)

// StateObserver is told about every state transition. It runs with the machine
// lock held and must not call back into the machine.
type StateObserver func(id string, from, to device.ConnectionState)

// Machine is safe for concurrent use.
type Machine struct {
	id       string
	native   bridge.Native
	registry *registry.Registry
	router   *fanout.Router
	corr     *correlator.Correlator[Key, message.Message]
	opts     Options
	logger   *logrus.Logger
	notifier *notifier

	mu         sync.Mutex
	peripheral *device.Peripheral
	routed     bool
	closed     bool
	listeners  map[Key]func()
	promote    []*device.Characteristic // acknowledged during auto-subscribe, marked Subscribed on Ready

	rediscovering atomic.Bool
	onState       atomic.Pointer[StateObserver]
}

// New creates a disconnected machine for id.
func New(id string, native bridge.Native, reg *registry.Registry, router *fanout.Router, opts Options, logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()

	m := &Machine{
		id:         id,
		native:     native,
		registry:   reg,
		router:     router,
		corr:       correlator.New[Key, message.Message]("connection-"+id, logger),
		opts:       opts,
		logger:     logger,
		notifier:   newNotifier("notify-"+id, opts.NotificationBuffer, logger),
		peripheral: reg.Ensure(id),
		listeners:  make(map[Key]func()),
	}
	m.notifier.start()
	return m
}

func (m *Machine) ID() string { return m.id }

func (m *Machine) Peripheral() *device.Peripheral {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peripheral
}

func (m *Machine) State() device.ConnectionState {
	return m.Peripheral().State()
}

// Services returns the discovered services in discovery order.
func (m *Machine) Services() []*device.Service {
	return m.Peripheral().Services()
}

func (m *Machine) Characteristic(service, char string) (*device.Characteristic, error) {
	return m.Peripheral().Characteristic(device.NormalizeUUID(service), device.NormalizeUUID(char))
}

// Rediscovering reports whether a Service Changed re-discovery is running.
func (m *Machine) Rediscovering() bool {
	return m.rediscovering.Load()
}

// OnStateChange installs the transition observer. nil removes it.
func (m *Machine) OnStateChange(fn StateObserver) {
	if fn == nil {
		m.onState.Store(nil)
		return
	}
	m.onState.Store(&fn)
}

// OnNotification installs the sink for values of subscribed characteristics.
// The sink runs on a dedicated goroutine, in arrival order.
func (m *Machine) OnNotification(fn func(Notification)) {
	m.notifier.setSink(fn)
}

// NotificationsOverwritten returns how many notifications were lost to a slow sink.
func (m *Machine) NotificationsOverwritten() uint64 {
	return m.notifier.overwritten.Load()
}

// Close disconnects if needed and releases the notification goroutine.
func (m *Machine) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.Disconnect(ctx)
	m.notifier.shutdown()
	return err
}

// setStateLocked must be called with m.mu held.
func (m *Machine) setStateLocked(s device.ConnectionState) {
	prev := m.peripheral.SetState(s)
	if prev == s {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"id":   m.id,
		"from": prev.String(),
		"to":   s.String(),
	}).Debug("Connection state changed")
	if fn := m.onState.Load(); fn != nil {
		(*fn)(m.id, prev, s)
	}
}

// advance moves from -> to. Returns false when another path already moved the
// machine elsewhere (typically a teardown).
func (m *Machine) advance(from, to device.ConnectionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peripheral.State() != from {
		return false
	}
	m.setStateLocked(to)
	return true
}

func (m *Machine) key(op Op) Key {
	return Key{Peripheral: m.id, Op: op}
}

func (m *Machine) charKey(op Op, c *device.Characteristic) Key {
	return Key{Peripheral: m.id, Service: c.ServiceUUID(), Characteristic: c.UUID(), Op: op}
}

func (m *Machine) pathKey(op Op, p message.Charpath) Key {
	return Key{Peripheral: m.id, Service: p.Service, Characteristic: p.Characteristic, Op: op}
}

// HandleMessage consumes the callbacks routed to this peripheral.
func (m *Machine) HandleMessage(msg message.Message) {
	switch v := msg.(type) {
	case *message.DeviceConnected:
		if !m.corr.Pending(m.key(OpConnect)) {
			m.logger.WithField("id", m.id).Debug("Ignoring duplicate connected callback")
			return
		}
		m.corr.Complete(m.key(OpConnect), v)

	case *message.DeviceDisconnected:
		if m.corr.Pending(m.key(OpDisconnect)) && m.corr.Complete(m.key(OpDisconnect), v) {
			return
		}
		m.linkLost(v.Reason)

	case *message.ServicesDiscovered:
		if !m.acceptsDiscovery() {
			m.logger.WithField("id", m.id).Debug("Ignoring services outside discovery")
			return
		}
		for _, svc := range v.Services {
			if _, err := m.registry.AddService(m.id, svc); err != nil {
				m.logger.WithFields(logrus.Fields{"id": m.id, "error": err}).Warn("Failed to record service")
			}
		}

	case *message.CharacteristicDiscovered:
		if !m.acceptsDiscovery() {
			m.logger.WithField("id", m.id).Debug("Ignoring characteristic outside discovery")
			return
		}
		if _, err := m.registry.AddCharacteristic(m.id, v.Service, v.Characteristic); err != nil {
			m.logger.WithFields(logrus.Fields{"id": m.id, "error": err}).Warn("Failed to record characteristic")
		}

	case *message.DiscoveryCompleted:
		m.corr.Complete(m.key(OpDiscover), v)

	case *message.ValueChanged:
		m.onValue(v)

	case *message.WriteCompleted:
		m.corr.Complete(m.pathKey(OpWrite, v.Charpath), v)

	case *message.SubscriptionChanged:
		op := OpUnsubscribe
		if v.Enabled {
			op = OpSubscribe
		}
		m.corr.Complete(m.pathKey(op, v.Charpath), v)

	case *message.Failure:
		key := Key{Peripheral: m.id, Service: v.Service, Characteristic: v.Characteristic, Op: Op(v.Op)}
		if !m.corr.Fail(key, v.Err()) {
			m.logger.WithFields(logrus.Fields{
				"id":    m.id,
				"op":    v.Op,
				"error": v.Message,
			}).Warn("Native error with no matching operation")
		}
	}
}

func (m *Machine) acceptsDiscovery() bool {
	return m.State() == device.StateDiscoveringServices || m.rediscovering.Load()
}

// onValue tells read results from notifications. Values without a source resolve a
// pending read first.
func (m *Machine) onValue(v *message.ValueChanged) {
	readKey := m.pathKey(OpRead, v.Charpath)
	switch v.Source {
	case message.SourceRead:
		m.corr.Complete(readKey, v)
		return
	case message.SourceUnspecified:
		if m.corr.Pending(readKey) && m.corr.Complete(readKey, v) {
			return
		}
	}

	if v.Service == device.GenericAttributeServiceUUID && v.Characteristic == device.ServiceChangedCharacteristicUUID {
		m.scheduleRediscovery()
	}
	m.corr.Stream(m.pathKey(OpNotify, v.Charpath), v)
}

// linkLost handles a disconnect nobody asked for.
func (m *Machine) linkLost(reason string) {
	st := m.State()
	if st == device.StateDisconnected {
		m.logger.WithField("id", m.id).Debug("Ignoring disconnect callback for disconnected peripheral")
		return
	}

	m.logger.WithFields(logrus.Fields{
		"id":     m.id,
		"state":  st.String(),
		"reason": reason,
	}).Warn("BLE peripheral link lost")

	cause := device.Errorf(device.KindDisconnected, "link lost: %s", reasonOrUnknown(reason))
	// A Disconnect in progress owns the teardown; it is woken by failing its wait.
	if st == device.StateDisconnecting {
		m.corr.FailWhere(m.ownedBy, cause)
		return
	}
	m.teardown(cause)
}

func reasonOrUnknown(reason string) string {
	if reason == "" {
		return "unknown reason"
	}
	return reason
}

func (m *Machine) ownedBy(k Key) bool {
	return k.Peripheral == m.id
}

// listen installs the notification listener of c. Idempotent.
func (m *Machine) listen(c *device.Characteristic) error {
	key := m.charKey(OpNotify, c)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listeners[key]; ok {
		return nil
	}
	stop, err := m.corr.Listen(key, func(msg message.Message) {
		v := msg.(*message.ValueChanged)
		m.notifier.push(Notification{
			PeripheralID:       v.ID,
			ServiceUUID:        v.Service,
			CharacteristicUUID: v.Characteristic,
			Value:              v.Value,
		})
	})
	if err != nil {
		return err
	}
	m.listeners[key] = stop
	return nil
}

func (m *Machine) unlisten(c *device.Characteristic) {
	key := m.charKey(OpNotify, c)

	m.mu.Lock()
	stop, ok := m.listeners[key]
	delete(m.listeners, key)
	m.mu.Unlock()

	if ok {
		stop()
	}
}

// teardown returns the machine to Disconnected: listeners stop, services go,
// every pending operation of the peripheral fails with cause and the route is
// released. Safe to call more than once.
func (m *Machine) teardown(cause error) {
	m.mu.Lock()
	if !m.routed && m.peripheral.State() == device.StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.routed = false
	listeners := m.listeners
	m.listeners = make(map[Key]func())
	m.promote = nil
	p := m.peripheral
	m.mu.Unlock()

	for _, stop := range listeners {
		stop()
	}
	cleared := p.ClearServices()
	failed := m.corr.FailWhere(m.ownedBy, cause)
	m.rediscovering.Store(false)
	m.router.Deregister(m.id, m)

	m.mu.Lock()
	m.setStateLocked(device.StateDisconnected)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"id":       m.id,
		"services": cleared,
		"failed":   failed,
		"cause":    cause,
	}).Info("BLE peripheral disconnected")
}

// opError attaches op and the peripheral identity to an anonymous error.
func (m *Machine) opError(err error, op Op) error {
	if err == nil {
		return nil
	}
	var e *device.Error
	if errors.As(err, &e) && e.Op == "" {
		return e.WithOp(string(op), m.id)
	}
	return err
}

func (m *Machine) nativeError(op Op, err error) error {
	return device.Errorf(device.KindNativeFailed, "native %s rejected: %w", op, err).WithOp(string(op), m.id)
}

func (m *Machine) String() string {
	return fmt.Sprintf("connection(%s, %s)", m.id, m.State())
}
