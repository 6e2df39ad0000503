package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/correlator"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
)

// Connect links to the peripheral, discovers its services, subscribes to every
// notify-capable characteristic and returns once the peripheral is Ready.
//
// Cancelling ctx aborts the attempt and asks the stack to drop the link. Failures
// leave the machine Disconnected. Auto-subscribe failures are logged, not returned.
func (m *Machine) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := m.registry.Acquire(m.id, func(p *device.Peripheral) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.closed {
			return device.Errorf(device.KindInvalidArgument, "connection is closed").WithOp(string(OpConnect), m.id)
		}
		if st := m.peripheral.State(); st != device.StateDisconnected {
			return device.Errorf(device.KindAlreadyConnected, "peripheral is %s", st).WithOp(string(OpConnect), m.id)
		}
		if st := p.State(); st != device.StateDisconnected {
			return device.Errorf(device.KindAlreadyConnected, "peripheral is %s", st).WithOp(string(OpConnect), m.id)
		}
		m.peripheral = p
		m.setStateLocked(device.StateConnecting)
		return nil
	})
	if err != nil {
		return err
	}

	if err := m.router.Register(m.id, m); err != nil {
		m.teardown(err)
		return m.opError(err, OpConnect)
	}
	m.mu.Lock()
	m.routed = true
	m.mu.Unlock()

	start := time.Now()
	m.logger.WithField("id", m.id).Info("Connecting to BLE peripheral...")

	key := m.key(OpConnect)
	h, err := m.corr.Issue(ctx, key, m.opts.ConnectTimeout, correlator.WithUndo(m.dropLink, m.opts.CancelFallback))
	if err != nil {
		return m.failConnect(err, false)
	}
	if err := m.native.Connect(m.id); err != nil {
		m.corr.Fail(key, m.nativeError(OpConnect, err))
	}
	if _, err := h.Wait(); err != nil {
		// A timed out attempt may still complete natively later.
		return m.failConnect(err, errors.Is(err, device.ErrTimeout))
	}

	if !m.advance(device.StateConnecting, device.StateConnected) {
		return m.failConnect(m.interrupted(), true)
	}
	m.logger.WithFields(logrus.Fields{
		"id":      m.id,
		"elapsed": time.Since(start),
	}).Debug("Link established")

	if !m.advance(device.StateConnected, device.StateDiscoveringServices) {
		return m.failConnect(m.interrupted(), true)
	}
	if err := m.discover(ctx); err != nil {
		return m.failConnect(err, true)
	}

	if !m.advance(device.StateDiscoveringServices, device.StateAutoSubscribing) {
		return m.failConnect(m.interrupted(), true)
	}
	subscribed, err := m.autoSubscribe(ctx)
	if err != nil {
		return m.failConnect(err, true)
	}

	if !m.ready() {
		return m.failConnect(m.interrupted(), true)
	}

	p := m.Peripheral()
	m.logger.WithFields(logrus.Fields{
		"id":              m.id,
		"services":        len(p.Services()),
		"characteristics": len(p.Characteristics()),
		"subscribed":      subscribed,
		"elapsed":         time.Since(start),
	}).Info("BLE peripheral ready")
	return nil
}

func (m *Machine) interrupted() error {
	return device.Errorf(device.KindDisconnected, "connection interrupted while %s", m.State())
}

// failConnect unwinds a failed Connect. linked asks the stack to drop a link that
// may exist. A concurrent Disconnect owns the teardown and is left to finish it.
func (m *Machine) failConnect(err error, linked bool) error {
	if m.State() == device.StateDisconnecting {
		return m.opError(err, OpConnect)
	}

	if linked && !errors.Is(err, device.ErrDisconnected) {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.CancelFallback)
		if dropErr := m.dropLink(ctx); dropErr != nil {
			m.logger.WithFields(logrus.Fields{
				"id":    m.id,
				"error": dropErr,
			}).Debug("Link drop was not acknowledged")
		}
		cancel()
	}

	m.teardown(err)
	m.logger.WithFields(logrus.Fields{
		"id":    m.id,
		"error": err,
	}).Warn("BLE connection failed")
	return m.opError(err, OpConnect)
}

// dropLink asks the stack to disconnect and waits for the acknowledgement or ctx.
// Used as the undo of a pending connect.
func (m *Machine) dropLink(ctx context.Context) error {
	key := m.key(OpDisconnect)
	h, err := m.corr.Issue(ctx, key, 0)
	if err != nil {
		return err
	}
	if err := m.native.Disconnect(m.id); err != nil {
		m.corr.Fail(key, m.nativeError(OpDisconnect, err))
	}
	_, err = h.Wait()
	return err
}

// discover runs one full service discovery. Services are recorded as they are
// reported; the discovery-completed callback ends the wait.
func (m *Machine) discover(ctx context.Context) error {
	m.Peripheral().ClearServices()

	key := m.key(OpDiscover)
	h, err := m.corr.Issue(ctx, key, m.opts.DiscoveryTimeout)
	if err != nil {
		return err
	}
	if err := m.native.DiscoverServices(m.id); err != nil {
		m.corr.Fail(key, m.nativeError(OpDiscover, err))
	}
	if _, err := h.Wait(); err != nil {
		return m.opError(err, OpDiscover)
	}

	p := m.Peripheral()
	m.logger.WithFields(logrus.Fields{
		"id":              m.id,
		"services":        len(p.Services()),
		"characteristics": len(p.Characteristics()),
	}).Debug("Service discovery completed")
	return nil
}

// autoSubscribe subscribes to every notify-capable characteristic, one at a time.
// Individual failures are collected and logged; only caller cancellation or link
// loss aborts.
func (m *Machine) autoSubscribe(ctx context.Context) (int, error) {
	var (
		subscribed int
		failures   []string
	)

	for _, c := range m.Peripheral().Characteristics() {
		if !c.Properties().CanNotify() {
			continue
		}
		err := m.subscribe(ctx, c)
		switch {
		case err == nil:
			subscribed++
		case ctx.Err() != nil && errors.Is(err, device.ErrCancelled):
			return subscribed, err
		case errors.Is(err, device.ErrDisconnected):
			return subscribed, err
		default:
			failures = append(failures, fmt.Sprintf("%s/%s: %v", c.ServiceUUID(), c.UUID(), err))
		}
	}

	if len(failures) > 0 {
		m.logger.WithFields(logrus.Fields{
			"id":       m.id,
			"failed":   len(failures),
			"failures": strings.Join(failures, "; "),
		}).Warn("Some characteristics could not be subscribed")
	}
	return subscribed, nil
}

// ready enters Ready and promotes the subscriptions acknowledged on the way.
func (m *Machine) ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peripheral.State() != device.StateAutoSubscribing {
		return false
	}
	m.setStateLocked(device.StateReady)
	for _, c := range m.promote {
		if !c.Stale() && c.SubscriptionState() == device.Subscribing {
			c.SetSubscriptionState(device.Subscribed)
		}
	}
	m.promote = nil
	return true
}

// Disconnect drops the link and waits for the stack to confirm. Disconnecting a
// disconnected peripheral is a no-op. Every pending operation of the peripheral
// fails with device.ErrDisconnected.
func (m *Machine) Disconnect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	switch st := m.peripheral.State(); st {
	case device.StateDisconnected:
		m.mu.Unlock()
		return nil
	case device.StateDisconnecting:
		m.mu.Unlock()
		return device.Errorf(device.KindAlreadyInProgress, "disconnect already in progress").WithOp(string(OpDisconnect), m.id)
	}
	m.setStateLocked(device.StateDisconnecting)
	m.mu.Unlock()

	m.logger.WithField("id", m.id).Info("Disconnecting from BLE peripheral...")

	cause := device.Errorf(device.KindDisconnected, "peripheral is disconnecting")
	m.corr.FailWhere(m.ownedBy, cause)

	var err error
	key := m.key(OpDisconnect)
	h, issueErr := m.corr.Issue(ctx, key, m.opts.DisconnectTimeout)
	if issueErr != nil {
		err = issueErr
	} else {
		if nerr := m.native.Disconnect(m.id); nerr != nil {
			m.corr.Fail(key, m.nativeError(OpDisconnect, nerr))
		}
		_, err = h.Wait()
	}

	m.teardown(device.Errorf(device.KindDisconnected, "peripheral disconnected"))
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"id":    m.id,
			"error": err,
		}).Warn("Disconnect was not acknowledged")
		return m.opError(err, OpDisconnect)
	}
	return nil
}

// scheduleRediscovery reacts to a Service Changed indication. Ignored unless the
// peripheral is Ready and no re-discovery is already running.
func (m *Machine) scheduleRediscovery() {
	if m.State() != device.StateReady {
		return
	}
	if !m.rediscovering.CompareAndSwap(false, true) {
		m.logger.WithField("id", m.id).Debug("Re-discovery already running")
		return
	}

	groutine.Go(context.Background(), "rediscover-"+m.id, func(ctx context.Context) {
		if err := m.rediscover(ctx); err != nil {
			m.logger.WithFields(logrus.Fields{
				"id":    m.id,
				"error": err,
			}).Error("Re-discovery failed, dropping the link")
			if err := m.Disconnect(ctx); err != nil {
				m.logger.WithFields(logrus.Fields{
					"id":    m.id,
					"error": err,
				}).Warn("Disconnect after failed re-discovery failed")
			}
		}
	})
}

// rediscover rebuilds the service tree after the peripheral reported a change.
// Characteristic operations in flight fail with device.ErrDisconnected and new
// ones are refused until the tree is rebuilt and re-subscribed.
func (m *Machine) rediscover(ctx context.Context) error {
	defer m.rediscovering.Store(false)

	m.logger.WithField("id", m.id).Info("Services changed, re-discovering...")

	cause := device.Errorf(device.KindDisconnected, "services changed, re-discovery in progress")
	m.corr.FailWhere(func(k Key) bool {
		return m.ownedBy(k) && k.characteristicScoped() && k.Op != OpNotify
	}, cause)

	m.mu.Lock()
	listeners := m.listeners
	m.listeners = make(map[Key]func())
	m.mu.Unlock()
	for _, stop := range listeners {
		stop()
	}

	if err := m.discover(ctx); err != nil {
		return err
	}
	if m.State() != device.StateReady {
		return m.interrupted()
	}
	subscribed, err := m.autoSubscribe(ctx)
	if err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"id":         m.id,
		"subscribed": subscribed,
	}).Info("Re-discovery completed")
	return nil
}
