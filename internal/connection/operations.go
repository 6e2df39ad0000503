package connection

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/correlator"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/message"
)

// WriteMode selects how a write is acknowledged
type WriteMode int

const (
	// WriteAuto uses a confirmed write when the characteristic supports one.
	WriteAuto WriteMode = iota
	WriteWithResponse
	WriteWithoutResponse
)

// characteristic resolves a characteristic for a user operation. Operations are
// only valid while Ready and not re-discovering.
func (m *Machine) characteristic(op Op, service, char string) (*device.Characteristic, error) {
	m.mu.Lock()
	p := m.peripheral
	st := p.State()
	m.mu.Unlock()

	switch st {
	case device.StateReady:
	case device.StateDisconnected, device.StateDisconnecting:
		return nil, device.Errorf(device.KindDisconnected, "peripheral is %s", st).WithOp(string(op), m.id)
	default:
		return nil, device.Errorf(device.KindAlreadyInProgress, "peripheral is %s, not ready", st).WithOp(string(op), m.id)
	}
	if m.rediscovering.Load() {
		return nil, device.Errorf(device.KindDisconnected, "services changed, re-discovery in progress").WithOp(string(op), m.id)
	}

	svc := device.NormalizeUUID(service)
	uuid := device.NormalizeUUID(char)
	if svc == "" || uuid == "" {
		return nil, device.Errorf(device.KindInvalidArgument, "invalid characteristic path %q/%q", service, char).WithOp(string(op), m.id)
	}
	return p.Characteristic(svc, uuid)
}

// Read requests the current value of a characteristic.
func (m *Machine) Read(ctx context.Context, service, char string) ([]byte, error) {
	c, err := m.characteristic(OpRead, service, char)
	if err != nil {
		return nil, err
	}
	if !c.Properties().CanRead() {
		return nil, device.Errorf(device.KindCapabilityNotSupported,
			"characteristic %s does not support read (properties: %s)", c.UUID(), c.Properties()).WithOp(string(OpRead), m.id)
	}

	key := m.charKey(OpRead, c)
	h, err := m.corr.Issue(ctx, key, m.opts.OperationTimeout)
	if err != nil {
		return nil, m.opError(err, OpRead)
	}
	if err := m.native.Read(m.id, c.ServiceUUID(), c.UUID()); err != nil {
		m.corr.Fail(key, m.nativeError(OpRead, err))
	}

	msg, err := h.Wait()
	if err != nil {
		return nil, m.opError(err, OpRead)
	}
	return msg.(*message.ValueChanged).Value, nil
}

// Write sends data to a characteristic. A write without response completes as
// soon as the stack accepts it.
func (m *Machine) Write(ctx context.Context, service, char string, data []byte, mode WriteMode) error {
	if data == nil {
		return device.Errorf(device.KindInvalidArgument, "write requires a value").WithOp(string(OpWrite), m.id)
	}
	c, err := m.characteristic(OpWrite, service, char)
	if err != nil {
		return err
	}

	props := c.Properties()
	if !props.CanWrite() {
		return device.Errorf(device.KindCapabilityNotSupported,
			"characteristic %s does not support write (properties: %s)", c.UUID(), props).WithOp(string(OpWrite), m.id)
	}
	withResponse, modeErr := writeMode(props, mode)
	if modeErr != nil {
		return modeErr.WithOp(string(OpWrite), m.id)
	}

	key := m.charKey(OpWrite, c)
	h, err := m.corr.Issue(ctx, key, m.opts.OperationTimeout)
	if err != nil {
		return m.opError(err, OpWrite)
	}
	value := append([]byte(nil), data...)
	if err := m.native.Write(m.id, c.ServiceUUID(), c.UUID(), value, withResponse); err != nil {
		m.corr.Fail(key, m.nativeError(OpWrite, err))
	} else if !withResponse {
		m.corr.Complete(key, &message.WriteCompleted{Charpath: message.Charpath{ID: m.id, Service: c.ServiceUUID(), Characteristic: c.UUID()}})
	}

	if _, err := h.Wait(); err != nil {
		return m.opError(err, OpWrite)
	}
	m.logger.WithFields(logrus.Fields{
		"id":            m.id,
		"char_uuid":     c.UUID(),
		"bytes":         len(value),
		"with_response": withResponse,
	}).Debug("Characteristic written")
	return nil
}

func writeMode(props device.Properties, mode WriteMode) (bool, *device.Error) {
	canAck := props.Has(device.PropWrite)
	canNoAck := props.Has(device.PropWriteWithoutResponse)

	switch mode {
	case WriteWithResponse:
		if !canAck {
			return false, device.Errorf(device.KindCapabilityNotSupported, "characteristic does not support write with response")
		}
		return true, nil
	case WriteWithoutResponse:
		if !canNoAck {
			return false, device.Errorf(device.KindCapabilityNotSupported, "characteristic does not support write without response")
		}
		return false, nil
	default:
		return canAck, nil
	}
}

// Subscribe enables notifications of a characteristic. Subscribing twice is a no-op.
func (m *Machine) Subscribe(ctx context.Context, service, char string) error {
	c, err := m.characteristic(OpSubscribe, service, char)
	if err != nil {
		return err
	}
	return m.opError(m.subscribe(ctx, c), OpSubscribe)
}

func (m *Machine) subscribe(ctx context.Context, c *device.Characteristic) error {
	if c.SubscriptionState() == device.Subscribed {
		return nil
	}
	if !c.Properties().CanNotify() {
		return device.Errorf(device.KindCapabilityNotSupported,
			"characteristic %s does not support notify or indicate (properties: %s)", c.UUID(), c.Properties())
	}

	key := m.charKey(OpSubscribe, c)
	h, err := m.corr.Issue(ctx, key, m.opts.OperationTimeout, correlator.WithUndo(func(uctx context.Context) error {
		return m.unsubscribeNative(uctx, c)
	}, m.opts.CancelFallback))
	if err != nil {
		return err
	}

	if err := m.listen(c); err != nil {
		m.corr.Fail(key, err)
	} else {
		c.SetSubscriptionState(device.Subscribing)
		if err := m.native.Subscribe(m.id, c.ServiceUUID(), c.UUID()); err != nil {
			m.corr.Fail(key, m.nativeError(OpSubscribe, err))
		}
	}

	if _, err := h.Wait(); err != nil {
		c.SetSubscriptionState(device.Unsubscribed)
		m.unlisten(c)
		m.logger.WithFields(logrus.Fields{
			"id":        m.id,
			"char_uuid": c.UUID(),
			"error":     err,
		}).Debug("Subscription failed")
		return err
	}

	m.mu.Lock()
	switch {
	case c.Stale():
	case m.peripheral.State() == device.StateReady:
		c.SetSubscriptionState(device.Subscribed)
	default:
		m.promote = append(m.promote, c)
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"id":           m.id,
		"service_uuid": c.ServiceUUID(),
		"char_uuid":    c.UUID(),
	}).Debug("Subscribed to characteristic")
	return nil
}

// Unsubscribe disables notifications. Unsubscribing an unsubscribed characteristic is a no-op.
func (m *Machine) Unsubscribe(ctx context.Context, service, char string) error {
	c, err := m.characteristic(OpUnsubscribe, service, char)
	if err != nil {
		return err
	}
	if c.SubscriptionState() == device.Unsubscribed {
		return nil
	}
	if err := m.unsubscribeNative(ctx, c); err != nil {
		return m.opError(err, OpUnsubscribe)
	}
	c.SetSubscriptionState(device.Unsubscribed)
	m.unlisten(c)
	return nil
}

func (m *Machine) unsubscribeNative(ctx context.Context, c *device.Characteristic) error {
	key := m.charKey(OpUnsubscribe, c)
	h, err := m.corr.Issue(ctx, key, m.opts.OperationTimeout)
	if err != nil {
		return err
	}
	if err := m.native.Unsubscribe(m.id, c.ServiceUUID(), c.UUID()); err != nil {
		m.corr.Fail(key, m.nativeError(OpUnsubscribe, err))
	}
	_, err = h.Wait()
	return err
}
