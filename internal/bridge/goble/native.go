// Package goble adapts github.com/go-ble/ble to the bridge.Native contract.
//
// go-ble calls block until the stack answers. The adapter runs them on named
// goroutines and reports every result as a callback, so the core sees the same
// fire-and-forget stack on every platform. Calls for one peripheral run one at a
// time in the order they were accepted.
package goble

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/message"
)

// BackendName is the name the adapter registers under.
const BackendName = "goble"

// DefaultQueueDepth bounds the calls waiting for one peripheral.
const DefaultQueueDepth = 32

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = newDevice

// Native is the go-ble backed stack adapter.
type Native struct {
	logger *logrus.Logger
	dev    ble.Device

	mu         sync.Mutex
	handler    bridge.Handler
	scanCancel context.CancelFunc
	scanDone   chan struct{}
	links      map[string]*link
	closed     bool
}

// New opens the platform device through DeviceFactory.
func New(logger *logrus.Logger) (*Native, error) {
	if logger == nil {
		logger = logrus.New()
	}

	dev, err := DeviceFactory()
	if err != nil {
		logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, NormalizeError(err)
	}

	return &Native{
		logger: logger,
		dev:    dev,
		links:  make(map[string]*link),
	}, nil
}

// Open is the bridge.Factory for this backend.
func Open(logger *logrus.Logger) (bridge.Native, error) {
	return New(logger)
}

func (n *Native) SetHandler(h bridge.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

func (n *Native) emit(ev bridge.Event) {
	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()

	if h == nil {
		n.logger.WithField("kind", ev.Kind).Debug("Dropping callback, no handler installed")
		return
	}
	h(ev)
}

func (n *Native) fail(path message.Charpath, op string, err error) {
	n.logger.WithFields(logrus.Fields{
		"id":    path.ID,
		"op":    op,
		"error": err,
	}).Error("Native call failed")
	n.emit(message.EncodeFailure(path, op, NormalizeError(err).Error(), 0))
}

func (n *Native) StartScan(filter bridge.ScanFilter) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return errClosed
	}
	if n.scanCancel != nil {
		return device.Errorf(device.KindAlreadyInProgress, "scan already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	n.scanCancel = cancel
	n.scanDone = done

	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		defer close(done)

		// go-ble reports every advertisement; the scan session keeps the first one
		err := n.dev.Scan(ctx, false, func(adv ble.Advertisement) {
			converted := convertAdvertisement(adv)
			if filter.IsEmpty() || filter.Match(converted) {
				n.emit(message.EncodeDevice(converted))
			}
		})

		n.mu.Lock()
		stopped := n.scanDone == done && n.scanCancel == nil
		if n.scanDone == done {
			n.scanCancel = nil
			n.scanDone = nil
		}
		n.mu.Unlock()

		switch {
		case err == nil || errors.Is(err, context.Canceled):
			reason := "completed"
			if stopped || ctx.Err() != nil {
				reason = "stopped"
			}
			n.emit(message.EncodeScanCompleted(reason))
		default:
			n.fail(message.Charpath{}, "scan", err)
		}
	})

	n.logger.Debug("go-ble scan started")
	return nil
}

func (n *Native) StopScan() error {
	n.mu.Lock()
	cancel := n.scanCancel
	n.scanCancel = nil
	n.mu.Unlock()

	if cancel == nil {
		// nothing running; answer so a waiting session can finish
		n.emit(message.EncodeScanCompleted("stopped"))
		return nil
	}
	cancel()
	return nil
}

func (n *Native) Connect(id string) error {
	if id == "" {
		return device.Errorf(device.KindInvalidArgument, "empty peripheral identity")
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return errClosed
	}
	if _, ok := n.links[id]; ok {
		n.mu.Unlock()
		return device.Errorf(device.KindAlreadyConnected, "link to %s already exists", id)
	}
	l := newLink(n, id)
	n.links[id] = l
	n.mu.Unlock()

	l.dial()
	return nil
}

func (n *Native) Disconnect(id string) error {
	n.mu.Lock()
	l, ok := n.links[id]
	delete(n.links, id)
	n.mu.Unlock()

	if !ok {
		n.emit(message.EncodeDisconnected(id, "requested"))
		return nil
	}
	l.close("requested")
	return nil
}

// dropLink forgets l if it is still the registered link for its peripheral.
func (n *Native) dropLink(l *link) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.links[l.id] == l {
		delete(n.links, l.id)
	}
}

func (n *Native) linkFor(id string) (*link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[id]
	if !ok {
		return nil, device.Errorf(device.KindDisconnected, "no link to %s", id)
	}
	return l, nil
}

func (n *Native) DiscoverServices(id string) error {
	l, err := n.linkFor(id)
	if err != nil {
		return err
	}
	return l.enqueue("discover", l.discover)
}

func (n *Native) Read(id, service, characteristic string) error {
	l, err := n.linkFor(id)
	if err != nil {
		return err
	}
	path := charpath(id, service, characteristic)
	return l.enqueue("read", func() { l.read(path) })
}

func (n *Native) Write(id, service, characteristic string, data []byte, withResponse bool) error {
	l, err := n.linkFor(id)
	if err != nil {
		return err
	}
	path := charpath(id, service, characteristic)
	value := append([]byte(nil), data...)
	return l.enqueue("write", func() { l.write(path, value, withResponse) })
}

func (n *Native) Subscribe(id, service, characteristic string) error {
	l, err := n.linkFor(id)
	if err != nil {
		return err
	}
	path := charpath(id, service, characteristic)
	return l.enqueue("subscribe", func() { l.subscribe(path) })
}

func (n *Native) Unsubscribe(id, service, characteristic string) error {
	l, err := n.linkFor(id)
	if err != nil {
		return err
	}
	path := charpath(id, service, characteristic)
	return l.enqueue("unsubscribe", func() { l.unsubscribe(path) })
}

// Close drops every link, stops scanning and releases the device.
func (n *Native) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	cancel, done := n.scanCancel, n.scanDone
	n.scanCancel = nil
	links := make([]*link, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.links = make(map[string]*link)
	n.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, l := range links {
		l.close("closed")
	}

	if err := n.dev.Stop(); err != nil {
		n.logger.WithField("error", err).Warn("Failed to stop BLE device")
		return NormalizeError(err)
	}
	n.logger.Debug("go-ble device stopped")
	return nil
}

var errClosed = device.Errorf(device.KindNativeFailed, "backend closed")

func charpath(id, service, characteristic string) message.Charpath {
	return message.Charpath{
		ID:             id,
		Service:        device.NormalizeUUID(service),
		Characteristic: device.NormalizeUUID(characteristic),
	}
}
