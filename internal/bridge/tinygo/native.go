//go:build linux

// Package tinygo adapts tinygo.org/x/bluetooth to the bridge.Native contract on
// linux, where the library drives BlueZ. BlueZ keeps characteristic flags out
// of tinygo's API, so discovery reads them from the D-Bus object tree, and
// writes with response go straight to BlueZ because tinygo only issues write
// commands there.
package tinygo

import (
	"context"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/bluez"
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/message"
	"tinygo.org/x/bluetooth"
)

// BackendName is the name the adapter registers under.
const BackendName = "tinygo"

const (
	queueDepth = 32
	// largest attribute value a read can return
	readBufferSize = 512
)

// bluezBus is the part of BlueZ tinygo does not wrap: characteristic flags and
// acknowledged writes.
type bluezBus interface {
	ManagedObjects() (bluez.ManagedObjects, error)
	WriteRequest(path dbus.ObjectPath, value []byte) error
}

// Native is the tinygo backed stack adapter.
type Native struct {
	logger      *logrus.Logger
	adapter     *bluetooth.Adapter
	adapterName string
	bus         bluezBus

	mu       sync.Mutex
	handler  bridge.Handler
	scanning bool
	stopping bool
	links    map[string]*link
	closed   bool
}

// New enables the default adapter and attaches to BlueZ on the system bus.
func New(logger *logrus.Logger) (*Native, error) {
	if logger == nil {
		logger = logrus.New()
	}

	bus, err := bluez.Connect()
	if err != nil {
		return nil, device.Errorf(device.KindNativeFailed, "%w", err)
	}

	n := &Native{
		logger:      logger,
		adapter:     bluetooth.DefaultAdapter,
		adapterName: bluez.DefaultAdapter,
		bus:         bus,
		links:       make(map[string]*link),
	}

	n.adapter.SetConnectHandler(n.onConnectionChanged)
	if err := n.adapter.Enable(); err != nil {
		logger.WithField("error", err).Error("Failed to enable Bluetooth adapter")
		return nil, device.Errorf(device.KindNativeFailed, "failed to enable Bluetooth adapter: %w", err)
	}
	return n, nil
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

	if h != nil {
		h(ev)
	}
}

func (n *Native) fail(path message.Charpath, op string, err error) {
	n.logger.WithFields(logrus.Fields{
		"id":    path.ID,
		"op":    op,
		"error": err,
	}).Error("Native call failed")
	n.emit(message.EncodeFailure(path, op, err.Error(), 0))
}

// onConnectionChanged reports links BlueZ dropped on its own.
func (n *Native) onConnectionChanged(d bluetooth.Device, connected bool) {
	if connected {
		return
	}
	id := linkKey(d.Address.String())

	n.mu.Lock()
	l, ok := n.links[id]
	delete(n.links, id)
	n.mu.Unlock()

	if ok {
		l.close("link lost")
	}
}

func (n *Native) StartScan(filter bridge.ScanFilter) error {
	wanted, err := parseUUIDs(filter.ServiceUUIDs)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errClosed
	}
	if n.scanning {
		return device.Errorf(device.KindAlreadyInProgress, "scan already running")
	}
	n.scanning = true

	groutine.Go(context.Background(), "tinygo-scan", func(context.Context) {
		err := n.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			adv := convertScanResult(result, filter.ServiceUUIDs, wanted)
			if filter.IsEmpty() || filter.Match(adv) {
				n.emit(message.EncodeDevice(adv))
			}
		})

		n.mu.Lock()
		stopped := n.stopping
		n.scanning = false
		n.stopping = false
		n.mu.Unlock()

		if err != nil {
			n.fail(message.Charpath{}, "scan", err)
			return
		}
		reason := "completed"
		if stopped {
			reason = "stopped"
		}
		n.emit(message.EncodeScanCompleted(reason))
	})
	return nil
}

func (n *Native) StopScan() error {
	n.mu.Lock()
	if !n.scanning {
		n.mu.Unlock()
		n.emit(message.EncodeScanCompleted("stopped"))
		return nil
	}
	n.stopping = true
	n.mu.Unlock()

	if err := n.adapter.StopScan(); err != nil {
		return device.Errorf(device.KindNativeFailed, "failed to stop scan: %w", err)
	}
	return nil
}

func (n *Native) Connect(id string) error {
	addr, err := parseAddress(id)
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return errClosed
	}
	key := linkKey(id)
	if _, ok := n.links[key]; ok {
		n.mu.Unlock()
		return device.Errorf(device.KindAlreadyConnected, "link to %s already exists", id)
	}
	l := newLink(n, id)
	n.links[key] = l
	n.mu.Unlock()

	l.dial(addr)
	return nil
}

func (n *Native) Disconnect(id string) error {
	n.mu.Lock()
	l, ok := n.links[linkKey(id)]
	delete(n.links, linkKey(id))
	n.mu.Unlock()

	if !ok {
		n.emit(message.EncodeDisconnected(id, "requested"))
		return nil
	}
	l.close("requested")
	return nil
}

func (n *Native) dropLink(l *link) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.links[linkKey(l.id)] == l {
		delete(n.links, linkKey(l.id))
	}
}

func (n *Native) linkFor(id string) (*link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[linkKey(id)]
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
	return l.calls.Submit("discover", l.discover)
}

func (n *Native) Read(id, service, characteristic string) error {
	l, err := n.linkFor(id)
	if err != nil {
		return err
	}
	path := charpath(id, service, characteristic)
	return l.calls.Submit("read", func() { l.read(path) })
}

func (n *Native) Write(id, service, characteristic string, data []byte, withResponse bool) error {
	l, err := n.linkFor(id)
	if err != nil {
		return err
	}
	path := charpath(id, service, characteristic)
	value := append([]byte(nil), data...)
	return l.calls.Submit("write", func() { l.write(path, value, withResponse) })
}

func (n *Native) Subscribe(id, service, characteristic string) error {
	l, err := n.linkFor(id)
	if err != nil {
		return err
	}
	path := charpath(id, service, characteristic)
	return l.calls.Submit("subscribe", func() { l.setNotify(path, true) })
}

func (n *Native) Unsubscribe(id, service, characteristic string) error {
	l, err := n.linkFor(id)
	if err != nil {
		return err
	}
	path := charpath(id, service, characteristic)
	return l.calls.Submit("unsubscribe", func() { l.setNotify(path, false) })
}

// Close stops scanning and drops every link. The adapter itself stays enabled.
func (n *Native) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	scanning := n.scanning
	n.stopping = scanning
	links := make([]*link, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.links = make(map[string]*link)
	n.mu.Unlock()

	if scanning {
		if err := n.adapter.StopScan(); err != nil {
			n.logger.WithField("error", err).Warn("Failed to stop scan on close")
		}
	}
	for _, l := range links {
		l.close("closed")
	}
	return nil
}

var errClosed = device.Errorf(device.KindNativeFailed, "backend closed")

// linkKey folds MAC case; BlueZ reports addresses upper case.
func linkKey(id string) string {
	return strings.ToUpper(id)
}

func charpath(id, service, characteristic string) message.Charpath {
	return message.Charpath{
		ID:             id,
		Service:        device.NormalizeUUID(service),
		Characteristic: device.NormalizeUUID(characteristic),
	}
}
