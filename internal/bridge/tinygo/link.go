//go:build linux

package tinygo

import (
	"context"
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

// assumed when BlueZ cannot be asked for a characteristic's flags. Without the
// BlueZ object path there is no acknowledged write, so PropWrite is left out.
const fallbackProperties = device.PropRead | device.PropWriteWithoutResponse | device.PropNotify

type link struct {
	native *Native
	id     string
	logger *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	calls  *bridge.Queue

	mu    sync.Mutex
	dev   *bluetooth.Device
	chars map[string]*bluetooth.DeviceCharacteristic // "service/characteristic", normalized
	paths map[string]dbus.ObjectPath                 // BlueZ objects, same keys

	closeOnce sync.Once
}

func newLink(n *Native, id string) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		native: n,
		id:     id,
		logger: n.logger.WithField("id", id),
		ctx:    ctx,
		cancel: cancel,
		calls:  bridge.NewQueue("tinygo-calls-"+id, queueDepth),
		chars:  make(map[string]*bluetooth.DeviceCharacteristic),
		paths:  make(map[string]dbus.ObjectPath),
	}
}

// dial connects in the background. BlueZ connects cannot be aborted, so a link
// closed mid-dial is torn down as soon as the connect returns.
func (l *link) dial(addr bluetooth.Address) {
	groutine.Go(l.ctx, "tinygo-dial-"+l.id, func(ctx context.Context) {
		dev, err := l.native.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.native.dropLink(l)
			l.native.fail(message.Charpath{ID: l.id}, "connect", err)
			return
		}

		l.mu.Lock()
		if ctx.Err() != nil {
			l.mu.Unlock()
			_ = dev.Disconnect()
			return
		}
		l.dev = &dev
		l.mu.Unlock()

		l.calls.Start()
		l.logger.Info("BLE device connected")
		l.native.emit(message.EncodeConnected(l.id))
	})
}

func (l *link) close(reason string) {
	l.closeOnce.Do(func() {
		l.cancel()
		l.calls.Stop()

		l.mu.Lock()
		dev := l.dev
		l.dev = nil
		l.chars = make(map[string]*bluetooth.DeviceCharacteristic)
		l.paths = make(map[string]dbus.ObjectPath)
		l.mu.Unlock()

		if dev != nil && reason != "link lost" {
			if err := dev.Disconnect(); err != nil {
				l.logger.WithField("error", err).Warn("Failed to disconnect")
			}
		}

		l.logger.WithField("reason", reason).Info("BLE device disconnected")
		l.native.emit(message.EncodeDisconnected(l.id, reason))
	})
}

func (l *link) connected() (*bluetooth.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dev == nil {
		return nil, device.Errorf(device.KindDisconnected, "device not connected")
	}
	return l.dev, nil
}

// bluezCharacteristics fetches characteristic objects and flags from BlueZ; nil
// when unavailable.
func (l *link) bluezCharacteristics() map[string]bluez.Characteristic {
	objects, err := l.native.bus.ManagedObjects()
	if err != nil {
		l.logger.WithField("error", err).Warn("Cannot read characteristic flags from BlueZ")
		return nil
	}
	return objects.Characteristics(bluez.DevicePath(l.native.adapterName, l.id))
}

func (l *link) discover() {
	dev, err := l.connected()
	if err != nil {
		l.native.fail(message.Charpath{ID: l.id}, "discover", err)
		return
	}

	services, err := dev.DiscoverServices(nil)
	if err != nil {
		l.native.fail(message.Charpath{ID: l.id}, "discover", err)
		return
	}
	objects := l.bluezCharacteristics()

	chars := make(map[string]*bluetooth.DeviceCharacteristic)
	paths := make(map[string]dbus.ObjectPath)
	for i := range services {
		info := device.ServiceInfo{UUID: device.NormalizeUUID(services[i].UUID().String())}

		discovered, err := services[i].DiscoverCharacteristics(nil)
		if err != nil {
			l.native.fail(message.Charpath{ID: l.id}, "discover", err)
			return
		}
		for j := range discovered {
			uuid := device.NormalizeUUID(discovered[j].UUID().String())
			key := info.UUID + "/" + uuid
			chars[key] = &discovered[j]

			props := fallbackProperties
			if obj, ok := objects[key]; ok {
				props = obj.Flags
				paths[key] = obj.Path
			}
			info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{UUID: uuid, Properties: props})
		}
		l.native.emit(message.EncodeService(l.id, info))
	}

	l.mu.Lock()
	l.chars = chars
	l.paths = paths
	l.mu.Unlock()

	l.logger.WithField("services", len(services)).Debug("Services discovered")
	l.native.emit(message.EncodeDiscoveryCompleted(l.id))
}

func (l *link) lookup(op string, path message.Charpath) (*bluetooth.DeviceCharacteristic, bool) {
	if _, err := l.connected(); err != nil {
		l.native.fail(path, op, err)
		return nil, false
	}

	l.mu.Lock()
	c, ok := l.chars[path.Service+"/"+path.Characteristic]
	l.mu.Unlock()
	if !ok {
		l.native.fail(path, op, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{path.Service, path.Characteristic}})
		return nil, false
	}
	return c, true
}

func (l *link) read(path message.Charpath) {
	c, ok := l.lookup("read", path)
	if !ok {
		return
	}
	buf := make([]byte, readBufferSize)
	n, err := c.Read(buf)
	if err != nil {
		l.native.fail(path, "read", err)
		return
	}
	l.native.emit(message.EncodeValue(path, buf[:n], message.SourceRead))
}

func (l *link) write(path message.Charpath, value []byte, withResponse bool) {
	c, ok := l.lookup("write", path)
	if !ok {
		return
	}

	if !withResponse {
		if _, err := c.WriteWithoutResponse(value); err != nil {
			l.native.fail(path, "write", err)
		}
		return
	}
	// tinygo's linux backend only issues write commands; requests go to BlueZ directly
	if err := l.writeRequest(path, value); err != nil {
		l.native.fail(path, "write", err)
		return
	}
	l.native.emit(message.EncodeWriteCompleted(path))
}

func (l *link) writeRequest(path message.Charpath, value []byte) error {
	l.mu.Lock()
	objPath, ok := l.paths[path.Service+"/"+path.Characteristic]
	l.mu.Unlock()
	if !ok {
		return device.Errorf(device.KindNativeFailed, "no BlueZ object for %s/%s, write with response unavailable", path.Service, path.Characteristic)
	}
	return l.native.bus.WriteRequest(objPath, value)
}

// setNotify starts or stops notifications; a nil callback stops them.
func (l *link) setNotify(path message.Charpath, enabled bool) {
	op := "unsubscribe"
	if enabled {
		op = "subscribe"
	}
	c, ok := l.lookup(op, path)
	if !ok {
		return
	}

	var callback func([]byte)
	if enabled {
		callback = func(buf []byte) {
			l.native.emit(message.EncodeValue(path, buf, message.SourceNotify))
		}
	}
	if err := c.EnableNotifications(callback); err != nil {
		l.native.fail(path, op, err)
		return
	}
	l.native.emit(message.EncodeSubscription(path, enabled))
}
