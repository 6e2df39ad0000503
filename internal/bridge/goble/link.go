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

// link owns one go-ble client and serialises the calls made on it.
type link struct {
	native *Native
	id     string
	logger *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	calls  *bridge.Queue

	mu     sync.Mutex
	client ble.Client
	chars  map[string]*ble.Characteristic // "service/characteristic", normalized

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
		calls:  bridge.NewQueue("goble-calls-"+id, DefaultQueueDepth),
		chars:  make(map[string]*ble.Characteristic),
	}
}

// dial connects in the background and starts the call worker once the link is up.
func (l *link) dial() {
	groutine.Go(l.ctx, "goble-dial-"+l.id, func(ctx context.Context) {
		l.logger.Debug("Dialing BLE device...")
		client, err := l.native.dev.Dial(ctx, ble.NewAddr(l.id))
		if err != nil {
			if ctx.Err() != nil {
				// cancelled by Disconnect, which reports the outcome
				return
			}
			l.native.dropLink(l)
			l.native.fail(message.Charpath{ID: l.id}, "connect", err)
			return
		}

		l.mu.Lock()
		if ctx.Err() != nil {
			l.mu.Unlock()
			_ = client.CancelConnection()
			return
		}
		l.client = client
		l.mu.Unlock()

		l.calls.Start()
		l.watch(client)

		l.logger.Info("BLE device connected")
		l.native.emit(message.EncodeConnected(l.id))
	})
}

// watch reports link loss when the client exposes a disconnect signal.
func (l *link) watch(client ble.Client) {
	watcher, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		l.logger.Debug("Client does not support Disconnected() channel")
		return
	}

	groutine.Go(l.ctx, "goble-monitor-"+l.id, func(ctx context.Context) {
		select {
		case <-watcher.Disconnected():
			l.logger.Warn("Stack reported disconnection")
			l.native.dropLink(l)
			l.close("link lost")
		case <-ctx.Done():
		}
	})
}

func (l *link) enqueue(op string, fn func()) error {
	return l.calls.Submit(op, fn)
}

// close tears the link down once and reports the disconnect with reason.
func (l *link) close(reason string) {
	l.closeOnce.Do(func() {
		l.cancel()
		l.calls.Stop()

		l.mu.Lock()
		client := l.client
		l.client = nil
		l.chars = make(map[string]*ble.Characteristic)
		l.mu.Unlock()

		if client != nil && reason != "link lost" {
			if err := client.CancelConnection(); err != nil {
				l.logger.WithField("error", err).Warn("Failed to cancel connection")
			}
		}

		l.logger.WithField("reason", reason).Info("BLE device disconnected")
		l.native.emit(message.EncodeDisconnected(l.id, reason))
	})
}

func (l *link) currentClient() (ble.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, device.Errorf(device.KindDisconnected, "device not connected")
	}
	return l.client, nil
}

func (l *link) discover() {
	client, err := l.currentClient()
	if err != nil {
		l.native.fail(message.Charpath{ID: l.id}, "discover", err)
		return
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		l.native.fail(message.Charpath{ID: l.id}, "discover", err)
		return
	}

	chars := make(map[string]*ble.Characteristic)
	for _, svc := range profile.Services {
		info := device.ServiceInfo{UUID: device.NormalizeUUID(svc.UUID.String())}
		for _, c := range svc.Characteristics {
			uuid := device.NormalizeUUID(c.UUID.String())
			chars[info.UUID+"/"+uuid] = c
			info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{
				UUID:       uuid,
				Properties: device.Properties(c.Property),
			})
		}
		l.native.emit(message.EncodeService(l.id, info))
	}

	l.mu.Lock()
	l.chars = chars
	l.mu.Unlock()

	l.logger.WithField("services", len(profile.Services)).Debug("Profile discovered")
	l.native.emit(message.EncodeDiscoveryCompleted(l.id))
}

func (l *link) lookup(op string, path message.Charpath) (ble.Client, *ble.Characteristic, bool) {
	client, err := l.currentClient()
	if err != nil {
		l.native.fail(path, op, err)
		return nil, nil, false
	}

	l.mu.Lock()
	c, ok := l.chars[path.Service+"/"+path.Characteristic]
	l.mu.Unlock()
	if !ok {
		l.native.fail(path, op, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{path.Service, path.Characteristic}})
		return nil, nil, false
	}
	return client, c, true
}

func (l *link) read(path message.Charpath) {
	client, c, ok := l.lookup("read", path)
	if !ok {
		return
	}
	value, err := client.ReadCharacteristic(c)
	if err != nil {
		l.native.fail(path, "read", err)
		return
	}
	l.native.emit(message.EncodeValue(path, value, message.SourceRead))
}

func (l *link) write(path message.Charpath, value []byte, withResponse bool) {
	client, c, ok := l.lookup("write", path)
	if !ok {
		return
	}
	if err := client.WriteCharacteristic(c, value, !withResponse); err != nil {
		l.native.fail(path, "write", err)
		return
	}
	if withResponse {
		l.native.emit(message.EncodeWriteCompleted(path))
	}
}

func (l *link) subscribe(path message.Charpath) {
	client, c, ok := l.lookup("subscribe", path)
	if !ok {
		return
	}

	// indications only when the characteristic cannot notify
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	err := client.Subscribe(c, indicate, func(value []byte) {
		l.native.emit(message.EncodeValue(path, value, message.SourceNotify))
	})
	if err != nil {
		l.native.fail(path, "subscribe", err)
		return
	}
	l.native.emit(message.EncodeSubscription(path, true))
}

func (l *link) unsubscribe(path message.Charpath) {
	client, c, ok := l.lookup("unsubscribe", path)
	if !ok {
		return
	}

	// go-ble tracks notify and indicate handlers separately; drop both
	errNotify := client.Unsubscribe(c, false)
	errIndicate := client.Unsubscribe(c, true)
	if errNotify != nil && errIndicate != nil {
		l.native.fail(path, "unsubscribe", errors.Join(errNotify, errIndicate))
		return
	}
	l.native.emit(message.EncodeSubscription(path, false))
}
