// Package central is the public entry point of blelink. A Central owns one native
// stack: it decodes every callback, runs scans, and hands out one connection
// machine per peripheral.
package central

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/config"
	"github.com/srg/blelink/internal/connection"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/fanout"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/message"
	"github.com/srg/blelink/internal/platform"
	"github.com/srg/blelink/internal/registry"
	"github.com/srg/blelink/internal/ringchan"
	"github.com/srg/blelink/internal/scan"
)

// Option configures a Central.
type Option func(*Central)

// WithPermissionCheck replaces the platform Bluetooth permission check.
func WithPermissionCheck(check platform.Check) Option {
	return func(c *Central) {
		if check != nil {
			c.permission = check
		}
	}
}

// Central is safe for concurrent use.
type Central struct {
	native   bridge.Native
	cfg      *config.Config
	logger   *logrus.Logger
	registry *registry.Registry
	router   *fanout.Router
	session  *scan.Session

	machinesMu sync.RWMutex
	machines   map[string]*connection.Machine

	events     *ringchan.RingChannel[Event]
	permission platform.Check
	closed     atomic.Bool
}

// New wires a Central to native and installs its callback handler. A nil cfg
// selects config.DefaultConfig.
func New(native bridge.Native, cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Central, error) {
	if native == nil {
		return nil, device.Errorf(device.KindInvalidArgument, "native stack is required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}

	reg := registry.New(logger)
	c := &Central{
		native:     native,
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		router:     fanout.New(logger),
		session:    scan.NewSession(native, reg, cfg.Scan.StopTimeout, logger),
		machines:   make(map[string]*connection.Machine),
		events:     ringchan.New[Event](cfg.EventsBuffer),
		permission: platform.Granted,
	}
	for _, opt := range opts {
		opt(c)
	}

	native.SetHandler(c.dispatch)
	return c, nil
}

// dispatch decodes a raw callback and forwards it to the scan session or to the
// machine that owns the peripheral.
func (c *Central) dispatch(ev bridge.Event) {
	msg, err := message.Decode(ev)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"kind":  ev.Kind,
			"error": err,
		}).Warn("Dropping malformed callback")
		return
	}

	switch msg.(type) {
	case *message.DeviceDiscovered, *message.ScanCompleted:
		c.session.HandleMessage(msg)
		return
	}
	if msg.Peripheral() == "" {
		// scan failures carry no peripheral
		c.session.HandleMessage(msg)
		return
	}
	c.router.Dispatch(msg)
}

// Events delivers discovery and state changes. When the reader falls behind the
// oldest events are overwritten.
func (c *Central) Events() <-chan Event {
	return c.events.C()
}

// EventsDropped returns how many events were overwritten before being read.
func (c *Central) EventsDropped() int64 {
	return c.events.GetMetrics().Overwritten
}

// publish never blocks. Events sent after Close are discarded by the ring.
func (c *Central) publish(ev Event) {
	if dropped := c.events.Send(ev); dropped {
		c.logger.WithField("kind", ev.Kind).Debug("Events buffer full, oldest event overwritten")
	}
}

// DevicesCleared implements scan.Sink.
func (c *Central) DevicesCleared() {
	c.publish(Event{Kind: DevicesCleared})
}

// DeviceDiscovered implements scan.Sink.
func (c *Central) DeviceDiscovered(p *device.Peripheral) {
	c.publish(Event{
		Kind:          DeviceDiscovered,
		PeripheralID:  p.ID(),
		Advertisement: p.Advertisement(),
	})
}

func (c *Central) checkPermission(op string) error {
	ok, err := c.permission()
	if err != nil {
		return device.Errorf(device.KindNativeFailed, "bluetooth permission check failed: %w", err).WithOp(op, "")
	}
	if !ok {
		return device.Errorf(device.KindNativeFailed, "bluetooth permission not granted").WithOp(op, "")
	}
	return nil
}

// Scan runs one discovery scan and blocks until it ends. duration <= 0 selects
// the configured default.
func (c *Central) Scan(ctx context.Context, duration time.Duration, filter bridge.ScanFilter) error {
	if c.closed.Load() {
		return errClosed
	}
	if err := c.checkPermission("scan"); err != nil {
		return err
	}
	if duration <= 0 {
		duration = c.cfg.Scan.Duration
	}
	return c.session.Start(ctx, duration, filter, c)
}

// StopScan ends a running scan and waits for the stack to acknowledge it.
func (c *Central) StopScan(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)
	groutine.Go(ctx, "central-stop-scan", func(context.Context) {
		done <- c.session.Stop()
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return device.Errorf(device.KindCancelled, "stop scan: %w", ctx.Err()).WithOp("scan", "")
	}
}

// Scanning reports whether a scan session is running.
func (c *Central) Scanning() bool {
	return c.session.State() == scan.Scanning
}

// Peripherals lists every known peripheral, sorted by identity.
func (c *Central) Peripherals() []*device.Peripheral {
	return c.registry.Peripherals()
}

// Peripheral returns the connection machine for id, creating it on first use.
func (c *Central) Peripheral(id string) (*connection.Machine, error) {
	if id == "" {
		return nil, device.Errorf(device.KindInvalidArgument, "empty peripheral identity")
	}
	if c.closed.Load() {
		return nil, errClosed
	}
	c.machinesMu.RLock()
	m, ok := c.machines[id]
	c.machinesMu.RUnlock()
	if ok {
		return m, nil
	}

	c.machinesMu.Lock()
	defer c.machinesMu.Unlock()
	if m, ok := c.machines[id]; ok {
		return m, nil
	}

	m = connection.New(id, c.native, c.registry, c.router, connection.OptionsFromConfig(c.cfg.Connection), c.logger)
	m.OnStateChange(func(id string, from, to device.ConnectionState) {
		c.publish(Event{Kind: StateChanged, PeripheralID: id, From: from, To: to})
	})
	c.machines[id] = m
	return m, nil
}

// Connect brings the peripheral to Ready and returns its machine.
func (c *Central) Connect(ctx context.Context, id string) (*connection.Machine, error) {
	if err := c.checkPermission("connect"); err != nil {
		return nil, err
	}
	m, err := c.Peripheral(id)
	if err != nil {
		return nil, err
	}
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Close stops scanning, disconnects every peripheral and closes the native stack.
// The Events channel is closed last.
func (c *Central) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := c.session.Stop(); err != nil {
		c.logger.WithField("error", err).Warn("Failed to stop scan")
	}

	c.machinesMu.Lock()
	machines := make([]*connection.Machine, 0, len(c.machines))
	for _, m := range c.machines {
		machines = append(machines, m)
	}
	c.machinesMu.Unlock()

	var wg sync.WaitGroup
	for _, m := range machines {
		wg.Add(1)
		groutine.Go(ctx, "central-close-"+m.ID(), func(ctx context.Context) {
			defer wg.Done()
			if err := m.Close(ctx); err != nil {
				c.logger.WithFields(logrus.Fields{
					"id":    m.ID(),
					"error": err,
				}).Warn("Failed to close connection")
			}
		})
	}
	wg.Wait()

	err := c.native.Close()
	c.events.Close()
	c.logger.WithField("peripherals", len(machines)).Debug("Central closed")
	return err
}

var errClosed = device.Errorf(device.KindInvalidArgument, "central is closed")
