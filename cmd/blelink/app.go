package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/config"
	"github.com/srg/blelink/internal/connection"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/platform"
	"github.com/srg/blelink/pkg/central"
)

// permissionCheck is consulted before scanning or connecting (replaced in tests)
var permissionCheck platform.Check = platform.Granted

// app is what a command works with once its flags are parsed.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	central *central.Central
	out     io.Writer
	errOut  io.Writer

	progress atomic.Pointer[ProgressPrinter]
	lostOnce sync.Once
	lost     chan struct{} // closed when a Ready peripheral drops without being asked to
	watching chan struct{} // closed when the event stream ends
}

func openApp(cmd *cobra.Command, opts *globalOptions) (*app, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}

	// arguments are valid, runtime errors should not print usage
	cmd.SilenceUsage = true

	logger := configureLogger(cfg, cmd.ErrOrStderr())
	native, err := bridge.Open(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}

	c, err := central.New(native, cfg, logger, central.WithPermissionCheck(permissionCheck))
	if err != nil {
		_ = native.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		central:  c,
		out:      cmd.OutOrStdout(),
		errOut:   cmd.ErrOrStderr(),
		lost:     make(chan struct{}),
		watching: make(chan struct{}),
	}
	groutine.Go(cmd.Context(), "cli-watch-events", func(context.Context) { a.watch() })
	return a, nil
}

// watch follows state changes until the central closes its event stream.
func (a *app) watch() {
	defer close(a.watching)
	for ev := range a.central.Events() {
		if ev.Kind != central.StateChanged {
			continue
		}
		if p := a.progress.Load(); p != nil {
			p.SetPhase(ev.To.String())
		}
		if ev.From == device.StateReady && ev.To == device.StateDisconnected {
			a.logger.WithField("id", ev.PeripheralID).Warn("Peripheral dropped the link")
			a.lostOnce.Do(func() { close(a.lost) })
		}
	}
}

// connect brings address to Ready, showing progress on a terminal.
func (a *app) connect(ctx context.Context, address string) (*connection.Machine, error) {
	progress := NewProgressPrinter(a.errOut, fmt.Sprintf("Connecting to %s", address), "connecting")
	a.progress.Store(progress)
	progress.Start()
	defer func() {
		a.progress.Store(nil)
		progress.Stop()
	}()

	return a.central.Connect(ctx, address)
}

// close releases the central. It is bounded by the configured disconnect
// deadline and runs even when the command context is already cancelled.
func (a *app) close() {
	timeout := a.cfg.Connection.DisconnectTimeout + a.cfg.Connection.CancelFallback
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.central.Close(ctx); err != nil {
		a.logger.WithField("error", err).Warn("Failed to close Bluetooth backend")
	}
	<-a.watching
}

// withPeripheral connects to address, runs fn and disconnects.
func withPeripheral(cmd *cobra.Command, opts *globalOptions, address string, fn func(ctx context.Context, a *app, m *connection.Machine) error) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	m, err := a.connect(ctx, address)
	if err != nil {
		return err
	}
	return fn(ctx, a, m)
}
