package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/connection"
	"github.com/srg/blelink/internal/device"
)

type subscribeOptions struct {
	duration   time.Duration
	timestamps bool
}

func newSubscribeCmd(global *globalOptions) *cobra.Command {
	opts := &subscribeOptions{}
	cmd := &cobra.Command{
		Use:   "subscribe <address>",
		Short: "Stream notifications of a peripheral",
		Long: fmt.Sprintf(`Connects to a peripheral and prints every notification and indication of
the characteristics subscribed while connecting, one line per value:

  <service>/<characteristic>: <hex value>

Runs until --duration elapses or Ctrl+C is pressed.

Examples:
  blelink subscribe %s
  blelink subscribe %s --duration 30s --timestamps

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPeripheral(cmd, global, args[0], func(ctx context.Context, a *app, m *connection.Machine) error {
				return streamNotifications(ctx, a, m, opts)
			})
		},
	}
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (default: until Ctrl+C)")
	cmd.Flags().BoolVar(&opts.timestamps, "timestamps", false, "Prefix each value with its arrival time")
	return cmd
}

func streamNotifications(ctx context.Context, a *app, m *connection.Machine, opts *subscribeOptions) error {
	subscribed := 0
	for _, c := range m.Peripheral().Characteristics() {
		if c.SubscriptionState() == device.Subscribed {
			subscribed++
		}
	}
	if subscribed == 0 {
		return device.Errorf(device.KindCapabilityNotSupported, "%s has no characteristic that notifies", m.ID())
	}

	// the sink runs on one goroutine, in arrival order
	m.OnNotification(func(n connection.Notification) {
		writeNotification(a.out, n, opts.timestamps)
		if n.Dropped > 0 {
			fmt.Fprintf(a.errOut, "warning: %d values dropped\n", n.Dropped)
		}
	})
	defer m.OnNotification(nil)
	fmt.Fprintf(a.errOut, "Streaming %d characteristics. Press Ctrl+C to stop...\n", subscribed)

	var timeout <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-timeout:
		return nil
	case <-a.lost:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeNotification(w io.Writer, n connection.Notification, timestamps bool) {
	if timestamps {
		fmt.Fprintf(w, "[%s] ", n.Timestamp.Format("15:04:05.000"))
	}
	fmt.Fprintf(w, "%s/%s: %s\n", n.ServiceUUID, n.CharacteristicUUID, hex.EncodeToString(n.Value))
}
