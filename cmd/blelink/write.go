package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/connection"
	"github.com/srg/blelink/internal/device"
)

func newWriteCmd(global *globalOptions) *cobra.Command {
	var noResponse bool
	cmd := &cobra.Command{
		Use:   "write <address> <service> <characteristic> <hex-data>",
		Short: "Write a characteristic value",
		Long: fmt.Sprintf(`Connects to a peripheral and writes hex encoded data to one characteristic.

By default the write is confirmed by the peripheral when the characteristic
supports it. --no-response sends a write command and returns once the stack
accepted it.

Examples:
  # Set alert level
  blelink write %s 1802 2a06 02

  # Unconfirmed write
  blelink write %s ffe0 ffe1 0x01ff --no-response

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseHexData(args[3])
			if err != nil {
				return err
			}
			mode := connection.WriteAuto
			if noResponse {
				mode = connection.WriteWithoutResponse
			}

			service, char := args[1], args[2]
			return withPeripheral(cmd, global, args[0], func(ctx context.Context, a *app, m *connection.Machine) error {
				if err := m.Write(ctx, service, char, data, mode); err != nil {
					return err
				}
				_, err := fmt.Fprintf(a.out, "Wrote %d bytes to %s/%s\n", len(data), device.NormalizeUUID(service), device.NormalizeUUID(char))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&noResponse, "no-response", false, "Write without response")
	return cmd
}

// parseHexData accepts "0x01ff", "01ff", "01 ff" and "01:ff".
func parseHexData(s string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	clean = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(clean)
	if clean == "" {
		return nil, device.Errorf(device.KindInvalidArgument, "no data to write")
	}
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, device.Errorf(device.KindInvalidArgument, "invalid hex data %q: %w", s, err)
	}
	return data, nil
}
