package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/connection"
)

func newReadCmd(global *globalOptions) *cobra.Command {
	var asHex bool
	cmd := &cobra.Command{
		Use:   "read <address> <service> <characteristic>",
		Short: "Read a characteristic value",
		Long: fmt.Sprintf(`Connects to a peripheral and reads one characteristic.

Examples:
  # Battery level as raw bytes
  blelink read %s 180f 2a19

  # As hex
  blelink read %s 180f 2a19 --hex

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, char := args[1], args[2]
			return withPeripheral(cmd, global, args[0], func(ctx context.Context, a *app, m *connection.Machine) error {
				value, err := m.Read(ctx, service, char)
				if err != nil {
					return err
				}
				if asHex {
					_, err = fmt.Fprintln(a.out, hex.EncodeToString(value))
					return err
				}
				_, err = a.out.Write(value)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&asHex, "hex", false, "Output as hex string (e.g. 'ff01'); raw bytes by default")
	return cmd
}
