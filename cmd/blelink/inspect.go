package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/bledb"
	"github.com/srg/blelink/internal/connection"
	"github.com/srg/blelink/internal/device"
)

func newInspectCmd(global *globalOptions) *cobra.Command {
	var asJSON, withValues bool
	cmd := &cobra.Command{
		Use:   "inspect <address>",
		Short: "Connect and list services and characteristics",
		Long: `Connects to a peripheral, discovers its GATT database and lists every service
and characteristic with its properties and subscription state. Characteristics
that can notify are subscribed automatically while connecting.

` + deviceAddressNote,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPeripheral(cmd, global, args[0], func(ctx context.Context, a *app, m *connection.Machine) error {
				if asJSON {
					return writeInspectJSON(a.out, m.Peripheral())
				}
				var read valueReader
				if withValues {
					read = func(service, char string) ([]byte, error) {
						return m.Read(ctx, service, char)
					}
				}
				return writeInspectText(a.out, m.Peripheral(), read)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&withValues, "values", false, "Read and show the value of readable characteristics")
	return cmd
}

func writeInspectJSON(w io.Writer, p *device.Peripheral) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p.Snapshot())
}

// valueReader reads one characteristic. nil skips value reads.
type valueReader func(service, char string) ([]byte, error)

func writeInspectText(w io.Writer, p *device.Peripheral, read valueReader) error {
	bold := color.New(color.Bold)
	dim := color.New(color.Faint)

	name := p.Name()
	if name == "" {
		name = "unnamed"
	}
	bold.Fprintf(w, "Peripheral %s (%s)\n", p.ID(), name)
	fmt.Fprintf(w, "  State: %s\n", p.State())

	services := p.Services()
	if len(services) == 0 {
		fmt.Fprintln(w, "  No services")
		return nil
	}

	for _, svc := range services {
		fmt.Fprintln(w)
		bold.Fprintf(w, "Service %s\n", bledb.Label(svc.UUID(), bledb.LookupService(svc.UUID())))
		chars := svc.Characteristics()
		if len(chars) == 0 {
			dim.Fprintln(w, "  no characteristics")
			continue
		}
		for _, c := range chars {
			line := fmt.Sprintf("  %s  [%s]", bledb.Label(c.UUID(), bledb.LookupCharacteristic(c.UUID())), strings.Join(c.Properties().Names(), ", "))
			if c.Properties().CanNotify() {
				line += "  " + c.SubscriptionState().String()
			}
			if read != nil && c.Properties().CanRead() {
				value, err := read(svc.UUID(), c.UUID())
				if err != nil {
					line += "  read failed: " + err.Error()
				} else {
					line += "  = " + formatValue(c.UUID(), value)
				}
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

// formatValue shows the decoded form of well-known values next to the raw hex.
func formatValue(uuid string, value []byte) string {
	raw := hex.EncodeToString(value)
	if raw == "" {
		raw = "(empty)"
	}
	decoded, err := bledb.DecodeValue(uuid, value)
	if err != nil || decoded == "" {
		return raw
	}
	return decoded + " (" + raw + ")"
}
