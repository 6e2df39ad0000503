package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/device"
)

type scanOptions struct {
	duration  time.Duration
	format    string
	services  []string
	allowList []string
	blockList []string
}

func newScanCmd(global *globalOptions) *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE peripherals",
		Long: `Scan for Bluetooth Low Energy peripherals in the vicinity and list each one
once, with the first advertisement seen for it.

Examples:
  # Scan for the configured duration
  blelink scan

  # Heart rate monitors only, as JSON
  blelink scan --services 180d --format json

  # Ignore a noisy peripheral
  blelink scan --block ` + exampleDeviceAddress,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, global, opts)
		},
	}

	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Scan duration (default from config, 10s)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Output format (table, json); default from config")
	cmd.Flags().StringSliceVarP(&opts.services, "services", "s", nil, "Only report peripherals advertising these service UUIDs")
	cmd.Flags().StringSliceVar(&opts.allowList, "allow", nil, "Only report these addresses")
	cmd.Flags().StringSliceVar(&opts.blockList, "block", nil, "Never report these addresses")
	return cmd
}

func runScan(cmd *cobra.Command, global *globalOptions, opts *scanOptions) error {
	filter := bridge.ScanFilter{
		AllowList: opts.allowList,
		BlockList: opts.blockList,
	}
	if len(opts.services) > 0 {
		uuids, err := device.ValidateUUID(opts.services...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		filter.ServiceUUIDs = uuids
	}

	a, err := openApp(cmd, global)
	if err != nil {
		return err
	}
	defer a.close()

	format := opts.format
	if format == "" {
		format = a.cfg.OutputFormat
	}
	if format != "table" && format != "json" {
		return device.Errorf(device.KindInvalidArgument, "invalid format %q: must be table or json", format)
	}

	duration := opts.duration
	if duration <= 0 {
		duration = a.cfg.Scan.Duration
	}

	progress := NewCountdownProgressPrinter(a.errOut, "Scanning for BLE peripherals", "scanning", duration)
	progress.Start()
	err = a.central.Scan(cmd.Context(), duration, filter)
	progress.Stop()

	// Ctrl+C ends the scan early, the results so far are still shown
	if err != nil && !errors.Is(err, device.ErrCancelled) {
		return err
	}

	peripherals := a.central.Peripherals()
	if format == "json" {
		return writeScanJSON(a.out, peripherals)
	}
	return writeScanTable(a.out, peripherals)
}

type scanEntry struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	RSSI        int      `json:"rssi"`
	Connectable bool     `json:"connectable"`
	TxPower     *int     `json:"tx_power,omitempty"`
	Services    []string `json:"services,omitempty"`
}

func writeScanJSON(w io.Writer, peripherals []*device.Peripheral) error {
	entries := make([]scanEntry, 0, len(peripherals))
	for _, p := range peripherals {
		s := p.Snapshot()
		entries = append(entries, scanEntry{
			ID:          s.ID,
			Name:        s.Name,
			RSSI:        s.RSSI,
			Connectable: s.Connectable,
			TxPower:     s.TxPower,
			Services:    s.Services,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func writeScanTable(w io.Writer, peripherals []*device.Peripheral) error {
	if len(peripherals) == 0 {
		_, err := fmt.Fprintln(w, "No peripherals discovered")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tTX\tSERVICES")
	for _, p := range peripherals {
		name := p.Name()
		if name == "" {
			name = "-"
		} else if len(name) > 20 {
			name = name[:17] + "..."
		}

		tx := "-"
		if v, ok := p.TxPower(); ok {
			tx = fmt.Sprintf("%d dBm", v)
		}

		services := strings.Join(p.Advertisement().Services, ",")
		if services == "" {
			services = "-"
		} else if len(services) > 30 {
			services = services[:27] + "..."
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID(), name, rssiColor(p.RSSI()).Sprintf("%d dBm", p.RSSI()), tx, services)
	}
	return tw.Flush()
}

// rssiColor grades signal strength. Every grade has an escape sequence of the
// same length so tabwriter columns stay aligned.
func rssiColor(rssi int) *color.Color {
	switch {
	case rssi >= -60:
		return color.New(color.FgGreen)
	case rssi >= -80:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
