package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/device"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "blelink",
		Short: "Bluetooth Low Energy central CLI",
		Long: `Bluetooth Low Energy (BLE) central that provides:

- Scan and discover nearby BLE peripherals
- Connect and inspect GATT services and characteristics
- Read from and write to characteristics
- Stream notifications of auto-subscribed characteristics`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		// main() prints clean errors
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file")
	flags.StringVar(&opts.backend, "backend", "", "Bluetooth backend (default goble)")

	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(
		newScanCmd(opts),
		newInspectCmd(opts),
		newReadCmd(opts),
		newWriteCmd(opts),
		newSubscribeCmd(opts),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		// Ctrl+C is a normal exit, not an error
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, device.ErrCancelled)) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
