package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/srg/movesense/internal/mds"
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
	root := &cobra.Command{
		Use:   "movesense",
		Short: "Movesense sensor bridge",
		Long: `Command-line bridge to Movesense sensors over Bluetooth Low Energy.

Scan for sensors, issue GET/PUT/POST/DELETE requests against device
resources, stream subscriptions such as /Meas/HR or /Meas/Acc/52, or run
an HTTP/websocket API that can also forward events to MQTT.

Resource URIs are "<serial>/<path>", e.g. 174630000192/Info. The serial may
be omitted while a single sensor is connected.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		// Silence Cobra's "Error:" prefix - main() prints clean errors
		SilenceErrors: true,
	}

	root.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().String("config", "", "YAML configuration file")
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(newScanCmd())
	for _, m := range []mds.Method{mds.MethodGet, mds.MethodPut, mds.MethodPost, mds.MethodDelete} {
		root.AddCommand(newRequestCmd(m))
	}
	root.AddCommand(newSubscribeCmd())
	root.AddCommand(newServeCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
