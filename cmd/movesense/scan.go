package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/movesense/internal/mds"
)

func newScanCmd() *cobra.Command {
	var (
		duration time.Duration
		format   string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for Movesense sensors",
		Long: `Scan for advertising Movesense sensors and list them.

The scan runs for --duration, or until the configured scan period ends,
whichever comes first. Ctrl+C stops early and still prints what was found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateFormat(format, "table", "json"); err != nil {
				return err
			}
			return runScan(cmd, duration, format)
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "Scan duration (0 for the configured scan period)")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json)")
	return cmd
}

func runScan(cmd *cobra.Command, duration time.Duration, format string) error {
	ctx, stop := interruptContext()
	defer stop()

	a, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	l := a.sess.Listen()
	defer a.sess.Unlisten(l)

	if err := a.sess.Scan(ctx); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	progress := cmd.ErrOrStderr()
	fmt.Fprintln(progress, "Scanning for Movesense sensors...")

	stopped := false
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline:
			break wait
		case ev, ok := <-l.C():
			if !ok {
				break wait
			}
			switch ev := ev.(type) {
			case mds.ScannedDeviceEvent:
				a.logger.WithField("address", ev.Address).Debug("Sensor found")
			case mds.ScanStoppedEvent:
				stopped = true
				break wait
			}
		}
	}

	// Listeners see ScanStopped before the session state flips.
	if !stopped && a.sess.IsScanning() {
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Session.ScanConfirmTimeout)
		if err := a.sess.StopScan(stopCtx); err != nil {
			a.logger.WithError(err).Warn("Stop scan failed")
		}
		cancel()
	}

	devices := a.sess.AvailableDevices()
	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), devices)
	}
	return displayDevicesTable(cmd.OutOrStdout(), devices)
}

func displayDevicesTable(out io.Writer, devices []mds.ScannedDevice) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tSERIAL")
	for _, d := range devices {
		name := d.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, d.Address, serialFromName(d.Name))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	// Color is applied after alignment; escape codes would skew the columns.
	header, rows, _ := strings.Cut(buf.String(), "\n")
	if _, err := color.New(color.Bold, color.FgCyan).Fprintln(out, header); err != nil {
		return err
	}
	_, err := io.WriteString(out, rows)
	return err
}

// serialFromName extracts the serial Movesense sensors advertise in their
// name ("Movesense 174630000192").
func serialFromName(name string) string {
	fields := strings.Fields(name)
	if len(fields) < 2 {
		return ""
	}
	if s := mds.SerialOf(fields[len(fields)-1]); s != "" {
		return s
	}
	return ""
}
