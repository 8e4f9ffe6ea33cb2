package cli

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coral-mesh/probe-mcp/internal/cli/helpers"
	clierrors "github.com/coral-mesh/probe-mcp/internal/errors"
	"github.com/coral-mesh/probe-mcp/internal/probe"
	"github.com/coral-mesh/probe-mcp/internal/sys/sysfs"
)

type statusReport struct {
	ConfigFile  string        `json:"config_file" yaml:"config_file"`
	Driver      string        `json:"driver" yaml:"driver"`
	MaxSessions int           `json:"max_sessions" yaml:"max_sessions"`
	SpeedKHz    uint32        `json:"default_speed_khz" yaml:"default_speed_khz"`
	LockDir     string        `json:"lock_dir,omitempty" yaml:"lock_dir,omitempty"`
	Probes      []probeStatus `json:"probes" yaml:"probes"`
	// USBProbes are debug probes plugged into this host, whatever the driver.
	USBProbes []sysfs.USBDevice `json:"usb_probes,omitempty" yaml:"usb_probes,omitempty"`
}

type probeStatus struct {
	Identifier string `json:"identifier" yaml:"identifier"`
	Address    string `json:"address,omitempty" yaml:"address,omitempty"`
	Reachable  bool   `json:"reachable" yaml:"reachable"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

// usbRoot is the sysfs directory status scans for USB debug probes.
var usbRoot = sysfs.DefaultUSBRoot

// newStatusCmd creates the status command.
func newStatusCmd(g *globalFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and probe reachability",
		Long: `Display the resolved configuration and check every configured probe.

For the gdb-remote driver each GDB server address is dialed in parallel;
simulated probes are always reachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON, helpers.FormatYAML}); err != nil {
				return err
			}
			env, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer clierrors.DeferClose(env.logger, env, "Failed to close debug sessions")

			loader, err := g.loader()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), env.config.Debugger.DialTimeout.Std()+time.Second)
			defer cancel()
			probes, err := env.registry.ListProbes(ctx)
			if err != nil {
				return err
			}

			report := statusReport{
				ConfigFile:  loader.ConfigPath(),
				Driver:      env.driver.Name(),
				MaxSessions: env.registry.MaxSessions(),
				SpeedKHz:    env.config.Debugger.DefaultSpeedKHz,
				LockDir:     env.config.Debugger.LockDir,
				Probes:      checkProbes(ctx, probes, env.config.Debugger.DialTimeout.Std()),
			}

			if report.USBProbes, err = sysfs.ListDebugProbes(usbRoot); err != nil {
				env.logger.Debug().Err(err).Msg("Failed to scan USB devices")
			}

			if format != string(helpers.FormatTable) {
				formatter, err := helpers.NewFormatter(helpers.OutputFormat(format))
				if err != nil {
					return err
				}
				return formatter.Format(report, cmd.OutOrStdout())
			}
			return printStatus(cmd, report)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, []helpers.OutputFormat{
		helpers.FormatTable,
		helpers.FormatJSON,
		helpers.FormatYAML,
	})

	return cmd
}

// checkProbes dials every probe that has a network address in parallel.
func checkProbes(ctx context.Context, probes []probe.Descriptor, timeout time.Duration) []probeStatus {
	out := make([]probeStatus, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		out[i] = probeStatus{Identifier: p.Identifier, Address: p.Address, Reachable: true}
		if p.Address == "" {
			continue
		}
		g.Go(func() error {
			d := net.Dialer{Timeout: timeout}
			conn, err := d.DialContext(ctx, "tcp", p.Address)
			if err != nil {
				out[i].Reachable = false
				out[i].Error = err.Error()
				return nil
			}
			_ = conn.Close()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func printStatus(cmd *cobra.Command, r statusReport) error {
	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "Config:       %s\n", r.ConfigFile)
	_, _ = fmt.Fprintf(w, "Driver:       %s\n", r.Driver)
	_, _ = fmt.Fprintf(w, "Max sessions: %d\n", r.MaxSessions)
	_, _ = fmt.Fprintf(w, "Speed:        %d kHz\n", r.SpeedKHz)
	if r.LockDir != "" {
		_, _ = fmt.Fprintf(w, "Lock dir:     %s\n", r.LockDir)
	} else {
		_, _ = fmt.Fprintln(w, "Lock dir:     (locking disabled)")
	}

	_, _ = fmt.Fprintf(w, "\nProbes (%d):\n", len(r.Probes))
	for _, p := range r.Probes {
		state := "ok"
		if !p.Reachable {
			state = "unreachable: " + p.Error
		}
		if p.Address != "" {
			_, _ = fmt.Fprintf(w, "  %-20s %-22s %s\n", p.Identifier, p.Address, state)
		} else {
			_, _ = fmt.Fprintf(w, "  %-20s %-22s %s\n", p.Identifier, "-", state)
		}
	}

	if len(r.USBProbes) > 0 {
		_, _ = fmt.Fprintf(w, "\nUSB debug probes (%d):\n", len(r.USBProbes))
		for _, d := range r.USBProbes {
			_, _ = fmt.Fprintf(w, "  %-14s %04x:%04x  %-24s %s\n", d.Kind, d.VendorID, d.ProductID, d.Serial, d.DevicePath)
		}
	}
	return nil
}
