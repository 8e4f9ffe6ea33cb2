package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/probe-mcp/internal/constants"
	"github.com/coral-mesh/probe-mcp/internal/debugger"
	clierrors "github.com/coral-mesh/probe-mcp/internal/errors"
	"github.com/coral-mesh/probe-mcp/internal/flash"
)

type flashOptions struct {
	probe       string
	chip        string
	format      string
	baseAddress string
	verify      bool
	reset       bool
	watch       bool
}

func newFlashCmd(g *globalFlags) *cobra.Command {
	opts := &flashOptions{}

	cmd := &cobra.Command{
		Use:   "flash <firmware>",
		Short: "Program a firmware file without an MCP client",
		Long: `Open a debug session, program an ELF, Intel HEX or raw binary file and
reset the core into it.

With --watch the file is re-flashed every time it is rewritten, which keeps
a board in step with an incremental build.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlash(cmd, g, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.probe, "probe", constants.AutoProbeSelector, "Probe selector (auto, an index or a serial number)")
	cmd.Flags().StringVar(&opts.chip, "chip", "", "Target chip name")
	cmd.Flags().StringVar(&opts.format, "format", string(flash.FormatAuto), "File format (auto, elf, hex, bin)")
	cmd.Flags().StringVar(&opts.baseAddress, "base-address", "", "Load address for raw binaries (default start of flash)")
	cmd.Flags().BoolVar(&opts.verify, "verify", true, "Read back and compare after programming")
	cmd.Flags().BoolVar(&opts.reset, "reset", true, "Reset the core into the new firmware")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Re-flash whenever the file changes")
	_ = cmd.MarkFlagRequired("chip")

	return cmd
}

func runFlash(cmd *cobra.Command, g *globalFlags, opts *flashOptions, path string) error {
	format, err := flash.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	dl := flash.Options{Verify: opts.verify}
	if opts.baseAddress != "" {
		if dl.BaseAddress, err = strconv.ParseUint(opts.baseAddress, 0, 64); err != nil {
			return fmt.Errorf("invalid base address %q: %w", opts.baseAddress, err)
		}
	}

	env, err := g.setup(cmd)
	if err != nil {
		return err
	}
	defer clierrors.DeferClose(env.logger, env, "Failed to close debug sessions")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := env.registry.CreateSession(ctx, debugger.CreateOptions{
		ProbeSelector:     opts.probe,
		TargetChip:        opts.chip,
		SpeedKHz:          env.config.Debugger.DefaultSpeedKHz,
		ConnectUnderReset: env.config.Debugger.ConnectUnderReset,
		HaltAfterConnect:  true,
	})
	if err != nil {
		return err
	}
	sess, err := env.registry.GetSession(id)
	if err != nil {
		return err
	}

	program := func(ctx context.Context) error {
		res, err := sess.FlashFile(ctx, path, format, dl)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "Flashed %s (%s): %d bytes in %d ms", path, res.Format, res.BytesProgrammed, res.ProgrammingTimeMs)
		if res.VerificationResult {
			_, _ = fmt.Fprint(out, ", verified")
		}
		_, _ = fmt.Fprintln(out)

		if opts.reset {
			if _, err := sess.Reset(ctx, false); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "Core reset and running.")
		}
		return nil
	}

	if err := program(ctx); err != nil {
		return err
	}
	if !opts.watch {
		return nil
	}

	w, err := flash.NewWatcher(path, flash.DefaultDebounce, env.logger)
	if err != nil {
		return err
	}
	env.logger.Info().Str("file", path).Msg("Watching firmware for changes")
	return w.Run(ctx, program)
}
