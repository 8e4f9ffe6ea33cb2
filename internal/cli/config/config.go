// Package config implements the 'probe-mcp config' command family.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/probe-mcp/internal/cli/helpers"
	"github.com/coral-mesh/probe-mcp/internal/config"
)

// NewConfigCmd creates the config command and its subcommands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage probe-mcp configuration",
		Long: `Manage probe-mcp configuration.

Configuration Priority:
  1. Command-line flags (highest)
  2. PROBE_MCP_* environment variables
  3. Config file (~/.probe-mcp/config.yaml or config.toml)
  4. Built-in defaults

Environment Variables:
  PROBE_MCP_CONFIG  Config file, or a base directory holding .probe-mcp/`,
	}

	cmd.AddCommand(newPathCmd())
	cmd.AddCommand(newViewCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newValidateCmd())

	return cmd
}

// loaderFor honours the root --config flag when it is set.
func loaderFor(cmd *cobra.Command) (*config.Loader, error) {
	if f := cmd.Flag("config"); f != nil && f.Value.String() != "" {
		return config.NewLoaderForFile(f.Value.String()), nil
	}
	loader, err := config.NewLoader()
	if err != nil {
		return nil, fmt.Errorf("failed to create config loader: %w", err)
	}
	return loader, nil
}

func newPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := loaderFor(cmd)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), loader.ConfigPath())
			return err
		},
	}
}

func newViewCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show the effective configuration",
		Long: `Display the configuration after defaults, the config file and environment
variables are merged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := loaderFor(cmd)
			if err != nil {
				return err
			}
			cfg, err := loader.Load()
			if err != nil {
				return err
			}

			switch f := config.Format(format); f {
			case config.FormatYAML, config.FormatTOML:
				data, err := config.Encode(cfg, f)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return fmt.Errorf("unsupported format %q, must be one of: yaml, toml", format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", string(config.FormatYAML), "Output format (yaml, toml)")

	return cmd
}

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example config file",
		Long: `Write an example configuration with one OpenOCD GDB server and a sample
target memory map. The file extension picks YAML or TOML.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := loaderFor(cmd)
			if err != nil {
				return err
			}
			path := loader.ConfigPath()

			_, err = os.Stat(path)
			switch {
			case err == nil && !force:
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			case err != nil && !errors.Is(err, fs.ErrNotExist):
				return err
			}

			if err := loader.Save(config.ExampleConfig(loader.HomeDir())); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return err
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

type validateResult struct {
	File   string   `json:"file" yaml:"file"`
	Valid  bool     `json:"valid" yaml:"valid"`
	Errors []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func newValidateCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration and report every problem found.

Checks:
- Schema version compatibility
- Driver and monitor names
- GDB server addresses (host:port)
- Target memory maps (non-empty, non-overlapping regions)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := loaderFor(cmd)
			if err != nil {
				return err
			}

			result := validateResult{File: loader.ConfigPath(), Valid: true}
			if _, err := loader.Load(); err != nil {
				result.Valid = false
				var multi *config.MultiValidationError
				if errors.As(err, &multi) {
					for _, e := range multi.Errors {
						result.Errors = append(result.Errors, e.Error())
					}
				} else {
					result.Errors = []string{err.Error()}
				}
			}

			if format != string(helpers.FormatTable) {
				formatter, err := helpers.NewFormatter(helpers.OutputFormat(format))
				if err != nil {
					return err
				}
				if err := formatter.Format(result, cmd.OutOrStdout()); err != nil {
					return err
				}
			} else {
				outputValidateTable(cmd, result)
			}

			if !result.Valid {
				return fmt.Errorf("configuration is invalid")
			}
			return nil
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, []helpers.OutputFormat{
		helpers.FormatTable,
		helpers.FormatJSON,
		helpers.FormatYAML,
	})

	return cmd
}

func outputValidateTable(cmd *cobra.Command, r validateResult) {
	w := cmd.OutOrStdout()
	if r.Valid {
		_, _ = fmt.Fprintf(w, "✓ %s is valid\n", r.File)
		return
	}
	_, _ = fmt.Fprintf(w, "✗ %s has %d error(s):\n", r.File, len(r.Errors))
	for _, e := range r.Errors {
		_, _ = fmt.Fprintf(w, "  - %s\n", e)
	}
}
