package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/probe-mcp/internal/cli/helpers"
	clierrors "github.com/coral-mesh/probe-mcp/internal/errors"
)

type probeRow struct {
	Index      int    `header:"#" json:"index" yaml:"index"`
	Identifier string `header:"IDENTIFIER" json:"identifier" yaml:"identifier"`
	Serial     string `header:"SERIAL" json:"serial_number,omitempty" yaml:"serial_number,omitempty"`
	VIDPID     string `header:"VID:PID" json:"vid_pid" yaml:"vid_pid"`
	Type       string `header:"TYPE" json:"probe_type" yaml:"probe_type"`
	Address    string `header:"ADDRESS" json:"address,omitempty" yaml:"address,omitempty"`
}

var probeFormats = []helpers.OutputFormat{
	helpers.FormatTable,
	helpers.FormatJSON,
	helpers.FormatYAML,
	helpers.FormatCSV,
}

func newProbesCmd(g *globalFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "probes",
		Short: "List the debug probes the configured driver can see",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, probeFormats); err != nil {
				return err
			}
			env, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer clierrors.DeferClose(env.logger, env, "Failed to close debug sessions")

			probes, err := env.registry.ListProbes(cmd.Context())
			if err != nil {
				return err
			}
			if len(probes) == 0 && format == string(helpers.FormatTable) {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "No debug probes found.")
				return err
			}

			rows := make([]probeRow, 0, len(probes))
			for i, p := range probes {
				rows = append(rows, probeRow{
					Index:      i,
					Identifier: p.Identifier,
					Serial:     p.SerialNumber,
					VIDPID:     fmt.Sprintf("%04x:%04x", p.VendorID, p.ProductID),
					Type:       p.ProbeType,
					Address:    p.Address,
				})
			}
			formatter, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			return formatter.Format(rows, cmd.OutOrStdout())
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, probeFormats)
	return cmd
}
