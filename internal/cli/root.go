package cli

import (
	"github.com/spf13/cobra"

	configcmd "github.com/coral-mesh/probe-mcp/internal/cli/config"
	"github.com/coral-mesh/probe-mcp/pkg/version"
)

// NewRootCmd builds the probe-mcp command tree.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "probe-mcp",
		Short: "probe-mcp - embedded debug probes for AI assistants",
		Long: `Expose on-chip debug probes to AI assistants over the Model Context Protocol.

An MCP client (Claude Desktop, an IDE, any MCP host) launches 'probe-mcp serve'
and talks to it over stdio. Each connect call opens a debug session on a probe
and target chip; later calls halt, step and inspect the core, program flash and
exchange data with the firmware over SEGGER RTT.

Probe drivers:
- sim:        an in-process simulated Cortex-M target (default)
- gdb-remote: any GDB server such as OpenOCD or pyOCD, one per configured probe`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	g.register(rootCmd)

	rootCmd.AddCommand(newServeCmd(g))
	rootCmd.AddCommand(newProbesCmd(g))
	rootCmd.AddCommand(newFlashCmd(g))
	rootCmd.AddCommand(newStatusCmd(g))
	rootCmd.AddCommand(configcmd.NewConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("probe-mcp version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}
