package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clierrors "github.com/coral-mesh/probe-mcp/internal/errors"
	"github.com/coral-mesh/probe-mcp/internal/mcp"
	"github.com/coral-mesh/probe-mcp/pkg/version"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long: `Run the MCP server, reading JSON-RPC requests from stdin and writing
responses to stdout. Logs go to stderr.

Example MCP client configuration:

  {
    "mcpServers": {
      "probe": {"command": "probe-mcp", "args": ["serve"]}
    }
  }`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.setup(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := mcp.New(env.registry, mcp.Config{
				Version:           version.Version,
				EnabledTools:      env.config.Server.EnabledTools,
				AuditEnabled:      env.config.Server.AuditEnabled,
				DefaultSpeedKHz:   env.config.Debugger.DefaultSpeedKHz,
				ConnectUnderReset: env.config.Debugger.ConnectUnderReset,
				VerifyByDefault:   env.config.Flash.VerifyByDefault,
				RTTAttachTimeout:  env.config.RTT.AttachTimeout.Std(),
			}, env.logger.With().Str("component", "mcp").Logger())
			defer clierrors.DeferClose(env.logger, srv, "Failed to close debug sessions")

			env.logger.Info().
				Str("version", version.String()).
				Str("driver", env.driver.Name()).
				Int("max_sessions", env.registry.MaxSessions()).
				Int("tools", len(srv.ListToolNames())).
				Msg("Starting MCP server on stdio")

			return srv.ServeStreams(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
