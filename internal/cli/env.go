package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/probe-mcp/internal/config"
	"github.com/coral-mesh/probe-mcp/internal/debugger"
	"github.com/coral-mesh/probe-mcp/internal/flash"
	"github.com/coral-mesh/probe-mcp/internal/logging"
	"github.com/coral-mesh/probe-mcp/internal/probe"
	"github.com/coral-mesh/probe-mcp/internal/probe/gdbremote"
	"github.com/coral-mesh/probe-mcp/internal/probe/sim"
	"github.com/coral-mesh/probe-mcp/internal/rtt"
)

// globalFlags are the persistent flags shared by every subcommand. They
// form the flags layer on top of defaults, the config file and the
// environment.
type globalFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	driver      string
	maxSessions int
	speedKHz    uint32
	haltTimeout time.Duration
	lockDir     string
	audit       bool
	tools       []string
}

func (g *globalFlags) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&g.configPath, "config", "", "Config file (default ~/.probe-mcp/config.yaml, or $PROBE_MCP_CONFIG)")
	f.StringVar(&g.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	f.StringVar(&g.logFormat, "log-format", "", "Log format (auto, pretty, json)")
	f.StringVar(&g.driver, "driver", "", "Probe driver (sim, gdb-remote)")
	f.IntVar(&g.maxSessions, "max-sessions", 0, "Maximum concurrent debug sessions")
	f.Uint32Var(&g.speedKHz, "speed", 0, "Default probe speed in kHz")
	f.DurationVar(&g.haltTimeout, "halt-timeout", 0, "Timeout for halt and reset-and-halt")
	f.StringVar(&g.lockDir, "lock-dir", "", "Directory for probe lock files (- disables locking)")
	f.BoolVar(&g.audit, "audit", false, "Log every MCP tool call")
	f.StringSliceVar(&g.tools, "tools", nil, "Comma-separated list of enabled MCP tools (default all)")
}

func (g *globalFlags) overrides(cmd *cobra.Command) config.Overrides {
	o := config.Overrides{
		Driver:      g.driver,
		LogLevel:    g.logLevel,
		LogFormat:   g.logFormat,
		MaxSessions: g.maxSessions,
		SpeedKHz:    g.speedKHz,
		HaltTimeout: g.haltTimeout,
		LockDir:     g.lockDir,
		Tools:       g.tools,
	}
	if cmd.Flags().Changed("audit") {
		audit := g.audit
		o.Audit = &audit
	}
	return o
}

func (g *globalFlags) loader() (*config.Loader, error) {
	if g.configPath != "" {
		return config.NewLoaderForFile(g.configPath), nil
	}
	return config.NewLoader()
}

// load resolves the layered configuration for cmd.
func (g *globalFlags) load(cmd *cobra.Command) (*config.Config, error) {
	loader, err := g.loader()
	if err != nil {
		return nil, fmt.Errorf("failed to create config loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := g.overrides(cmd).Apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// environment is everything a command needs to talk to probes.
type environment struct {
	config   *config.Config
	logger   zerolog.Logger
	driver   probe.Driver
	registry *debugger.Registry
}

// Close disconnects every session opened through the environment.
func (e *environment) Close() error {
	return e.registry.CloseAll()
}

func (g *globalFlags) setup(cmd *cobra.Command) (*environment, error) {
	cfg, err := g.load(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, cmd)

	driver, err := newDriver(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &environment{
		config:   cfg,
		logger:   logger,
		driver:   driver,
		registry: newRegistry(cfg, driver, logger),
	}, nil
}

// newLogger logs to the command's stderr; stdout belongs to the MCP
// transport.
func newLogger(cfg *config.Config, cmd *cobra.Command) zerolog.Logger {
	lc := logging.DefaultConfig()
	lc.Output = cmd.ErrOrStderr()
	if cfg.Server.LogLevel != "" {
		lc.Level = strings.ToLower(cfg.Server.LogLevel)
	}
	switch cfg.Server.LogFormat {
	case "pretty":
		lc.Pretty = true
	case "json":
		lc.Pretty = false
	}
	return logging.New(lc)
}

func newDriver(cfg *config.Config, logger zerolog.Logger) (probe.Driver, error) {
	switch cfg.Debugger.Driver {
	case sim.DriverName, "":
		return sim.New(sim.Options{
			Probes:  cfg.ProbeDescriptors(),
			Targets: cfg.TargetTable(),
		}), nil
	case gdbremote.DriverName:
		monitor, err := gdbremote.MonitorPreset(cfg.Debugger.Monitor)
		if err != nil {
			return nil, err
		}
		servers := make([]gdbremote.Server, 0, len(cfg.Probes))
		for _, p := range cfg.Probes {
			servers = append(servers, gdbremote.Server{Name: p.Name, Address: p.Address, Serial: p.Serial})
		}
		return gdbremote.New(gdbremote.Options{
			Servers:     servers,
			Targets:     cfg.TargetTable(),
			Monitor:     monitor,
			Client:      gdbremote.ClientConfig{CommandTimeout: cfg.Debugger.CommandTimeout.Std()},
			DialTimeout: cfg.Debugger.DialTimeout.Std(),
			Logger:      logger.With().Str("component", "gdb-remote").Logger(),
		}), nil
	}
	return nil, fmt.Errorf("unknown probe driver %q", cfg.Debugger.Driver)
}

func newRegistry(cfg *config.Config, driver probe.Driver, logger zerolog.Logger) *debugger.Registry {
	downloader := flash.NewDownloader(logger.With().Str("component", "flash").Logger())
	downloader.MaxImageSize = cfg.Flash.MaxImageSize
	downloader.ChunkSize = cfg.Flash.ChunkSize

	return debugger.NewRegistry(driver, debugger.Config{
		MaxSessions:   cfg.Server.MaxSessions,
		HaltTimeout:   cfg.Debugger.HaltTimeout.Std(),
		IdleThreshold: cfg.Server.IdleThreshold.Std(),
		LockDir:       cfg.Debugger.LockDir,
		RTT:           rtt.Options{ChunkSize: cfg.RTT.ScanChunkSize},
		Downloader:    downloader,
	}, logger.With().Str("component", "debugger").Logger())
}
