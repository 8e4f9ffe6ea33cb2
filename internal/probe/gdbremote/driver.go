package gdbremote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/probe-mcp/internal/constants"
	"github.com/coral-mesh/probe-mcp/internal/probe"
	"github.com/coral-mesh/probe-mcp/internal/retry"
)

// DriverName is the config value selecting this driver.
const DriverName = "gdb-remote"

// Server is one configured GDB server endpoint.
type Server struct {
	Name    string
	Address string
	Serial  string
}

// MonitorCommands are the server specific commands issued through qRcmd.
// SpeedFormat receives the speed in kHz; empty disables speed control.
type MonitorCommands struct {
	SpeedFormat string
	ResetHalt   string
	ResetRun    string
}

// OpenOCDMonitor matches OpenOCD's command set.
var OpenOCDMonitor = MonitorCommands{
	SpeedFormat: "adapter speed %d",
	ResetHalt:   "reset halt",
	ResetRun:    "reset run",
}

// PyOCDMonitor matches pyOCD's gdbserver command set.
var PyOCDMonitor = MonitorCommands{
	SpeedFormat: "frequency %dK",
	ResetHalt:   "reset halt",
	ResetRun:    "reset",
}

// MonitorPreset returns the command set for a server flavour name.
func MonitorPreset(name string) (MonitorCommands, error) {
	switch strings.ToLower(name) {
	case "", "openocd":
		return OpenOCDMonitor, nil
	case "pyocd":
		return PyOCDMonitor, nil
	}
	return MonitorCommands{}, fmt.Errorf("unknown monitor command set %q", name)
}

// Options configures the driver.
type Options struct {
	Servers []Server
	// Targets overrides the memory map for known chips (case-insensitive).
	// Otherwise the server's qXfer memory map is used, then the defaults.
	Targets map[string]probe.TargetInfo
	Monitor MonitorCommands
	Client  ClientConfig
	Dial    retry.Config
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
	Logger      zerolog.Logger
}

// Driver opens RSP connections to configured GDB servers.
type Driver struct {
	opts Options
}

// New creates a driver.
func New(opts Options) *Driver {
	if opts.Monitor == (MonitorCommands{}) {
		opts.Monitor = OpenOCDMonitor
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = constants.DefaultDialTimeout
	}
	if opts.Dial.MaxRetries <= 0 {
		opts.Dial = retry.Config{MaxRetries: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
	}
	return &Driver{opts: opts}
}

// Name implements probe.Driver.
func (d *Driver) Name() string { return DriverName }

// List returns one descriptor per configured server. Servers are not dialed.
func (d *Driver) List(_ context.Context) ([]probe.Descriptor, error) {
	out := make([]probe.Descriptor, 0, len(d.opts.Servers))
	for _, s := range d.opts.Servers {
		name := s.Name
		if name == "" {
			name = "GDB server " + s.Address
		}
		out = append(out, probe.Descriptor{
			Identifier:   name,
			SerialNumber: s.Serial,
			ProbeType:    DriverName,
			Address:      s.Address,
		})
	}
	return out, nil
}

// Open dials the server and negotiates features.
func (d *Driver) Open(ctx context.Context, desc probe.Descriptor) (probe.Probe, error) {
	if desc.Address == "" {
		return nil, fmt.Errorf("probe %q has no server address", desc.Identifier)
	}

	logger := d.opts.Logger.With().Str("server", desc.Address).Logger()
	dialer := net.Dialer{Timeout: d.opts.DialTimeout}

	conn, err := retry.DoValue(ctx, d.opts.Dial, func() (net.Conn, error) {
		c, err := dialer.DialContext(ctx, "tcp", desc.Address)
		if err != nil {
			logger.Debug().Err(err).Msg("Dial failed")
		}
		return c, err
	}, isTransientDialError)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", desc.Address, err)
	}

	client := NewClient(conn, d.opts.Client, logger)
	if err := client.Handshake(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &remoteProbe{
		driver: d,
		client: client,
		logger: logger,
		info:   probe.Info{Descriptor: desc, Version: "rsp"},
	}, nil
}

func isTransientDialError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

type remoteProbe struct {
	driver *Driver
	client *Client
	logger zerolog.Logger
	info   probe.Info
}

func (p *remoteProbe) Info() probe.Info { return p.info }

func (p *remoteProbe) SetSpeed(ctx context.Context, khz uint32) error {
	format := p.driver.opts.Monitor.SpeedFormat
	if format == "" {
		p.logger.Debug().Uint32("khz", khz).Msg("Speed control disabled, ignoring")
		p.info.SpeedKHz = khz
		return nil
	}
	if _, err := p.client.Monitor(ctx, fmt.Sprintf(format, khz)); err != nil {
		return err
	}
	p.info.SpeedKHz = khz
	return nil
}

func (p *remoteProbe) Attach(ctx context.Context, target probe.TargetSelector, underReset bool) (probe.Core, error) {
	core := &Core{
		client:  p.client,
		monitor: p.driver.opts.Monitor,
		logger:  p.logger,
		bps:     make(map[probe.BreakpointID]uint64),
		nextBP:  1,
	}

	if underReset {
		if _, err := p.client.Monitor(ctx, core.monitor.ResetHalt); err != nil {
			return nil, fmt.Errorf("reset halt: %w", err)
		}
	}

	// '?' reports the current stop state; servers halt the core on attach.
	reply, err := p.client.Exchange(ctx, "?")
	if err != nil {
		return nil, fmt.Errorf("query halt state: %w", err)
	}
	sr, err := parseStopReply(reply)
	if err != nil {
		return nil, err
	}
	if sr.Exited {
		return nil, fmt.Errorf("target reported exit on attach")
	}
	core.reason = stopReason(sr, false, false)
	if underReset {
		core.reason = probe.HaltReset
	}

	core.info = p.targetInfo(ctx, target)
	return core, nil
}

func (p *remoteProbe) targetInfo(ctx context.Context, chip probe.TargetSelector) probe.TargetInfo {
	for name, info := range p.driver.opts.Targets {
		if strings.EqualFold(name, string(chip)) {
			if info.ChipName == "" {
				info.ChipName = name
			}
			return info
		}
	}

	info := probe.TargetInfo{ChipName: string(chip), Architecture: "Armv7m", CoreType: "Cortex-M"}
	if p.client.Supports("qXfer:memory-map:read") {
		doc, err := p.client.ReadXfer(ctx, "memory-map", "")
		if err == nil {
			info.Memory, err = parseMemoryMap(doc)
		}
		if err != nil {
			p.logger.Warn().Err(err).Msg("Could not read memory map from server")
		}
	}
	if len(info.Memory) == 0 {
		info.Memory = []probe.MemoryRegion{
			{Name: "FLASH", Kind: probe.MemoryFlash, Start: constants.DefaultFlashStart, Size: constants.DefaultFlashSize},
			{Name: "RAM", Kind: probe.MemoryRAM, Start: constants.DefaultRAMStart, Size: constants.DefaultRAMSize},
		}
	}
	return info
}

func (p *remoteProbe) Close() error {
	return p.client.Close()
}
