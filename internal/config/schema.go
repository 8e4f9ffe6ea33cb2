package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/coral-mesh/probe-mcp/internal/probe"
)

// SchemaVersion is the configuration schema version.
const SchemaVersion = "1"

// SupportedSchemas is the semver constraint config files must satisfy.
const SupportedSchemas = "^1"

// Config represents ~/.probe-mcp/config.yaml (or config.toml).
type Config struct {
	Version  string         `yaml:"version" toml:"version"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Debugger DebuggerConfig `yaml:"debugger" toml:"debugger"`
	Probes   []ProbeConfig  `yaml:"probes,omitempty" toml:"probes,omitempty"`
	Targets  []TargetConfig `yaml:"targets,omitempty" toml:"targets,omitempty"`
	RTT      RTTConfig      `yaml:"rtt" toml:"rtt"`
	Flash    FlashConfig    `yaml:"flash" toml:"flash"`
}

// ServerConfig contains MCP server settings.
type ServerConfig struct {
	MaxSessions int    `yaml:"max_sessions" toml:"max_sessions" env:"PROBE_MCP_MAX_SESSIONS"`
	LogLevel    string `yaml:"log_level" toml:"log_level" env:"PROBE_MCP_LOG_LEVEL"`
	// LogFormat is "auto" (pretty on a terminal), "pretty" or "json".
	LogFormat     string   `yaml:"log_format" toml:"log_format" env:"PROBE_MCP_LOG_FORMAT"`
	AuditEnabled  bool     `yaml:"audit_enabled" toml:"audit_enabled" env:"PROBE_MCP_AUDIT_ENABLED"`
	EnabledTools  []string `yaml:"enabled_tools,omitempty" toml:"enabled_tools,omitempty" env:"PROBE_MCP_ENABLED_TOOLS"`
	IdleThreshold Duration `yaml:"idle_threshold" toml:"idle_threshold" env:"PROBE_MCP_IDLE_THRESHOLD"`
}

// DebuggerConfig selects the probe driver and session defaults.
type DebuggerConfig struct {
	// Driver is "sim" or "gdb-remote".
	Driver            string   `yaml:"driver" toml:"driver" env:"PROBE_MCP_DRIVER"`
	DefaultSpeedKHz   uint32   `yaml:"default_speed_khz" toml:"default_speed_khz" env:"PROBE_MCP_SPEED_KHZ"`
	HaltTimeout       Duration `yaml:"halt_timeout" toml:"halt_timeout" env:"PROBE_MCP_HALT_TIMEOUT"`
	ConnectUnderReset bool     `yaml:"connect_under_reset" toml:"connect_under_reset" env:"PROBE_MCP_CONNECT_UNDER_RESET"`
	// LockDir holds per-probe lock files. "-" disables locking.
	LockDir string `yaml:"lock_dir" toml:"lock_dir" env:"PROBE_MCP_LOCK_DIR"`
	// Monitor picks the GDB server monitor command set: "openocd" or "pyocd".
	Monitor string `yaml:"monitor" toml:"monitor" env:"PROBE_MCP_MONITOR"`
	// DialTimeout bounds each connection attempt to a GDB server.
	DialTimeout Duration `yaml:"dial_timeout" toml:"dial_timeout" env:"PROBE_MCP_DIAL_TIMEOUT"`
	// CommandTimeout bounds one GDB remote packet exchange.
	CommandTimeout Duration `yaml:"command_timeout" toml:"command_timeout" env:"PROBE_MCP_COMMAND_TIMEOUT"`
}

// ProbeConfig describes one probe. For the gdb-remote driver each entry is
// a GDB server; for the sim driver entries replace the built-in probe.
type ProbeConfig struct {
	Name      string `yaml:"name" toml:"name"`
	Serial    string `yaml:"serial,omitempty" toml:"serial,omitempty"`
	Address   string `yaml:"address,omitempty" toml:"address,omitempty"`
	VendorID  uint16 `yaml:"vendor_id,omitempty" toml:"vendor_id,omitempty"`
	ProductID uint16 `yaml:"product_id,omitempty" toml:"product_id,omitempty"`
}

// TargetConfig overrides the memory map of a chip.
type TargetConfig struct {
	Name         string         `yaml:"name" toml:"name"`
	Architecture string         `yaml:"architecture,omitempty" toml:"architecture,omitempty"`
	CoreType     string         `yaml:"core_type,omitempty" toml:"core_type,omitempty"`
	Memory       []MemoryConfig `yaml:"memory" toml:"memory"`
}

// MemoryConfig is one region of a target memory map.
type MemoryConfig struct {
	Name  string `yaml:"name" toml:"name"`
	Kind  string `yaml:"kind" toml:"kind"` // "ram" or "flash"
	Start uint64 `yaml:"start" toml:"start"`
	Size  uint64 `yaml:"size" toml:"size"`
}

// RTTConfig tunes RTT attach.
type RTTConfig struct {
	ScanChunkSize int `yaml:"scan_chunk_size" toml:"scan_chunk_size" env:"PROBE_MCP_RTT_SCAN_CHUNK"`
	// AttachTimeout bounds run_firmware's wait for the control block.
	AttachTimeout Duration `yaml:"attach_timeout" toml:"attach_timeout" env:"PROBE_MCP_RTT_ATTACH_TIMEOUT"`
}

// FlashConfig tunes firmware downloads.
type FlashConfig struct {
	MaxImageSize    int64 `yaml:"max_image_size" toml:"max_image_size" env:"PROBE_MCP_MAX_IMAGE_SIZE"`
	ChunkSize       int   `yaml:"chunk_size" toml:"chunk_size" env:"PROBE_MCP_FLASH_CHUNK"`
	VerifyByDefault bool  `yaml:"verify_by_default" toml:"verify_by_default" env:"PROBE_MCP_VERIFY"`
}

// Duration is a time.Duration written as "500ms" in config files and
// environment variables.
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// TargetTable converts the configured targets into driver memory maps,
// keyed by chip name.
func (c *Config) TargetTable() map[string]probe.TargetInfo {
	out := make(map[string]probe.TargetInfo, len(c.Targets))
	for _, t := range c.Targets {
		info := probe.TargetInfo{
			ChipName:     t.Name,
			Architecture: t.Architecture,
			CoreType:     t.CoreType,
		}
		for _, m := range t.Memory {
			info.Memory = append(info.Memory, probe.MemoryRegion{
				Name:  m.Name,
				Kind:  probe.MemoryKind(strings.ToLower(m.Kind)),
				Start: m.Start,
				Size:  m.Size,
			})
		}
		out[t.Name] = info
	}
	return out
}

// ProbeDescriptors converts the configured probes into descriptors.
func (c *Config) ProbeDescriptors() []probe.Descriptor {
	out := make([]probe.Descriptor, 0, len(c.Probes))
	for i, p := range c.Probes {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("probe-%d", i)
		}
		out = append(out, probe.Descriptor{
			Identifier:   name,
			VendorID:     p.VendorID,
			ProductID:    p.ProductID,
			SerialNumber: p.Serial,
			ProbeType:    c.Debugger.Driver,
			Address:      p.Address,
		})
	}
	return out
}
