package config

import (
	"path/filepath"

	"github.com/coral-mesh/probe-mcp/internal/constants"
)

// DefaultConfig returns a config with sensible defaults. Lock files go
// under homeDir.
func DefaultConfig(homeDir string) *Config {
	return &Config{
		Version: SchemaVersion,
		Server: ServerConfig{
			MaxSessions:   constants.DefaultMaxSessions,
			LogLevel:      "info",
			LogFormat:     "auto",
			IdleThreshold: Duration(constants.DefaultIdleThreshold),
		},
		Debugger: DebuggerConfig{
			Driver:          "sim",
			DefaultSpeedKHz: constants.DefaultSpeedKHz,
			HaltTimeout:     Duration(constants.DefaultHaltTimeout),
			LockDir:         filepath.Join(homeDir, constants.DefaultLockDir),
			Monitor:         "openocd",
			DialTimeout:     Duration(constants.DefaultDialTimeout),
			CommandTimeout:  Duration(constants.DefaultCommandTimeout),
		},
		RTT: RTTConfig{
			ScanChunkSize: constants.DefaultRTTScanChunk,
			AttachTimeout: Duration(constants.DefaultRTTAttachTimeout),
		},
		Flash: FlashConfig{
			MaxImageSize: constants.DefaultMaxImageSize,
			ChunkSize:    4096,
		},
	}
}

// ExampleConfig is DefaultConfig plus a sample GDB server and target, used
// by `config init`.
func ExampleConfig(homeDir string) *Config {
	cfg := DefaultConfig(homeDir)
	cfg.Probes = []ProbeConfig{{
		Name:    "openocd",
		Address: "localhost:3333",
	}}
	cfg.Targets = []TargetConfig{{
		Name:         "STM32F407VGTx",
		Architecture: "Armv7em",
		CoreType:     "Cortex-M4",
		Memory: []MemoryConfig{
			{Name: "FLASH", Kind: "flash", Start: constants.DefaultFlashStart, Size: 1024 * 1024},
			{Name: "SRAM", Kind: "ram", Start: constants.DefaultRAMStart, Size: 128 * 1024},
			{Name: "CCMRAM", Kind: "ram", Start: 0x10000000, Size: 64 * 1024},
		},
	}}
	return cfg
}
