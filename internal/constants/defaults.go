// Package constants defines shared configuration constants and defaults.
package constants

import "time"

// Session defaults.
const (
	// DefaultMaxSessions caps concurrently open debug sessions.
	DefaultMaxSessions = 5

	// DefaultSpeedKHz is the probe clock used when a caller does not pick one.
	DefaultSpeedKHz = 4000

	// DefaultIdleThreshold marks a session idle in statistics.
	DefaultIdleThreshold = 10 * time.Minute
)

// Timeouts - Default timeout values.
const (
	// DefaultHaltTimeout bounds halt and reset-and-halt waits on the core.
	DefaultHaltTimeout = 500 * time.Millisecond

	// DefaultDialTimeout bounds the TCP connect to a GDB server.
	DefaultDialTimeout = 3 * time.Second

	// DefaultCommandTimeout bounds a single GDB remote packet exchange.
	DefaultCommandTimeout = 5 * time.Second

	// DefaultRTTAttachTimeout bounds RTT attach polling in run_firmware.
	DefaultRTTAttachTimeout = 3 * time.Second
)

// RTT and flash defaults.
const (
	// DefaultRTTReadBytes is the rtt_read max_bytes default.
	DefaultRTTReadBytes = 1024

	// DefaultRTTScanChunk is the block size used while scanning RAM for the control block.
	DefaultRTTScanChunk = 1024

	// DefaultMaxImageSize caps firmware images read from disk (16 MiB).
	DefaultMaxImageSize = 16 << 20

	// MaxTransferSize caps a single read_memory or rtt_read (1 MiB). Keep
	// the maximum in the tool schemas in step.
	MaxTransferSize = 1 << 20
)

// Default Cortex-M memory map used when a target has no configured regions.
const (
	DefaultRAMStart   = 0x20000000
	DefaultRAMSize    = 128 * 1024
	DefaultFlashStart = 0x08000000
	DefaultFlashSize  = 512 * 1024
)
