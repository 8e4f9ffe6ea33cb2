// Package constants defines shared configuration constants.
package constants

var (
	ConfigFile = "config.yaml"

	DefaultDir = ".probe-mcp"

	// DefaultLockDir holds one lock file per opened probe.
	DefaultLockDir = DefaultDir + "/" + "locks"

	// AutoProbeSelector selects the first enumerated probe.
	AutoProbeSelector = "auto"

	// ServerName is advertised to MCP clients.
	ServerName = "probe-mcp"
)
