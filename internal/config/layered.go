package config

import (
	"time"
)

// Layer represents a configuration layer source.
type Layer string

const (
	// LayerDefaults represents default configuration values.
	LayerDefaults Layer = "defaults"

	// LayerFile represents configuration from a file (YAML or TOML).
	LayerFile Layer = "file"

	// LayerEnv represents configuration from environment variables.
	LayerEnv Layer = "env"

	// LayerFlags represents configuration from command-line flags.
	LayerFlags Layer = "flags"
)

// Layers lists the layers in the order they are applied. Each layer
// overrides values from previous layers.
var Layers = []Layer{LayerDefaults, LayerFile, LayerEnv, LayerFlags}

// Overrides is the flags layer. Zero values leave the config untouched.
type Overrides struct {
	Driver      string
	LogLevel    string
	LogFormat   string
	MaxSessions int
	SpeedKHz    uint32
	HaltTimeout time.Duration
	LockDir     string
	Audit       *bool
	Tools       []string
}

// Apply writes the set overrides into cfg and re-validates it.
func (o Overrides) Apply(cfg *Config) error {
	if o.Driver != "" {
		cfg.Debugger.Driver = o.Driver
	}
	if o.LogLevel != "" {
		cfg.Server.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Server.LogFormat = o.LogFormat
	}
	if o.MaxSessions > 0 {
		cfg.Server.MaxSessions = o.MaxSessions
	}
	if o.SpeedKHz > 0 {
		cfg.Debugger.DefaultSpeedKHz = o.SpeedKHz
	}
	if o.HaltTimeout > 0 {
		cfg.Debugger.HaltTimeout = Duration(o.HaltTimeout)
	}
	switch o.LockDir {
	case "":
	case "-":
		cfg.Debugger.LockDir = ""
	default:
		cfg.Debugger.LockDir = o.LockDir
	}
	if o.Audit != nil {
		cfg.Server.AuditEnabled = *o.Audit
	}
	if len(o.Tools) > 0 {
		cfg.Server.EnabledTools = o.Tools
	}
	return cfg.Validate()
}
