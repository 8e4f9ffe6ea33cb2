// Package config provides configuration loading and management.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/probe-mcp/internal/constants"
	"github.com/coral-mesh/probe-mcp/internal/safe"
)

// EnvConfig names the environment variable that overrides the config
// location. It may point at a config file or at a base directory that
// contains .probe-mcp/.
const EnvConfig = "PROBE_MCP_CONFIG"

// Format is a config file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatForPath picks the encoding from the file extension. Anything that
// is not .toml is read as YAML.
func FormatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Loader handles loading and saving the configuration file.
type Loader struct {
	homeDir string
	path    string
}

// NewLoader creates a new config loader.
// The config location is resolved in this order:
//  1. PROBE_MCP_CONFIG, either a .yaml/.yml/.toml file or a base directory.
//  2. User home directory (~/.probe-mcp/config.yaml, then config.toml).
//  3. /tmp/probe-mcp-fallback (containers without a home directory).
//
// The loader never returns an error; a missing file yields defaults.
func NewLoader() (*Loader, error) {
	if v := os.Getenv(EnvConfig); v != "" {
		switch strings.ToLower(filepath.Ext(v)) {
		case ".yaml", ".yml", ".toml":
			return &Loader{homeDir: filepath.Dir(v), path: v}, nil
		}
		return &Loader{homeDir: v}, nil
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		return &Loader{homeDir: homeDir}, nil
	}

	return &Loader{homeDir: "/tmp/probe-mcp-fallback"}, nil
}

// NewLoaderForFile creates a loader bound to an explicit file.
func NewLoaderForFile(path string) *Loader {
	return &Loader{homeDir: filepath.Dir(path), path: path}
}

// HomeDir returns the base directory holding .probe-mcp/.
func (l *Loader) HomeDir() string {
	return l.homeDir
}

// ConfigPath returns the file Load reads.
func (l *Loader) ConfigPath() string {
	if l.path != "" {
		return l.path
	}
	base := filepath.Join(l.homeDir, constants.DefaultDir)
	yamlPath := filepath.Join(base, constants.ConfigFile)
	if _, err := os.Stat(yamlPath); err != nil {
		tomlPath := filepath.Join(base, "config.toml")
		if _, err := os.Stat(tomlPath); err == nil {
			return tomlPath
		}
	}
	return yamlPath
}

// Load reads the configuration. A missing file yields DefaultConfig.
// Environment overrides are applied, then the result is validated.
func (l *Loader) Load() (*Config, error) {
	path := l.ConfigPath()

	cfg := DefaultConfig(l.homeDir)
	data, err := safe.ReadFile(path, nil)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := Decode(data, FormatForPath(path), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// Apply environment variable overrides (layered configuration).
	if err := MergeFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.Debugger.LockDir == "-" {
		cfg.Debugger.LockDir = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to ConfigPath in the format its extension implies.
func (l *Loader) Save(cfg *Config) error {
	path := l.ConfigPath()
	data, err := Encode(cfg, FormatForPath(path))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := safe.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Decode unmarshals data over cfg, so fields absent from the file keep
// their current values. Unknown keys are rejected.
func Decode(data []byte, format Format, cfg *Config) error {
	switch format {
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	}
}

// Encode marshals cfg.
func Encode(cfg *Config, format Format) ([]byte, error) {
	if format == FormatTOML {
		return toml.Marshal(cfg)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
