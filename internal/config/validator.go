package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// Validator is the interface for validating configuration.
type Validator interface {
	Validate() error
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

// CheckSchemaVersion reports whether version satisfies SupportedSchemas.
func CheckSchemaVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid schema version %q: %w", version, err)
	}
	c, err := semver.NewConstraint(SupportedSchemas)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("unsupported schema version %s (this build reads %s)", version, SupportedSchemas)
	}
	return nil
}

// Validate validates Config.
func (c *Config) Validate() error {
	var errors []ValidationError

	if c.Version == "" {
		errors = append(errors, ValidationError{
			Field:   "version",
			Message: "version is required",
		})
	} else if err := CheckSchemaVersion(c.Version); err != nil {
		errors = append(errors, ValidationError{
			Field:   "version",
			Message: err.Error(),
		})
	}

	// Server
	if c.Server.MaxSessions <= 0 {
		errors = append(errors, ValidationError{
			Field:   "server.max_sessions",
			Message: "max sessions must be positive",
		})
	}
	if c.Server.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.Server.LogLevel)); err != nil {
			errors = append(errors, ValidationError{
				Field:   "server.log_level",
				Message: fmt.Sprintf("unknown log level %q", c.Server.LogLevel),
			})
		}
	}
	switch c.Server.LogFormat {
	case "", "auto", "pretty", "json":
	default:
		errors = append(errors, ValidationError{
			Field:   "server.log_format",
			Message: "log format must be 'auto', 'pretty', or 'json'",
		})
	}
	if c.Server.IdleThreshold < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.idle_threshold",
			Message: "idle threshold must not be negative",
		})
	}

	// Debugger
	switch c.Debugger.Driver {
	case "sim", "gdb-remote":
	default:
		errors = append(errors, ValidationError{
			Field:   "debugger.driver",
			Message: "driver must be 'sim' or 'gdb-remote'",
		})
	}
	if c.Debugger.DefaultSpeedKHz == 0 {
		errors = append(errors, ValidationError{
			Field:   "debugger.default_speed_khz",
			Message: "default speed must be positive",
		})
	}
	if c.Debugger.HaltTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "debugger.halt_timeout",
			Message: "halt timeout must be positive",
		})
	}
	switch c.Debugger.Monitor {
	case "", "openocd", "pyocd":
	default:
		errors = append(errors, ValidationError{
			Field:   "debugger.monitor",
			Message: "monitor must be 'openocd' or 'pyocd'",
		})
	}

	// Probes
	if c.Debugger.Driver == "gdb-remote" && len(c.Probes) == 0 {
		errors = append(errors, ValidationError{
			Field:   "probes",
			Message: "the gdb-remote driver needs at least one probe with an address",
		})
	}
	for i, p := range c.Probes {
		field := fmt.Sprintf("probes[%d]", i)
		if c.Debugger.Driver == "gdb-remote" {
			if p.Address == "" {
				errors = append(errors, ValidationError{
					Field:   field + ".address",
					Message: "address is required for gdb-remote probes",
				})
			} else if _, _, err := net.SplitHostPort(p.Address); err != nil {
				errors = append(errors, ValidationError{
					Field:   field + ".address",
					Message: fmt.Sprintf("address must be host:port: %v", err),
				})
			}
		}
	}

	// Targets
	for i, t := range c.Targets {
		errors = append(errors, t.validate(fmt.Sprintf("targets[%d]", i))...)
	}

	if c.RTT.ScanChunkSize < 0 {
		errors = append(errors, ValidationError{
			Field:   "rtt.scan_chunk_size",
			Message: "scan chunk size must not be negative",
		})
	}
	if c.Flash.MaxImageSize < 0 {
		errors = append(errors, ValidationError{
			Field:   "flash.max_image_size",
			Message: "max image size must not be negative",
		})
	}
	if c.Flash.ChunkSize < 0 {
		errors = append(errors, ValidationError{
			Field:   "flash.chunk_size",
			Message: "chunk size must not be negative",
		})
	}

	if len(errors) > 0 {
		return &MultiValidationError{Errors: errors}
	}
	return nil
}

func (t TargetConfig) validate(field string) []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(t.Name) == "" {
		errors = append(errors, ValidationError{
			Field:   field + ".name",
			Message: "target name is required",
		})
	}
	if len(t.Memory) == 0 {
		errors = append(errors, ValidationError{
			Field:   field + ".memory",
			Message: "at least one memory region is required",
		})
	}

	for i, m := range t.Memory {
		mf := fmt.Sprintf("%s.memory[%d]", field, i)
		switch strings.ToLower(m.Kind) {
		case "ram", "flash":
		default:
			errors = append(errors, ValidationError{
				Field:   mf + ".kind",
				Message: "kind must be 'ram' or 'flash'",
			})
		}
		if m.Size == 0 {
			errors = append(errors, ValidationError{
				Field:   mf + ".size",
				Message: "size must be positive",
			})
		}
		if m.Start+m.Size < m.Start {
			errors = append(errors, ValidationError{
				Field:   mf,
				Message: "region wraps the address space",
			})
		}
		for j := 0; j < i; j++ {
			o := t.Memory[j]
			if m.Start < o.Start+o.Size && o.Start < m.Start+m.Size {
				errors = append(errors, ValidationError{
					Field:   mf,
					Message: fmt.Sprintf("overlaps %s", o.Name),
				})
			}
		}
	}
	return errors
}
