package debugger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/coral-mesh/probe-mcp/internal/constants"
	"github.com/coral-mesh/probe-mcp/internal/flash"
	"github.com/coral-mesh/probe-mcp/internal/probe"
	"github.com/coral-mesh/probe-mcp/internal/rtt"
)

// CoreStatus is the run state of the session's core.
type CoreStatus struct {
	PC       uint64 `json:"pc"`
	SP       uint64 `json:"sp"`
	IsHalted bool   `json:"is_halted"`
	// HaltReason is empty while running and "Unknown" when the driver
	// cannot tell why the core stopped.
	HaltReason string `json:"halt_reason,omitempty"`
}

// Breakpoint is an installed hardware breakpoint.
type Breakpoint struct {
	ID      uint32 `json:"id"`
	Address uint64 `json:"address"`
}

// SessionInfo is a lock-free snapshot of a session's immutable metadata and
// activity timestamps.
type SessionInfo struct {
	ID           string           `json:"session_id"`
	Probe        probe.Info       `json:"probe_info"`
	Target       probe.TargetInfo `json:"target_info"`
	CreatedAt    time.Time        `json:"created_at"`
	LastActivity time.Time        `json:"last_activity"`
}

// Session owns one attached core. Every hardware operation goes through a
// single exclusive gate, so at most one call is in flight on the core.
type Session struct {
	id          string
	probeInfo   probe.Info
	target      probe.TargetInfo
	createdAt   time.Time
	haltTimeout time.Duration
	rttOpts     rtt.Options
	downloader  *flash.Downloader
	logger      zerolog.Logger

	lastActivity atomic.Int64

	gate *semaphore.Weighted

	// Guarded by gate.
	core        probe.Core
	lock        *probe.Lock
	closed      bool
	breakpoints map[uint64]probe.BreakpointID
	rtt         *rttAttachment
}

type sessionParams struct {
	id          string
	core        probe.Core
	probeInfo   probe.Info
	lock        *probe.Lock
	haltTimeout time.Duration
	rttOpts     rtt.Options
	downloader  *flash.Downloader
	logger      zerolog.Logger
}

func newSession(p sessionParams) *Session {
	now := time.Now()
	s := &Session{
		id:          p.id,
		probeInfo:   p.probeInfo,
		target:      p.core.Target(),
		createdAt:   now,
		haltTimeout: p.haltTimeout,
		rttOpts:     p.rttOpts,
		downloader:  p.downloader,
		logger:      p.logger.With().Str("session_id", p.id).Logger(),
		gate:        semaphore.NewWeighted(1),
		core:        p.core,
		lock:        p.lock,
		breakpoints: make(map[uint64]probe.BreakpointID),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ProbeInfo returns the probe captured at attach time.
func (s *Session) ProbeInfo() probe.Info { return s.probeInfo }

// TargetInfo returns the target captured at attach time.
func (s *Session) TargetInfo() probe.TargetInfo { return s.target }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the last operation attempt.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Info returns a snapshot without touching the core.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:           s.id,
		Probe:        s.probeInfo,
		Target:       s.target,
		CreatedAt:    s.createdAt,
		LastActivity: s.LastActivity(),
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// do runs fn with exclusive access to the core. Activity is refreshed before
// the outcome is known. A caller whose ctx ends while waiting leaves without
// side effects; once admitted, fn runs to completion with a context that is
// no longer cancellable so the driver is never interrupted mid round trip.
func (s *Session) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	s.touch()
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return internalError(op, "gave up waiting for the core", err)
	}
	defer s.gate.Release(1)

	if s.closed {
		return invalidSession(op, s.id)
	}

	if err := fn(context.WithoutCancel(ctx)); err != nil {
		var de *Error
		if errors.As(err, &de) {
			if de.Op == "" {
				de.Op = op
			}
			return de
		}
		return internalError(op, "", err)
	}
	return nil
}

// Halt stops the core and reports its status.
func (s *Session) Halt(ctx context.Context) (CoreStatus, error) {
	var st CoreStatus
	err := s.do(ctx, "halt", func(ctx context.Context) error {
		if err := s.core.Halt(ctx, s.haltTimeout); err != nil {
			return fmt.Errorf("failed to halt: %w", err)
		}
		var err error
		st, err = s.status(ctx)
		return err
	})
	if err == nil {
		s.logger.Debug().Uint64("pc", st.PC).Msg("Core halted")
	}
	return st, err
}

// Run resumes the core.
func (s *Session) Run(ctx context.Context) error {
	return s.do(ctx, "run", func(ctx context.Context) error {
		if err := s.core.Run(ctx); err != nil {
			return fmt.Errorf("failed to run: %w", err)
		}
		return nil
	})
}

// Reset resets the core, leaving it halted at the reset vector when
// haltAfter is set.
func (s *Session) Reset(ctx context.Context, haltAfter bool) (CoreStatus, error) {
	var st CoreStatus
	err := s.do(ctx, "reset", func(ctx context.Context) error {
		if haltAfter {
			if err := s.core.ResetAndHalt(ctx, s.haltTimeout); err != nil {
				return fmt.Errorf("failed to reset and halt: %w", err)
			}
		} else if err := s.core.Reset(ctx, s.haltTimeout); err != nil {
			return fmt.Errorf("failed to reset: %w", err)
		}
		var err error
		st, err = s.status(ctx)
		return err
	})
	return st, err
}

// Step executes one instruction.
func (s *Session) Step(ctx context.Context) (CoreStatus, error) {
	var st CoreStatus
	err := s.do(ctx, "step", func(ctx context.Context) error {
		if err := s.core.Step(ctx); err != nil {
			return fmt.Errorf("failed to step: %w", err)
		}
		var err error
		st, err = s.status(ctx)
		return err
	})
	return st, err
}

// CoreStatus reads PC, SP and the halt state.
func (s *Session) CoreStatus(ctx context.Context) (CoreStatus, error) {
	var st CoreStatus
	err := s.do(ctx, "get_status", func(ctx context.Context) error {
		var err error
		st, err = s.status(ctx)
		return err
	})
	return st, err
}

// status must be called with the gate held.
func (s *Session) status(ctx context.Context) (CoreStatus, error) {
	pc, err := s.core.ReadRegister(ctx, probe.RegPC)
	if err != nil {
		return CoreStatus{}, fmt.Errorf("failed to read PC: %w", err)
	}
	sp, err := s.core.ReadRegister(ctx, probe.RegSP)
	if err != nil {
		return CoreStatus{}, fmt.Errorf("failed to read SP: %w", err)
	}
	halted, err := s.core.IsHalted(ctx)
	if err != nil {
		return CoreStatus{}, fmt.Errorf("failed to check halt status: %w", err)
	}

	st := CoreStatus{PC: pc, SP: sp, IsHalted: halted}
	if halted {
		reason, err := s.core.HaltReason(ctx)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Halt reason unavailable")
			reason = probe.HaltUnknown
		}
		st.HaltReason = reason.String()
	}
	return st, nil
}

// ReadMemory reads size bytes at address.
func (s *Session) ReadMemory(ctx context.Context, address uint64, size int) ([]byte, error) {
	if size < 0 || size > constants.MaxTransferSize {
		s.touch()
		return nil, newError(InvalidConfig, "read_memory",
			fmt.Sprintf("size %d out of range (0 to %d bytes)", size, constants.MaxTransferSize), nil)
	}
	buf := make([]byte, size)
	err := s.do(ctx, "read_memory", func(ctx context.Context) error {
		if size == 0 {
			return nil
		}
		if err := s.core.Read(ctx, address, buf); err != nil {
			return fmt.Errorf("failed to read memory at 0x%08X: %w", address, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteMemory writes data at address.
func (s *Session) WriteMemory(ctx context.Context, address uint64, data []byte) error {
	return s.do(ctx, "write_memory", func(ctx context.Context) error {
		if len(data) == 0 {
			return nil
		}
		if err := s.core.Write(ctx, address, data); err != nil {
			return fmt.Errorf("failed to write memory at 0x%08X: %w", address, err)
		}
		return nil
	})
}

// ReadRegisters reads the named registers, all canonical registers when
// names is empty. The result is keyed by the names as given. Unknown names
// and registers the driver fails to read are logged and left out.
func (s *Session) ReadRegisters(ctx context.Context, names []string) (map[string]uint64, error) {
	if len(names) == 0 {
		names = canonicalRegisters
	}
	out := make(map[string]uint64, len(names))
	err := s.do(ctx, "read_registers", func(ctx context.Context) error {
		for _, name := range names {
			id, ok := ParseRegister(name)
			if !ok {
				s.logger.Warn().Str("register", name).Msg("Unknown register requested")
				continue
			}
			v, err := s.core.ReadRegister(ctx, id)
			if err != nil {
				s.logger.Warn().Err(err).Str("register", name).Msg("Failed to read register")
				continue
			}
			out[name] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WriteRegister writes one register. Unknown names fail before the core is
// touched.
func (s *Session) WriteRegister(ctx context.Context, name string, value uint64) error {
	id, ok := ParseRegister(name)
	if !ok {
		s.touch()
		return newError(InvalidConfig, "write_register", "Unknown register: "+name, nil)
	}
	return s.do(ctx, "write_register", func(ctx context.Context) error {
		if err := s.core.WriteRegister(ctx, id, value); err != nil {
			return fmt.Errorf("failed to write register %s: %w", name, err)
		}
		return nil
	})
}

// SetBreakpoint installs a hardware breakpoint at address. An address that
// already has one gets a new hardware breakpoint that replaces the old one;
// the table is only changed once the new one is installed.
func (s *Session) SetBreakpoint(ctx context.Context, address uint64) (uint32, error) {
	var id probe.BreakpointID
	err := s.do(ctx, "set_breakpoint", func(ctx context.Context) error {
		newID, err := s.core.SetHWBreakpoint(ctx, address)
		if err != nil {
			return fmt.Errorf("failed to set breakpoint at 0x%08X: %w", address, err)
		}
		if old, ok := s.breakpoints[address]; ok {
			if err := s.core.ClearHWBreakpoint(ctx, old); err != nil {
				s.logger.Warn().Err(err).Uint32("breakpoint_id", uint32(old)).Msg("Failed to clear replaced breakpoint")
			}
		}
		s.breakpoints[address] = newID
		id = newID
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug().Uint64("address", address).Uint32("breakpoint_id", uint32(id)).Msg("Breakpoint set")
	return uint32(id), nil
}

// ClearBreakpoint removes the breakpoint at address. Clearing an address
// without a breakpoint succeeds.
func (s *Session) ClearBreakpoint(ctx context.Context, address uint64) error {
	return s.do(ctx, "clear_breakpoint", func(ctx context.Context) error {
		id, ok := s.breakpoints[address]
		if !ok {
			return nil
		}
		if err := s.core.ClearHWBreakpoint(ctx, id); err != nil {
			return fmt.Errorf("failed to clear breakpoint at 0x%08X: %w", address, err)
		}
		delete(s.breakpoints, address)
		return nil
	})
}

// ListBreakpoints returns the breakpoint table in no particular order.
func (s *Session) ListBreakpoints(ctx context.Context) ([]Breakpoint, error) {
	var out []Breakpoint
	err := s.do(ctx, "list_breakpoints", func(context.Context) error {
		out = make([]Breakpoint, 0, len(s.breakpoints))
		for addr, id := range s.breakpoints {
			out = append(out, Breakpoint{ID: uint32(id), Address: addr})
		}
		return nil
	})
	return out, err
}

// close releases the core and the probe lock. It waits for any in-flight
// operation and makes every later call fail with InvalidSession.
func (s *Session) close() error {
	if err := s.gate.Acquire(context.Background(), 1); err != nil {
		return internalError("close", "", err)
	}
	defer s.gate.Release(1)

	if s.closed {
		return nil
	}
	s.closed = true
	s.rtt = nil
	s.breakpoints = make(map[uint64]probe.BreakpointID)

	var errs []error
	if err := s.core.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close core: %w", err))
	}
	if err := s.lock.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release probe lock: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return internalError("close", "", err)
	}
	return nil
}
