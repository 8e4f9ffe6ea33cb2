// Package debugger manages debug sessions: each session owns one attached
// probe core and serializes every hardware operation on it. The Registry
// bounds how many sessions exist at once and hands out shared references by
// id.
package debugger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/coral-mesh/probe-mcp/internal/constants"
	"github.com/coral-mesh/probe-mcp/internal/flash"
	"github.com/coral-mesh/probe-mcp/internal/probe"
	"github.com/coral-mesh/probe-mcp/internal/rtt"
)

// Config configures a Registry.
type Config struct {
	MaxSessions int
	// HaltTimeout bounds halt and reset-and-halt waits on the core.
	HaltTimeout time.Duration
	// IdleThreshold is the inactivity after which Statistics counts a
	// session as idle.
	IdleThreshold time.Duration
	// LockDir holds per-probe lock files. Empty disables cross-process locking.
	LockDir    string
	RTT        rtt.Options
	Downloader *flash.Downloader
}

// CreateOptions selects the probe and target for a new session.
type CreateOptions struct {
	// ProbeSelector is "auto", a decimal index into the probe list, or a
	// serial number.
	ProbeSelector     string
	TargetChip        string
	SpeedKHz          uint32
	ConnectUnderReset bool
	HaltAfterConnect  bool
}

// Stats summarizes the registry.
type Stats struct {
	TotalSessions   int        `json:"total_sessions"`
	MaxSessions     int        `json:"max_sessions"`
	OldestSession   string     `json:"oldest_session,omitempty"`
	OldestCreatedAt *time.Time `json:"oldest_created_at,omitempty"`
	IdleSessions    int        `json:"idle_sessions"`
}

// Registry is the capacity-bounded set of live sessions.
type Registry struct {
	driver probe.Driver
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	// pending counts slots reserved by creates that have not finished.
	pending int
}

// NewRegistry creates a registry backed by driver.
func NewRegistry(driver probe.Driver, cfg Config, logger zerolog.Logger) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = constants.DefaultMaxSessions
	}
	if cfg.HaltTimeout <= 0 {
		cfg.HaltTimeout = constants.DefaultHaltTimeout
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = constants.DefaultIdleThreshold
	}
	return &Registry{
		driver:   driver,
		cfg:      cfg,
		logger:   logger.With().Str("component", "debugger").Logger(),
		sessions: make(map[string]*Session),
	}
}

// MaxSessions returns the configured capacity.
func (r *Registry) MaxSessions() int { return r.cfg.MaxSessions }

// ListProbes enumerates the probes the driver can see.
func (r *Registry) ListProbes(ctx context.Context) ([]probe.Descriptor, error) {
	probes, err := r.driver.List(ctx)
	if err != nil {
		return nil, internalError("list_probes", "failed to enumerate probes", err)
	}
	r.logger.Debug().Int("count", len(probes)).Msg("Listed debug probes")
	return probes, nil
}

// CreateSession opens a probe, attaches to the target and registers a new
// session. Capacity is reserved before any hardware is touched.
func (r *Registry) CreateSession(ctx context.Context, opts CreateOptions) (string, error) {
	const op = "connect"

	target, err := probe.ParseTargetSelector(opts.TargetChip)
	if err != nil {
		return "", newError(InvalidConfig, op, "", err)
	}

	if err := r.reserve(); err != nil {
		return "", err
	}
	reserved := true
	defer func() {
		if reserved {
			r.unreserve()
		}
	}()

	desc, err := r.selectProbe(ctx, opts.ProbeSelector)
	if err != nil {
		return "", err
	}

	key := desc.SerialNumber
	if key == "" {
		key = desc.Identifier
	}
	lock, err := probe.AcquireLock(r.cfg.LockDir, r.driver.Name()+"-"+key)
	if err != nil {
		return "", newError(ConnectionFailed, op, "", err)
	}

	core, info, err := r.attach(ctx, desc, target, opts)
	if err != nil {
		if rerr := lock.Release(); rerr != nil {
			r.logger.Warn().Err(rerr).Msg("Failed to release probe lock")
		}
		return "", err
	}

	id := newSessionID()
	s := newSession(sessionParams{
		id:          id,
		core:        core,
		probeInfo:   info,
		lock:        lock,
		haltTimeout: r.cfg.HaltTimeout,
		rttOpts:     r.cfg.RTT,
		downloader:  r.cfg.Downloader,
		logger:      r.logger,
	})

	r.mu.Lock()
	r.pending--
	reserved = false
	r.sessions[id] = s
	r.mu.Unlock()

	r.logger.Info().
		Str("session_id", id).
		Str("probe", desc.Identifier).
		Str("serial", desc.SerialNumber).
		Str("target", string(target)).
		Uint32("speed_khz", info.SpeedKHz).
		Msg("Debug session created")
	return id, nil
}

func (r *Registry) reserve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions)+r.pending >= r.cfg.MaxSessions {
		return newError(SessionLimitExceeded, "connect", strconv.Itoa(r.cfg.MaxSessions), nil)
	}
	r.pending++
	return nil
}

func (r *Registry) unreserve() {
	r.mu.Lock()
	r.pending--
	r.mu.Unlock()
}

func (r *Registry) selectProbe(ctx context.Context, selector string) (probe.Descriptor, error) {
	const op = "connect"

	probes, err := r.driver.List(ctx)
	if err != nil {
		return probe.Descriptor{}, newError(ConnectionFailed, op, "failed to enumerate probes", err)
	}

	selector = strings.TrimSpace(selector)
	switch {
	case selector == "" || strings.EqualFold(selector, "auto"):
		if len(probes) == 0 {
			return probe.Descriptor{}, newError(ProbeNotFound, op, "No probes found", nil)
		}
		return probes[0], nil
	default:
		idx, err := strconv.Atoi(selector)
		isIndex := err == nil
		if isIndex && idx >= 0 && idx < len(probes) {
			return probes[idx], nil
		}
		// Out-of-range indices may be numeric serials (J-Link).
		for _, p := range probes {
			if p.SerialNumber == selector {
				return p, nil
			}
		}
		if isIndex {
			return probe.Descriptor{}, newError(ProbeNotFound, op, fmt.Sprintf("Probe index %d not found", idx), nil)
		}
		return probe.Descriptor{}, newError(ProbeNotFound, op, fmt.Sprintf("Probe %s not found", selector), nil)
	}
}

// attach opens desc and attaches to target. Every failure is
// ConnectionFailed and leaves nothing open.
func (r *Registry) attach(ctx context.Context, desc probe.Descriptor, target probe.TargetSelector, opts CreateOptions) (probe.Core, probe.Info, error) {
	const op = "connect"

	p, err := r.driver.Open(ctx, desc)
	if err != nil {
		return nil, probe.Info{}, newError(ConnectionFailed, op, "failed to open probe", err)
	}

	speed := opts.SpeedKHz
	if speed == 0 {
		speed = constants.DefaultSpeedKHz
	}
	if err := p.SetSpeed(ctx, speed); err != nil {
		_ = p.Close()
		return nil, probe.Info{}, newError(ConnectionFailed, op, "failed to set probe speed", err)
	}

	core, err := p.Attach(ctx, target, opts.ConnectUnderReset)
	if err != nil {
		_ = p.Close()
		return nil, probe.Info{}, newError(ConnectionFailed, op, "failed to attach to "+string(target), err)
	}

	if opts.HaltAfterConnect {
		if err := core.Halt(ctx, r.cfg.HaltTimeout); err != nil {
			_ = core.Close()
			return nil, probe.Info{}, newError(ConnectionFailed, op, "failed to halt after connect", err)
		}
	}
	return core, p.Info(), nil
}

func newSessionID() string {
	return "session_" + uuid.New().String()
}

// GetSession returns the live session with id.
func (r *Registry) GetSession(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, invalidSession("get_session", id)
	}
	return s, nil
}

// CloseSession removes the session and releases its probe. It waits for
// an in-flight operation on the session to finish.
func (r *Registry) CloseSession(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return invalidSession("disconnect", id)
	}

	if err := s.close(); err != nil {
		r.logger.Warn().Err(err).Str("session_id", id).Msg("Session closed with errors")
		return err
	}
	r.logger.Info().Str("session_id", id).Msg("Debug session closed")
	return nil
}

// ListSessions returns the ids of live sessions, sorted.
func (r *Registry) ListSessions() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Statistics summarizes the registry without touching any core.
func (r *Registry) Statistics() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{TotalSessions: len(r.sessions), MaxSessions: r.cfg.MaxSessions}
	now := time.Now()
	for id, s := range r.sessions {
		created := s.CreatedAt()
		if st.OldestCreatedAt == nil || created.Before(*st.OldestCreatedAt) {
			st.OldestSession = id
			st.OldestCreatedAt = &created
		}
		if now.Sub(s.LastActivity()) > r.cfg.IdleThreshold {
			st.IdleSessions++
		}
	}
	return st
}

// CloseAll closes every session concurrently.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var g errgroup.Group
	for id, s := range sessions {
		g.Go(func() error {
			if err := s.close(); err != nil {
				return fmt.Errorf("session %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if len(sessions) > 0 {
		r.logger.Info().Int("count", len(sessions)).Msg("Closed all debug sessions")
	}
	return err
}
