package debugger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/probe-mcp/internal/probe"
	"github.com/coral-mesh/probe-mcp/internal/probe/sim"
	"github.com/coral-mesh/probe-mcp/internal/testutil"
)

func newRegistry(t *testing.T, opts sim.Options, cfg Config) (*Registry, *sim.Driver) {
	t.Helper()
	drv := sim.New(opts)
	reg := NewRegistry(drv, cfg, testutil.NewTestLogger(t))
	t.Cleanup(func() { _ = reg.CloseAll() })
	return reg, drv
}

func connect(t *testing.T, reg *Registry) string {
	t.Helper()
	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	id, err := reg.CreateSession(ctx, CreateOptions{ProbeSelector: "auto", TargetChip: "STM32F407VGTx"})
	require.NoError(t, err)
	return id
}

func TestRegistry_Capacity(t *testing.T) {
	reg, drv := newRegistry(t, sim.Options{}, Config{MaxSessions: 2})

	connect(t, reg)
	connect(t, reg)
	require.Equal(t, 2, drv.Opens())

	_, err := reg.CreateSession(context.Background(), CreateOptions{ProbeSelector: "auto", TargetChip: "STM32F407VGTx"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionLimitExceeded))
	assert.Equal(t, "Session limit exceeded: 2", err.Error())
	assert.Equal(t, 2, drv.Opens(), "no probe may be opened when at capacity")
	assert.Equal(t, 2, reg.SessionCount())
}

func TestRegistry_ConcurrentCreatesRespectCapacity(t *testing.T) {
	reg, drv := newRegistry(t, sim.Options{Latency: time.Millisecond}, Config{MaxSessions: 3})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.CreateSession(context.Background(), CreateOptions{TargetChip: "nRF52840_xxAA", HaltAfterConnect: true})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if KindOf(err) == SessionLimitExceeded {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 9, rejected)
	assert.Equal(t, 3, reg.SessionCount())
	assert.Equal(t, 3, drv.Opens())
}

func TestRegistry_ProbeSelection(t *testing.T) {
	probes := []probe.Descriptor{
		{Identifier: "ST-Link V3", SerialNumber: "0667FF48", ProbeType: "sim"},
		{Identifier: "J-Link", SerialNumber: "000123456", ProbeType: "sim"},
	}

	tests := []struct {
		name       string
		selector   string
		wantSerial string
		wantKind   Kind
		wantMsg    string
	}{
		{name: "auto", selector: "auto", wantSerial: "0667FF48"},
		{name: "empty means auto", selector: "", wantSerial: "0667FF48"},
		{name: "index", selector: "1", wantSerial: "000123456"},
		{name: "serial", selector: "000123456", wantSerial: "000123456"},
		{name: "index out of range", selector: "7", wantKind: ProbeNotFound, wantMsg: "Probe not found: Probe index 7 not found"},
		{name: "negative index", selector: "-1", wantKind: ProbeNotFound, wantMsg: "Probe not found: Probe index -1 not found"},
		{name: "unknown serial", selector: "DEADBEEF", wantKind: ProbeNotFound, wantMsg: "Probe not found: Probe DEADBEEF not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, drv := newRegistry(t, sim.Options{Probes: probes}, Config{})
			id, err := reg.CreateSession(context.Background(), CreateOptions{ProbeSelector: tt.selector, TargetChip: "STM32F407VGTx"})
			if tt.wantMsg != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, KindOf(err))
				assert.Equal(t, tt.wantMsg, err.Error())
				assert.Zero(t, drv.Opens())
				assert.Zero(t, reg.SessionCount())
				return
			}
			require.NoError(t, err)
			s, err := reg.GetSession(id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSerial, s.ProbeInfo().SerialNumber)
		})
	}
}

func TestRegistry_NoProbes(t *testing.T) {
	drv := sim.New(sim.Options{})
	reg := NewRegistry(emptyLister{drv}, Config{}, testutil.NewTestLogger(t))

	_, err := reg.CreateSession(context.Background(), CreateOptions{ProbeSelector: "auto", TargetChip: "STM32F407VGTx"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProbeNotFound))
	assert.Zero(t, drv.Opens())
}

type emptyLister struct{ *sim.Driver }

func (emptyLister) List(context.Context) ([]probe.Descriptor, error) { return nil, nil }

func TestRegistry_InvalidTarget(t *testing.T) {
	reg, drv := newRegistry(t, sim.Options{}, Config{})

	for _, chip := range []string{"", "  ", "STM32 F4"} {
		_, err := reg.CreateSession(context.Background(), CreateOptions{TargetChip: chip})
		require.Error(t, err, chip)
		assert.Equal(t, InvalidConfig, KindOf(err), chip)
	}
	assert.Zero(t, drv.Opens())
}

func TestRegistry_ConnectionFailures(t *testing.T) {
	for _, op := range []string{"open", "speed", "attach"} {
		t.Run(op, func(t *testing.T) {
			reg, drv := newRegistry(t, sim.Options{}, Config{MaxSessions: 1})
			drv.FailNext(op, errors.New("USB transfer timed out"))

			_, err := reg.CreateSession(context.Background(), CreateOptions{TargetChip: "STM32F407VGTx"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConnectionFailed))
			assert.Contains(t, err.Error(), "USB transfer timed out")

			// The reserved slot is given back.
			connect(t, reg)
		})
	}
}

func TestRegistry_UnknownChipIsConnectionFailure(t *testing.T) {
	reg, _ := newRegistry(t, sim.Options{StrictTargets: true}, Config{})
	_, err := reg.CreateSession(context.Background(), CreateOptions{TargetChip: "NotAChip"})
	require.Error(t, err)
	assert.Equal(t, ConnectionFailed, KindOf(err))
}

func TestRegistry_Lifecycle(t *testing.T) {
	reg, drv := newRegistry(t, sim.Options{}, Config{})
	ctx := context.Background()

	id := connect(t, reg)
	assert.True(t, strings.HasPrefix(id, "session_"))
	assert.Equal(t, []string{id}, reg.ListSessions())

	s, err := reg.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID())
	assert.Equal(t, "STM32F407VGTx", s.TargetInfo().ChipName)
	assert.Equal(t, uint32(4000), s.ProbeInfo().SpeedKHz)

	require.NoError(t, reg.CloseSession(id))
	assert.True(t, drv.Cores()[0].Closed())
	assert.Empty(t, reg.ListSessions())

	_, err = reg.GetSession(id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSession))
	assert.Equal(t, "Invalid session: "+id, err.Error())

	err = reg.CloseSession(id)
	assert.True(t, errors.Is(err, ErrInvalidSession))

	// A reference held across close fails cleanly.
	_, err = s.Halt(ctx)
	assert.True(t, errors.Is(err, ErrInvalidSession))

	other := connect(t, reg)
	assert.NotEqual(t, id, other)
}

func TestRegistry_ConnectOptions(t *testing.T) {
	reg, drv := newRegistry(t, sim.Options{}, Config{})
	ctx := context.Background()

	id, err := reg.CreateSession(ctx, CreateOptions{TargetChip: "STM32F407VGTx", SpeedKHz: 1800, ConnectUnderReset: true})
	require.NoError(t, err)
	s, err := reg.GetSession(id)
	require.NoError(t, err)

	assert.Equal(t, uint32(1800), s.ProbeInfo().SpeedKHz)
	assert.True(t, drv.Cores()[0].AttachedUnderReset)

	st, err := s.CoreStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsHalted)
	assert.Equal(t, "Reset", st.HaltReason)
}

func TestRegistry_LockDir(t *testing.T) {
	dir := t.TempDir()
	reg, _ := newRegistry(t, sim.Options{}, Config{LockDir: dir})

	id := connect(t, reg)

	// The same probe cannot be claimed twice while locked.
	_, err := reg.CreateSession(context.Background(), CreateOptions{TargetChip: "STM32F407VGTx"})
	require.Error(t, err)
	assert.Equal(t, ConnectionFailed, KindOf(err))

	require.NoError(t, reg.CloseSession(id))
	connect(t, reg)
}

func TestRegistry_Statistics(t *testing.T) {
	reg, _ := newRegistry(t, sim.Options{}, Config{MaxSessions: 4, IdleThreshold: time.Hour})

	st := reg.Statistics()
	assert.Equal(t, 0, st.TotalSessions)
	assert.Equal(t, 4, st.MaxSessions)
	assert.Nil(t, st.OldestCreatedAt)

	first := connect(t, reg)
	time.Sleep(2 * time.Millisecond)
	connect(t, reg)

	st = reg.Statistics()
	assert.Equal(t, 2, st.TotalSessions)
	assert.Equal(t, first, st.OldestSession)
	assert.Zero(t, st.IdleSessions)

	reg.cfg.IdleThreshold = time.Nanosecond
	time.Sleep(time.Millisecond)
	assert.Equal(t, 2, reg.Statistics().IdleSessions)
}

func TestRegistry_CloseAll(t *testing.T) {
	reg, drv := newRegistry(t, sim.Options{}, Config{})
	connect(t, reg)
	connect(t, reg)
	connect(t, reg)

	require.NoError(t, reg.CloseAll())
	assert.Zero(t, reg.SessionCount())
	for _, c := range drv.Cores() {
		assert.True(t, c.Closed())
	}
}

func TestRegistry_ListProbes(t *testing.T) {
	reg, _ := newRegistry(t, sim.Options{}, Config{})
	probes, err := reg.ListProbes(context.Background())
	require.NoError(t, err)
	require.Len(t, probes, 1)
	assert.Equal(t, "SIM0001", probes[0].SerialNumber)
}
