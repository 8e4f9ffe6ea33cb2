package gdbremote

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/probe-mcp/internal/probe"
	"github.com/coral-mesh/probe-mcp/internal/retry"
)

func TestRLEDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "no runs", in: "abc", want: "abc"},
		{name: "run of zeros", in: "0* ", want: "0000"},
		{name: "leading star", in: "*a", wantErr: true},
		{name: "trailing star", in: "a*", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rleDecode([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEscapeBinary(t *testing.T) {
	in := []byte{'a', '$', '#', '*', 0x7d, 0x03}
	escaped := escapeBinary(in)
	assert.NotContains(t, string(escaped), "$")
	assert.NotContains(t, string(escaped), "#")

	back, err := unescapeBinary(escaped)
	require.NoError(t, err)
	assert.Equal(t, in, back)

	_, err = unescapeBinary([]byte{0x7d})
	assert.Error(t, err)
}

func TestParseStopReply(t *testing.T) {
	tests := []struct {
		reply     string
		requested bool
		stepped   bool
		want      probe.HaltReason
	}{
		{reply: "S05", want: probe.HaltBreakpoint},
		{reply: "S05", stepped: true, want: probe.HaltStep},
		{reply: "S05", requested: true, want: probe.HaltRequest},
		{reply: "T02thread:1;", want: probe.HaltRequest},
		{reply: "T05hwbreak:;thread:1;", requested: true, want: probe.HaltBreakpoint},
		{reply: "T05watch:20000000;", want: probe.HaltWatchpoint},
		{reply: "S0b", want: probe.HaltException},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			sr, err := parseStopReply([]byte(tt.reply))
			require.NoError(t, err)
			assert.Equal(t, tt.want, stopReason(sr, tt.requested, tt.stepped))
		})
	}

	sr, err := parseStopReply([]byte("W00"))
	require.NoError(t, err)
	assert.True(t, sr.Exited)

	_, err = parseStopReply([]byte("Q"))
	assert.Error(t, err)
}

func TestParseError(t *testing.T) {
	err := parseError("m0,4", []byte("E0e"))
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint8(0x0e), se.Code)
	assert.NoError(t, parseError("m0,4", []byte("E0")))
	assert.NoError(t, parseError("m0,4", []byte("deadbeef")))
}

func TestParseMemoryMap(t *testing.T) {
	doc := `<?xml version="1.0"?>
<memory-map>
  <memory type="flash" start="0x08000000" length="0x80000"><property name="blocksize">0x4000</property></memory>
  <memory type="ram" start="0x20000000" length="0x20000"/>
  <memory type="ram" start="0x10000000" length="0x10000"/>
  <memory type="rom" start="0x1fff0000" length="0x7800"/>
</memory-map>`
	regions, err := parseMemoryMap([]byte(doc))
	require.NoError(t, err)
	require.Len(t, regions, 3)
	assert.Equal(t, probe.MemoryRegion{Name: "FLASH", Kind: probe.MemoryFlash, Start: 0x08000000, Size: 0x80000}, regions[0])
	assert.Equal(t, "RAM", regions[1].Name)
	assert.Equal(t, "RAM1", regions[2].Name)

	_, err = parseMemoryMap([]byte("<memory-map><memory type=\"ram\" start=\"zz\" length=\"1\"/></memory-map>"))
	assert.Error(t, err)
}

func openCore(t *testing.T, srv *fakeServer, underReset bool) (*Driver, *Core) {
	t.Helper()
	ctx := context.Background()
	d := New(Options{
		Servers: []Server{{Name: "openocd", Address: srv.addr()}},
		Client:  ClientConfig{CommandTimeout: 2 * time.Second},
		Dial:    retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond},
		Logger:  zerolog.Nop(),
	})
	descs, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, DriverName, descs[0].ProbeType)

	p, err := d.Open(ctx, descs[0])
	require.NoError(t, err)
	require.NoError(t, p.SetSpeed(ctx, 4000))
	assert.Equal(t, uint32(4000), p.Info().SpeedKHz)

	core, err := p.Attach(ctx, "STM32F407VGTx", underReset)
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	return d, core.(*Core)
}

func TestCore_MemoryAndRegisters(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(t)
	_, core := openCore(t, srv, false)

	assert.Equal(t, []string{"adapter speed 4000"}, srv.monitorLog())
	assert.Len(t, core.Target().FlashRegions(), 1, "default memory map without qXfer")

	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, core.Write(ctx, 0x20000000, data))
	back := make([]byte, len(data))
	require.NoError(t, core.Read(ctx, 0x20000000, back))
	assert.Equal(t, data, back)

	require.NoError(t, core.WriteRegister(ctx, probe.RegPC, 0x08000124))
	pc, err := core.ReadRegister(ctx, probe.RegPC)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x08000124), pc)

	srv.mu.Lock()
	srv.noPReg = true
	srv.mu.Unlock()
	pc, err = core.ReadRegister(ctx, probe.RegPC)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x08000124), pc, "g packet fallback")
}

func TestCore_RunControl(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(t)
	_, core := openCore(t, srv, false)

	halted, err := core.IsHalted(ctx)
	require.NoError(t, err)
	assert.True(t, halted)

	require.NoError(t, core.Run(ctx))
	halted, err = core.IsHalted(ctx)
	require.NoError(t, err)
	assert.False(t, halted)
	_, err = core.HaltReason(ctx)
	assert.Error(t, err)

	// Memory access on a running core halts and resumes it.
	buf := make([]byte, 4)
	require.NoError(t, core.Read(ctx, 0x20000000, buf))
	assert.True(t, core.running)

	require.NoError(t, core.Halt(ctx, time.Second))
	reason, err := core.HaltReason(ctx)
	require.NoError(t, err)
	assert.Equal(t, probe.HaltRequest, reason)

	require.NoError(t, core.Step(ctx))
	reason, _ = core.HaltReason(ctx)
	assert.Equal(t, probe.HaltStep, reason)
}

func TestCore_BreakpointHit(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(t)
	_, core := openCore(t, srv, false)

	id, err := core.SetHWBreakpoint(ctx, 0x08000200)
	require.NoError(t, err)
	srv.mu.Lock()
	assert.True(t, srv.hwbps[0x08000200])
	srv.mu.Unlock()

	require.NoError(t, core.Run(ctx))
	srv.stop("T05hwbreak:;thread:1;")

	require.Eventually(t, func() bool {
		halted, err := core.IsHalted(ctx)
		return err == nil && halted
	}, time.Second, 10*time.Millisecond)

	reason, err := core.HaltReason(ctx)
	require.NoError(t, err)
	assert.Equal(t, probe.HaltBreakpoint, reason)

	require.NoError(t, core.ClearHWBreakpoint(ctx, id))
	assert.Error(t, core.ClearHWBreakpoint(ctx, id))
	srv.mu.Lock()
	assert.Empty(t, srv.hwbps)
	srv.mu.Unlock()
}

func TestCore_ResetAndFlash(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(t)
	_, core := openCore(t, srv, true)

	reason, err := core.HaltReason(ctx)
	require.NoError(t, err)
	assert.Equal(t, probe.HaltReset, reason)

	require.NoError(t, core.ResetAndHalt(ctx, time.Second))
	assert.Contains(t, srv.monitorLog(), "reset halt")

	image := []byte{'$', '#', 0x7d, '*', 1, 2, 3}
	require.NoError(t, core.EraseFlash(ctx, 0x08000000, 0x4000))
	require.NoError(t, core.ProgramFlash(ctx, 0x08000000, image))
	require.NoError(t, core.FlashDone(ctx))

	srv.mu.Lock()
	assert.Equal(t, []string{"erase 8000000,4000", "write 8000000+7", "done"}, srv.flashLog)
	srv.mu.Unlock()

	back := make([]byte, len(image))
	require.NoError(t, core.Read(ctx, 0x08000000, back))
	assert.Equal(t, image, back)

	require.NoError(t, core.Reset(ctx, time.Second))
	assert.True(t, core.running)
}

func TestCore_MemoryMapFromServer(t *testing.T) {
	srv := newFakeServer(t)
	srv.memXML = `<memory-map><memory type="flash" start="0x0" length="0x100000"/><memory type="ram" start="0x20000000" length="0x40000"/></memory-map>`
	_, core := openCore(t, srv, false)

	flash := core.Target().FlashRegions()
	require.Len(t, flash, 1)
	assert.Equal(t, uint64(0x100000), flash[0].Size)
	assert.Equal(t, "STM32F407VGTx", core.Target().ChipName)
}

func TestDriver_OpenRequiresAddress(t *testing.T) {
	d := New(Options{Logger: zerolog.Nop()})
	_, err := d.Open(context.Background(), probe.Descriptor{Identifier: "x"})
	assert.Error(t, err)
}

func TestMonitorPreset(t *testing.T) {
	m, err := MonitorPreset("")
	require.NoError(t, err)
	assert.Equal(t, OpenOCDMonitor, m)

	m, err = MonitorPreset("pyOCD")
	require.NoError(t, err)
	assert.Equal(t, "frequency %dK", m.SpeedFormat)

	_, err = MonitorPreset("jlink")
	assert.Error(t, err)
}
