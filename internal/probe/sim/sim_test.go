package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/probe-mcp/internal/probe"
)

func attach(t *testing.T, opts Options) (*Driver, *Core) {
	t.Helper()
	ctx := context.Background()
	d := New(opts)
	probes, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, probes, 1)

	p, err := d.Open(ctx, probes[0])
	require.NoError(t, err)
	core, err := p.Attach(ctx, "STM32F407VGTx", false)
	require.NoError(t, err)
	return d, core.(*Core)
}

func TestDriver_OpenAttach(t *testing.T) {
	d, core := attach(t, Options{})

	assert.Equal(t, 1, d.Opens())
	assert.Len(t, d.Cores(), 1)
	assert.Equal(t, "STM32F407VGTx", core.Target().ChipName)
	assert.Len(t, core.Target().RAMRegions(), 1)
	assert.Len(t, core.Target().FlashRegions(), 1)
}

func TestDriver_StrictTargets(t *testing.T) {
	ctx := context.Background()
	d := New(Options{
		StrictTargets: true,
		Targets: map[string]probe.TargetInfo{
			"nRF52840_xxAA": DefaultTarget(""),
		},
	})
	p, err := d.Open(ctx, probe.Descriptor{Identifier: "x"})
	require.NoError(t, err)

	_, err = p.Attach(ctx, "unknown", false)
	assert.Error(t, err)

	core, err := p.Attach(ctx, "nrf52840_xxaa", false)
	require.NoError(t, err)
	assert.Equal(t, "nRF52840_xxAA", core.Target().ChipName)
}

func TestDriver_FailNext(t *testing.T) {
	ctx := context.Background()
	d := New(Options{})
	boom := errors.New("usb error")
	d.FailNext("open", boom)

	_, err := d.Open(ctx, probe.Descriptor{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, d.Opens())

	_, err = d.Open(ctx, probe.Descriptor{})
	assert.NoError(t, err)
}

func TestCore_RunControl(t *testing.T) {
	ctx := context.Background()
	_, core := attach(t, Options{})

	halted, err := core.IsHalted(ctx)
	require.NoError(t, err)
	assert.True(t, halted)

	require.NoError(t, core.Run(ctx))
	halted, _ = core.IsHalted(ctx)
	assert.False(t, halted)
	_, err = core.HaltReason(ctx)
	assert.Error(t, err)

	require.NoError(t, core.Halt(ctx, time.Second))
	reason, err := core.HaltReason(ctx)
	require.NoError(t, err)
	assert.Equal(t, probe.HaltRequest, reason)

	pc, _ := core.ReadRegister(ctx, probe.RegPC)
	require.NoError(t, core.Step(ctx))
	next, _ := core.ReadRegister(ctx, probe.RegPC)
	assert.Equal(t, pc+2, next)
	reason, _ = core.HaltReason(ctx)
	assert.Equal(t, probe.HaltStep, reason)
}

func TestCore_ResetLoadsVectorTable(t *testing.T) {
	ctx := context.Background()
	_, core := attach(t, Options{})

	vt := make([]byte, 8)
	binary.LittleEndian.PutUint32(vt[0:], 0x20020000)
	binary.LittleEndian.PutUint32(vt[4:], 0x08000101)
	require.NoError(t, core.Write(ctx, 0x08000000, vt))

	require.NoError(t, core.ResetAndHalt(ctx, time.Second))
	sp, _ := core.ReadRegister(ctx, probe.RegSP)
	pc, _ := core.ReadRegister(ctx, probe.RegPC)
	assert.Equal(t, uint64(0x20020000), sp)
	assert.Equal(t, uint64(0x08000100), pc)

	reason, _ := core.HaltReason(ctx)
	assert.Equal(t, probe.HaltReset, reason)
}

func TestCore_Memory(t *testing.T) {
	ctx := context.Background()
	_, core := attach(t, Options{})

	require.NoError(t, core.Write(ctx, 0x20000010, []byte{1, 2, 3, 4}))
	buf := make([]byte, 4)
	require.NoError(t, core.Read(ctx, 0x20000010, buf))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)

	assert.Error(t, core.Read(ctx, 0x40000000, buf))
	assert.Error(t, core.Read(ctx, 0x2001FFFE, buf), "crossing the end of RAM")
}

func TestCore_Breakpoints(t *testing.T) {
	ctx := context.Background()
	_, core := attach(t, Options{MaxBreakpoints: 2})

	a, err := core.SetHWBreakpoint(ctx, 0x08000100)
	require.NoError(t, err)
	_, err = core.SetHWBreakpoint(ctx, 0x08000200)
	require.NoError(t, err)
	_, err = core.SetHWBreakpoint(ctx, 0x08000300)
	assert.Error(t, err)

	require.NoError(t, core.ClearHWBreakpoint(ctx, a))
	assert.Error(t, core.ClearHWBreakpoint(ctx, a))
	assert.Equal(t, 1, core.Breakpoints())
}

func TestCore_FlashProgrammer(t *testing.T) {
	ctx := context.Background()
	_, core := attach(t, Options{})

	require.NoError(t, core.EraseFlash(ctx, 0x08000000, 16))
	require.NoError(t, core.ProgramFlash(ctx, 0x08000000, []byte{0xAA, 0xBB}))
	require.NoError(t, core.FlashDone(ctx))
	assert.Equal(t, []string{"erase 0x08000000+16", "program 0x08000000+2", "done"}, core.FlashOps())

	assert.Error(t, core.EraseFlash(ctx, 0x20000000, 16), "RAM is not flash")
}

func TestCore_FailNextAndClose(t *testing.T) {
	ctx := context.Background()
	_, core := attach(t, Options{})
	boom := errors.New("target not responding")

	core.FailNext("WriteRegister", boom)
	assert.ErrorIs(t, core.WriteRegister(ctx, 0, 1), boom)
	assert.Equal(t, 1, core.RegisterWrites())
	assert.NoError(t, core.WriteRegister(ctx, 0, 1))

	require.NoError(t, core.Close())
	assert.True(t, core.Closed())
	assert.ErrorIs(t, core.Halt(ctx, time.Second), ErrClosed)
}

func TestCore_DetectsOverlappingCalls(t *testing.T) {
	ctx := context.Background()
	_, core := attach(t, Options{Latency: 5 * time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = core.IsHalted(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, core.Calls())
	assert.Positive(t, core.Violations())
}

func TestCore_RTT(t *testing.T) {
	ctx := context.Background()
	_, core := attach(t, Options{})

	layout, err := core.PlantRTT(0x20001000,
		[]RTTChannel{{Name: "Terminal", Size: 16}},
		[]RTTChannel{{Size: 8}},
	)
	require.NoError(t, err)
	require.Len(t, layout.Up, 1)
	require.Len(t, layout.Down, 1)

	id := make([]byte, 10)
	require.NoError(t, core.Read(ctx, 0x20001000, id))
	assert.Equal(t, "SEGGER RTT", string(id))

	n, err := core.PushUp(layout, 0, []byte("hello world, this overflows"))
	require.NoError(t, err)
	assert.Equal(t, 15, n, "one slot stays free in a full ring")

	out := make([]byte, 5)
	require.NoError(t, core.Read(ctx, layout.UpBuffers[0], out))
	assert.Equal(t, "hello", string(out))

	// Host writes "ok" into the down buffer and advances WrOff.
	require.NoError(t, core.Write(ctx, layout.DownBuffers[0], []byte("ok")))
	off := make([]byte, 4)
	binary.LittleEndian.PutUint32(off, 2)
	require.NoError(t, core.Write(ctx, layout.Down[0]+12, off))

	got, err := core.DrainDown(layout, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))
}
