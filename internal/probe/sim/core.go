package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coral-mesh/probe-mcp/internal/probe"
	"github.com/coral-mesh/probe-mcp/internal/safe"
)

// ErrClosed is returned by every call on a closed core.
var ErrClosed = errors.New("sim: core closed")

// Core is a simulated target core. It deliberately has no internal locking
// around its state: overlapping calls are detected and counted instead, so
// tests can assert that callers serialize access.
type Core struct {
	info    probe.TargetInfo
	latency time.Duration
	maxBP   int

	AttachedUnderReset bool

	inFlight   atomic.Int32
	violations atomic.Int64
	calls      atomic.Int64
	writes     atomic.Int64
	closed     atomic.Bool

	faultMu sync.Mutex
	faults  map[string]error

	mem    map[string][]byte
	regs   [16]uint64
	halted bool
	reason probe.HaltReason

	bps    map[probe.BreakpointID]uint64
	nextBP probe.BreakpointID

	flashOps []string
}

var (
	_ probe.Core            = (*Core)(nil)
	_ probe.FlashProgrammer = (*Core)(nil)
)

func newCore(info probe.TargetInfo, opts Options) *Core {
	c := &Core{
		info:    info,
		latency: opts.Latency,
		maxBP:   opts.MaxBreakpoints,
		faults:  make(map[string]error),
		mem:     make(map[string][]byte),
		bps:     make(map[probe.BreakpointID]uint64),
		nextBP:  1,
		halted:  true,
		reason:  probe.HaltRequest,
	}
	for _, r := range info.Memory {
		buf := make([]byte, r.Size)
		if r.Kind == probe.MemoryFlash {
			for i := range buf {
				buf[i] = 0xFF
			}
		}
		c.mem[r.Name] = buf
	}
	if ram := info.RAMRegions(); len(ram) > 0 {
		c.regs[probe.RegSP] = ram[0].End()
	}
	return c
}

// Calls returns the number of core calls observed.
func (c *Core) Calls() int { return int(c.calls.Load()) }

// Violations returns how many calls started while another was in flight.
func (c *Core) Violations() int { return int(c.violations.Load()) }

// RegisterWrites returns how many WriteRegister calls reached the core.
func (c *Core) RegisterWrites() int { return int(c.writes.Load()) }

// Closed reports whether Close was called.
func (c *Core) Closed() bool { return c.closed.Load() }

// Breakpoints returns the number of installed hardware breakpoints.
func (c *Core) Breakpoints() int {
	done := c.enter("inspect")
	defer done()
	return len(c.bps)
}

// FlashOps returns the flash programming calls seen, in order.
func (c *Core) FlashOps() []string {
	done := c.enter("inspect")
	defer done()
	out := make([]string, len(c.flashOps))
	copy(out, c.flashOps)
	return out
}

// FailNext makes the next call of op fail with err. Op names match the
// probe.Core method names ("Halt", "Read", "HaltReason", ...).
func (c *Core) FailNext(op string, err error) {
	c.faultMu.Lock()
	defer c.faultMu.Unlock()
	c.faults[op] = err
}

func (c *Core) fault(op string) error {
	c.faultMu.Lock()
	defer c.faultMu.Unlock()
	err := c.faults[op]
	delete(c.faults, op)
	return err
}

// enter marks a call in flight and returns its completion func.
func (c *Core) enter(op string) func() {
	if c.inFlight.Add(1) > 1 {
		c.violations.Add(1)
	}
	if op != "inspect" {
		c.calls.Add(1)
	}
	if c.latency > 0 {
		time.Sleep(c.latency)
	}
	return func() { c.inFlight.Add(-1) }
}

func (c *Core) begin(op string) (func(), error) {
	done := c.enter(op)
	if c.closed.Load() {
		return done, ErrClosed
	}
	if err := c.fault(op); err != nil {
		return done, err
	}
	return done, nil
}

func (c *Core) Halt(_ context.Context, _ time.Duration) error {
	done, err := c.begin("Halt")
	defer done()
	if err != nil {
		return err
	}
	if !c.halted {
		c.halted = true
		c.reason = probe.HaltRequest
	}
	return nil
}

func (c *Core) Run(_ context.Context) error {
	done, err := c.begin("Run")
	defer done()
	if err != nil {
		return err
	}
	c.halted = false
	return nil
}

func (c *Core) Reset(_ context.Context, _ time.Duration) error {
	done, err := c.begin("Reset")
	defer done()
	if err != nil {
		return err
	}
	c.reset()
	c.halted = false
	return nil
}

func (c *Core) ResetAndHalt(_ context.Context, _ time.Duration) error {
	done, err := c.begin("ResetAndHalt")
	defer done()
	if err != nil {
		return err
	}
	c.reset()
	c.halted = true
	c.reason = probe.HaltReset
	return nil
}

// reset loads SP and PC from the vector table at the start of flash.
func (c *Core) reset() {
	c.regs = [16]uint64{}
	flash := c.info.FlashRegions()
	if len(flash) == 0 {
		return
	}
	vt := c.mem[flash[0].Name]
	if len(vt) < 8 {
		return
	}
	c.regs[probe.RegSP] = uint64(binary.LittleEndian.Uint32(vt[0:4]))
	c.regs[probe.RegPC] = uint64(binary.LittleEndian.Uint32(vt[4:8]) &^ 1)
}

func (c *Core) Step(_ context.Context) error {
	done, err := c.begin("Step")
	defer done()
	if err != nil {
		return err
	}
	if !c.halted {
		return fmt.Errorf("core is running")
	}
	c.regs[probe.RegPC] += 2
	c.reason = probe.HaltStep
	for _, addr := range c.bps {
		if addr == c.regs[probe.RegPC] {
			c.reason = probe.HaltBreakpoint
		}
	}
	return nil
}

func (c *Core) Read(_ context.Context, addr uint64, buf []byte) error {
	done, err := c.begin("Read")
	defer done()
	if err != nil {
		return err
	}
	region, err := c.region(addr, len(buf))
	if err != nil {
		return err
	}
	mem := c.mem[region.Name]
	copy(buf, mem[addr-region.Start:])
	return nil
}

func (c *Core) Write(_ context.Context, addr uint64, data []byte) error {
	done, err := c.begin("Write")
	defer done()
	if err != nil {
		return err
	}
	return c.writeLocked(addr, data)
}

func (c *Core) writeLocked(addr uint64, data []byte) error {
	region, err := c.region(addr, len(data))
	if err != nil {
		return err
	}
	copy(c.mem[region.Name][addr-region.Start:], data)
	return nil
}

func (c *Core) region(addr uint64, n int) (probe.MemoryRegion, error) {
	for _, r := range c.info.Memory {
		if r.Contains(addr) && addr+uint64(n) <= r.End() {
			return r, nil
		}
	}
	return probe.MemoryRegion{}, fmt.Errorf("access of %d bytes at 0x%08x is outside the memory map", n, addr)
}

func (c *Core) ReadRegister(_ context.Context, id probe.RegisterID) (uint64, error) {
	done, err := c.begin("ReadRegister")
	defer done()
	if err != nil {
		return 0, err
	}
	if int(id) >= len(c.regs) {
		return 0, fmt.Errorf("no such register %d", id)
	}
	return c.regs[id], nil
}

func (c *Core) WriteRegister(_ context.Context, id probe.RegisterID, value uint64) error {
	done, err := c.begin("WriteRegister")
	defer done()
	c.writes.Add(1)
	if err != nil {
		return err
	}
	if int(id) >= len(c.regs) {
		return fmt.Errorf("no such register %d", id)
	}
	c.regs[id] = value & 0xFFFFFFFF
	return nil
}

func (c *Core) IsHalted(_ context.Context) (bool, error) {
	done, err := c.begin("IsHalted")
	defer done()
	if err != nil {
		return false, err
	}
	return c.halted, nil
}

func (c *Core) HaltReason(_ context.Context) (probe.HaltReason, error) {
	done, err := c.begin("HaltReason")
	defer done()
	if err != nil {
		return probe.HaltUnknown, err
	}
	if !c.halted {
		return probe.HaltUnknown, fmt.Errorf("core is running")
	}
	return c.reason, nil
}

func (c *Core) SetHWBreakpoint(_ context.Context, addr uint64) (probe.BreakpointID, error) {
	done, err := c.begin("SetHWBreakpoint")
	defer done()
	if err != nil {
		return 0, err
	}
	if len(c.bps) >= c.maxBP {
		return 0, fmt.Errorf("all %d hardware breakpoint units are in use", c.maxBP)
	}
	id := c.nextBP
	c.nextBP++
	c.bps[id] = addr
	return id, nil
}

func (c *Core) ClearHWBreakpoint(_ context.Context, id probe.BreakpointID) error {
	done, err := c.begin("ClearHWBreakpoint")
	defer done()
	if err != nil {
		return err
	}
	if _, ok := c.bps[id]; !ok {
		return fmt.Errorf("no breakpoint with id %d", id)
	}
	delete(c.bps, id)
	return nil
}

func (c *Core) EraseFlash(_ context.Context, addr uint64, size uint64) error {
	done, err := c.begin("EraseFlash")
	defer done()
	if err != nil {
		return err
	}
	n, clamped := safe.Uint64ToInt(size)
	if clamped {
		return fmt.Errorf("erase size %d too large", size)
	}
	region, err := c.region(addr, n)
	if err != nil {
		return err
	}
	if region.Kind != probe.MemoryFlash {
		return fmt.Errorf("0x%08x is not flash", addr)
	}
	mem := c.mem[region.Name][addr-region.Start : addr-region.Start+size]
	for i := range mem {
		mem[i] = 0xFF
	}
	c.flashOps = append(c.flashOps, fmt.Sprintf("erase 0x%08x+%d", addr, size))
	return nil
}

func (c *Core) ProgramFlash(_ context.Context, addr uint64, data []byte) error {
	done, err := c.begin("ProgramFlash")
	defer done()
	if err != nil {
		return err
	}
	if err := c.writeLocked(addr, data); err != nil {
		return err
	}
	c.flashOps = append(c.flashOps, fmt.Sprintf("program 0x%08x+%d", addr, len(data)))
	return nil
}

func (c *Core) FlashDone(_ context.Context) error {
	done, err := c.begin("FlashDone")
	defer done()
	if err != nil {
		return err
	}
	c.flashOps = append(c.flashOps, "done")
	return nil
}

func (c *Core) Target() probe.TargetInfo { return c.info }

func (c *Core) Close() error {
	c.closed.Store(true)
	return nil
}
