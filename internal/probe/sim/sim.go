// Package sim implements a simulated probe driver backed by an in-memory
// Cortex-M style target. It is used for dry runs of MCP clients without
// hardware, and as the hardware double in tests: every Core call is counted
// and overlapping calls are recorded as exclusivity violations.
package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coral-mesh/probe-mcp/internal/constants"
	"github.com/coral-mesh/probe-mcp/internal/probe"
)

// DriverName is the config value selecting this driver.
const DriverName = "sim"

// DefaultTarget returns the memory map used for chips without an entry in
// the target table.
func DefaultTarget(chip string) probe.TargetInfo {
	return probe.TargetInfo{
		ChipName:     chip,
		Architecture: "Armv7m",
		CoreType:     "Cortex-M4",
		Memory: []probe.MemoryRegion{
			{Name: "FLASH", Kind: probe.MemoryFlash, Start: constants.DefaultFlashStart, Size: constants.DefaultFlashSize},
			{Name: "SRAM", Kind: probe.MemoryRAM, Start: constants.DefaultRAMStart, Size: constants.DefaultRAMSize},
		},
	}
}

// Options configures a simulated driver.
type Options struct {
	// Probes are the descriptors List returns. One default probe when empty.
	Probes []probe.Descriptor
	// Targets maps chip names (case-insensitive) to memory maps.
	// Unknown chips get DefaultTarget unless StrictTargets is set.
	Targets       map[string]probe.TargetInfo
	StrictTargets bool
	// Latency is added to every core call to widen race windows in tests.
	Latency time.Duration
	// MaxBreakpoints is the number of hardware comparators (default 6).
	MaxBreakpoints int
}

// Driver is the simulated probe driver.
type Driver struct {
	opts  Options
	opens atomic.Int64

	mu    sync.Mutex
	cores []*Core
	fail  map[string]error
}

// New creates a simulated driver.
func New(opts Options) *Driver {
	if len(opts.Probes) == 0 {
		opts.Probes = []probe.Descriptor{{
			Identifier:   "Simulated Probe",
			VendorID:     0x1209,
			ProductID:    0x0001,
			SerialNumber: "SIM0001",
			ProbeType:    "sim",
		}}
	}
	if opts.MaxBreakpoints <= 0 {
		opts.MaxBreakpoints = 6
	}
	return &Driver{opts: opts, fail: make(map[string]error)}
}

// Name implements probe.Driver.
func (d *Driver) Name() string { return DriverName }

// List implements probe.Driver.
func (d *Driver) List(ctx context.Context) ([]probe.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]probe.Descriptor, len(d.opts.Probes))
	copy(out, d.opts.Probes)
	return out, nil
}

// Open implements probe.Driver.
func (d *Driver) Open(ctx context.Context, desc probe.Descriptor) (probe.Probe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.opens.Add(1)
	if err := d.takeFault("open"); err != nil {
		return nil, err
	}
	return &simProbe{driver: d, info: probe.Info{Descriptor: desc, Version: "sim"}}, nil
}

// Opens returns how many times Open was called.
func (d *Driver) Opens() int {
	return int(d.opens.Load())
}

// Cores returns every core attached through this driver, oldest first.
func (d *Driver) Cores() []*Core {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Core, len(d.cores))
	copy(out, d.cores)
	return out
}

// FailNext makes the next probe-level call named op ("open", "speed",
// "attach") fail with err.
func (d *Driver) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[op] = err
}

func (d *Driver) takeFault(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.fail[op]
	delete(d.fail, op)
	return err
}

func (d *Driver) target(chip probe.TargetSelector) (probe.TargetInfo, error) {
	for name, info := range d.opts.Targets {
		if strings.EqualFold(name, string(chip)) {
			if info.ChipName == "" {
				info.ChipName = name
			}
			return info, nil
		}
	}
	if d.opts.StrictTargets {
		return probe.TargetInfo{}, fmt.Errorf("unknown target chip %q", chip)
	}
	return DefaultTarget(string(chip)), nil
}

type simProbe struct {
	driver *Driver
	info   probe.Info
}

func (p *simProbe) Info() probe.Info { return p.info }

func (p *simProbe) SetSpeed(_ context.Context, khz uint32) error {
	if err := p.driver.takeFault("speed"); err != nil {
		return err
	}
	if khz == 0 {
		return fmt.Errorf("speed must be positive")
	}
	p.info.SpeedKHz = khz
	return nil
}

func (p *simProbe) Attach(_ context.Context, target probe.TargetSelector, underReset bool) (probe.Core, error) {
	if err := p.driver.takeFault("attach"); err != nil {
		return nil, err
	}
	info, err := p.driver.target(target)
	if err != nil {
		return nil, err
	}

	core := newCore(info, p.driver.opts)
	core.AttachedUnderReset = underReset
	if underReset {
		core.halted = true
		core.reason = probe.HaltReset
	}

	p.driver.mu.Lock()
	p.driver.cores = append(p.driver.cores, core)
	p.driver.mu.Unlock()
	return core, nil
}

func (p *simProbe) Close() error { return nil }
