package probe

import "fmt"

// MemoryKind classifies a memory region.
type MemoryKind string

const (
	MemoryRAM   MemoryKind = "ram"
	MemoryFlash MemoryKind = "flash"
)

// MemoryRegion is one contiguous region of the target memory map.
type MemoryRegion struct {
	Name  string     `json:"name" yaml:"name" toml:"name"`
	Kind  MemoryKind `json:"kind" yaml:"kind" toml:"kind"`
	Start uint64     `json:"start" yaml:"start" toml:"start"`
	Size  uint64     `json:"size" yaml:"size" toml:"size"`
}

// End returns the first address past the region.
func (r MemoryRegion) End() uint64 {
	return r.Start + r.Size
}

// Contains reports whether addr lies inside the region.
func (r MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// Access renders the region's access mode the way tool responses show it.
func (r MemoryRegion) Access() string {
	if r.Kind == MemoryFlash {
		return "rx"
	}
	return "rwx"
}

// TargetInfo is the metadata captured when a core is attached.
type TargetInfo struct {
	ChipName     string         `json:"chip_name"`
	Architecture string         `json:"architecture"`
	CoreType     string         `json:"core_type"`
	Memory       []MemoryRegion `json:"memory_map"`
}

// RAMRegions returns the RAM regions in memory map order.
func (t TargetInfo) RAMRegions() []MemoryRegion {
	return t.regions(MemoryRAM)
}

// FlashRegions returns the flash regions in memory map order.
func (t TargetInfo) FlashRegions() []MemoryRegion {
	return t.regions(MemoryFlash)
}

// FlashRegionFor returns the flash region covering addr.
func (t TargetInfo) FlashRegionFor(addr uint64) (MemoryRegion, bool) {
	for _, r := range t.FlashRegions() {
		if r.Contains(addr) {
			return r, true
		}
	}
	return MemoryRegion{}, false
}

func (t TargetInfo) regions(kind MemoryKind) []MemoryRegion {
	var out []MemoryRegion
	for _, r := range t.Memory {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// HaltReason explains why a core stopped.
type HaltReason int

const (
	HaltUnknown HaltReason = iota
	HaltRequest
	HaltBreakpoint
	HaltStep
	HaltWatchpoint
	HaltException
	HaltReset
)

func (h HaltReason) String() string {
	switch h {
	case HaltRequest:
		return "Request"
	case HaltBreakpoint:
		return "Breakpoint"
	case HaltStep:
		return "Step"
	case HaltWatchpoint:
		return "Watchpoint"
	case HaltException:
		return "Exception"
	case HaltReset:
		return "Reset"
	}
	return "Unknown"
}

// RegisterID is the architectural core register number (ARM numbering).
type RegisterID uint16

const (
	RegSP RegisterID = 13
	RegLR RegisterID = 14
	RegPC RegisterID = 15
)

func (r RegisterID) String() string {
	switch r {
	case RegSP:
		return "SP"
	case RegLR:
		return "LR"
	case RegPC:
		return "PC"
	}
	return fmt.Sprintf("R%d", uint16(r))
}
