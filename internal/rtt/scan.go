package rtt

import "fmt"

type scanKind int

const (
	scanExact scanKind = iota + 1
	scanRAM
	scanRanges
)

// Range is a memory window to search for the control block.
type Range struct {
	Start uint64
	Size  uint64
}

// End returns the first address past the range.
func (r Range) End() uint64 { return r.Start + r.Size }

// ScanStrategy says where to look for the control block.
type ScanStrategy struct {
	kind    scanKind
	address uint64
	ranges  []Range
}

// Exact expects the control block at addr.
func Exact(addr uint64) ScanStrategy {
	return ScanStrategy{kind: scanExact, address: addr}
}

// FullRAMScan searches every RAM region of the target.
func FullRAMScan() ScanStrategy {
	return ScanStrategy{kind: scanRAM}
}

// Ranges searches only the given windows, in order.
func Ranges(ranges ...Range) ScanStrategy {
	return ScanStrategy{kind: scanRanges, ranges: ranges}
}

func (s ScanStrategy) String() string {
	switch s.kind {
	case scanExact:
		return fmt.Sprintf("exact(0x%08x)", s.address)
	case scanRAM:
		return "ram"
	case scanRanges:
		return fmt.Sprintf("ranges(%d)", len(s.ranges))
	}
	return "invalid"
}
