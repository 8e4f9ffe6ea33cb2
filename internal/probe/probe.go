// Package probe defines the capabilities a debug probe driver exposes to the
// session layer: enumeration, opening, attaching to a target, and the
// non-reentrant core handle used for run control, memory, registers and
// hardware breakpoints.
//
// A Core is never safe for concurrent use. Callers must serialize every call
// against one Core; the debugger package does this with a per-session gate.
package probe

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Descriptor identifies one enumerated probe.
type Descriptor struct {
	Identifier   string `json:"identifier" header:"IDENTIFIER"`
	VendorID     uint16 `json:"vendor_id" header:"VID"`
	ProductID    uint16 `json:"product_id" header:"PID"`
	SerialNumber string `json:"serial_number,omitempty" header:"SERIAL"`
	ProbeType    string `json:"probe_type" header:"TYPE"`
	// Address is driver specific (host:port for GDB remote servers).
	Address string `json:"address,omitempty" header:"ADDRESS"`
}

// Info describes an opened probe.
type Info struct {
	Descriptor
	SpeedKHz uint32 `json:"speed_khz"`
	Version  string `json:"version,omitempty"`
}

// TargetSelector names the chip to attach to (e.g. "STM32F407VGTx").
type TargetSelector string

// ParseTargetSelector validates a chip name.
func ParseTargetSelector(s string) (TargetSelector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("target chip cannot be empty")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return "", fmt.Errorf("target chip %q must not contain whitespace", s)
	}
	return TargetSelector(s), nil
}

// Lister enumerates attached probes.
type Lister interface {
	List(ctx context.Context) ([]Descriptor, error)
}

// Opener opens an enumerated probe.
type Opener interface {
	Open(ctx context.Context, desc Descriptor) (Probe, error)
}

// Driver enumerates and opens probes.
type Driver interface {
	Lister
	Opener
	Name() string
}

// Probe is an opened debug adapter, not yet attached to a core.
type Probe interface {
	Info() Info
	SetSpeed(ctx context.Context, khz uint32) error
	// Attach connects to the target's first core. The returned Core owns the
	// physical connection; closing it releases the probe.
	Attach(ctx context.Context, target TargetSelector, underReset bool) (Core, error)
	// Close releases a probe that was never attached.
	Close() error
}

// Core is the non-reentrant hardware debug interface of one target core.
type Core interface {
	Halt(ctx context.Context, timeout time.Duration) error
	Run(ctx context.Context) error
	Reset(ctx context.Context, timeout time.Duration) error
	ResetAndHalt(ctx context.Context, timeout time.Duration) error
	Step(ctx context.Context) error

	Read(ctx context.Context, addr uint64, buf []byte) error
	Write(ctx context.Context, addr uint64, data []byte) error

	ReadRegister(ctx context.Context, id RegisterID) (uint64, error)
	WriteRegister(ctx context.Context, id RegisterID, value uint64) error

	IsHalted(ctx context.Context) (bool, error)
	HaltReason(ctx context.Context) (HaltReason, error)

	SetHWBreakpoint(ctx context.Context, addr uint64) (BreakpointID, error)
	ClearHWBreakpoint(ctx context.Context, id BreakpointID) error

	Target() TargetInfo
	Close() error
}

// FlashProgrammer is implemented by cores whose driver runs flash algorithms
// on the probe side (GDB servers with vFlash support, for example).
type FlashProgrammer interface {
	EraseFlash(ctx context.Context, addr uint64, size uint64) error
	ProgramFlash(ctx context.Context, addr uint64, data []byte) error
	FlashDone(ctx context.Context) error
}

// BreakpointID is the driver's handle for an installed hardware breakpoint.
type BreakpointID uint32
