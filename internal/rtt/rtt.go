// Package rtt implements the host side of SEGGER Real-Time Transfer: it
// locates the control block in target RAM and moves bytes through the up
// (target to host) and down (host to target) ring buffers using plain
// memory accesses on the core.
//
// Control block layout (little-endian, 32-bit pointers):
//
//	0x00  char  ID[16]            "SEGGER RTT"
//	0x10  int32 MaxNumUpBuffers
//	0x14  int32 MaxNumDownBuffers
//	0x18  descriptors, up buffers first, 24 bytes each:
//	      sName, pBuffer, SizeOfBuffer, WrOff, RdOff, Flags
package rtt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coral-mesh/probe-mcp/internal/probe"
)

const (
	headerSize     = 24
	descriptorSize = 24
	maxChannels    = 64
	maxNameLen     = 32

	offWrOff = 12
	offRdOff = 16
)

var signature = []byte("SEGGER RTT\x00")

// ErrControlBlockNotFound is returned when no control block matches the
// scan strategy.
var ErrControlBlockNotFound = errors.New("RTT control block not found")

// Memory is the slice of probe.Core RTT needs.
type Memory interface {
	Read(ctx context.Context, addr uint64, buf []byte) error
	Write(ctx context.Context, addr uint64, data []byte) error
}

// Direction of a channel.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Options tunes scanning.
type Options struct {
	// ChunkSize is the read size used while scanning RAM.
	ChunkSize int
}

// RTT is an attached control block.
type RTT struct {
	addr uint64
	up   []*Channel
	down []*Channel
}

// Attach locates the control block according to strategy and reads the
// channel descriptors. ram is the target's RAM map used by FullRAMScan.
func Attach(ctx context.Context, mem Memory, strategy ScanStrategy, ram []probe.MemoryRegion, opts Options) (*RTT, error) {
	if opts.ChunkSize <= len(signature) {
		opts.ChunkSize = 1024
	}

	var addr uint64
	switch strategy.kind {
	case scanExact:
		id := make([]byte, len(signature))
		if err := mem.Read(ctx, strategy.address, id); err != nil {
			return nil, fmt.Errorf("read control block at 0x%08x: %w", strategy.address, err)
		}
		if !bytes.Equal(id, signature) {
			return nil, fmt.Errorf("%w at 0x%08x", ErrControlBlockNotFound, strategy.address)
		}
		addr = strategy.address
	case scanRAM, scanRanges:
		ranges := strategy.ranges
		if strategy.kind == scanRAM {
			ranges = nil
			for _, r := range ram {
				ranges = append(ranges, Range{Start: r.Start, Size: r.Size})
			}
		}
		found, err := scan(ctx, mem, ranges, opts.ChunkSize)
		if err != nil {
			return nil, err
		}
		addr = found
	default:
		return nil, fmt.Errorf("invalid scan strategy")
	}

	return readControlBlock(ctx, mem, addr)
}

func scan(ctx context.Context, mem Memory, ranges []Range, chunk int) (uint64, error) {
	overlap := uint64(len(signature) - 1)
	for _, r := range ranges {
		if r.Size < uint64(len(signature)) {
			continue
		}
		buf := make([]byte, chunk)
		for pos := r.Start; pos < r.End(); {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			n := min(uint64(chunk), r.End()-pos)
			if err := mem.Read(ctx, pos, buf[:n]); err != nil {
				return 0, fmt.Errorf("scan 0x%08x: %w", pos, err)
			}
			if i := bytes.Index(buf[:n], signature); i >= 0 {
				return pos + uint64(i), nil
			}
			if pos+n >= r.End() {
				break
			}
			pos += n - overlap
		}
	}
	return 0, ErrControlBlockNotFound
}

func readControlBlock(ctx context.Context, mem Memory, addr uint64) (*RTT, error) {
	hdr := make([]byte, headerSize)
	if err := mem.Read(ctx, addr, hdr); err != nil {
		return nil, fmt.Errorf("read control block header: %w", err)
	}
	numUp := int32(binary.LittleEndian.Uint32(hdr[16:]))
	numDown := int32(binary.LittleEndian.Uint32(hdr[20:]))
	if numUp < 0 || numDown < 0 || numUp > maxChannels || numDown > maxChannels {
		return nil, fmt.Errorf("control block at 0x%08x has implausible channel counts %d/%d", addr, numUp, numDown)
	}

	total := int(numUp + numDown)
	descs := make([]byte, total*descriptorSize)
	if total > 0 {
		if err := mem.Read(ctx, addr+headerSize, descs); err != nil {
			return nil, fmt.Errorf("read channel descriptors: %w", err)
		}
	}

	r := &RTT{addr: addr}
	for i := 0; i < total; i++ {
		d := descs[i*descriptorSize:]
		ch := &Channel{
			descAddr: addr + headerSize + uint64(i*descriptorSize),
			bufAddr:  uint64(binary.LittleEndian.Uint32(d[4:])),
			size:     binary.LittleEndian.Uint32(d[8:]),
			flags:    binary.LittleEndian.Uint32(d[20:]),
		}
		if namePtr := uint64(binary.LittleEndian.Uint32(d[0:])); namePtr != 0 {
			ch.name = readName(ctx, mem, namePtr)
		}
		if i < int(numUp) {
			ch.index, ch.dir = i, Up
			r.up = append(r.up, ch)
		} else {
			ch.index, ch.dir = i-int(numUp), Down
			r.down = append(r.down, ch)
		}
	}
	return r, nil
}

// readName reads a NUL terminated channel name. Unreadable names are empty.
func readName(ctx context.Context, mem Memory, addr uint64) string {
	buf := make([]byte, maxNameLen)
	if err := mem.Read(ctx, addr, buf); err != nil {
		return ""
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

// ControlBlockAddress returns where the control block was found.
func (r *RTT) ControlBlockAddress() uint64 { return r.addr }

// UpChannels returns the target-to-host channels.
func (r *RTT) UpChannels() []*Channel { return r.up }

// DownChannels returns the host-to-target channels.
func (r *RTT) DownChannels() []*Channel { return r.down }

// UpChannel returns up channel i.
func (r *RTT) UpChannel(i int) (*Channel, bool) {
	if i < 0 || i >= len(r.up) {
		return nil, false
	}
	return r.up[i], true
}

// DownChannel returns down channel i.
func (r *RTT) DownChannel(i int) (*Channel, bool) {
	if i < 0 || i >= len(r.down) {
		return nil, false
	}
	return r.down[i], true
}
