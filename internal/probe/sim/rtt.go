package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/coral-mesh/probe-mcp/internal/safe"
)

// RTTChannel describes one ring buffer planted by PlantRTT.
type RTTChannel struct {
	Name string
	Size uint32
}

// RTTLayout records where PlantRTT placed the control block and buffers.
type RTTLayout struct {
	ControlBlock uint64
	Up           []uint64 // descriptor addresses
	Down         []uint64
	UpBuffers    []uint64
	DownBuffers  []uint64
}

const (
	rttHeaderSize     = 24
	rttDescriptorSize = 24
)

// PlantRTT writes a SEGGER RTT control block at addr, followed by the
// channel names and buffers, the way target firmware lays it out at boot.
// It bypasses the exclusivity accounting and is meant for setup code only.
func (c *Core) PlantRTT(addr uint64, up, down []RTTChannel) (RTTLayout, error) {
	layout := RTTLayout{ControlBlock: addr}

	n := len(up) + len(down)
	hdr := make([]byte, rttHeaderSize+n*rttDescriptorSize)
	copy(hdr, "SEGGER RTT")
	nUp, clampedUp := safe.IntToUint32(len(up))
	nDown, clampedDown := safe.IntToUint32(len(down))
	if clampedUp || clampedDown {
		return layout, fmt.Errorf("too many RTT channels")
	}
	binary.LittleEndian.PutUint32(hdr[16:], nUp)
	binary.LittleEndian.PutUint32(hdr[20:], nDown)

	next := addr + uint64(len(hdr))
	place := func(i int, ch RTTChannel) (uint64, uint64, error) {
		desc := addr + rttHeaderSize + uint64(i*rttDescriptorSize)
		var namePtr uint64
		if ch.Name != "" {
			namePtr = next
			if err := c.writeLocked(next, append([]byte(ch.Name), 0)); err != nil {
				return 0, 0, err
			}
			next += uint64(len(ch.Name) + 1)
		}
		next = (next + 3) &^ 3
		buf := next
		next += uint64(ch.Size)

		d := hdr[rttHeaderSize+i*rttDescriptorSize:]
		binary.LittleEndian.PutUint32(d[0:], uint32(namePtr))
		binary.LittleEndian.PutUint32(d[4:], uint32(buf))
		binary.LittleEndian.PutUint32(d[8:], ch.Size)
		return desc, buf, nil
	}

	for i, ch := range up {
		desc, buf, err := place(i, ch)
		if err != nil {
			return RTTLayout{}, err
		}
		layout.Up = append(layout.Up, desc)
		layout.UpBuffers = append(layout.UpBuffers, buf)
	}
	for i, ch := range down {
		desc, buf, err := place(len(up)+i, ch)
		if err != nil {
			return RTTLayout{}, err
		}
		layout.Down = append(layout.Down, desc)
		layout.DownBuffers = append(layout.DownBuffers, buf)
	}

	if err := c.writeLocked(addr, hdr); err != nil {
		return RTTLayout{}, err
	}
	return layout, nil
}

// PushUp plays the firmware side of an up channel: it appends data to the
// ring buffer and advances WrOff. Data that does not fit is dropped.
func (c *Core) PushUp(layout RTTLayout, channel int, data []byte) (int, error) {
	if channel < 0 || channel >= len(layout.Up) {
		return 0, fmt.Errorf("no up channel %d", channel)
	}
	desc := layout.Up[channel]
	raw, err := c.peek(desc, rttDescriptorSize)
	if err != nil {
		return 0, err
	}
	buf := uint64(binary.LittleEndian.Uint32(raw[4:]))
	size := binary.LittleEndian.Uint32(raw[8:])
	wr := binary.LittleEndian.Uint32(raw[12:])
	rd := binary.LittleEndian.Uint32(raw[16:])

	written := 0
	for _, b := range data {
		next := (wr + 1) % size
		if next == rd {
			break
		}
		if err := c.writeLocked(buf+uint64(wr), []byte{b}); err != nil {
			return written, err
		}
		wr = next
		written++
	}

	var off [4]byte
	binary.LittleEndian.PutUint32(off[:], wr)
	return written, c.writeLocked(desc+12, off[:])
}

// DrainDown plays the firmware side of a down channel and returns the bytes
// the host has written since the last call.
func (c *Core) DrainDown(layout RTTLayout, channel int) ([]byte, error) {
	if channel < 0 || channel >= len(layout.Down) {
		return nil, fmt.Errorf("no down channel %d", channel)
	}
	desc := layout.Down[channel]
	raw, err := c.peek(desc, rttDescriptorSize)
	if err != nil {
		return nil, err
	}
	buf := uint64(binary.LittleEndian.Uint32(raw[4:]))
	size := binary.LittleEndian.Uint32(raw[8:])
	wr := binary.LittleEndian.Uint32(raw[12:])
	rd := binary.LittleEndian.Uint32(raw[16:])

	var out []byte
	for rd != wr {
		b, err := c.peek(buf+uint64(rd), 1)
		if err != nil {
			return out, err
		}
		out = append(out, b[0])
		rd = (rd + 1) % size
	}

	var off [4]byte
	binary.LittleEndian.PutUint32(off[:], rd)
	return out, c.writeLocked(desc+16, off[:])
}

func (c *Core) peek(addr uint64, n int) ([]byte, error) {
	region, err := c.region(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, c.mem[region.Name][addr-region.Start:])
	return out, nil
}
