package rtt

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Channel is one ring buffer. Offsets live in target memory, so every Read
// or Write re-reads them through the core.
type Channel struct {
	index    int
	dir      Direction
	name     string
	descAddr uint64
	bufAddr  uint64
	size     uint32
	flags    uint32
}

func (c *Channel) Index() int           { return c.index }
func (c *Channel) Direction() Direction { return c.dir }

// Name is the firmware supplied name, empty when the channel has none.
func (c *Channel) Name() string { return c.name }

func (c *Channel) BufferSize() uint32 { return c.size }

// Flags holds the operating mode (0 skip, 1 trim, 2 block when full).
func (c *Channel) Flags() uint32 { return c.flags }

func (c *Channel) offsets(ctx context.Context, mem Memory) (wr, rd uint32, err error) {
	var raw [8]byte
	if err := mem.Read(ctx, c.descAddr+offWrOff, raw[:]); err != nil {
		return 0, 0, err
	}
	wr = binary.LittleEndian.Uint32(raw[0:])
	rd = binary.LittleEndian.Uint32(raw[4:])
	if wr >= c.size || rd >= c.size {
		return 0, 0, fmt.Errorf("channel %s/%d has corrupt offsets wr=%d rd=%d size=%d", c.dir, c.index, wr, rd, c.size)
	}
	return wr, rd, nil
}

func (c *Channel) storeOffset(ctx context.Context, mem Memory, off uint64, v uint32) error {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], v)
	return mem.Write(ctx, c.descAddr+off, raw[:])
}

// Read copies the bytes currently available in an up channel into buf and
// advances RdOff. It never waits for data.
func (c *Channel) Read(ctx context.Context, mem Memory, buf []byte) (int, error) {
	if c.dir != Up {
		return 0, fmt.Errorf("channel %d is not an up channel", c.index)
	}
	if c.size == 0 || len(buf) == 0 {
		return 0, nil
	}
	wr, rd, err := c.offsets(ctx, mem)
	if err != nil {
		return 0, err
	}

	total := 0
	for rd != wr && total < len(buf) {
		end := wr
		if wr < rd {
			end = c.size
		}
		n := min(int(end-rd), len(buf)-total)
		if err := mem.Read(ctx, c.bufAddr+uint64(rd), buf[total:total+n]); err != nil {
			return 0, err
		}
		total += n
		rd = (rd + uint32(n)) % c.size
	}

	if total > 0 {
		if err := c.storeOffset(ctx, mem, offRdOff, rd); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Write copies as much of data as fits into a down channel and advances
// WrOff. It returns the number of bytes accepted.
func (c *Channel) Write(ctx context.Context, mem Memory, data []byte) (int, error) {
	if c.dir != Down {
		return 0, fmt.Errorf("channel %d is not a down channel", c.index)
	}
	if c.size == 0 || len(data) == 0 {
		return 0, nil
	}
	wr, rd, err := c.offsets(ctx, mem)
	if err != nil {
		return 0, err
	}

	total := 0
	for total < len(data) {
		// One slot stays empty so wr == rd always means "empty".
		free := (rd + c.size - wr - 1) % c.size
		if free == 0 {
			break
		}
		contiguous := c.size - wr
		if rd > wr {
			contiguous = rd - wr - 1
		}
		n := min(int(min(free, contiguous)), len(data)-total)
		if n == 0 {
			break
		}
		if err := mem.Write(ctx, c.bufAddr+uint64(wr), data[total:total+n]); err != nil {
			return 0, err
		}
		total += n
		wr = (wr + uint32(n)) % c.size
	}

	if total > 0 {
		if err := c.storeOffset(ctx, mem, offWrOff, wr); err != nil {
			return 0, err
		}
	}
	return total, nil
}
