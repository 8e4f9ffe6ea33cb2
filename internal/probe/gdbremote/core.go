package gdbremote

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/probe-mcp/internal/probe"
)

const (
	sigINT  = 2
	sigTRAP = 5
)

// Core drives one target core through an RSP connection.
//
// RSP in all-stop mode cannot serve memory or register packets while the
// target runs, so accesses on a running core interrupt it, do the access and
// continue again.
type Core struct {
	client  *Client
	monitor MonitorCommands
	logger  zerolog.Logger
	info    probe.TargetInfo

	running bool
	reason  probe.HaltReason

	bps    map[probe.BreakpointID]uint64
	nextBP probe.BreakpointID
}

var (
	_ probe.Core            = (*Core)(nil)
	_ probe.FlashProgrammer = (*Core)(nil)
)

// stopReason maps a stop reply onto a halt reason. requested and stepped say
// what the host asked for before the stop.
func stopReason(sr stopReply, requested, stepped bool) probe.HaltReason {
	switch sr.Kind {
	case "hwbreak", "swbreak":
		return probe.HaltBreakpoint
	case "watch", "rwatch", "awatch":
		return probe.HaltWatchpoint
	}
	switch sr.Signal {
	case sigINT:
		return probe.HaltRequest
	case sigTRAP:
		if stepped {
			return probe.HaltStep
		}
		if requested {
			return probe.HaltRequest
		}
		return probe.HaltBreakpoint
	case 0:
		return probe.HaltUnknown
	}
	if requested {
		return probe.HaltRequest
	}
	return probe.HaltException
}

func (c *Core) Halt(ctx context.Context, timeout time.Duration) error {
	if !c.running {
		return nil
	}
	if err := c.client.Interrupt(ctx); err != nil {
		return err
	}
	sr, err := c.client.WaitStop(ctx, timeout)
	if err != nil {
		return fmt.Errorf("wait for halt: %w", err)
	}
	c.running = false
	c.reason = stopReason(sr, true, false)
	return nil
}

func (c *Core) Run(ctx context.Context) error {
	if c.running {
		return nil
	}
	if err := c.client.Send(ctx, "c"); err != nil {
		return err
	}
	c.running = true
	return nil
}

func (c *Core) Reset(ctx context.Context, timeout time.Duration) error {
	if err := c.Halt(ctx, timeout); err != nil {
		return err
	}
	if _, err := c.client.Monitor(ctx, c.monitor.ResetHalt); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	// Resume through the RSP so the server expects a stop reply again.
	return c.Run(ctx)
}

func (c *Core) ResetAndHalt(ctx context.Context, timeout time.Duration) error {
	if err := c.Halt(ctx, timeout); err != nil {
		return err
	}
	if _, err := c.client.Monitor(ctx, c.monitor.ResetHalt); err != nil {
		return fmt.Errorf("reset halt: %w", err)
	}
	c.reason = probe.HaltReset
	return nil
}

func (c *Core) Step(ctx context.Context) error {
	if c.running {
		return fmt.Errorf("core is running")
	}
	if err := c.client.Send(ctx, "s"); err != nil {
		return err
	}
	sr, err := c.client.WaitStop(ctx, c.client.cfg.CommandTimeout)
	if err != nil {
		return fmt.Errorf("wait for step: %w", err)
	}
	c.reason = stopReason(sr, false, true)
	return nil
}

// whileHalted runs fn with the core stopped, resuming it afterwards when it
// was running.
func (c *Core) whileHalted(ctx context.Context, fn func() error) error {
	if !c.running {
		return fn()
	}
	wasReason := c.reason
	if err := c.Halt(ctx, c.client.cfg.CommandTimeout); err != nil {
		return err
	}
	fnErr := fn()
	c.reason = wasReason
	if err := c.Run(ctx); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

func (c *Core) Read(ctx context.Context, addr uint64, buf []byte) error {
	return c.whileHalted(ctx, func() error {
		return c.client.ReadMemory(ctx, addr, buf)
	})
}

func (c *Core) Write(ctx context.Context, addr uint64, data []byte) error {
	return c.whileHalted(ctx, func() error {
		return c.client.WriteMemory(ctx, addr, data)
	})
}

func (c *Core) ReadRegister(ctx context.Context, id probe.RegisterID) (uint64, error) {
	var value uint64
	err := c.whileHalted(ctx, func() error {
		reply, err := c.client.Exchange(ctx, fmt.Sprintf("p%x", uint16(id)))
		if err != nil {
			return err
		}
		if len(reply) == 0 {
			// Server without p support: take it from the g packet.
			reply, err = c.client.Exchange(ctx, "g")
			if err != nil {
				return err
			}
			off := int(id) * 8
			if off+8 > len(reply) {
				return fmt.Errorf("register %s not in g reply", id)
			}
			reply = reply[off : off+8]
		}
		raw, err := hex.DecodeString(string(reply))
		if err != nil {
			return fmt.Errorf("invalid register reply: %w", err)
		}
		var le [8]byte
		copy(le[:], raw)
		value = binary.LittleEndian.Uint64(le[:])
		return nil
	})
	return value, err
}

func (c *Core) WriteRegister(ctx context.Context, id probe.RegisterID, value uint64) error {
	return c.whileHalted(ctx, func() error {
		var le [4]byte
		binary.LittleEndian.PutUint32(le[:], uint32(value))
		_, err := c.client.expectOK(ctx, fmt.Sprintf("P%x=%x", uint16(id), le[:]))
		return err
	})
}

func (c *Core) IsHalted(ctx context.Context) (bool, error) {
	if !c.running {
		return true, nil
	}
	sr, stopped, err := c.client.PollStop(ctx)
	if err != nil {
		return false, err
	}
	if stopped {
		if sr.Exited {
			return false, fmt.Errorf("target exited")
		}
		c.running = false
		c.reason = stopReason(sr, false, false)
	}
	return stopped, nil
}

func (c *Core) HaltReason(ctx context.Context) (probe.HaltReason, error) {
	halted, err := c.IsHalted(ctx)
	if err != nil {
		return probe.HaltUnknown, err
	}
	if !halted {
		return probe.HaltUnknown, fmt.Errorf("core is running")
	}
	return c.reason, nil
}

func (c *Core) SetHWBreakpoint(ctx context.Context, addr uint64) (probe.BreakpointID, error) {
	err := c.whileHalted(ctx, func() error {
		_, err := c.client.expectOK(ctx, fmt.Sprintf("Z1,%x,2", addr))
		return err
	})
	if err != nil {
		return 0, err
	}
	id := c.nextBP
	c.nextBP++
	c.bps[id] = addr
	return id, nil
}

func (c *Core) ClearHWBreakpoint(ctx context.Context, id probe.BreakpointID) error {
	addr, ok := c.bps[id]
	if !ok {
		return fmt.Errorf("no breakpoint with id %d", id)
	}
	err := c.whileHalted(ctx, func() error {
		_, err := c.client.expectOK(ctx, fmt.Sprintf("z1,%x,2", addr))
		return err
	})
	if err != nil {
		return err
	}
	delete(c.bps, id)
	return nil
}

func (c *Core) EraseFlash(ctx context.Context, addr uint64, size uint64) error {
	return c.whileHalted(ctx, func() error {
		_, err := c.client.expectOK(ctx, fmt.Sprintf("vFlashErase:%x,%x", addr, size))
		return err
	})
}

func (c *Core) ProgramFlash(ctx context.Context, addr uint64, data []byte) error {
	return c.whileHalted(ctx, func() error {
		for len(data) > 0 {
			n := min(c.client.cfg.MaxWriteSize, len(data))
			payload := append(fmt.Appendf(nil, "vFlashWrite:%x:", addr), escapeBinary(data[:n])...)
			reply, err := c.client.exchangeRaw(ctx, payload, "vFlashWrite")
			if err != nil {
				return err
			}
			if string(reply) != "OK" {
				return fmt.Errorf("vFlashWrite at 0x%08x: unexpected reply %q", addr, reply)
			}
			data = data[n:]
			addr += uint64(n)
		}
		return nil
	})
}

func (c *Core) FlashDone(ctx context.Context) error {
	return c.whileHalted(ctx, func() error {
		_, err := c.client.expectOK(ctx, "vFlashDone")
		return err
	})
}

func (c *Core) Target() probe.TargetInfo { return c.info }

// Close detaches, leaving the target running, and drops the connection.
func (c *Core) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if c.running {
		if err := c.Halt(ctx, time.Second); err != nil {
			c.logger.Debug().Err(err).Msg("Halt before detach failed")
		}
	}
	if _, err := c.client.Exchange(ctx, "D"); err != nil {
		c.logger.Debug().Err(err).Msg("Detach failed")
	}
	return c.client.Close()
}
