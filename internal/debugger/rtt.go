package debugger

import (
	"context"
	"errors"
	"fmt"

	"github.com/coral-mesh/probe-mcp/internal/constants"
	"github.com/coral-mesh/probe-mcp/internal/rtt"
)

// RTTChannel describes one RTT ring buffer.
type RTTChannel struct {
	Index      int           `json:"channel"`
	Name       string        `json:"name"`
	Direction  rtt.Direction `json:"direction"`
	BufferSize uint32        `json:"buffer_size"`
	Flags      uint32        `json:"flags"`
}

// RTTAttachment is the result of a successful attach.
type RTTAttachment struct {
	ControlBlockAddress uint64       `json:"control_block_address"`
	UpChannels          []RTTChannel `json:"up_channels"`
	DownChannels        []RTTChannel `json:"down_channels"`
}

// Channels returns up channels followed by down channels.
func (a RTTAttachment) Channels() []RTTChannel {
	out := make([]RTTChannel, 0, len(a.UpChannels)+len(a.DownChannels))
	out = append(out, a.UpChannels...)
	return append(out, a.DownChannels...)
}

type rttAttachment struct {
	cb   *rtt.RTT
	info RTTAttachment
}

func describeChannels(chs []*rtt.Channel) []RTTChannel {
	out := make([]RTTChannel, 0, len(chs))
	for _, ch := range chs {
		name := ch.Name()
		if name == "" {
			name = "Unknown"
		}
		out = append(out, RTTChannel{
			Index:      ch.Index(),
			Name:       name,
			Direction:  ch.Direction(),
			BufferSize: ch.BufferSize(),
			Flags:      ch.Flags(),
		})
	}
	return out
}

// AttachRTT locates the RTT control block and replaces any previous
// attachment. The previous attachment survives a failed attach.
func (s *Session) AttachRTT(ctx context.Context, strategy rtt.ScanStrategy) (RTTAttachment, error) {
	var info RTTAttachment
	err := s.do(ctx, "rtt_attach", func(ctx context.Context) error {
		cb, err := rtt.Attach(ctx, s.core, strategy, s.target.RAMRegions(), s.rttOpts)
		if err != nil {
			if errors.Is(err, rtt.ErrControlBlockNotFound) {
				return internalError("", fmt.Sprintf("failed to attach RTT (%s)", strategy), err)
			}
			return fmt.Errorf("failed to attach RTT: %w", err)
		}
		info = RTTAttachment{
			ControlBlockAddress: cb.ControlBlockAddress(),
			UpChannels:          describeChannels(cb.UpChannels()),
			DownChannels:        describeChannels(cb.DownChannels()),
		}
		s.rtt = &rttAttachment{cb: cb, info: info}
		return nil
	})
	if err != nil {
		return RTTAttachment{}, err
	}
	s.logger.Info().
		Uint64("address", info.ControlBlockAddress).
		Int("up_channels", len(info.UpChannels)).
		Int("down_channels", len(info.DownChannels)).
		Msg("RTT attached")
	return info, nil
}

// DetachRTT drops the attachment. Detaching when not attached succeeds.
func (s *Session) DetachRTT(ctx context.Context) error {
	return s.do(ctx, "rtt_detach", func(context.Context) error {
		s.rtt = nil
		return nil
	})
}

// RTTAttached reports whether RTT is attached.
func (s *Session) RTTAttached(ctx context.Context) (bool, error) {
	var attached bool
	err := s.do(ctx, "rtt_status", func(context.Context) error {
		attached = s.rtt != nil
		return nil
	})
	return attached, err
}

// RTTChannels returns the channels of the current attachment.
func (s *Session) RTTChannels(ctx context.Context) (RTTAttachment, error) {
	var info RTTAttachment
	err := s.do(ctx, "rtt_channels", func(context.Context) error {
		if s.rtt == nil {
			return newError(InvalidConfig, "", "RTT not attached", nil)
		}
		info = s.rtt.info
		return nil
	})
	return info, err
}

// ReadRTT returns up to maxBytes already buffered on an up channel. It does
// not wait for data.
func (s *Session) ReadRTT(ctx context.Context, channel, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 || maxBytes > constants.MaxTransferSize {
		s.touch()
		return nil, newError(InvalidConfig, "rtt_read",
			fmt.Sprintf("max_bytes %d out of range (1 to %d bytes)", maxBytes, constants.MaxTransferSize), nil)
	}
	var out []byte
	err := s.do(ctx, "rtt_read", func(ctx context.Context) error {
		if s.rtt == nil {
			return newError(InvalidConfig, "", "RTT not attached", nil)
		}
		ch, ok := s.rtt.cb.UpChannel(channel)
		if !ok {
			return newError(InvalidConfig, "", fmt.Sprintf("RTT channel %d not found", channel), nil)
		}
		buf := make([]byte, maxBytes)
		n, err := ch.Read(ctx, s.core, buf)
		if err != nil {
			return fmt.Errorf("failed to read RTT channel %d: %w", channel, err)
		}
		out = buf[:n]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WriteRTT queues data on a down channel and returns how many bytes fit.
func (s *Session) WriteRTT(ctx context.Context, channel int, data []byte) (int, error) {
	var n int
	err := s.do(ctx, "rtt_write", func(ctx context.Context) error {
		if s.rtt == nil {
			return newError(InvalidConfig, "", "RTT not attached", nil)
		}
		ch, ok := s.rtt.cb.DownChannel(channel)
		if !ok {
			return newError(InvalidConfig, "", fmt.Sprintf("RTT channel %d not found", channel), nil)
		}
		var err error
		n, err = ch.Write(ctx, s.core, data)
		if err != nil {
			return fmt.Errorf("failed to write RTT channel %d: %w", channel, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
