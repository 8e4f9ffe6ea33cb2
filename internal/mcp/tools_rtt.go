package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coral-mesh/probe-mcp/internal/debugger"
	"github.com/coral-mesh/probe-mcp/internal/rtt"
)

// rttDefaultReadTimeout is how long rtt_read waits for data by default.
const rttDefaultReadTimeout = time.Second

func (s *Server) registerRTTTools() {
	s.addTool("rtt_attach",
		"Attach to the firmware's SEGGER RTT control block. Searches all RAM unless an address or ranges are given.",
		RTTAttachInput{}, bind(s, "rtt_attach", s.executeRTTAttachTool))
	s.addTool("rtt_detach",
		"Detach from RTT.",
		SessionInput{}, bind(s, "rtt_detach", s.executeRTTDetachTool))
	s.addTool("rtt_read",
		"Read buffered output from an RTT up channel.",
		RTTReadInput{}, bind(s, "rtt_read", s.executeRTTReadTool))
	s.addTool("rtt_write",
		"Write input to an RTT down channel.",
		RTTWriteInput{}, bind(s, "rtt_write", s.executeRTTWriteTool))
	s.addTool("rtt_channels",
		"List the RTT channels of the current attachment.",
		SessionInput{}, bind(s, "rtt_channels", s.executeRTTChannelsTool))
}

func (s *Server) executeRTTAttachTool(ctx context.Context, input RTTAttachInput) (string, error) {
	strategy := rtt.FullRAMScan()
	switch {
	case input.ControlBlockAddress != nil && *input.ControlBlockAddress != "":
		addr, err := parseAddress(*input.ControlBlockAddress)
		if err != nil {
			return "", err
		}
		strategy = rtt.Exact(addr)
	case len(input.MemoryRanges) > 0:
		ranges := make([]rtt.Range, 0, len(input.MemoryRanges))
		for i, mr := range input.MemoryRanges {
			start, err := parseAddress(mr.Start)
			if err != nil {
				return "", fmt.Errorf("memory_ranges[%d].start: %w", i, err)
			}
			end, err := parseAddress(mr.End)
			if err != nil {
				return "", fmt.Errorf("memory_ranges[%d].end: %w", i, err)
			}
			if end <= start {
				return "", fmt.Errorf("memory_ranges[%d]: end must be above start", i)
			}
			ranges = append(ranges, rtt.Range{Start: start, Size: end - start})
		}
		strategy = rtt.Ranges(ranges...)
	}

	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	att, err := sess.AttachRTT(ctx, strategy)
	if err != nil {
		return "", err
	}
	return formatAttachment(att), nil
}

func (s *Server) executeRTTDetachTool(ctx context.Context, input SessionInput) (string, error) {
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	if err := sess.DetachRTT(ctx); err != nil {
		return "", err
	}
	return "RTT detached.", nil
}

func (s *Server) executeRTTReadTool(ctx context.Context, input RTTReadInput) (string, error) {
	encoding := strings.ToLower(stringOr(input.Encoding, encodingUTF8))
	if _, err := encodeRTT(nil, encoding); err != nil {
		return "", err
	}
	channel := intOr(input.Channel, 0)
	maxBytes := intOr(input.MaxBytes, s.config.RTTReadBytes)
	timeout := time.Duration(intOr(input.TimeoutMs, int(rttDefaultReadTimeout/time.Millisecond))) * time.Millisecond

	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(timeout)
	var data []byte
	for {
		data, err = sess.ReadRTT(ctx, channel, maxBytes)
		if err != nil {
			return "", err
		}
		if len(data) > 0 || !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(rttPollInterval):
		}
	}

	if len(data) == 0 {
		return fmt.Sprintf("No data available on RTT channel %d.", channel), nil
	}
	text, err := encodeRTT(data, encoding)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Read %d bytes from RTT channel %d:\n\n%s", len(data), channel, text), nil
}

func (s *Server) executeRTTWriteTool(ctx context.Context, input RTTWriteInput) (string, error) {
	data, err := decodeRTT(input.Data, strings.ToLower(stringOr(input.Encoding, encodingUTF8)))
	if err != nil {
		return "", err
	}
	channel := intOr(input.Channel, 0)

	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	n, err := sess.WriteRTT(ctx, channel, data)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d of %d bytes to RTT channel %d.", n, len(data), channel), nil
}

func (s *Server) executeRTTChannelsTool(ctx context.Context, input SessionInput) (string, error) {
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	att, err := sess.RTTChannels(ctx)
	if err != nil {
		return "", err
	}
	return formatAttachment(att), nil
}

func formatAttachment(att debugger.RTTAttachment) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("RTT attached at %s\n", formatAddress(att.ControlBlockAddress)))
	writeChannels := func(title string, chs []debugger.RTTChannel) {
		sb.WriteString(fmt.Sprintf("\n%s (%d):\n", title, len(chs)))
		for _, ch := range chs {
			sb.WriteString(fmt.Sprintf("  [%d] %s (%d bytes, flags 0x%X)\n", ch.Index, ch.Name, ch.BufferSize, ch.Flags))
		}
	}
	writeChannels("Up channels", att.UpChannels)
	writeChannels("Down channels", att.DownChannels)
	return sb.String()
}
