package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coral-mesh/probe-mcp/internal/constants"
	"github.com/coral-mesh/probe-mcp/internal/debugger"
	"github.com/coral-mesh/probe-mcp/internal/flash"
	"github.com/coral-mesh/probe-mcp/internal/retry"
	"github.com/coral-mesh/probe-mcp/internal/rtt"
	"github.com/coral-mesh/probe-mcp/internal/safe"
)

func (s *Server) registerFlashTools() {
	s.addTool("flash_binary",
		"Program a raw binary file into flash at an address.",
		FlashBinaryInput{}, bind(s, "flash_binary", s.executeFlashBinaryTool))
	s.addTool("flash_elf",
		"Program the loadable segments of an ELF file.",
		FlashELFInput{}, bind(s, "flash_elf", s.executeFlashELFTool))
	s.addTool("flash_program",
		"Program a firmware file (ELF, Intel HEX or raw binary). The format is detected unless given.",
		FlashProgramInput{}, bind(s, "flash_program", s.executeFlashProgramTool))
	s.addTool("flash_erase",
		"Erase the whole flash or a range of it.",
		FlashEraseInput{}, bind(s, "flash_erase", s.executeFlashEraseTool))
	s.addTool("flash_verify",
		"Compare target memory with a firmware file or hex data.",
		FlashVerifyInput{}, bind(s, "flash_verify", s.executeFlashVerifyTool))
	s.addTool("run_firmware",
		"Flash a firmware file, reset the core into it and attach RTT once the firmware has set up its control block.",
		RunFirmwareInput{}, bind(s, "run_firmware", s.executeRunFirmwareTool))
}

func (s *Server) executeFlashBinaryTool(ctx context.Context, input FlashBinaryInput) (string, error) {
	addr, err := parseAddress(input.Address)
	if err != nil {
		return "", err
	}
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	res, err := sess.FlashBinary(ctx, input.FilePath, addr, boolOr(input.Verify, s.config.VerifyByDefault))
	if err != nil {
		return "", err
	}
	return formatFlashResult(input.FilePath, res), nil
}

func (s *Server) executeFlashELFTool(ctx context.Context, input FlashELFInput) (string, error) {
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	res, err := sess.FlashELF(ctx, input.FilePath, boolOr(input.Verify, s.config.VerifyByDefault))
	if err != nil {
		return "", err
	}
	return formatFlashResult(input.FilePath, res), nil
}

func (s *Server) executeFlashProgramTool(ctx context.Context, input FlashProgramInput) (string, error) {
	format, err := flash.ParseFormat(stringOr(input.Format, string(flash.FormatAuto)))
	if err != nil {
		return "", err
	}
	opts := flash.Options{Verify: boolOr(input.Verify, true)}
	if input.BaseAddress != nil {
		if opts.BaseAddress, err = parseAddress(*input.BaseAddress); err != nil {
			return "", err
		}
	}

	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	res, err := sess.FlashFile(ctx, input.FilePath, format, opts)
	if err != nil {
		return "", err
	}
	return formatFlashResult(input.FilePath, res), nil
}

func (s *Server) executeFlashEraseTool(ctx context.Context, input FlashEraseInput) (string, error) {
	var req debugger.EraseRequest
	switch eraseType := strings.ToLower(stringOr(input.EraseType, "all")); eraseType {
	case "all", "chip":
		req.All = true
	case "sectors", "range":
		if input.Address == nil || input.Size == nil {
			return "", fmt.Errorf("address and size are required for a sector erase")
		}
		addr, err := parseAddress(*input.Address)
		if err != nil {
			return "", err
		}
		req.Address, req.Size = addr, *input.Size
	default:
		return "", fmt.Errorf("invalid erase_type %q (want all or sectors)", eraseType)
	}

	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	if err := sess.EraseFlash(ctx, req); err != nil {
		return "", err
	}
	if req.All {
		return "Flash erased.", nil
	}
	return fmt.Sprintf("Erased %d bytes at %s.", req.Size, formatAddress(req.Address)), nil
}

func (s *Server) executeFlashVerifyTool(ctx context.Context, input FlashVerifyInput) (string, error) {
	addr, err := parseAddress(input.Address)
	if err != nil {
		return "", err
	}
	if input.Size <= 0 {
		return "", fmt.Errorf("size must be positive")
	}

	var expected []byte
	switch {
	case input.FilePath != nil && *input.FilePath != "":
		if expected, err = expectedFromFile(*input.FilePath, addr, input.Size); err != nil {
			return "", err
		}
	case input.Data != nil && *input.Data != "":
		if expected, err = decodeHex(*input.Data); err != nil {
			return "", err
		}
		if len(expected) > input.Size {
			expected = expected[:input.Size]
		}
	default:
		return "", fmt.Errorf("either file_path or data is required")
	}

	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	vr, err := sess.VerifyFlash(ctx, addr, expected)
	if err != nil {
		return "", err
	}
	if vr.Matched {
		return fmt.Sprintf("Verification passed: %d bytes match at %s.", vr.BytesChecked, formatAddress(addr)), nil
	}
	return fmt.Sprintf("Verification failed: %d of %d bytes differ, first at %s.",
		vr.Mismatches, vr.BytesChecked, formatAddress(vr.FirstMismatch)), nil
}

// expectedFromFile returns the size bytes the firmware file places at addr.
// A raw binary is taken to start at addr.
func expectedFromFile(path string, addr uint64, size int) ([]byte, error) {
	data, err := safe.ReadFile(path, &safe.ReadFileOptions{MaxSize: constants.DefaultMaxImageSize})
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	img, err := flash.ParseImage(data, flash.DetectFormat(path, data), addr)
	if err != nil {
		return nil, err
	}
	for _, seg := range img.Segments {
		if addr < seg.Address || addr >= seg.End() {
			continue
		}
		out := seg.Data[addr-seg.Address:]
		if len(out) < size {
			return nil, fmt.Errorf("%s covers only %d bytes at %s", path, len(out), formatAddress(addr))
		}
		return out[:size], nil
	}
	return nil, fmt.Errorf("%s has no data at %s", path, formatAddress(addr))
}

func (s *Server) executeRunFirmwareTool(ctx context.Context, input RunFirmwareInput) (string, error) {
	format, err := flash.ParseFormat(stringOr(input.Format, string(flash.FormatAuto)))
	if err != nil {
		return "", err
	}
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}

	res, err := sess.FlashFile(ctx, input.FilePath, format, flash.Options{Verify: s.config.VerifyByDefault})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(formatFlashResult(input.FilePath, res))

	if !boolOr(input.ResetAfterFlash, true) {
		sb.WriteString("\nCore not reset (reset_after_flash=false).\n")
		return sb.String(), nil
	}
	if _, err := sess.Reset(ctx, false); err != nil {
		return "", err
	}
	sb.WriteString("\nCore reset and running.\n")

	if !boolOr(input.AttachRTT, true) {
		return sb.String(), nil
	}

	timeout := s.config.RTTAttachTimeout
	if input.RTTTimeoutMs != nil && *input.RTTTimeoutMs > 0 {
		timeout = time.Duration(*input.RTTTimeoutMs) * time.Millisecond
	}
	att, err := s.waitForRTT(ctx, sess, timeout)
	if err != nil {
		// The firmware is flashed and running; RTT is optional.
		sb.WriteString(fmt.Sprintf("\nRTT not attached: %v\n", err))
		return sb.String(), nil
	}
	sb.WriteString("\n")
	sb.WriteString(formatAttachment(att))
	return sb.String(), nil
}

const rttPollInterval = 50 * time.Millisecond

// waitForRTT retries the RTT attach until the firmware has written its
// control block or timeout passes.
func (s *Server) waitForRTT(ctx context.Context, sess *debugger.Session, timeout time.Duration) (debugger.RTTAttachment, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := retry.Config{
		MaxRetries:     int(timeout/rttPollInterval) + 1,
		InitialBackoff: rttPollInterval,
		MaxBackoff:     4 * rttPollInterval,
	}
	att, err := retry.DoValue(ctx, cfg, func() (debugger.RTTAttachment, error) {
		return sess.AttachRTT(ctx, rtt.FullRAMScan())
	}, func(err error) bool {
		return errors.Is(err, rtt.ErrControlBlockNotFound)
	})
	if err != nil {
		s.logger.Debug().
			Err(err).
			Str("session_id", sess.ID()).
			Dur("timeout", timeout).
			Msg("RTT control block did not appear")
		return debugger.RTTAttachment{}, err
	}
	return att, nil
}

func formatFlashResult(path string, res debugger.FlashResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Flashed %s", path))
	if res.Format != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", res.Format))
	}
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("Bytes programmed: %d\n", res.BytesProgrammed))
	if res.Segments > 0 {
		sb.WriteString(fmt.Sprintf("Segments:         %d\n", res.Segments))
	}
	sb.WriteString(fmt.Sprintf("Programming time: %d ms\n", res.ProgrammingTimeMs))
	sb.WriteString(fmt.Sprintf("Verified:         %t\n", res.VerificationResult))
	return sb.String()
}
