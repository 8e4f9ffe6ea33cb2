package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/coral-mesh/probe-mcp/internal/debugger"
)

func (s *Server) registerMemoryTools() {
	s.addTool("read_memory",
		"Read target memory. Formats: hex, binary (base64), ascii, words32 and words16 (little-endian).",
		ReadMemoryInput{}, bind(s, "read_memory", s.executeReadMemoryTool))
	s.addTool("write_memory",
		"Write target memory. Accepts the same formats as read_memory.",
		WriteMemoryInput{}, bind(s, "write_memory", s.executeWriteMemoryTool))
	s.addTool("read_registers",
		"Read core registers (R0-R12, SP, LR, PC).",
		ReadRegistersInput{}, bind(s, "read_registers", s.executeReadRegistersTool))
	s.addTool("write_register",
		"Write one core register.",
		WriteRegisterInput{}, bind(s, "write_register", s.executeWriteRegisterTool))
}

func (s *Server) executeReadMemoryTool(ctx context.Context, input ReadMemoryInput) (string, error) {
	addr, err := parseAddress(input.Address)
	if err != nil {
		return "", err
	}
	format := strings.ToLower(stringOr(input.Format, formatHex))
	// Reject an unusable format before touching the target.
	if _, err := encodeMemory(nil, format); err != nil {
		return "", err
	}

	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	data, err := sess.ReadMemory(ctx, addr, input.Size)
	if err != nil {
		return "", err
	}
	text, err := encodeMemory(data, format)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Read %d bytes from %s (%s):\n\n%s", len(data), formatAddress(addr), format, text), nil
}

func (s *Server) executeWriteMemoryTool(ctx context.Context, input WriteMemoryInput) (string, error) {
	addr, err := parseAddress(input.Address)
	if err != nil {
		return "", err
	}
	data, err := decodeMemory(input.Data, strings.ToLower(stringOr(input.Format, formatHex)))
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("no data to write")
	}

	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	if err := sess.WriteMemory(ctx, addr, data); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s.", len(data), formatAddress(addr)), nil
}

func (s *Server) executeReadRegistersTool(ctx context.Context, input ReadRegistersInput) (string, error) {
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	names := input.Registers
	if len(names) == 0 {
		names = debugger.CanonicalRegisters()
	}
	values, err := sess.ReadRegisters(ctx, names)
	if err != nil {
		return "", err
	}

	var (
		sb      strings.Builder
		missing []string
	)
	sb.WriteString("Registers:\n\n")
	for _, name := range names {
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		sb.WriteString(fmt.Sprintf("%-4s %s\n", strings.ToUpper(name), formatAddress(v)))
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		sb.WriteString(fmt.Sprintf("\nUnavailable: %s\n", strings.Join(missing, ", ")))
	}
	return sb.String(), nil
}

func (s *Server) executeWriteRegisterTool(ctx context.Context, input WriteRegisterInput) (string, error) {
	value, err := parseAddress(input.Value)
	if err != nil {
		return "", fmt.Errorf("invalid value: %w", err)
	}
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	if err := sess.WriteRegister(ctx, input.Register, value); err != nil {
		return "", err
	}
	return fmt.Sprintf("Register %s set to %s.", strings.ToUpper(input.Register), formatAddress(value)), nil
}
