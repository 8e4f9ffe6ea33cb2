package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

func (s *Server) registerBreakpointTools() {
	s.addTool("set_breakpoint",
		"Set a hardware breakpoint. Setting one at an address that already has one replaces it.",
		SetBreakpointInput{}, bind(s, "set_breakpoint", s.executeSetBreakpointTool))
	s.addTool("clear_breakpoint",
		"Clear the breakpoint at an address.",
		ClearBreakpointInput{}, bind(s, "clear_breakpoint", s.executeClearBreakpointTool))
	s.addTool("list_breakpoints",
		"List the breakpoints set in a session.",
		SessionInput{}, bind(s, "list_breakpoints", s.executeListBreakpointsTool))
}

func (s *Server) executeSetBreakpointTool(ctx context.Context, input SetBreakpointInput) (string, error) {
	if bt := strings.ToLower(stringOr(input.BreakpointType, "hardware")); bt != "hardware" {
		return "", fmt.Errorf("breakpoint_type %q is not supported, only hardware breakpoints are", bt)
	}
	addr, err := parseAddress(input.Address)
	if err != nil {
		return "", err
	}
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	id, err := sess.SetBreakpoint(ctx, addr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Breakpoint %d set at %s.", id, formatAddress(addr)), nil
}

func (s *Server) executeClearBreakpointTool(ctx context.Context, input ClearBreakpointInput) (string, error) {
	addr, err := parseAddress(input.Address)
	if err != nil {
		return "", err
	}
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	if err := sess.ClearBreakpoint(ctx, addr); err != nil {
		return "", err
	}
	return fmt.Sprintf("Breakpoint at %s cleared.", formatAddress(addr)), nil
}

func (s *Server) executeListBreakpointsTool(ctx context.Context, input SessionInput) (string, error) {
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	bps, err := sess.ListBreakpoints(ctx)
	if err != nil {
		return "", err
	}
	if len(bps) == 0 {
		return "No breakpoints set.", nil
	}

	sort.Slice(bps, func(i, j int) bool { return bps[i].Address < bps[j].Address })

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d breakpoints:\n\n", len(bps)))
	for _, bp := range bps {
		sb.WriteString(fmt.Sprintf("- #%d at %s (hardware)\n", bp.ID, formatAddress(bp.Address)))
	}
	return sb.String(), nil
}
