package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/coral-mesh/probe-mcp/internal/debugger"
)

func (s *Server) registerControlTools() {
	s.addTool("halt",
		"Halt the target core and report PC and SP.",
		SessionInput{}, bind(s, "halt", s.executeHaltTool))
	s.addTool("run",
		"Resume execution of the target core.",
		SessionInput{}, bind(s, "run", s.executeRunTool))
	s.addTool("reset",
		"Reset the target. The core halts at the reset vector unless halt_after_reset is false.",
		ResetInput{}, bind(s, "reset", s.executeResetTool))
	s.addTool("step",
		"Execute a single instruction on a halted core.",
		SessionInput{}, bind(s, "step", s.executeStepTool))
	s.addTool("get_status",
		"Report whether the core is halted and why together with PC and SP.",
		SessionInput{}, bind(s, "get_status", s.executeGetStatusTool))
}

func (s *Server) executeHaltTool(ctx context.Context, input SessionInput) (string, error) {
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	status, err := sess.Halt(ctx)
	if err != nil {
		return "", err
	}
	return "Core halted.\n\n" + formatStatus(status), nil
}

func (s *Server) executeRunTool(ctx context.Context, input SessionInput) (string, error) {
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	if err := sess.Run(ctx); err != nil {
		return "", err
	}
	return "Core running.", nil
}

// resetTypes are the accepted reset_type values. Drivers perform the reset
// their own way; the type is reported back to the caller.
var resetTypes = []string{"hardware", "software", "system"}

func (s *Server) executeResetTool(ctx context.Context, input ResetInput) (string, error) {
	resetType := strings.ToLower(stringOr(input.ResetType, "hardware"))
	known := false
	for _, t := range resetTypes {
		if t == resetType {
			known = true
			break
		}
	}
	if !known {
		return "", fmt.Errorf("invalid reset_type %q (want hardware, software or system)", resetType)
	}

	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	status, err := sess.Reset(ctx, boolOr(input.HaltAfterReset, true))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Reset (%s) complete.\n\n", resetType) + formatStatus(status), nil
}

func (s *Server) executeStepTool(ctx context.Context, input SessionInput) (string, error) {
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	status, err := sess.Step(ctx)
	if err != nil {
		return "", err
	}
	return "Stepped one instruction.\n\n" + formatStatus(status), nil
}

func (s *Server) executeGetStatusTool(ctx context.Context, input SessionInput) (string, error) {
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	status, err := sess.CoreStatus(ctx)
	if err != nil {
		return "", err
	}
	return formatStatus(status), nil
}

func formatStatus(st debugger.CoreStatus) string {
	var sb strings.Builder
	if st.IsHalted {
		sb.WriteString(fmt.Sprintf("State: Halted (%s)\n", st.HaltReason))
	} else {
		sb.WriteString("State: Running\n")
	}
	sb.WriteString(fmt.Sprintf("PC:    %s\n", formatAddress(st.PC)))
	sb.WriteString(fmt.Sprintf("SP:    %s\n", formatAddress(st.SP)))
	return sb.String()
}
