package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coral-mesh/probe-mcp/internal/debugger"
)

func (s *Server) registerSessionTools() {
	s.addTool("list_probes",
		"List the debug probes available to connect to.",
		ListProbesInput{}, bind(s, "list_probes", s.executeListProbesTool))
	s.addTool("connect",
		"Connect to a target through a debug probe and open a debug session. Returns the session ID used by every other tool.",
		ConnectInput{}, bind(s, "connect", s.executeConnectTool))
	s.addTool("disconnect",
		"Close a debug session and release its probe.",
		SessionInput{}, bind(s, "disconnect", s.executeDisconnectTool))
	s.addTool("probe_info",
		"Show the probe, target memory map and activity timestamps of a session.",
		SessionInput{}, bind(s, "probe_info", s.executeProbeInfoTool))
	s.addTool("list_sessions",
		"List open debug sessions.",
		ListSessionsInput{}, bind(s, "list_sessions", s.executeListSessionsTool))
	s.addTool("session_stats",
		"Show session counts against the session limit and idle sessions.",
		SessionStatsInput{}, bind(s, "session_stats", s.executeSessionStatsTool))
}

func (s *Server) executeListProbesTool(ctx context.Context, _ ListProbesInput) (string, error) {
	probes, err := s.registry.ListProbes(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list probes: %w", err)
	}
	if len(probes) == 0 {
		return "No debug probes found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d debug probes:\n\n", len(probes)))
	for i, p := range probes {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i, p.Identifier))
		if p.SerialNumber != "" {
			sb.WriteString(fmt.Sprintf("   Serial:  %s\n", p.SerialNumber))
		}
		sb.WriteString(fmt.Sprintf("   VID:PID: %04x:%04x\n", p.VendorID, p.ProductID))
		sb.WriteString(fmt.Sprintf("   Type:    %s\n", p.ProbeType))
		if p.Address != "" {
			sb.WriteString(fmt.Sprintf("   Address: %s\n", p.Address))
		}
	}
	return sb.String(), nil
}

func (s *Server) executeConnectTool(ctx context.Context, input ConnectInput) (string, error) {
	speed := s.config.DefaultSpeedKHz
	if input.SpeedKHz != nil && *input.SpeedKHz > 0 {
		speed = *input.SpeedKHz
	}

	id, err := s.registry.CreateSession(ctx, debugger.CreateOptions{
		ProbeSelector:     input.ProbeSelector,
		TargetChip:        input.TargetChip,
		SpeedKHz:          speed,
		ConnectUnderReset: boolOr(input.ConnectUnderReset, s.config.ConnectUnderReset),
		HaltAfterConnect:  boolOr(input.HaltAfterConnect, true),
	})
	if err != nil {
		return "", err
	}
	sess, err := s.session(id)
	if err != nil {
		return "", err
	}
	info := sess.Info()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Connected to %s via %s\n\n", info.Target.ChipName, info.Probe.Identifier))
	sb.WriteString(fmt.Sprintf("Session ID:   %s\n", id))
	if info.Probe.SerialNumber != "" {
		sb.WriteString(fmt.Sprintf("Probe serial: %s\n", info.Probe.SerialNumber))
	}
	sb.WriteString(fmt.Sprintf("Speed:        %d kHz\n", info.Probe.SpeedKHz))
	sb.WriteString(fmt.Sprintf("Architecture: %s\n", info.Target.Architecture))
	sb.WriteString(fmt.Sprintf("Core:         %s\n", info.Target.CoreType))
	return sb.String(), nil
}

func (s *Server) executeDisconnectTool(_ context.Context, input SessionInput) (string, error) {
	if err := s.registry.CloseSession(input.SessionID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Session %s disconnected.", input.SessionID), nil
}

func (s *Server) executeProbeInfoTool(_ context.Context, input SessionInput) (string, error) {
	sess, err := s.session(input.SessionID)
	if err != nil {
		return "", err
	}
	return jsonText(sess.Info())
}

func (s *Server) executeListSessionsTool(_ context.Context, _ ListSessionsInput) (string, error) {
	ids := s.registry.ListSessions()
	if len(ids) == 0 {
		return "No active debug sessions.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Active debug sessions (%d/%d):\n\n", len(ids), s.registry.MaxSessions()))
	for _, id := range ids {
		sess, err := s.session(id)
		if err != nil {
			// Closed between listing and lookup.
			continue
		}
		info := sess.Info()
		sb.WriteString(fmt.Sprintf("- Session ID:    %s\n", info.ID))
		sb.WriteString(fmt.Sprintf("  Target:        %s\n", info.Target.ChipName))
		sb.WriteString(fmt.Sprintf("  Probe:         %s\n", info.Probe.Identifier))
		sb.WriteString(fmt.Sprintf("  Created:       %s\n", info.CreatedAt.Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("  Last activity: %s\n", info.LastActivity.Format(time.RFC3339)))
	}
	return sb.String(), nil
}

func (s *Server) executeSessionStatsTool(_ context.Context, _ SessionStatsInput) (string, error) {
	return jsonText(s.registry.Statistics())
}

// jsonText renders v as indented JSON.
func jsonText(v interface{}) (string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return "", fmt.Errorf("failed to encode response: %w", err)
	}
	return buf.String(), nil
}
