package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/probe-mcp/internal/constants"
	"github.com/coral-mesh/probe-mcp/internal/debugger"
)

// Server exposes the debug session registry as MCP tools.
type Server struct {
	mcpServer *server.MCPServer
	registry  *debugger.Registry
	config    Config
	logger    zerolog.Logger
	startedAt time.Time
	// toolFuncs maps tool names to their execution functions so tools can be
	// called without going through a transport.
	toolFuncs map[string]toolFunc
}

// Config contains configuration for the MCP server.
type Config struct {
	// Name and Version are reported to clients during initialization.
	Name    string
	Version string

	// EnabledTools optionally restricts which tools are available.
	// If empty, all tools are enabled.
	EnabledTools []string

	// AuditEnabled logs every tool call with its arguments.
	AuditEnabled bool

	// Connect defaults applied when the caller leaves them out.
	DefaultSpeedKHz   uint32
	ConnectUnderReset bool

	// VerifyByDefault is used by flash tools when verify is not given.
	VerifyByDefault bool

	// RTTAttachTimeout bounds run_firmware's wait for the control block.
	RTTAttachTimeout time.Duration
	// RTTReadBytes is the default max_bytes of rtt_read.
	RTTReadBytes int
}

type toolFunc func(ctx context.Context, args []byte) (string, error)

// New creates a new MCP server backed by registry.
func New(registry *debugger.Registry, config Config, logger zerolog.Logger) *Server {
	if config.Name == "" {
		config.Name = constants.ServerName
	}
	if config.Version == "" {
		config.Version = "dev"
	}
	if config.DefaultSpeedKHz == 0 {
		config.DefaultSpeedKHz = constants.DefaultSpeedKHz
	}
	if config.RTTAttachTimeout <= 0 {
		config.RTTAttachTimeout = constants.DefaultRTTAttachTimeout
	}
	if config.RTTReadBytes <= 0 {
		config.RTTReadBytes = constants.DefaultRTTReadBytes
	}

	logger.Info().
		Bool("audit_enabled", config.AuditEnabled).
		Int("max_sessions", registry.MaxSessions()).
		Msg("Initializing MCP server")

	s := &Server{
		mcpServer: server.NewMCPServer(
			config.Name,
			config.Version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		registry:  registry,
		config:    config,
		logger:    logger,
		startedAt: time.Now(),
		toolFuncs: make(map[string]toolFunc),
	}
	s.registerTools()

	logger.Info().
		Int("tool_count", len(s.toolFuncs)).
		Msg("MCP server initialized successfully")
	return s
}

// ServeStdio serves MCP over stdin/stdout until ctx is cancelled or the
// client closes the stream.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.ServeStreams(ctx, nil, nil)
}

// ServeStreams serves MCP over the given streams. Nil streams fall back to
// stdin and stdout.
func (s *Server) ServeStreams(ctx context.Context, in io.Reader, out io.Writer) error {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	s.logger.Info().Msg("Starting MCP server on stdio")

	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(log.New(s.logger, "", 0))
	if err := stdio.Listen(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close disconnects every session.
func (s *Server) Close() error {
	s.logger.Info().
		Dur("uptime", time.Since(s.startedAt)).
		Msg("Stopping MCP server")
	return s.registry.CloseAll()
}

// ExecuteTool runs a tool by name with JSON-encoded arguments.
func (s *Server) ExecuteTool(ctx context.Context, toolName string, argumentsJSON string) (string, error) {
	fn, ok := s.toolFuncs[toolName]
	if !ok {
		return "", fmt.Errorf("tool not found or not enabled: %s", toolName)
	}
	return fn(ctx, []byte(argumentsJSON))
}

// ListToolNames returns the names of all registered tools.
func (s *Server) ListToolNames() []string {
	names := make([]string, 0, len(s.toolFuncs))
	for name := range s.toolFuncs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsToolEnabled checks if a tool is enabled based on configuration.
func (s *Server) IsToolEnabled(toolName string) bool {
	return s.isToolEnabled(toolName)
}

func (s *Server) registerTools() {
	s.registerSessionTools()
	s.registerControlTools()
	s.registerMemoryTools()
	s.registerBreakpointTools()
	s.registerFlashTools()
	s.registerRTTTools()

	s.logger.Debug().
		Strs("tools", s.ListToolNames()).
		Msg("Tools registered")
}

// isToolEnabled checks if a tool is enabled based on configuration.
func (s *Server) isToolEnabled(toolName string) bool {
	if len(s.config.EnabledTools) == 0 {
		// All tools enabled by default.
		return true
	}

	for _, enabled := range s.config.EnabledTools {
		if enabled == toolName {
			return true
		}
	}
	return false
}

// auditToolCall logs a tool invocation if auditing is enabled.
func (s *Server) auditToolCall(toolName string, args interface{}) {
	if !s.config.AuditEnabled {
		return
	}

	argsJSON, _ := json.Marshal(args)
	s.logger.Info().
		Str("tool", toolName).
		RawJSON("args", argsJSON).
		Msg("MCP tool called")
}

// addTool registers fn under name with a schema generated from inputType.
func (s *Server) addTool(name, description string, inputType interface{}, fn toolFunc) {
	registered := s.registerToolWithSchema(name, description, inputType, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args []byte
		if request.Params.Arguments != nil {
			argBytes, err := json.Marshal(request.Params.Arguments)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to marshal arguments: %v", err)), nil
			}
			args = argBytes
		}

		text, err := fn(ctx, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	})
	if registered {
		s.toolFuncs[name] = fn
	}
}

// bind decodes a tool's arguments into T, audits the call and runs exec.
func bind[T any](s *Server, name string, exec func(ctx context.Context, input T) (string, error)) toolFunc {
	return func(ctx context.Context, args []byte) (string, error) {
		var input T
		if len(args) > 0 && string(args) != "null" {
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("failed to parse arguments: %w", err)
			}
		}

		s.auditToolCall(name, input)

		text, err := exec(ctx, input)
		if err != nil {
			s.logger.Debug().Err(err).Str("tool", name).Msg("Tool call failed")
		}
		return text, err
	}
}

// session resolves a session id.
func (s *Server) session(id string) (*debugger.Session, error) {
	return s.registry.GetSession(id)
}
