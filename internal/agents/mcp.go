package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// ClientName identifies phasectl to MCP servers.
const ClientName = "phasectl"

// MCPDialer opens a client session.
type MCPDialer func(ctx context.Context) (*gomcp.ClientSession, error)

// CommandDialer starts command over stdio. The server process lives as long
// as the session.
func CommandDialer(command string, args []string, env map[string]string, version string) MCPDialer {
	return func(ctx context.Context) (*gomcp.ClientSession, error) {
		client := gomcp.NewClient(&gomcp.Implementation{Name: ClientName, Version: version}, nil)

		cmd := exec.Command(command, args...)
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		session, err := client.Connect(ctx, &gomcp.CommandTransport{Command: cmd}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server %s: %w", command, err)
		}
		return session, nil
	}
}

// MCPHandler delegates each task as one call of a tool. The session is
// opened on first use and reopened after a transport failure.
type MCPHandler struct {
	tool   string
	dial   MCPDialer
	logger *zap.Logger

	mu      sync.Mutex
	session *gomcp.ClientSession
}

// NewMCPHandler creates a handler calling tool on sessions from dial.
func NewMCPHandler(tool string, dial MCPDialer, logger *zap.Logger) *MCPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MCPHandler{tool: tool, dial: dial, logger: logger}
}

// Invoke implements agent.Handler.
func (h *MCPHandler) Invoke(ctx context.Context, task agent.Task, slice agent.ContextSlice, grant agent.BudgetSlice) (*agent.Result, error) {
	args, err := toArguments(NewRequest(task, slice, grant))
	if err != nil {
		return nil, agent.Fatal(err)
	}

	session, err := h.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, agent.Transient(err)
	}

	res, err := session.CallTool(ctx, &gomcp.CallToolParams{Name: h.tool, Arguments: args})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h.reset(session)
		return nil, agent.Transient(fmt.Errorf("MCP tool call %s failed: %w", h.tool, err))
	}

	text := contentText(res.Content)
	if res.IsError {
		return nil, agent.NewError(agent.ErrorFatal, "tool %s reported an error: %s", h.tool, text)
	}

	resp, err := toolResponse(res.StructuredContent, text)
	if err != nil {
		return nil, err
	}
	if resp.Error == nil && resp.UnitsConsumed == 0 {
		resp.UnitsConsumed = estimateUnits(resp.Payload)
	}
	h.logger.Debug("mcp tool returned", zap.String("task", describe(task)), zap.String("tool", h.tool), zap.Int64("units", resp.UnitsConsumed))
	return resp.Result()
}

// Close ends the session and stops the server process.
func (h *MCPHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil
	}
	err := h.session.Close()
	h.session = nil
	return err
}

func (h *MCPHandler) connect(ctx context.Context) (*gomcp.ClientSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != nil {
		return h.session, nil
	}
	s, err := h.dial(ctx)
	if err != nil {
		return nil, err
	}
	h.session = s
	return s, nil
}

func (h *MCPHandler) reset(s *gomcp.ClientSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != s {
		return
	}
	if err := s.Close(); err != nil {
		h.logger.Debug("closing broken mcp session", zap.Error(err))
	}
	h.session = nil
}

func toArguments(req Request) (map[string]any, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return args, nil
}

func contentText(content []gomcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		switch c := c.(type) {
		case *gomcp.TextContent:
			sb.WriteString(c.Text)
		case *gomcp.ImageContent:
			sb.WriteString("[image: " + c.MIMEType + "]")
		default:
			sb.WriteString("[unsupported content type]")
		}
	}
	return sb.String()
}

// toolResponse reads a response envelope from structured content or from
// a JSON text body. Anything else becomes {"output": text}.
func toolResponse(structured any, text string) (Response, error) {
	if structured != nil {
		data, err := json.Marshal(structured)
		if err != nil {
			return Response{}, agent.NewError(agent.ErrorValidationFailure, "structured content: %v", err)
		}
		if resp, ok := envelope(data); ok {
			return resp, nil
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			return Response{}, agent.NewError(agent.ErrorValidationFailure, "structured content is not an object")
		}
		return Response{Payload: payload}, nil
	}
	trimmed := bytes.TrimSpace([]byte(text))
	if resp, ok := envelope(trimmed); ok {
		return resp, nil
	}
	return Response{Payload: map[string]any{"output": text}}, nil
}

// envelope decodes data as a Response if it is an object with a payload or
// error member.
func envelope(data []byte) (Response, bool) {
	if len(data) == 0 || data[0] != '{' {
		return Response{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Response{}, false
	}
	_, hasPayload := fields["payload"]
	_, hasError := fields["error"]
	if !hasPayload && !hasError {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}
