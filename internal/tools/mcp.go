package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/echobridge/echobridge/pkg/types"
)

// defaultCallTimeout bounds one external tool round trip.
const defaultCallTimeout = 30 * time.Second

// ServerConfig describes how to connect to one external MCP server.
type ServerConfig struct {
	// Name is the unique server identifier. Bridged tool names are
	// prefixed with it ("name_toolname") to avoid collisions.
	Name string

	// Transport is "stdio" or "streamable-http".
	Transport string

	// Command is the executable and arguments for stdio transport.
	Command string

	// URL is the endpoint for streamable-http transport.
	URL string

	// Env holds extra environment variables for stdio servers.
	Env map[string]string

	// CallTimeout bounds each tool call. Zero means 30 s.
	CallTimeout time.Duration
}

// MCPHost bridges external MCP servers into a Registry. Every discovered
// tool becomes a registry handler whose result feeds back to the LLM.
type MCPHost struct {
	registry *Registry
	client   *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
	bridged  map[string][]string // server name to registered tool names
}

// NewMCPHost creates a host that registers bridged tools into registry.
func NewMCPHost(registry *Registry) *MCPHost {
	return &MCPHost{
		registry: registry,
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "echobridge-mcphost", Version: "1.0.0"},
			nil,
		),
		sessions: map[string]*mcpsdk.ClientSession{},
		bridged:  map[string][]string{},
	}
}

// RegisterServer connects to the configured server and bridges its tool
// catalogue. Re-registering a name replaces the old connection and its tools.
func (h *MCPHost) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: mcp server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case "stdio":
		fields := strings.Fields(cfg.Command)
		if len(fields) == 0 {
			return fmt.Errorf("tools: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case "streamable-http":
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("tools: unknown mcp transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect mcp server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools of %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.sessions[cfg.Name]; ok {
		_ = old.Close()
		for _, name := range h.bridged[cfg.Name] {
			h.registry.Unregister(name)
		}
	}
	h.sessions[cfg.Name] = session

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	names := make([]string, 0, len(discovered))
	for _, t := range discovered {
		name := cfg.Name + "_" + t.Name
		if err := h.registry.Register(h.bridgeHandler(name, cfg.Name, t, timeout)); err != nil {
			return err
		}
		names = append(names, name)
	}
	h.bridged[cfg.Name] = names
	return nil
}

// bridgeHandler wraps one remote tool as a registry handler.
func (h *MCPHost) bridgeHandler(name, server string, tool mcpsdk.Tool, timeout time.Duration) Handler {
	remote := tool.Name
	return Handler{
		Definition: types.ToolDefinition{
			Name:        name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		},
		Run: func(ctx context.Context, inv Invocation) (Outcome, error) {
			h.mu.Lock()
			session, ok := h.sessions[server]
			h.mu.Unlock()
			if !ok {
				return Outcome{}, fmt.Errorf("mcp server %q is gone", server)
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: remote, Arguments: inv.Args})
			if err != nil {
				return Outcome{}, fmt.Errorf("call mcp tool %q: %w", remote, err)
			}

			var sb strings.Builder
			for _, c := range res.Content {
				if tc, ok := c.(*mcpsdk.TextContent); ok {
					sb.WriteString(tc.Text)
				}
			}
			if res.IsError {
				return Outcome{}, fmt.Errorf("mcp tool %q: %s", remote, sb.String())
			}
			return Outcome{Action: ActionReqLLM, Result: sb.String()}, nil
		},
	}
}

// Close shuts down every server connection and removes the bridged tools.
func (h *MCPHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for name, session := range h.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close mcp server %q: %w", name, err)
		}
		for _, tool := range h.bridged[name] {
			h.registry.Unregister(tool)
		}
		delete(h.sessions, name)
		delete(h.bridged, name)
	}
	return firstErr
}

// schemaToMap normalizes any SDK schema value to a plain map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
