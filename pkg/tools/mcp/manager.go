// Package mcp discovers tools from external MCP servers and registers them
// with the engine's tool registry.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parlance-ai/sonicbridge/pkg/sonic"
	"github.com/parlance-ai/sonicbridge/pkg/tools"
)

// TransportType selects how a server is reached.
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable_http"

	defaultConnectTimeout = 5 * time.Second
)

// ServerConfig describes one external tool server.
type ServerConfig struct {
	Transport   TransportType
	Command     string
	Args        []string
	Env         map[string]string
	URL         string
	Headers     map[string]string
	AutoApprove []string
	Disabled    bool
}

// toolCaller is the slice of an MCP client session the manager needs;
// narrowed so tests can fake it.
type toolCaller interface {
	ListTools(ctx context.Context, params *sdkmcp.ListToolsParams) (*sdkmcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *sdkmcp.CallToolParams) (*sdkmcp.CallToolResult, error)
	Close() error
}

// Manager owns the MCP client connections for the life of the process.
type Manager struct {
	registry *tools.Registry
	logger   *slog.Logger

	client *sdkmcp.Client

	mu       sync.Mutex
	sessions map[string]toolCaller
}

func NewManager(registry *tools.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		logger:   logger,
		client: sdkmcp.NewClient(&sdkmcp.Implementation{
			Name:    "sonicbridge",
			Version: "1.0.0",
		}, nil),
		sessions: make(map[string]toolCaller),
	}
}

// InitializeServers connects every enabled server. Individual failures are
// logged and skipped; one bad server must not block the rest.
func (m *Manager) InitializeServers(ctx context.Context, servers map[string]ServerConfig) {
	if m == nil {
		return
	}
	for name, cfg := range servers {
		if cfg.Disabled {
			m.logger.Info("mcp server disabled, skipping", "server", name)
			continue
		}
		if err := m.Connect(ctx, name, cfg); err != nil {
			m.logger.Error("mcp server connection failed", "server", name, "err", err)
		}
	}
}

// Connect dials one server, lists its tools, and registers each of them.
func (m *Manager) Connect(ctx context.Context, serverName string, cfg ServerConfig) error {
	if m == nil {
		return fmt.Errorf("manager is not initialized")
	}

	session, err := m.dial(ctx, serverName, cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if old := m.sessions[serverName]; old != nil {
		_ = old.Close()
	}
	m.sessions[serverName] = session
	m.mu.Unlock()

	count, err := m.registerTools(ctx, serverName, cfg, session)
	if err != nil {
		return err
	}
	m.logger.Info("mcp server connected", "server", serverName, "tools", count)
	return nil
}

func (m *Manager) dial(ctx context.Context, serverName string, cfg ServerConfig) (toolCaller, error) {
	connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	switch cfg.Transport {
	case TransportSSE:
		if cfg.URL == "" {
			return nil, fmt.Errorf("server %s: sse transport requires a url", serverName)
		}
		return m.client.Connect(connectCtx, &sdkmcp.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientWithHeaders(cfg.Headers),
		}, nil)
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("server %s: streamable_http transport requires a url", serverName)
		}
		return m.client.Connect(connectCtx, &sdkmcp.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientWithHeaders(cfg.Headers),
		}, nil)
	case TransportStdio, "":
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %s: stdio transport requires a command", serverName)
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return m.client.Connect(connectCtx, &sdkmcp.CommandTransport{Command: cmd}, nil)
	default:
		return nil, fmt.Errorf("server %s: unknown transport type %q", serverName, cfg.Transport)
	}
}

func (m *Manager) registerTools(ctx context.Context, serverName string, cfg ServerConfig, session toolCaller) (int, error) {
	listCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	result, err := session.ListTools(listCtx, nil)
	if err != nil {
		return 0, fmt.Errorf("list tools on %s: %w", serverName, err)
	}

	autoApproved := make(map[string]bool, len(cfg.AutoApprove))
	for _, name := range cfg.AutoApprove {
		autoApproved[strings.TrimSpace(name)] = true
	}

	registered := 0
	for _, tool := range result.Tools {
		if tool == nil || strings.TrimSpace(tool.Name) == "" {
			continue
		}
		toolName := tool.Name
		schema := sonic.DefaultToolSchema
		if tool.InputSchema != nil {
			if data, err := json.Marshal(tool.InputSchema); err == nil {
				schema = string(data)
			}
		}
		reg := tools.Registration{
			Name:         toolName,
			Provider:     serverName,
			Description:  tool.Description,
			Schema:       schema,
			AutoApproved: autoApproved[toolName],
			Invoke: func(ctx context.Context, rawContent string) (any, error) {
				return callTool(ctx, session, toolName, rawContent)
			},
		}
		if err := m.registry.Register(reg); err != nil {
			m.logger.Warn("mcp tool registration skipped", "server", serverName, "tool", toolName, "err", err)
			continue
		}
		registered++
	}
	return registered, nil
}

// callTool invokes one remote tool and returns its content blocks as a
// generic slice, preserving the provider's multi-block result shape for the
// engine's serializer to collapse.
func callTool(ctx context.Context, session toolCaller, toolName, rawContent string) (any, error) {
	var args map[string]any
	if strings.TrimSpace(rawContent) != "" {
		if err := json.Unmarshal([]byte(rawContent), &args); err != nil {
			return nil, fmt.Errorf("parse arguments for %s: %w", toolName, err)
		}
	}

	result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	blocks := contentBlocks(result.Content)
	if result.IsError {
		return nil, fmt.Errorf("tool %s failed: %s", toolName, firstText(result.Content))
	}
	return blocks, nil
}

func contentBlocks(content []sdkmcp.Content) []any {
	blocks := make([]any, 0, len(content))
	for _, c := range content {
		if text, ok := c.(*sdkmcp.TextContent); ok {
			blocks = append(blocks, map[string]any{"type": "text", "text": text.Text})
		}
	}
	return blocks
}

func firstText(content []sdkmcp.Content) string {
	for _, c := range content {
		if text, ok := c.(*sdkmcp.TextContent); ok {
			return text.Text
		}
	}
	return "unknown error"
}

// Disconnect tears down one server and removes its tools.
func (m *Manager) Disconnect(serverName string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	session := m.sessions[serverName]
	delete(m.sessions, serverName)
	m.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	removed := m.registry.Unregister(serverName)
	m.logger.Info("mcp server disconnected", "server", serverName, "tools_removed", removed)
}

// Close disconnects every server.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]toolCaller)
	m.mu.Unlock()

	for name, session := range sessions {
		_ = session.Close()
		m.registry.Unregister(name)
	}
}

func httpClientWithHeaders(headers map[string]string) *http.Client {
	client := &http.Client{}
	if len(headers) == 0 {
		return client
	}
	client.Transport = &headerRoundTripper{headers: headers, next: http.DefaultTransport}
	return client
}

type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	for k, v := range h.headers {
		cloned.Header.Set(k, v)
	}
	return h.next.RoundTrip(cloned)
}
