package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// ErrUnknownTool is returned by Manager.CallTool when no server
// advertises the name.
var ErrUnknownTool = errors.New("unknown MCP tool")

// Manager routes tool calls across several servers. Tool names are used
// as the servers advertise them; when two servers share a name the
// first configured server wins.
type Manager struct {
	clients []*Client
	logger  *slog.Logger

	mu    sync.Mutex
	owner map[string]*Client
}

// NewManager builds a client per server. Nothing is contacted until the
// first call.
func NewManager(servers []Server, hc *http.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger}
	for _, srv := range servers {
		m.clients = append(m.clients, NewClient(srv, hc, logger))
	}
	return m
}

// Len reports the number of configured servers.
func (m *Manager) Len() int {
	if m == nil {
		return 0
	}
	return len(m.clients)
}

// Tools returns the union of all reachable servers' tools. Servers that
// fail are logged and left out; the error is non-nil only when every
// server failed.
func (m *Manager) Tools(ctx context.Context) ([]ToolDefinition, error) {
	if m.Len() == 0 {
		return nil, nil
	}
	var (
		out   []ToolDefinition
		errs  []error
		owner = make(map[string]*Client)
	)
	for _, c := range m.clients {
		defs, err := c.ListTools(ctx)
		if err != nil {
			m.logger.Warn("MCP server unavailable", "mcp_server", c.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		for _, d := range defs {
			if prev, dup := owner[d.Name]; dup {
				m.logger.Warn("duplicate MCP tool name ignored",
					"tool", d.Name, "kept", prev.Name(), "ignored", c.Name())
				continue
			}
			owner[d.Name] = c
			out = append(out, d)
		}
	}

	m.mu.Lock()
	m.owner = owner
	m.mu.Unlock()

	if len(errs) == len(m.clients) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// CallTool invokes name on the server that advertises it.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if m.Len() == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	c := m.lookup(name)
	if c == nil {
		// The index may be stale or never built.
		if _, err := m.Tools(ctx); err != nil {
			return "", err
		}
		if c = m.lookup(name); c == nil {
			return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
	}
	return c.CallTool(ctx, name, args)
}

func (m *Manager) lookup(name string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner[name]
}
