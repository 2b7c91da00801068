package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/cortex-agent/internal/buildinfo"
	"github.com/nugget/cortex-agent/internal/httpkit"
)

// maxResponse bounds a single JSON-RPC response body.
const maxResponse = 10 << 20

// Server names one remote MCP endpoint.
type Server struct {
	Name    string
	URL     string
	Headers map[string]string
}

// Client talks to one MCP server. The initialize handshake runs on first
// use and again after the server drops the session.
type Client struct {
	server Server
	http   *http.Client
	logger *slog.Logger
	nextID atomic.Int64

	mu      sync.Mutex
	ready   bool
	session string
	tools   []ToolDefinition
}

// NewClient returns a Client for srv. A nil hc uses an httpkit client.
func NewClient(srv Server, hc *http.Client, logger *slog.Logger) *Client {
	if hc == nil {
		hc = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{server: srv, http: hc, logger: logger.With("mcp_server", srv.Name)}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.server.Name }

// ListTools returns the server's tools. The list is cached after the
// first successful call.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.Lock()
	cached := c.tools
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var all []ToolDefinition
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		var page listToolsResult
		if err := c.call(ctx, "tools/list", params, &page); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}
	if all == nil {
		all = []ToolDefinition{}
	}

	c.mu.Lock()
	c.tools = all
	c.mu.Unlock()
	c.logger.Info("discovered MCP tools", "count", len(all))
	return all, nil
}

// CallTool invokes name and returns its text content. A result flagged
// isError becomes an error carrying that text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	var res callToolResult
	if err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, &res); err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}
	text := joinContent(res.Content)
	if res.IsError {
		return "", fmt.Errorf("MCP tool %s returned error: %s", name, text)
	}
	return text, nil
}

// Reset drops the session and cached tool list.
func (c *Client) Reset() {
	c.mu.Lock()
	c.ready = false
	c.session = ""
	c.tools = nil
	c.mu.Unlock()
}

// call performs method after making sure the session is initialized.
// A 404 means the server forgot the session; one re-initialize is
// attempted.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if err := c.initialize(ctx); err != nil {
		return err
	}
	err := c.request(ctx, method, params, out)
	var se *httpkit.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound && c.sessionID() != "" {
		c.logger.Debug("MCP session expired, re-initializing")
		c.Reset()
		if err := c.initialize(ctx); err != nil {
			return err
		}
		err = c.request(ctx, method, params, out)
	}
	return err
}

func (c *Client) initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "cortex", "version": buildinfo.Version},
	}
	var res initializeResult
	sid, err := c.post(ctx, rpcRequest{JSONRPC: jsonrpcVersion, ID: c.id(), Method: "initialize", Params: params}, &res, "")
	if err != nil {
		return fmt.Errorf("initialize %s: %w", c.server.Name, err)
	}
	c.session = sid
	if _, err := c.post(ctx, rpcRequest{JSONRPC: jsonrpcVersion, Method: "notifications/initialized"}, nil, sid); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	c.ready = true

	c.logger.Info("MCP server initialized",
		"server_name", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
		"protocol_version", res.ProtocolVersion,
	)
	return nil
}

func (c *Client) request(ctx context.Context, method string, params, out any) error {
	_, err := c.post(ctx, rpcRequest{JSONRPC: jsonrpcVersion, ID: c.id(), Method: method, Params: params}, out, c.sessionID())
	return err
}

func (c *Client) sessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) id() *int64 {
	id := c.nextID.Add(1)
	return &id
}

// post sends one message and decodes the matching response into out.
// Notifications (no id) expect 202 with no body. The returned string is
// the session id the server assigned, if any.
func (c *Client) post(ctx context.Context, msg rpcRequest, out any, session string) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", msg.Method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.server.Headers {
		req.Header.Set(k, v)
	}
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", httpkit.ErrUpstream, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &httpkit.StatusError{
			URL:        req.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 2048),
		}
	}
	sid := resp.Header.Get(sessionHeader)
	if msg.ID == nil {
		return sid, nil
	}

	rpc, err := readResponse(resp, *msg.ID)
	if err != nil {
		return sid, fmt.Errorf("%s: %w", msg.Method, err)
	}
	if rpc.Error != nil {
		return sid, rpc.Error
	}
	if out != nil {
		if err := json.Unmarshal(rpc.Result, out); err != nil {
			return sid, fmt.Errorf("decode %s result: %w", msg.Method, err)
		}
	}
	return sid, nil
}

// readResponse extracts the response with the given id from either a
// plain JSON body or an event stream.
func readResponse(resp *http.Response, id int64) (*rpcResponse, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	body := io.LimitReader(resp.Body, maxResponse)

	if mediaType != "text/event-stream" {
		var rpc rpcResponse
		if err := json.NewDecoder(body).Decode(&rpc); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &rpc, nil
	}

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxResponse)
	var data strings.Builder
	flush := func() (*rpcResponse, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var rpc rpcResponse
		if err := json.Unmarshal([]byte(data.String()), &rpc); err != nil {
			return nil, false
		}
		if rpc.ID == nil || *rpc.ID != id {
			return nil, false
		}
		return &rpc, true
	}
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if rpc, ok := flush(); ok {
				return rpc, nil
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(v, " "))
		}
	}
	if rpc, ok := flush(); ok {
		return rpc, nil
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without response %d", id)
}
