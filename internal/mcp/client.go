package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tandem/internal/logging"
)

// RPCClient is the protocol-level interface the connection manager drives.
// The production implementation is Client; tests substitute fakes.
type RPCClient interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]*ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error)
	ListResources(ctx context.Context) ([]*Resource, error)
	ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error)
	ListPrompts(ctx context.Context) ([]*Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]any) (*GetPromptResult, error)
	Ping(ctx context.Context) error
	SetDisconnectHandler(fn func(error))
	Close() error
}

// Client handles JSON-RPC communication with one server.
type Client struct {
	transport  Transport
	serverInfo *ServerInfo

	initialized bool
	mu          sync.RWMutex

	// Request tracking
	nextID    int64
	pending   map[int64]chan *JSONRPCMessage
	pendingMu sync.Mutex

	serverID string
	timeout  time.Duration

	// Invoked once when the receive loop dies while the client is still open.
	onDisconnect func(error)
	disconnectMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

// NewClient creates a client for the configured server and starts its
// receive loop.
func NewClient(cfg *ServerConfig) (*Client, error) {
	var transport Transport
	var err error

	switch cfg.Transport {
	case "stdio":
		transport, err = NewStdioTransport(cfg.Command, cfg.Args, cfg.Env)
	case "http":
		transport, err = NewHTTPTransport(cfg.URL, cfg.Headers, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Transport)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		transport: transport,
		serverID:  cfg.ID,
		timeout:   cfg.Timeout,
		pending:   make(map[int64]chan *JSONRPCMessage),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go c.receiveLoop()

	return c, nil
}

// SetDisconnectHandler registers a callback invoked when the connection
// drops unexpectedly.
func (c *Client) SetDisconnectHandler(fn func(error)) {
	c.disconnectMu.Lock()
	c.onDisconnect = fn
	c.disconnectMu.Unlock()
}

// receiveLoop reads messages from the transport and routes them.
func (c *Client) receiveLoop() {
	defer close(c.done)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		msg, err := c.transport.Receive()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			logging.Warn("server receive error", "server", c.serverID, "error", err)
			c.fireDisconnect(err)
			return
		}

		c.handleMessage(msg)
	}
}

func (c *Client) fireDisconnect(err error) {
	if c.closed.Load() {
		return
	}
	c.disconnectMu.Lock()
	fn := c.onDisconnect
	c.disconnectMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// handleMessage routes an incoming message to the appropriate handler.
func (c *Client) handleMessage(msg *JSONRPCMessage) {
	if msg.IsResponse() {
		id, ok := msg.ID.(float64) // JSON numbers decode as float64
		if !ok {
			logging.Warn("response with invalid ID type", "server", c.serverID, "id", msg.ID)
			return
		}

		c.pendingMu.Lock()
		ch, exists := c.pending[int64(id)]
		if exists {
			delete(c.pending, int64(id))
		}
		c.pendingMu.Unlock()

		if exists {
			select {
			case ch <- msg:
			default:
			}
		} else {
			logging.Warn("response for unknown request", "server", c.serverID, "id", id)
		}
	} else if msg.IsNotification() {
		logging.Debug("notification received", "server", c.serverID, "method", msg.Method)
	}
}

// request sends a request and waits for a response.
func (c *Client) request(ctx context.Context, method string, params any) (*JSONRPCMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	respCh := make(chan *JSONRPCMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	msg := &JSONRPCMessage{
		ID:     id,
		Method: method,
		Params: params,
	}

	if err := c.transport.Send(msg); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timeout := c.timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends a notification (no response expected).
func (c *Client) notify(method string, params any) error {
	return c.transport.Send(&JSONRPCMessage{
		Method: method,
		Params: params,
	})
}

// decodeResult re-marshals a response result into a typed struct.
func decodeResult(result any, out any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse result: %w", err)
	}
	return nil
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	params := &InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo: &ClientInfo{
			Name:    "tandem",
			Version: "1.0.0",
		},
		Capabilities: map[string]any{},
	}

	resp, err := c.request(ctx, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var result InitializeResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return err
	}

	c.serverInfo = result.ServerInfo

	if err := c.notify(MethodInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.initialized = true

	name, version := "", ""
	if c.serverInfo != nil {
		name, version = c.serverInfo.Name, c.serverInfo.Version
	}
	logging.Info("server initialized",
		"id", c.serverID,
		"server", name,
		"version", version)

	return nil
}

func (c *Client) requireInitialized() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return fmt.Errorf("client not initialized")
	}
	return nil
}

// ListTools retrieves the list of tools from the server.
func (c *Client) ListTools(ctx context.Context) ([]*ToolInfo, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}

	resp, err := c.request(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list failed: %w", err)
	}

	var result ListToolsResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, err
	}

	logging.Debug("tools listed", "server", c.serverID, "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool calls a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}

	resp, err := c.request(ctx, MethodToolsCall, &CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("tools/call failed: %w", err)
	}

	var result CallToolResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, err
	}

	logging.Debug("tool called",
		"server", c.serverID,
		"tool", name,
		"is_error", result.IsError)

	return &result, nil
}

// ListResources retrieves the list of resources from the server.
func (c *Client) ListResources(ctx context.Context) ([]*Resource, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}

	resp, err := c.request(ctx, MethodResourcesList, nil)
	if err != nil {
		return nil, fmt.Errorf("resources/list failed: %w", err)
	}

	var result ListResourcesResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

// ReadResource reads a resource from the server by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}

	resp, err := c.request(ctx, MethodResourcesRead, &ReadResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("resources/read failed: %w", err)
	}

	var result ReadResourceResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPrompts retrieves the list of prompt templates from the server.
func (c *Client) ListPrompts(ctx context.Context) ([]*Prompt, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}

	resp, err := c.request(ctx, MethodPromptsList, nil)
	if err != nil {
		return nil, fmt.Errorf("prompts/list failed: %w", err)
	}

	var result ListPromptsResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

// GetPrompt expands a prompt template with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]any) (*GetPromptResult, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}

	resp, err := c.request(ctx, MethodPromptsGet, &GetPromptParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("prompts/get failed: %w", err)
	}

	var result GetPromptResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	_, err := c.request(ctx, MethodPing, nil)
	return err
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Close closes the client and releases resources.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.cancel()

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		logging.Warn("client receive loop did not stop in time", "server", c.serverID)
	}

	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}

	logging.Debug("client closed", "server", c.serverID)
	return nil
}
