package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tandem/internal/logging"
	"tandem/internal/tools"
)

// ServerState is the lifecycle state of a managed server.
type ServerState string

const (
	StateDisabled     ServerState = "disabled"
	StateDisconnected ServerState = "disconnected"
	StateConnecting   ServerState = "connecting"
	StateConnected    ServerState = "connected"
	StateError        ServerState = "error"
)

var (
	// ErrConnectCeiling is returned when the global limit on concurrent
	// connection attempts is reached. Callers should retry later rather
	// than queue.
	ErrConnectCeiling = errors.New("too many concurrent connection attempts")

	// ErrUnknownServer is returned for operations on an unregistered server.
	ErrUnknownServer = errors.New("unknown server")

	// ErrServerDisabled is returned when connecting to a disabled server.
	ErrServerDisabled = errors.New("server is disabled")

	// ErrNotConnected is returned when a call requires a live connection.
	ErrNotConnected = errors.New("server not connected")
)

// DialFunc creates a protocol client for a server. Tests substitute fakes.
type DialFunc func(cfg *ServerConfig) (RPCClient, error)

// ServerStats tracks per-server usage counters.
type ServerStats struct {
	Calls      int
	Errors     int
	CacheHits  int
	LastCall   time.Time
	AvgLatency time.Duration

	totalLatency time.Duration
}

// managedServer is the manager's record for one configured server.
type managedServer struct {
	cfg        *ServerConfig
	state      ServerState
	client     RPCClient
	retryCount int
	lastError  string
	stats      ServerStats

	// Serializes connection attempts for this server.
	connectMu sync.Mutex

	reconnectTimer *time.Timer
}

// Manager owns the set of external tool servers: their configuration,
// connection lifecycle, tool registration, and result caching.
type Manager struct {
	servers  map[string]*managedServer
	registry *tools.Registry
	cache    *ResultCache
	dial     DialFunc

	// Bounds concurrent connection attempts across all servers.
	// Acquisition is non-blocking; at the ceiling Connect fails fast.
	connectSem chan struct{}

	// Optional state change notification.
	onStateChange func(serverID string, state ServerState)

	mu     sync.RWMutex
	closed bool
}

// NewManager creates a manager. A nil dial uses the real protocol client.
func NewManager(registry *tools.Registry, cache *ResultCache, maxConcurrentConnects int, dial DialFunc) *Manager {
	if maxConcurrentConnects <= 0 {
		maxConcurrentConnects = 4
	}
	if dial == nil {
		dial = func(cfg *ServerConfig) (RPCClient, error) {
			return NewClient(cfg)
		}
	}
	if cache == nil {
		cache = NewResultCache(0, 0)
	}

	return &Manager{
		servers:    make(map[string]*managedServer),
		registry:   registry,
		cache:      cache,
		dial:       dial,
		connectSem: make(chan struct{}, maxConcurrentConnects),
	}
}

// SetStateListener registers a callback for server state transitions.
func (m *Manager) SetStateListener(fn func(serverID string, state ServerState)) {
	m.mu.Lock()
	m.onStateChange = fn
	m.mu.Unlock()
}

// setState transitions a server and fires the listener.
// Must be called with m.mu held.
func (m *Manager) setState(ms *managedServer, state ServerState) {
	if ms.state == state {
		return
	}
	ms.state = state
	if m.onStateChange != nil {
		go m.onStateChange(ms.cfg.ID, state)
	}
}

// RegisterServer adds a server configuration. Registering an existing ID
// updates the configuration in place without touching the connection.
func (m *Manager) RegisterServer(cfg *ServerConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("server id is required")
	}
	switch cfg.Transport {
	case "stdio":
		if cfg.Command == "" {
			return fmt.Errorf("stdio server %s: command is required", cfg.ID)
		}
	case "http":
		if cfg.URL == "" {
			return fmt.Errorf("http server %s: url is required", cfg.ID)
		}
	default:
		return fmt.Errorf("server %s: unknown transport %q", cfg.ID, cfg.Transport)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.servers[cfg.ID]; ok {
		existing.cfg = cfg
		if !cfg.Enabled && existing.state != StateDisabled {
			// Disabling an active registration tears it down lazily; the
			// caller is expected to Disconnect first for a clean stop.
			logging.Info("server config updated to disabled", "id", cfg.ID)
		}
		logging.Debug("server config updated", "id", cfg.ID)
		return nil
	}

	state := StateDisconnected
	if !cfg.Enabled {
		state = StateDisabled
	}

	m.servers[cfg.ID] = &managedServer{
		cfg:   cfg,
		state: state,
	}

	logging.Info("server registered", "id", cfg.ID, "transport", cfg.Transport, "enabled", cfg.Enabled)
	return nil
}

// UnregisterServer disconnects and removes a server.
func (m *Manager) UnregisterServer(id string) error {
	m.mu.Lock()
	ms, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownServer
	}
	delete(m.servers, id)
	m.stopReconnect(ms)
	client := ms.client
	ms.client = nil
	m.mu.Unlock()

	m.registry.UnregisterSource(toolSource(id))
	m.cache.InvalidateServer(id)

	if client != nil {
		client.Close()
	}

	logging.Info("server unregistered", "id", id)
	return nil
}

// Enable marks a server eligible for connections.
func (m *Manager) Enable(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.servers[id]
	if !ok {
		return ErrUnknownServer
	}

	ms.cfg.Enabled = true
	if ms.state == StateDisabled {
		m.setState(ms, StateDisconnected)
	}
	return nil
}

// Disable disconnects a server and blocks further connections.
func (m *Manager) Disable(id string) error {
	if err := m.Disconnect(id); err != nil && !errors.Is(err, ErrUnknownServer) {
		logging.Warn("disconnect during disable failed", "id", id, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.servers[id]
	if !ok {
		return ErrUnknownServer
	}

	ms.cfg.Enabled = false
	m.setState(ms, StateDisabled)
	return nil
}

// StartAutoConnect launches connection attempts for all enabled servers
// configured to start automatically. Failures are logged, not returned;
// each server retries on its own schedule.
func (m *Manager) StartAutoConnect(ctx context.Context) {
	m.mu.RLock()
	var ids []string
	for id, ms := range m.servers {
		if ms.cfg.Enabled && ms.cfg.AutoStart {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		go func(id string) {
			if err := m.Connect(ctx, id); err != nil {
				logging.Warn("auto-connect failed", "id", id, "error", err)
			}
		}(id)
	}
}

// Connect establishes a connection to a server, lists its tools, and
// registers them. Connection attempts for the same server are serialized;
// across servers they are bounded by the global ceiling.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.RLock()
	ms, ok := m.servers[id]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownServer
	}

	ms.connectMu.Lock()
	defer ms.connectMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("manager is shut down")
	}
	if !ms.cfg.Enabled {
		m.mu.Unlock()
		return ErrServerDisabled
	}
	if ms.state == StateConnected {
		m.mu.Unlock()
		return nil
	}

	// Fail fast at the ceiling instead of queueing
	select {
	case m.connectSem <- struct{}{}:
	default:
		m.mu.Unlock()
		return ErrConnectCeiling
	}
	defer func() { <-m.connectSem }()

	m.stopReconnect(ms)
	m.setState(ms, StateConnecting)
	cfg := ms.cfg
	m.mu.Unlock()

	client, toolInfos, err := m.establish(ctx, cfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		ms.lastError = err.Error()
		m.setState(ms, StateError)
		m.scheduleReconnectLocked(ms)
		return fmt.Errorf("connect %s: %w", id, err)
	}

	client.SetDisconnectHandler(func(cause error) {
		m.handleDisconnect(id, cause)
	})

	ms.client = client
	ms.retryCount = 0
	ms.lastError = ""
	m.setState(ms, StateConnected)

	m.publishTools(id, cfg, toolInfos)

	logging.Info("server connected", "id", id, "tools", len(toolInfos))
	return nil
}

// establish dials, initializes, and lists tools. No manager locks held.
func (m *Manager) establish(ctx context.Context, cfg *ServerConfig) (RPCClient, []*ToolInfo, error) {
	client, err := m.dial(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client: %w", err)
	}

	if err := client.Initialize(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("initialization failed: %w", err)
	}

	toolInfos, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to list tools: %w", err)
	}

	return client, toolInfos, nil
}

// publishTools replaces the registry entries for one server.
// Must be called with m.mu held.
func (m *Manager) publishTools(id string, cfg *ServerConfig, toolInfos []*ToolInfo) {
	source := toolSource(id)
	m.registry.UnregisterSource(source)

	prefix := cfg.ToolPrefix
	if prefix == "" {
		prefix = id
	}

	for _, info := range toolInfos {
		tool := NewMCPTool(m, id, prefix, info)
		m.registry.MustRegister(tool, tools.Meta{
			Source:   source,
			Category: tools.CategoryExternal,
			Risk:     tools.RiskModerate,
		})
	}
}

// Disconnect closes a server connection on request. The retry counter is
// reset so a later manual connect starts fresh.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	ms, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownServer
	}

	m.stopReconnect(ms)
	client := ms.client
	ms.client = nil
	ms.retryCount = 0
	ms.lastError = ""
	if ms.state != StateDisabled {
		m.setState(ms, StateDisconnected)
	}
	m.mu.Unlock()

	m.registry.UnregisterSource(toolSource(id))
	m.cache.InvalidateServer(id)

	if client != nil {
		if err := client.Close(); err != nil {
			return fmt.Errorf("failed to close client: %w", err)
		}
	}

	logging.Info("server disconnected", "id", id)
	return nil
}

// handleDisconnect reacts to an unexpected connection loss.
func (m *Manager) handleDisconnect(id string, cause error) {
	m.mu.Lock()
	ms, ok := m.servers[id]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	if ms.state != StateConnected {
		m.mu.Unlock()
		return
	}

	client := ms.client
	ms.client = nil
	if cause != nil {
		ms.lastError = cause.Error()
	}
	m.setState(ms, StateDisconnected)
	m.scheduleReconnectLocked(ms)
	m.mu.Unlock()

	m.registry.UnregisterSource(toolSource(id))
	m.cache.InvalidateServer(id)

	if client != nil {
		go client.Close()
	}

	logging.Warn("server connection lost", "id", id, "error", cause)
}

// scheduleReconnectLocked arms the next reconnect attempt. Only enabled
// auto-start servers reconnect on their own; others wait for a manual
// connect or the inline attempt on the next tool call. The delay grows
// linearly with the retry count; after MaxRetries the server goes to the
// error state and stays there until a manual connect.
// Must be called with m.mu held.
func (m *Manager) scheduleReconnectLocked(ms *managedServer) {
	if !ms.cfg.Enabled || !ms.cfg.AutoStart || m.closed {
		return
	}

	maxRetries := ms.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	if ms.retryCount >= maxRetries {
		ms.lastError = fmt.Sprintf("gave up after %d reconnect attempts: %s", ms.retryCount, ms.lastError)
		m.setState(ms, StateError)
		logging.Warn("reconnect attempts exhausted", "id", ms.cfg.ID, "attempts", ms.retryCount)
		return
	}

	ms.retryCount++

	baseDelay := ms.cfg.BaseRetryDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	delay := baseDelay * time.Duration(ms.retryCount)

	id := ms.cfg.ID
	ms.reconnectTimer = time.AfterFunc(delay, func() {
		if err := m.Connect(context.Background(), id); err != nil {
			logging.Debug("scheduled reconnect failed", "id", id, "error", err)
		}
	})

	logging.Info("reconnect scheduled",
		"id", id,
		"attempt", ms.retryCount,
		"max", maxRetries,
		"delay", delay)
}

// stopReconnect cancels any pending reconnect timer.
// Must be called with m.mu held.
func (m *Manager) stopReconnect(ms *managedServer) {
	if ms.reconnectTimer != nil {
		ms.reconnectTimer.Stop()
		ms.reconnectTimer = nil
	}
}

// CallTool executes a tool on a server, serving cached results when
// available. If the server is enabled but not connected, one inline
// connection attempt is made before failing.
func (m *Manager) CallTool(ctx context.Context, id, toolName string, args map[string]any) (tools.ToolResult, error) {
	if cached, ok := m.cache.Get(id, toolName, args); ok {
		m.mu.Lock()
		if ms, exists := m.servers[id]; exists {
			ms.stats.CacheHits++
		}
		m.mu.Unlock()
		return cached, nil
	}

	client, err := m.clientForCall(ctx, id)
	if err != nil {
		return tools.ToolResult{}, err
	}

	started := time.Now()
	result, err := client.CallTool(ctx, toolName, args)
	elapsed := time.Since(started)

	m.mu.Lock()
	if ms, exists := m.servers[id]; exists {
		ms.stats.Calls++
		ms.stats.LastCall = time.Now()
		ms.stats.totalLatency += elapsed
		ms.stats.AvgLatency = ms.stats.totalLatency / time.Duration(ms.stats.Calls)
		if err != nil || (result != nil && result.IsError) {
			ms.stats.Errors++
		}
	}
	m.mu.Unlock()

	if err != nil {
		return tools.ToolResult{}, fmt.Errorf("call %s on %s: %w", toolName, id, err)
	}

	toolResult := convertCallResult(result)
	if toolResult.Success {
		m.cache.Put(id, toolName, args, toolResult)
	}
	return toolResult, nil
}

// clientForCall returns a connected client, attempting one inline
// reconnect for enabled servers that have dropped their connection.
func (m *Manager) clientForCall(ctx context.Context, id string) (RPCClient, error) {
	m.mu.RLock()
	ms, ok := m.servers[id]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrUnknownServer
	}
	state := ms.state
	client := ms.client
	enabled := ms.cfg.Enabled
	m.mu.RUnlock()

	if state == StateConnected && client != nil {
		return client, nil
	}

	if !enabled {
		return nil, ErrServerDisabled
	}

	// One inline attempt; no retry loop here
	if err := m.Connect(ctx, id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, err)
	}

	m.mu.RLock()
	client = ms.client
	m.mu.RUnlock()
	if client == nil {
		return nil, ErrNotConnected
	}
	return client, nil
}

// convertCallResult maps a protocol result onto a tool result.
func convertCallResult(result *CallToolResult) tools.ToolResult {
	content := formatContentBlocks(result.Content)
	if result.IsError {
		return tools.NewErrorResult(content)
	}
	return tools.NewSuccessResult(content)
}

// ListResources lists resources on a connected server.
func (m *Manager) ListResources(ctx context.Context, id string) ([]*Resource, error) {
	client, err := m.connectedClient(id)
	if err != nil {
		return nil, err
	}
	return client.ListResources(ctx)
}

// ReadResource reads a resource from a connected server.
func (m *Manager) ReadResource(ctx context.Context, id, uri string) (*ReadResourceResult, error) {
	client, err := m.connectedClient(id)
	if err != nil {
		return nil, err
	}
	return client.ReadResource(ctx, uri)
}

// ListPrompts lists prompt templates on a connected server.
func (m *Manager) ListPrompts(ctx context.Context, id string) ([]*Prompt, error) {
	client, err := m.connectedClient(id)
	if err != nil {
		return nil, err
	}
	return client.ListPrompts(ctx)
}

// GetPrompt expands a prompt template on a connected server.
func (m *Manager) GetPrompt(ctx context.Context, id, name string, args map[string]any) (*GetPromptResult, error) {
	client, err := m.connectedClient(id)
	if err != nil {
		return nil, err
	}
	return client.GetPrompt(ctx, name, args)
}

// Ping verifies a server connection is alive.
func (m *Manager) Ping(ctx context.Context, id string) error {
	client, err := m.connectedClient(id)
	if err != nil {
		return err
	}
	return client.Ping(ctx)
}

func (m *Manager) connectedClient(id string) (RPCClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.servers[id]
	if !ok {
		return nil, ErrUnknownServer
	}
	if ms.state != StateConnected || ms.client == nil {
		return nil, ErrNotConnected
	}
	return ms.client, nil
}

// ServerStatus is a snapshot of one server's state.
type ServerStatus struct {
	ID         string
	State      ServerState
	Enabled    bool
	RetryCount int
	LastError  string
	Stats      ServerStats
	ToolCount  int
}

// Statuses returns a snapshot of all servers, sorted by ID.
func (m *Manager) Statuses() []*ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]*ServerStatus, 0, len(m.servers))
	for id, ms := range m.servers {
		toolCount := 0
		for _, entry := range m.registry.List() {
			if entry.Meta.Source == toolSource(id) {
				toolCount++
			}
		}

		statuses = append(statuses, &ServerStatus{
			ID:         id,
			State:      ms.state,
			Enabled:    ms.cfg.Enabled,
			RetryCount: ms.retryCount,
			LastError:  ms.lastError,
			Stats:      ms.stats,
			ToolCount:  toolCount,
		})
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ID < statuses[j].ID
	})
	return statuses
}

// State returns the current state of one server.
func (m *Manager) State(id string) (ServerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.servers[id]
	if !ok {
		return "", ErrUnknownServer
	}
	return ms.state, nil
}

// CacheStats returns result cache counters.
func (m *Manager) CacheStats() CacheStats {
	return m.cache.Stats()
}

// Shutdown disconnects all servers and stops reconnect timers.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.closed = true
	var clients []RPCClient
	var ids []string
	for id, ms := range m.servers {
		m.stopReconnect(ms)
		if ms.client != nil {
			clients = append(clients, ms.client)
			ms.client = nil
		}
		if ms.state != StateDisabled {
			m.setState(ms, StateDisconnected)
		}
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.registry.UnregisterSource(toolSource(id))
	}
	m.cache.Clear()

	var lastErr error
	for _, client := range clients {
		if err := client.Close(); err != nil {
			lastErr = err
		}
	}

	logging.Debug("server manager shutdown complete")
	return lastErr
}

// toolSource is the registry source tag for a server's tools.
func toolSource(id string) string {
	return "mcp:" + id
}
