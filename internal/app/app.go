package app

import (
	"context"
	"fmt"
	"path/filepath"

	"tandem/internal/config"
	"tandem/internal/events"
	"tandem/internal/logging"
	"tandem/internal/mcp"
	"tandem/internal/provider"
	"tandem/internal/run"
	"tandem/internal/session"
	"tandem/internal/tools"
	"tandem/internal/workspace"
)

// App is the orchestrator façade. It owns the component graph and exposes
// the full command surface; no component is reachable through globals.
type App struct {
	cfg       *config.Config
	bus       *events.Bus
	registry  *tools.Registry
	servers   *mcp.Manager
	providers *provider.Manager
	sessions  *session.Manager
	executor  *run.Executor
	watcher   *workspace.Watcher
}

// New wires the application together. workDir is the directory the builtin
// tools operate in.
func New(ctx context.Context, cfg *config.Config, workDir string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	absWorkDir, err := workspace.Validate(workDir)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	registry := tools.DefaultRegistry(absWorkDir, cfg.Tools.BashTimeout, cfg.Tools.WebFetchTimeout)

	cache := mcp.NewResultCache(cfg.MCP.CacheMaxEntries, cfg.MCP.CacheTTL)
	servers := mcp.NewManager(registry, cache, cfg.MCP.MaxConcurrentConnects, nil)
	servers.SetStateListener(func(serverID string, state mcp.ServerState) {
		bus.Emit(events.TypeServerStatus, "", events.ServerStatusInfo{
			ServerID: serverID,
			State:    string(state),
		})
	})

	for i := range cfg.MCP.Servers {
		serverCfg := toServerConfig(&cfg.MCP.Servers[i])
		if err := servers.RegisterServer(serverCfg); err != nil {
			logging.Warn("skipping invalid server config", "id", serverCfg.ID, "error", err)
		}
	}

	providers, err := provider.NewManagerFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sessionDir := cfg.Session.Dir
	if sessionDir == "" {
		dataDir, err := config.DataDir()
		if err != nil {
			return nil, err
		}
		sessionDir = filepath.Join(dataDir, "sessions")
	}

	store, err := session.NewStore(sessionDir)
	if err != nil {
		return nil, err
	}
	sessions := session.NewManager(store, bus, cfg.Session.AutoSave)

	executor := run.NewExecutor(sessions, providers, registry, bus, cfg)

	watcher, err := workspace.NewWatcher(cfg.Watcher.Enabled, cfg.Watcher.DebounceMs)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace watcher: %w", err)
	}
	if watcher != nil {
		watcher.SetOnLost(func(path string) {
			bus.Emit(events.TypeWorkspaceLost, "", map[string]any{"path": path})
		})
		watcher.Start()
	}

	app := &App{
		cfg:       cfg,
		bus:       bus,
		registry:  registry,
		servers:   servers,
		providers: providers,
		sessions:  sessions,
		executor:  executor,
		watcher:   watcher,
	}

	// Old sessions are pruned in the background.
	go func() {
		if _, err := sessions.Cleanup(cfg.Session.MaxSessionAge, cfg.Session.MaxSessionCount, ""); err != nil {
			logging.Debug("session cleanup failed", "error", err)
		}
	}()

	servers.StartAutoConnect(ctx)

	return app, nil
}

// Subscribe attaches an event stream consumer.
func (a *App) Subscribe(buffer int) (<-chan events.Event, func()) {
	return a.bus.Subscribe(buffer)
}

// Registry exposes the tool registry.
func (a *App) Registry() *tools.Registry {
	return a.registry
}

// Servers exposes the external server manager.
func (a *App) Servers() *mcp.Manager {
	return a.servers
}

// Providers exposes the provider manager.
func (a *App) Providers() *provider.Manager {
	return a.providers
}

// StartSession creates a session bound to a workspace and starts watching
// the binding.
func (a *App) StartSession(name, workspacePath string) (*session.Session, error) {
	s, err := a.sessions.Create(name, workspacePath)
	if err != nil {
		return nil, err
	}

	if a.watcher != nil {
		if err := a.watcher.Watch(s.WorkspacePath); err != nil {
			logging.Warn("failed to watch workspace", "path", s.WorkspacePath, "error", err)
		}
	}
	// Hand out a copy; the live session belongs to the manager.
	return s.Clone(), nil
}

// GetSession returns a read-only snapshot of a session. A run may be
// mutating the live session concurrently.
func (a *App) GetSession(id string) (*session.Session, error) {
	return a.sessions.Snapshot(id)
}

// ListSessions returns stored session summaries.
func (a *App) ListSessions() ([]session.Info, error) {
	return a.sessions.List()
}

// RenameSession changes a session's display name.
func (a *App) RenameSession(id, name string) error {
	_, err := a.sessions.Rename(id, name)
	return err
}

// DeleteSession removes a session permanently.
func (a *App) DeleteSession(id string) error {
	s, err := a.sessions.Get(id)
	if err == nil && a.watcher != nil {
		a.watcher.Unwatch(s.WorkspacePath)
	}
	return a.sessions.Delete(id)
}

// SendMessage starts a run for the user message.
func (a *App) SendMessage(sessionID, text string) (*run.Run, error) {
	return a.executor.Start(sessionID, text)
}

// EditAndResend rewrites a user message, drops everything after it, and
// starts a fresh run from the truncated conversation.
func (a *App) EditAndResend(sessionID, messageID, newContent string) (*run.Run, error) {
	if _, active := a.executor.ActiveRun(sessionID); active {
		return nil, run.ErrRunActive
	}
	if _, err := a.sessions.EditAndTruncate(sessionID, messageID, newContent); err != nil {
		return nil, err
	}
	return a.executor.Rerun(sessionID)
}

// ConfirmApproval approves a suspended tool call.
func (a *App) ConfirmApproval(sessionID, approvalID string) error {
	return a.executor.Resolve(sessionID, approvalID, true)
}

// DenyApproval rejects a suspended tool call. The run continues with a
// rejected tool result.
func (a *App) DenyApproval(sessionID, approvalID string) error {
	return a.executor.Resolve(sessionID, approvalID, false)
}

// CancelRun stops a session's run at its next checkpoint.
func (a *App) CancelRun(sessionID string) error {
	return a.executor.Cancel(sessionID)
}

// PauseRun parks a session's run at its next checkpoint.
func (a *App) PauseRun(sessionID string) error {
	return a.executor.Pause(sessionID)
}

// ResumeRun releases a paused run.
func (a *App) ResumeRun(sessionID string) error {
	return a.executor.Resume(sessionID)
}

// AddReaction sets a reaction on a message.
func (a *App) AddReaction(sessionID, messageID, reaction string) error {
	_, err := a.sessions.AddReaction(sessionID, messageID, reaction)
	return err
}

// CreateBranch forks the active branch at a message.
func (a *App) CreateBranch(sessionID, name, forkMessageID string) (*session.Branch, error) {
	return a.sessions.CreateBranch(sessionID, name, forkMessageID)
}

// SwitchBranch makes another branch active.
func (a *App) SwitchBranch(sessionID, branchID string) error {
	_, err := a.sessions.SwitchBranch(sessionID, branchID)
	return err
}

// DeleteBranch removes an inactive branch.
func (a *App) DeleteBranch(sessionID, branchID string) error {
	_, err := a.sessions.DeleteBranch(sessionID, branchID)
	return err
}

// ConnectServer connects an external tool server on request.
func (a *App) ConnectServer(ctx context.Context, serverID string) error {
	return a.servers.Connect(ctx, serverID)
}

// DisconnectServer disconnects an external tool server on request.
func (a *App) DisconnectServer(serverID string) error {
	return a.servers.Disconnect(serverID)
}

// ServerStatuses returns a snapshot of all external servers.
func (a *App) ServerStatuses() []*mcp.ServerStatus {
	return a.servers.Statuses()
}

// Shutdown cancels live runs and releases every component.
func (a *App) Shutdown() error {
	infos, err := a.sessions.List()
	if err == nil {
		for _, info := range infos {
			if cancelErr := a.executor.Cancel(info.ID); cancelErr != nil && cancelErr != run.ErrNoActiveRun {
				logging.Warn("failed to cancel run on shutdown", "session_id", info.ID, "error", cancelErr)
			}
		}
	}

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			logging.Warn("failed to stop workspace watcher", "error", err)
		}
	}

	if err := a.servers.Shutdown(); err != nil {
		logging.Warn("failed to shut down server manager", "error", err)
	}

	if err := a.providers.Close(); err != nil {
		logging.Warn("failed to close providers", "error", err)
	}

	a.bus.Close()
	logging.Info("application shut down")
	return nil
}

// toServerConfig converts a config entry to the server manager's type.
func toServerConfig(c *config.MCPServer) *mcp.ServerConfig {
	return &mcp.ServerConfig{
		ID:             c.ID,
		Transport:      c.Transport,
		Command:        c.Command,
		Args:           c.Args,
		Env:            c.Env,
		URL:            c.URL,
		Headers:        c.Headers,
		Enabled:        c.Enabled,
		AutoStart:      c.AutoStart,
		MaxRetries:     c.MaxRetries,
		BaseRetryDelay: c.BaseRetryDelay,
		Timeout:        c.Timeout,
		ToolPrefix:     c.ToolPrefix,
	}
}
