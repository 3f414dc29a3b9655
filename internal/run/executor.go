package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tandem/internal/config"
	"tandem/internal/events"
	"tandem/internal/logging"
	"tandem/internal/provider"
	"tandem/internal/session"
	"tandem/internal/tools"
)

// Executor drives the agent turn loop: model call, tool calls, repeat. Each
// session has at most one live run; starting a second fails with
// ErrRunActive.
type Executor struct {
	sessions  *session.Manager
	providers *provider.Manager
	registry  *tools.Registry
	bus       *events.Bus

	runCfg      config.RunConfig
	temperature float32
	maxOutput   int32
	autoApprove map[string]bool

	active map[string]*Run
	mu     sync.Mutex
}

// NewExecutor creates a run executor.
func NewExecutor(sessions *session.Manager, providers *provider.Manager, registry *tools.Registry, bus *events.Bus, cfg *config.Config) *Executor {
	autoApprove := make(map[string]bool, len(cfg.Tools.AutoApprove))
	for _, name := range cfg.Tools.AutoApprove {
		autoApprove[name] = true
	}

	return &Executor{
		sessions:    sessions,
		providers:   providers,
		registry:    registry,
		bus:         bus,
		runCfg:      cfg.Run,
		temperature: cfg.API.Temperature,
		maxOutput:   cfg.API.MaxOutputTokens,
		autoApprove: autoApprove,
		active:      make(map[string]*Run),
	}
}

// ActiveRun returns the live run for a session, if any.
func (e *Executor) ActiveRun(sessionID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.active[sessionID]
	return r, ok
}

// Start appends the user message and launches the turn loop. The workspace
// binding is re-validated first; runs never start against a missing
// workspace.
func (e *Executor) Start(sessionID, userMessage string) (*Run, error) {
	return e.start(sessionID, &userMessage)
}

// Rerun launches the turn loop without appending a message. Used after
// edit-and-truncate, where the edited user message is already the last one.
func (e *Executor) Rerun(sessionID string) (*Run, error) {
	return e.start(sessionID, nil)
}

func (e *Executor) start(sessionID string, userMessage *string) (*Run, error) {
	if err := e.sessions.ValidateWorkspace(sessionID); err != nil {
		return nil, fmt.Errorf("workspace validation failed: %w", err)
	}

	sess, err := e.sessions.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}

	// Fail fast before persisting anything when every provider is cooling
	// down; the caller gets ErrNoProvider instead of a doomed run.
	if _, err := e.providers.Select(sess.Provider); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, exists := e.active[sessionID]; exists {
		e.mu.Unlock()
		return nil, ErrRunActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := newRun(sessionID, cancel)
	e.active[sessionID] = r
	e.mu.Unlock()

	if userMessage != nil {
		if _, err := e.sessions.AppendMessage(sessionID, session.NewMessage(session.RoleUser, *userMessage)); err != nil {
			e.remove(sessionID)
			cancel()
			return nil, err
		}
	}

	if _, err := e.sessions.SetStatus(sessionID, session.StatusRunning); err != nil {
		logging.Warn("failed to mark session running", "session_id", sessionID, "error", err)
	}

	e.bus.Emit(events.TypeRunStarted, sessionID, map[string]any{"run_id": r.ID})

	go e.loop(ctx, r)

	return r, nil
}

// Cancel stops a session's run at its next checkpoint. Messages persisted
// so far are kept.
func (e *Executor) Cancel(sessionID string) error {
	r, ok := e.ActiveRun(sessionID)
	if !ok {
		return ErrNoActiveRun
	}
	r.cancel()

	// A parked run must be released to observe the cancellation.
	r.resume()
	return nil
}

// Pause parks a session's run at its next checkpoint.
func (e *Executor) Pause(sessionID string) error {
	r, ok := e.ActiveRun(sessionID)
	if !ok {
		return ErrNoActiveRun
	}
	if !r.pause() {
		return fmt.Errorf("run is not in a pausable state")
	}

	if _, err := e.sessions.SetStatus(sessionID, session.StatusPaused); err != nil {
		logging.Warn("failed to mark session paused", "session_id", sessionID, "error", err)
	}
	e.bus.Emit(events.TypeRunPaused, sessionID, map[string]any{"run_id": r.ID})
	return nil
}

// Resume releases a paused run.
func (e *Executor) Resume(sessionID string) error {
	r, ok := e.ActiveRun(sessionID)
	if !ok {
		return ErrNoActiveRun
	}
	if !r.resume() {
		return fmt.Errorf("run is not paused")
	}

	if _, err := e.sessions.SetStatus(sessionID, session.StatusRunning); err != nil {
		logging.Warn("failed to mark session running", "session_id", sessionID, "error", err)
	}
	e.bus.Emit(events.TypeRunResumed, sessionID, map[string]any{"run_id": r.ID})
	return nil
}

// Resolve answers a pending approval request.
func (e *Executor) Resolve(sessionID, approvalID string, approve bool) error {
	r, ok := e.ActiveRun(sessionID)
	if !ok {
		return ErrNoActiveRun
	}

	r.mu.Lock()
	approval := r.approval
	r.mu.Unlock()

	if approval == nil || approval.id != approvalID {
		return ErrNoPendingApproval
	}

	select {
	case approval.decision <- approve:
		return nil
	default:
		return ErrNoPendingApproval
	}
}

func (e *Executor) remove(sessionID string) {
	e.mu.Lock()
	delete(e.active, sessionID)
	e.mu.Unlock()
}

// loop runs agent turns until the model stops calling tools, a budget is
// hit, or the run is cancelled or fails.
func (e *Executor) loop(ctx context.Context, r *Run) {
	status, failure := e.turns(ctx, r)
	r.setStatus(status)

	// Free the slot before announcing the terminal status, so a client
	// reacting to the event can start the next run immediately.
	e.remove(r.SessionID)

	sessionStatus := session.StatusIdle
	eventType := events.TypeRunCompleted
	payload := map[string]any{"run_id": r.ID}

	switch status {
	case StatusCancelled:
		eventType = events.TypeRunCancelled
	case StatusExhausted:
		eventType = events.TypeRunExhausted
		iterations, tokensUsed := r.Usage()
		payload["iterations"] = iterations
		payload["tokens_used"] = tokensUsed
	case StatusFailed:
		eventType = events.TypeRunFailed
		sessionStatus = session.StatusError
		if failure != nil {
			payload["error"] = failure.Error()
		}
	}

	if _, err := e.sessions.SetStatus(r.SessionID, sessionStatus); err != nil {
		logging.Warn("failed to update session status", "session_id", r.SessionID, "error", err)
	}

	e.bus.Emit(eventType, r.SessionID, payload)
	logging.Info("run finished", "run_id", r.ID, "session_id", r.SessionID, "status", status)
}

// turns is the core loop body. It returns the terminal status and, for
// failures, the causing error.
func (e *Executor) turns(ctx context.Context, r *Run) (Status, error) {
	sess, err := e.sessions.Snapshot(r.SessionID)
	if err != nil {
		return StatusFailed, err
	}

	systemPrompt := buildSystemPrompt(sess)
	decls := e.registry.DeclarationsForCaller(tools.CallerDirect)

	for {
		r.mu.Lock()
		iterations, tokensUsed := r.iterations, r.tokensUsed
		r.mu.Unlock()

		if e.runCfg.MaxIterations > 0 && iterations >= e.runCfg.MaxIterations {
			logging.Warn("iteration budget exhausted", "run_id", r.ID, "iterations", iterations)
			return StatusExhausted, nil
		}
		if e.runCfg.MaxTokens > 0 && tokensUsed >= e.runCfg.MaxTokens {
			logging.Warn("token budget exhausted", "run_id", r.ID, "tokens", tokensUsed)
			return StatusExhausted, nil
		}

		// Checkpoint before the model call.
		if err := r.checkpoint(ctx); err != nil {
			return StatusCancelled, nil
		}

		// A fresh snapshot each turn: commands may have edited the
		// conversation since the last model call.
		sess, err = e.sessions.Snapshot(r.SessionID)
		if err != nil {
			return StatusFailed, err
		}

		req := &provider.Request{
			System:          systemPrompt,
			Messages:        toProviderMessages(sess.Messages()),
			Declarations:    decls,
			Temperature:     e.temperature,
			MaxOutputTokens: e.maxOutput,
		}

		resp, err := e.callModel(ctx, sess, req)
		if err != nil {
			if errors.Is(err, errCancelled) {
				return StatusCancelled, nil
			}
			return StatusFailed, err
		}

		r.mu.Lock()
		r.iterations++
		r.tokensUsed += resp.InputTokens + resp.OutputTokens
		r.mu.Unlock()

		assistant := session.NewMessage(session.RoleAssistant, resp.Text)
		for _, tc := range resp.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, session.ToolCallRecord{
				ID:   tc.ID,
				Name: tc.Name,
				Args: tc.Args,
			})
		}
		if _, err := e.sessions.AppendMessage(r.SessionID, assistant); err != nil {
			return StatusFailed, err
		}

		if len(resp.ToolCalls) == 0 {
			return StatusCompleted, nil
		}

		for _, tc := range resp.ToolCalls {
			// Checkpoint before each tool call.
			if err := r.checkpoint(ctx); err != nil {
				return StatusCancelled, nil
			}

			result := e.executeToolCall(ctx, r, tc)
			if errors.Is(result, errCancelled) {
				return StatusCancelled, nil
			}
			if result != nil {
				return StatusFailed, result
			}

			// Checkpoint after each tool result.
			if err := r.checkpoint(ctx); err != nil {
				return StatusCancelled, nil
			}
		}
	}
}

// callModel selects a provider and completes one turn, failing over when a
// provider's call fails with a transient or rate-limit error. Failed
// providers go on cooldown, so re-selection naturally moves down the
// priority list until ErrNoProvider.
func (e *Executor) callModel(ctx context.Context, sess *session.Session, req *provider.Request) (*provider.Response, error) {
	for {
		p, err := e.providers.Select(sess.Provider)
		if err != nil {
			return nil, err
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if e.runCfg.ModelCallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.runCfg.ModelCallTimeout)
		}

		resp, err := p.Complete(callCtx, req)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			e.providers.ReportSuccess(p.Name())
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, errCancelled
		}

		switch provider.Classify(err) {
		case provider.ClassPermanent:
			return nil, fmt.Errorf("provider %s failed: %w", p.Name(), err)
		default:
			e.providers.ReportFailure(p.Name())
			e.bus.Emit(events.TypeProviderStatus, sess.ID, events.ProviderStatusInfo{
				Provider: p.Name(),
				Status:   "cooldown",
				Detail:   err.Error(),
			})
			logging.Warn("provider failed, trying next", "provider", p.Name(), "error", err)
		}
	}
}

// executeToolCall runs one tool call end to end: approval gate, execution
// with timeout, and appending the tool result message. Tool failures are
// recorded as failed results, never retried, and never fail the run.
// Returns errCancelled if the run was cancelled while waiting.
func (e *Executor) executeToolCall(ctx context.Context, r *Run, tc provider.ToolCall) error {
	sessionID := r.SessionID

	e.bus.Emit(events.TypeToolCallStarted, sessionID, events.ToolCallInfo{
		CallID:   tc.ID,
		ToolName: tc.Name,
	})

	entry, ok := e.registry.GetEntry(tc.Name)
	if !ok {
		return e.appendToolResult(sessionID, tc, tools.NewErrorResult(fmt.Sprintf("unknown tool: %s", tc.Name)))
	}

	if entry.Meta.RequiresApproval && !e.autoApprove[tc.Name] {
		approved, err := e.awaitApproval(ctx, r, tc, entry)
		if err != nil {
			return err
		}
		if !approved {
			return e.appendToolResult(sessionID, tc, tools.NewErrorResult("tool call rejected by user"))
		}
	}

	if err := entry.Tool.Validate(tc.Args); err != nil {
		return e.appendToolResult(sessionID, tc, tools.NewErrorResult(fmt.Sprintf("invalid arguments: %s", err)))
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if e.runCfg.ToolCallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.runCfg.ToolCallTimeout)
	}

	result, execErr := entry.Tool.Execute(callCtx, tc.Args)
	if cancel != nil {
		cancel()
	}

	if ctx.Err() != nil {
		return errCancelled
	}
	if execErr != nil {
		result = tools.NewErrorResult(execErr.Error())
	}

	return e.appendToolResult(sessionID, tc, result)
}

// awaitApproval suspends the run until the client confirms or denies the
// tool call, or the run is cancelled.
func (e *Executor) awaitApproval(ctx context.Context, r *Run, tc provider.ToolCall, entry *tools.Entry) (bool, error) {
	approval := &pendingApproval{
		id:       uuid.NewString(),
		toolName: tc.Name,
		args:     tc.Args,
		decision: make(chan bool, 1),
	}

	r.mu.Lock()
	r.approval = approval
	r.status = StatusWaitingApproval
	r.mu.Unlock()

	if _, err := e.sessions.SetStatus(r.SessionID, session.StatusPaused); err != nil {
		logging.Warn("failed to mark session paused", "session_id", r.SessionID, "error", err)
	}

	e.bus.Emit(events.TypeApprovalRequested, r.SessionID, events.ApprovalRequest{
		ApprovalID: approval.id,
		RunID:      r.ID,
		ToolName:   tc.Name,
		Args:       tc.Args,
		Risk:       string(entry.Meta.Risk),
	})

	var approved bool
	select {
	case approved = <-approval.decision:
	case <-ctx.Done():
		r.mu.Lock()
		r.approval = nil
		r.mu.Unlock()
		return false, errCancelled
	}

	r.mu.Lock()
	r.approval = nil
	r.status = StatusRunning
	r.mu.Unlock()

	if _, err := e.sessions.SetStatus(r.SessionID, session.StatusRunning); err != nil {
		logging.Warn("failed to mark session running", "session_id", r.SessionID, "error", err)
	}

	e.bus.Emit(events.TypeApprovalResolved, r.SessionID, map[string]any{
		"approval_id": approval.id,
		"approved":    approved,
	})

	return approved, nil
}

// appendToolResult persists the tool outcome and emits the result event.
func (e *Executor) appendToolResult(sessionID string, tc provider.ToolCall, result tools.ToolResult) error {
	content := result.Content
	if !result.Success && result.Error != "" {
		content = result.Error
	}

	msg := session.NewMessage(session.RoleTool, content)
	msg.ToolCallID = tc.ID
	msg.ToolName = tc.Name

	if _, err := e.sessions.AppendMessage(sessionID, msg); err != nil {
		return err
	}

	e.bus.Emit(events.TypeToolCallResult, sessionID, events.ToolCallInfo{
		CallID:   tc.ID,
		ToolName: tc.Name,
		Content:  content,
		Success:  result.Success,
		Cached:   result.Cached,
	})
	return nil
}

// toProviderMessages maps persisted messages onto the provider format.
func toProviderMessages(messages []session.Message) []provider.Message {
	out := make([]provider.Message, 0, len(messages))
	for _, msg := range messages {
		pm := provider.Message{
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			ToolName:   msg.ToolName,
		}

		switch msg.Role {
		case session.RoleAssistant:
			pm.Role = provider.RoleAssistant
			for _, tc := range msg.ToolCalls {
				pm.ToolCalls = append(pm.ToolCalls, provider.ToolCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: tc.Args,
				})
			}
		case session.RoleTool:
			pm.Role = provider.RoleTool
		default:
			pm.Role = provider.RoleUser
		}

		out = append(out, pm)
	}
	return out
}

// buildSystemPrompt composes the system instruction for a session.
func buildSystemPrompt(sess *session.Session) string {
	return fmt.Sprintf(
		"You are a coding assistant working in the directory %s. "+
			"Use the available tools to read, modify, and inspect the project. "+
			"Prefer small, verifiable steps and report what you changed. "+
			"The current date is %s.",
		sess.WorkspacePath,
		time.Now().Format("2006-01-02"),
	)
}
