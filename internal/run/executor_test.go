package run

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"tandem/internal/config"
	"tandem/internal/events"
	"tandem/internal/provider"
	"tandem/internal/session"
	"tandem/internal/tools"
)

// scriptedProvider replays a fixed sequence of responses. A nil gate means
// respond immediately; otherwise each call waits for the gate or the context.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*provider.Response
	err       error
	gate      chan struct{}
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-model" }
func (p *scriptedProvider) Close() error  { return nil }

func (p *scriptedProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &provider.Response{Text: "done", Provider: p.Name()}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

type echoTool struct {
	requiresApproval bool
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes its input" }

func (e *echoTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{Name: "echo", Description: "echoes its input"}
}

func (e *echoTool) Validate(args map[string]any) error { return nil }

func (e *echoTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	text, _ := args["text"].(string)
	return tools.NewSuccessResult("echo: " + text), nil
}

type executorFixture struct {
	executor  *Executor
	sessions  *session.Manager
	providers *provider.Manager
	events    <-chan events.Event
	sessionID string
}

func newExecutorFixture(t *testing.T, p provider.Provider, tool tools.Tool, requiresApproval bool, mutateCfg func(*config.Config)) *executorFixture {
	t.Helper()

	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	sessions := session.NewManager(store, bus, true)
	sess, err := sessions.Create("test", t.TempDir())
	require.NoError(t, err)

	registry := tools.NewRegistry()
	if tool != nil {
		registry.MustRegister(tool, tools.Meta{RequiresApproval: requiresApproval})
	}

	providers := provider.NewManager([]string{"scripted"}, time.Minute)
	if p != nil {
		providers.Register(p)
	}

	cfg := &config.Config{}
	cfg.Run.MaxIterations = 10
	if mutateCfg != nil {
		mutateCfg(cfg)
	}

	ch, cancel := bus.Subscribe(256)
	t.Cleanup(cancel)

	return &executorFixture{
		executor:  NewExecutor(sessions, providers, registry, bus, cfg),
		sessions:  sessions,
		providers: providers,
		events:    ch,
		sessionID: sess.ID,
	}
}

// waitEvent drains the event stream until an event of the wanted type shows up.
func waitEvent(t *testing.T, ch <-chan events.Event, want events.Type) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func toolCallResponse(callID string) *provider.Response {
	return &provider.Response{
		ToolCalls: []provider.ToolCall{{
			ID:   callID,
			Name: "echo",
			Args: map[string]any{"text": "hi"},
		}},
		Provider: "scripted",
	}
}

func TestExecutorCompletesTextOnlyRun(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		{Text: "the answer", InputTokens: 10, OutputTokens: 5, Provider: "scripted"},
	}}
	fix := newExecutorFixture(t, p, nil, false, nil)

	r, err := fix.executor.Start(fix.sessionID, "question")
	require.NoError(t, err)

	waitEvent(t, fix.events, events.TypeRunCompleted)
	assert.Equal(t, StatusCompleted, r.Status())

	sess, err := fix.sessions.Get(fix.sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, sess.Status)

	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, "question", msgs[0].Content)
	assert.Equal(t, session.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "the answer", msgs[1].Content)

	iterations, tokens := r.Usage()
	assert.Equal(t, 1, iterations)
	assert.Equal(t, 15, tokens)
}

func TestExecutorRunsToolCalls(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		toolCallResponse("call_1"),
		{Text: "used the tool", Provider: "scripted"},
	}}
	fix := newExecutorFixture(t, p, &echoTool{}, false, nil)

	_, err := fix.executor.Start(fix.sessionID, "go")
	require.NoError(t, err)

	ev := waitEvent(t, fix.events, events.TypeToolCallResult)
	info, ok := ev.Payload.(events.ToolCallInfo)
	require.True(t, ok)
	assert.Equal(t, "call_1", info.CallID)
	assert.True(t, info.Success)
	assert.Equal(t, "echo: hi", info.Content)

	waitEvent(t, fix.events, events.TypeRunCompleted)

	sess, err := fix.sessions.Get(fix.sessionID)
	require.NoError(t, err)
	msgs := sess.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, session.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, session.RoleTool, msgs[2].Role)
	assert.Equal(t, "echo: hi", msgs[2].Content)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
	assert.Equal(t, "used the tool", msgs[3].Content)
}

func TestExecutorRejectsSecondRun(t *testing.T) {
	gate := make(chan struct{})
	p := &scriptedProvider{gate: gate}
	fix := newExecutorFixture(t, p, nil, false, nil)

	_, err := fix.executor.Start(fix.sessionID, "first")
	require.NoError(t, err)

	_, err = fix.executor.Start(fix.sessionID, "second")
	assert.ErrorIs(t, err, ErrRunActive)

	close(gate)
	waitEvent(t, fix.events, events.TypeRunCompleted)

	// The slot is free again once the run finishes.
	_, err = fix.executor.Start(fix.sessionID, "third")
	require.NoError(t, err)
	waitEvent(t, fix.events, events.TypeRunCompleted)
}

func TestExecutorApprovalDenyRecordsRejection(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		toolCallResponse("call_1"),
		{Text: "moving on", Provider: "scripted"},
	}}
	fix := newExecutorFixture(t, p, &echoTool{}, true, nil)

	_, err := fix.executor.Start(fix.sessionID, "go")
	require.NoError(t, err)

	ev := waitEvent(t, fix.events, events.TypeApprovalRequested)
	req, ok := ev.Payload.(events.ApprovalRequest)
	require.True(t, ok)
	assert.Equal(t, "echo", req.ToolName)

	require.NoError(t, fix.executor.Resolve(fix.sessionID, req.ApprovalID, false))

	ev = waitEvent(t, fix.events, events.TypeToolCallResult)
	info, ok := ev.Payload.(events.ToolCallInfo)
	require.True(t, ok)
	assert.False(t, info.Success)
	assert.Equal(t, "tool call rejected by user", info.Content)

	// A denied tool call does not fail the run.
	waitEvent(t, fix.events, events.TypeRunCompleted)
}

func TestExecutorApprovalConfirmRunsTool(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		toolCallResponse("call_1"),
		{Text: "moving on", Provider: "scripted"},
	}}
	fix := newExecutorFixture(t, p, &echoTool{}, true, nil)

	_, err := fix.executor.Start(fix.sessionID, "go")
	require.NoError(t, err)

	ev := waitEvent(t, fix.events, events.TypeApprovalRequested)
	req := ev.Payload.(events.ApprovalRequest)
	require.NoError(t, fix.executor.Resolve(fix.sessionID, req.ApprovalID, true))

	ev = waitEvent(t, fix.events, events.TypeToolCallResult)
	info := ev.Payload.(events.ToolCallInfo)
	assert.True(t, info.Success)
	assert.Equal(t, "echo: hi", info.Content)

	waitEvent(t, fix.events, events.TypeRunCompleted)
}

func TestExecutorResolveWithoutPendingApproval(t *testing.T) {
	gate := make(chan struct{})
	p := &scriptedProvider{gate: gate}
	fix := newExecutorFixture(t, p, nil, false, nil)

	_, err := fix.executor.Start(fix.sessionID, "go")
	require.NoError(t, err)

	assert.ErrorIs(t, fix.executor.Resolve(fix.sessionID, "bogus", true), ErrNoPendingApproval)

	close(gate)
	waitEvent(t, fix.events, events.TypeRunCompleted)

	assert.ErrorIs(t, fix.executor.Resolve(fix.sessionID, "bogus", true), ErrNoActiveRun)
}

func TestExecutorAutoApproveSkipsGate(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		toolCallResponse("call_1"),
		{Text: "moving on", Provider: "scripted"},
	}}
	fix := newExecutorFixture(t, p, &echoTool{}, true, func(cfg *config.Config) {
		cfg.Tools.AutoApprove = []string{"echo"}
	})

	_, err := fix.executor.Start(fix.sessionID, "go")
	require.NoError(t, err)

	ev := waitEvent(t, fix.events, events.TypeToolCallResult)
	info := ev.Payload.(events.ToolCallInfo)
	assert.True(t, info.Success)
	waitEvent(t, fix.events, events.TypeRunCompleted)
}

func TestExecutorExhaustsIterationBudget(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		toolCallResponse("call_1"),
		toolCallResponse("call_2"),
	}}
	fix := newExecutorFixture(t, p, &echoTool{}, false, func(cfg *config.Config) {
		cfg.Run.MaxIterations = 1
	})

	r, err := fix.executor.Start(fix.sessionID, "go")
	require.NoError(t, err)

	ev := waitEvent(t, fix.events, events.TypeRunExhausted)
	payload, ok := ev.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, payload["iterations"])

	assert.Equal(t, StatusExhausted, r.Status())

	// The partial transcript is preserved.
	sess, err := fix.sessions.Get(fix.sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, sess.Status)
	assert.GreaterOrEqual(t, len(sess.Messages()), 3)
}

func TestExecutorStartFailsFastWhenAllProvidersCoolingDown(t *testing.T) {
	p := &scriptedProvider{}
	fix := newExecutorFixture(t, p, nil, false, nil)

	fix.providers.ReportFailure("scripted")

	_, err := fix.executor.Start(fix.sessionID, "doomed")
	require.ErrorIs(t, err, provider.ErrNoProvider)

	// Nothing was persisted and no run was left behind.
	sess, err := fix.sessions.Get(fix.sessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.Messages())
	assert.Equal(t, session.StatusIdle, sess.Status)

	_, active := fix.executor.ActiveRun(fix.sessionID)
	assert.False(t, active)

	// Once the cooldown clears, the same message goes through.
	fix.providers.ReportSuccess("scripted")
	_, err = fix.executor.Start(fix.sessionID, "doomed")
	require.NoError(t, err)
	waitEvent(t, fix.events, events.TypeRunCompleted)
}

func TestExecutorPauseRejectedWhileAwaitingApproval(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		toolCallResponse("call_1"),
		{Text: "moving on", Provider: "scripted"},
	}}
	fix := newExecutorFixture(t, p, &echoTool{}, true, nil)

	r, err := fix.executor.Start(fix.sessionID, "go")
	require.NoError(t, err)

	ev := waitEvent(t, fix.events, events.TypeApprovalRequested)
	req := ev.Payload.(events.ApprovalRequest)

	// Suspended on approval: pausing must not clobber the status.
	assert.Error(t, fix.executor.Pause(fix.sessionID))
	assert.Equal(t, StatusWaitingApproval, r.Status())

	require.NoError(t, fix.executor.Resolve(fix.sessionID, req.ApprovalID, true))
	waitEvent(t, fix.events, events.TypeRunCompleted)
}

func TestExecutorStartWithoutProviders(t *testing.T) {
	fix := newExecutorFixture(t, nil, nil, false, nil)

	_, err := fix.executor.Start(fix.sessionID, "go")
	assert.ErrorIs(t, err, provider.ErrNoProvider)
}

func TestExecutorFailsWhenProvidersExhaustedMidRun(t *testing.T) {
	// Selectable at start, then every call fails transiently; the failover
	// loop puts the provider on cooldown and runs out of alternatives.
	p := &scriptedProvider{err: &provider.APIError{Provider: "scripted", StatusCode: 503, Message: "unavailable"}}
	fix := newExecutorFixture(t, p, nil, false, nil)

	r, err := fix.executor.Start(fix.sessionID, "go")
	require.NoError(t, err)

	waitEvent(t, fix.events, events.TypeRunFailed)
	assert.Equal(t, StatusFailed, r.Status())

	sess, err := fix.sessions.Get(fix.sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, sess.Status)
}

func TestExecutorCancelPreservesMessages(t *testing.T) {
	gate := make(chan struct{})
	p := &scriptedProvider{gate: gate}
	fix := newExecutorFixture(t, p, nil, false, nil)

	r, err := fix.executor.Start(fix.sessionID, "keep this")
	require.NoError(t, err)

	require.NoError(t, fix.executor.Cancel(fix.sessionID))

	waitEvent(t, fix.events, events.TypeRunCancelled)
	assert.Equal(t, StatusCancelled, r.Status())

	sess, err := fix.sessions.Get(fix.sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages(), 1)
	assert.Equal(t, "keep this", sess.Messages()[0].Content)

	assert.ErrorIs(t, fix.executor.Cancel(fix.sessionID), ErrNoActiveRun)
}

func TestExecutorPauseAndResume(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		toolCallResponse("call_1"),
		{Text: "after pause", Provider: "scripted"},
	}}
	fix := newExecutorFixture(t, p, &echoTool{}, false, nil)

	_, err := fix.executor.Start(fix.sessionID, "go")
	require.NoError(t, err)

	// Pausing is racy against the run finishing; only assert the pair
	// behaves when the pause lands.
	if err := fix.executor.Pause(fix.sessionID); err == nil {
		waitEvent(t, fix.events, events.TypeRunPaused)
		require.NoError(t, fix.executor.Resume(fix.sessionID))
		waitEvent(t, fix.events, events.TypeRunResumed)
	}

	waitEvent(t, fix.events, events.TypeRunCompleted)
}

func TestExecutorRerunSkipsUserMessage(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		{Text: "first answer", Provider: "scripted"},
		{Text: "second answer", Provider: "scripted"},
	}}
	fix := newExecutorFixture(t, p, nil, false, nil)

	_, err := fix.executor.Start(fix.sessionID, "question")
	require.NoError(t, err)
	waitEvent(t, fix.events, events.TypeRunCompleted)

	sess, err := fix.sessions.Get(fix.sessionID)
	require.NoError(t, err)
	userMsg := sess.Messages()[0]

	// Edit-and-resend: truncate then rerun without appending a new message.
	_, err = fix.sessions.EditAndTruncate(fix.sessionID, userMsg.ID, "better question")
	require.NoError(t, err)

	_, err = fix.executor.Rerun(fix.sessionID)
	require.NoError(t, err)
	waitEvent(t, fix.events, events.TypeRunCompleted)

	sess, err = fix.sessions.Get(fix.sessionID)
	require.NoError(t, err)
	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "better question", msgs[0].Content)
	assert.Equal(t, "second answer", msgs[1].Content)
}
