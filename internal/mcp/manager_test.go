package mcp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/internal/tools"
)

// fakeRPCClient is a scriptable in-memory protocol client.
type fakeRPCClient struct {
	toolInfos  []*ToolInfo
	callResult *CallToolResult
	callErr    error

	initErr error

	calls        atomic.Int32
	closed       atomic.Bool
	onDisconnect func(error)
}

func (f *fakeRPCClient) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeRPCClient) ListTools(ctx context.Context) ([]*ToolInfo, error) {
	return f.toolInfos, nil
}

func (f *fakeRPCClient) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	f.calls.Add(1)
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.callResult != nil {
		return f.callResult, nil
	}
	return &CallToolResult{Content: []*ContentBlock{{Type: "text", Text: "ok"}}}, nil
}

func (f *fakeRPCClient) ListResources(ctx context.Context) ([]*Resource, error) { return nil, nil }

func (f *fakeRPCClient) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	return &ReadResourceResult{}, nil
}

func (f *fakeRPCClient) ListPrompts(ctx context.Context) ([]*Prompt, error) { return nil, nil }

func (f *fakeRPCClient) GetPrompt(ctx context.Context, name string, args map[string]any) (*GetPromptResult, error) {
	return &GetPromptResult{}, nil
}

func (f *fakeRPCClient) Ping(ctx context.Context) error { return nil }

func (f *fakeRPCClient) SetDisconnectHandler(fn func(error)) { f.onDisconnect = fn }

func (f *fakeRPCClient) Close() error {
	f.closed.Store(true)
	return nil
}

func testServerConfig(id string) *ServerConfig {
	return &ServerConfig{
		ID:             id,
		Transport:      "stdio",
		Command:        "fake-server",
		Enabled:        true,
		AutoStart:      true,
		MaxRetries:     3,
		BaseRetryDelay: 10 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, dial DialFunc) (*Manager, *tools.Registry) {
	t.Helper()
	registry := tools.NewRegistry()
	m := NewManager(registry, NewResultCache(10, time.Minute), 4, dial)
	t.Cleanup(func() { m.Shutdown() })
	return m, registry
}

func TestManagerConnectRegistersPrefixedTools(t *testing.T) {
	client := &fakeRPCClient{
		toolInfos: []*ToolInfo{
			{Name: "lookup", Description: "look things up"},
			{Name: "store"},
		},
	}
	m, registry := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		return client, nil
	})

	require.NoError(t, m.RegisterServer(testServerConfig("kb")))
	require.NoError(t, m.Connect(context.Background(), "kb"))

	state, err := m.State("kb")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, state)

	entry, ok := registry.GetEntry("kb_lookup")
	require.True(t, ok)
	assert.Equal(t, "mcp:kb", entry.Meta.Source)

	_, ok = registry.Get("kb_store")
	assert.True(t, ok)
}

func TestManagerRegisterServerValidation(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		return &fakeRPCClient{}, nil
	})

	assert.Error(t, m.RegisterServer(&ServerConfig{Transport: "stdio", Command: "x"}))
	assert.Error(t, m.RegisterServer(&ServerConfig{ID: "a", Transport: "stdio"}))
	assert.Error(t, m.RegisterServer(&ServerConfig{ID: "a", Transport: "http"}))
	assert.Error(t, m.RegisterServer(&ServerConfig{ID: "a", Transport: "carrier-pigeon"}))
}

func TestManagerRegisterServerUpdatesInPlace(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		return &fakeRPCClient{}, nil
	})

	cfg := testServerConfig("srv")
	require.NoError(t, m.RegisterServer(cfg))

	updated := testServerConfig("srv")
	updated.ToolPrefix = "renamed"
	require.NoError(t, m.RegisterServer(updated))

	statuses := m.Statuses()
	require.Len(t, statuses, 1, "re-registering the same id must not add a server")
}

func TestManagerConnectDisabledServer(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		return &fakeRPCClient{}, nil
	})

	cfg := testServerConfig("srv")
	cfg.Enabled = false
	require.NoError(t, m.RegisterServer(cfg))

	err := m.Connect(context.Background(), "srv")
	assert.ErrorIs(t, err, ErrServerDisabled)

	state, err := m.State("srv")
	require.NoError(t, err)
	assert.Equal(t, StateDisabled, state)
}

func TestManagerConnectCeilingFailsFast(t *testing.T) {
	release := make(chan struct{})
	registry := tools.NewRegistry()
	m := NewManager(registry, NewResultCache(10, time.Minute), 1, func(cfg *ServerConfig) (RPCClient, error) {
		<-release
		return &fakeRPCClient{}, nil
	})
	defer func() {
		close(release)
		m.Shutdown()
	}()

	require.NoError(t, m.RegisterServer(testServerConfig("one")))
	require.NoError(t, m.RegisterServer(testServerConfig("two")))

	started := make(chan struct{})
	go func() {
		close(started)
		m.Connect(context.Background(), "one")
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	err := m.Connect(context.Background(), "two")
	assert.ErrorIs(t, err, ErrConnectCeiling)
}

func TestManagerDisconnectCleansUp(t *testing.T) {
	client := &fakeRPCClient{toolInfos: []*ToolInfo{{Name: "x"}}}
	m, registry := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		return client, nil
	})

	require.NoError(t, m.RegisterServer(testServerConfig("srv")))
	require.NoError(t, m.Connect(context.Background(), "srv"))

	require.NoError(t, m.Disconnect("srv"))

	state, err := m.State("srv")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, state)
	assert.True(t, client.closed.Load())

	_, ok := registry.Get("srv_x")
	assert.False(t, ok, "tools must be unregistered on disconnect")

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Zero(t, statuses[0].RetryCount, "manual disconnect resets the retry counter")
}

func TestManagerCallToolCachesSuccess(t *testing.T) {
	client := &fakeRPCClient{toolInfos: []*ToolInfo{{Name: "fetch"}}}
	m, _ := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		return client, nil
	})

	require.NoError(t, m.RegisterServer(testServerConfig("srv")))
	require.NoError(t, m.Connect(context.Background(), "srv"))

	args := map[string]any{"q": "hello"}

	first, err := m.CallTool(context.Background(), "srv", "fetch", args)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.Cached)

	second, err := m.CallTool(context.Background(), "srv", "fetch", args)
	require.NoError(t, err)
	assert.True(t, second.Cached)

	assert.Equal(t, int32(1), client.calls.Load(), "second call must be served from cache")
}

func TestManagerCallToolErrorsNotCached(t *testing.T) {
	client := &fakeRPCClient{
		toolInfos: []*ToolInfo{{Name: "flaky"}},
		callResult: &CallToolResult{
			IsError: true,
			Content: []*ContentBlock{{Type: "text", Text: "nope"}},
		},
	}
	m, _ := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		return client, nil
	})

	require.NoError(t, m.RegisterServer(testServerConfig("srv")))
	require.NoError(t, m.Connect(context.Background(), "srv"))

	result, err := m.CallTool(context.Background(), "srv", "flaky", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)

	m.CallTool(context.Background(), "srv", "flaky", nil)
	assert.Equal(t, int32(2), client.calls.Load(), "error results must not be cached")
}

func TestManagerCallToolInlineReconnect(t *testing.T) {
	var dials atomic.Int32
	m, _ := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		dials.Add(1)
		return &fakeRPCClient{toolInfos: []*ToolInfo{{Name: "t"}}}, nil
	})

	require.NoError(t, m.RegisterServer(testServerConfig("srv")))

	// Enabled but never connected: the call performs one inline connect.
	result, err := m.CallTool(context.Background(), "srv", "t", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int32(1), dials.Load())
}

func TestManagerCallToolDisabledServer(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		return &fakeRPCClient{}, nil
	})

	cfg := testServerConfig("srv")
	cfg.Enabled = false
	require.NoError(t, m.RegisterServer(cfg))

	_, err := m.CallTool(context.Background(), "srv", "t", nil)
	assert.ErrorIs(t, err, ErrServerDisabled)

	_, err = m.CallTool(context.Background(), "ghost", "t", nil)
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestManagerAutoReconnectAfterDrop(t *testing.T) {
	var dials atomic.Int32
	clients := make(chan *fakeRPCClient, 4)
	m, _ := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		dials.Add(1)
		c := &fakeRPCClient{toolInfos: []*ToolInfo{{Name: "t"}}}
		clients <- c
		return c, nil
	})

	require.NoError(t, m.RegisterServer(testServerConfig("srv")))
	require.NoError(t, m.Connect(context.Background(), "srv"))

	first := <-clients
	require.NotNil(t, first.onDisconnect)

	first.onDisconnect(errors.New("pipe broke"))

	require.Eventually(t, func() bool {
		state, err := m.State("srv")
		return err == nil && state == StateConnected
	}, time.Second, 10*time.Millisecond, "server should reconnect after an unexpected drop")

	assert.GreaterOrEqual(t, dials.Load(), int32(2))
}

func TestManagerNoReconnectWithoutAutoStart(t *testing.T) {
	var dials atomic.Int32
	clients := make(chan *fakeRPCClient, 4)
	m, _ := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		dials.Add(1)
		c := &fakeRPCClient{toolInfos: []*ToolInfo{{Name: "t"}}}
		clients <- c
		return c, nil
	})

	cfg := testServerConfig("srv")
	cfg.AutoStart = false
	require.NoError(t, m.RegisterServer(cfg))
	require.NoError(t, m.Connect(context.Background(), "srv"))

	first := <-clients
	first.onDisconnect(errors.New("pipe broke"))

	require.Eventually(t, func() bool {
		state, err := m.State("srv")
		return err == nil && state == StateDisconnected
	}, time.Second, 5*time.Millisecond)

	// Well past any retry delay: still exactly the one manual dial.
	time.Sleep(5 * cfg.BaseRetryDelay)
	assert.Equal(t, int32(1), dials.Load(), "non-auto-start servers must not reconnect on their own")

	state, err := m.State("srv")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, state)
}

func TestManagerReconnectDelayGrowsWithRetryCount(t *testing.T) {
	var mu sync.Mutex
	var dialTimes []time.Time
	dialErr := errors.New("refused")
	m, _ := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		mu.Lock()
		dialTimes = append(dialTimes, time.Now())
		mu.Unlock()
		return nil, dialErr
	})

	base := 40 * time.Millisecond
	cfg := testServerConfig("srv")
	cfg.MaxRetries = 2
	cfg.BaseRetryDelay = base
	require.NoError(t, m.RegisterServer(cfg))

	require.Error(t, m.Connect(context.Background(), "srv"))

	// The state is error after every failed attempt, so wait on the dial
	// count: the initial dial plus MaxRetries scheduled retries.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dialTimes) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dialTimes, 3, "initial dial plus MaxRetries retries")

	// Timers fire no earlier than their delay: attempt n waits n × base.
	assert.GreaterOrEqual(t, dialTimes[1].Sub(dialTimes[0]), base)
	assert.GreaterOrEqual(t, dialTimes[2].Sub(dialTimes[1]), 2*base)
}

func TestManagerReconnectGivesUpAfterMaxRetries(t *testing.T) {
	dialErr := errors.New("refused")
	m, _ := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		return nil, dialErr
	})

	cfg := testServerConfig("srv")
	cfg.MaxRetries = 2
	cfg.BaseRetryDelay = 5 * time.Millisecond
	require.NoError(t, m.RegisterServer(cfg))

	err := m.Connect(context.Background(), "srv")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		statuses := m.Statuses()
		return len(statuses) == 1 &&
			statuses[0].State == StateError &&
			statuses[0].RetryCount == cfg.MaxRetries
	}, time.Second, 10*time.Millisecond)
}

func TestManagerUnregisterServer(t *testing.T) {
	client := &fakeRPCClient{toolInfos: []*ToolInfo{{Name: "x"}}}
	m, registry := newTestManager(t, func(cfg *ServerConfig) (RPCClient, error) {
		return client, nil
	})

	require.NoError(t, m.RegisterServer(testServerConfig("srv")))
	require.NoError(t, m.Connect(context.Background(), "srv"))

	require.NoError(t, m.UnregisterServer("srv"))

	_, err := m.State("srv")
	assert.ErrorIs(t, err, ErrUnknownServer)
	_, ok := registry.Get("srv_x")
	assert.False(t, ok)
	assert.ErrorIs(t, m.UnregisterServer("srv"), ErrUnknownServer)
}
