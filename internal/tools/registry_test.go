package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type stubTool struct {
	name        string
	description string
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return s.description }

func (s *stubTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{Name: s.name, Description: s.description}
}

func (s *stubTool) Validate(args map[string]any) error { return nil }

func (s *stubTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	return NewSuccessResult("ok"), nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&stubTool{name: "alpha", description: "first tool"}, Meta{})
	require.NoError(t, err)

	tool, ok := r.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", tool.Name())

	entry, ok := r.GetEntry("alpha")
	require.True(t, ok)
	assert.Equal(t, SourceBuiltin, entry.Meta.Source)
}

func TestRegistrySameSourceReRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubTool{name: "alpha", description: "v1"}, Meta{}))
	require.NoError(t, r.Register(&stubTool{name: "alpha", description: "v2"}, Meta{}))

	tool, ok := r.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "v2", tool.Description())
}

func TestRegistryCrossSourceCollisionRejected(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubTool{name: "alpha"}, Meta{Source: "mcp:one"}))

	err := r.Register(&stubTool{name: "alpha"}, Meta{Source: "mcp:two"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collision")

	// The original registration is untouched.
	entry, ok := r.GetEntry("alpha")
	require.True(t, ok)
	assert.Equal(t, "mcp:one", entry.Meta.Source)
}

func TestRegistryAliasResolvesLazily(t *testing.T) {
	r := NewRegistry()

	// Alias registered before its target exists.
	r.RegisterAlias("ls", "list_dir")
	_, ok := r.Get("ls")
	assert.False(t, ok)

	require.NoError(t, r.Register(&stubTool{name: "list_dir"}, Meta{}))

	tool, ok := r.Get("ls")
	require.True(t, ok)
	assert.Equal(t, "list_dir", tool.Name())
}

func TestRegistryUnregisterSource(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubTool{name: "a"}, Meta{Source: "mcp:srv"}))
	require.NoError(t, r.Register(&stubTool{name: "b"}, Meta{Source: "mcp:srv"}))
	require.NoError(t, r.Register(&stubTool{name: "c"}, Meta{}))

	removed := r.UnregisterSource("mcp:srv")
	assert.Equal(t, 2, removed)

	_, ok := r.Get("a")
	assert.False(t, ok)
	_, ok = r.Get("c")
	assert.True(t, ok)
}

func TestRegistryToolsForCallerSkipsDeferred(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubTool{name: "always"}, Meta{}))
	require.NoError(t, r.Register(&stubTool{name: "later"}, Meta{Deferred: true}))

	names := make([]string, 0)
	for _, entry := range r.ToolsForCaller(CallerDirect) {
		names = append(names, entry.Tool.Name())
	}
	assert.Equal(t, []string{"always"}, names)

	deferred := r.DeferredTools()
	require.Len(t, deferred, 1)
	assert.Equal(t, "later", deferred[0].Tool.Name())
}

func TestRegistryCallerRestriction(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubTool{name: "sub_only"}, Meta{
		Callers: []CallerKind{CallerSubtask},
	}))
	require.NoError(t, r.Register(&stubTool{name: "open"}, Meta{}))

	direct := r.ToolsForCaller(CallerDirect)
	require.Len(t, direct, 1)
	assert.Equal(t, "open", direct[0].Tool.Name())

	subtask := r.ToolsForCaller(CallerSubtask)
	assert.Len(t, subtask, 2)
}

func TestRegistrySearch(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubTool{name: "grep", description: "search file contents"}, Meta{}))
	require.NoError(t, r.Register(&stubTool{name: "glob", description: "find files by pattern"}, Meta{}))

	results := r.Search("SEARCH")
	require.Len(t, results, 1)
	assert.Equal(t, "grep", results[0].Tool.Name())

	assert.Len(t, r.Search("f"), 2)
	assert.Empty(t, r.Search("nonexistent"))
}

func TestDefaultRegistryBuiltins(t *testing.T) {
	r := DefaultRegistry(t.TempDir(), 0, 0)

	for _, name := range []string{"read", "write", "edit", "bash", "glob", "grep", "list_dir", "web_fetch"} {
		_, ok := r.Get(name)
		assert.True(t, ok, "missing builtin %s", name)
	}

	// bash requires approval, read does not.
	bash, ok := r.GetEntry("bash")
	require.True(t, ok)
	assert.True(t, bash.Meta.RequiresApproval)

	read, ok := r.GetEntry("read")
	require.True(t, ok)
	assert.False(t, read.Meta.RequiresApproval)

	// ssh is deferred.
	ssh, ok := r.GetEntry("ssh")
	require.True(t, ok)
	assert.True(t, ssh.Meta.Deferred)
}

func TestDefaultRegistryThreadsTimeouts(t *testing.T) {
	r := DefaultRegistry(t.TempDir(), 7*time.Second, 11*time.Second)

	bash, ok := r.Get("bash")
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, bash.(*BashTool).timeout)

	fetch, ok := r.Get("web_fetch")
	require.True(t, ok)
	assert.Equal(t, 11*time.Second, fetch.(*WebFetchTool).client.Timeout)
}
