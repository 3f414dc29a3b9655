package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name string
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Model() string { return f.name + "-model" }
func (f *fakeProvider) Close() error  { return nil }

func (f *fakeProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	return &Response{Text: "ok", Provider: f.name}, nil
}

func newTestProviderManager(names ...string) *Manager {
	m := NewManager(names, time.Minute)
	for _, name := range names {
		m.Register(&fakeProvider{name: name})
	}
	return m
}

func TestManagerSelectFollowsPriority(t *testing.T) {
	m := newTestProviderManager("gemini", "ollama")

	p, err := m.Select("")
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Name())
}

func TestManagerSelectPrefersSessionProvider(t *testing.T) {
	m := newTestProviderManager("gemini", "ollama")

	p, err := m.Select("ollama")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	// Unknown preference falls back to priority.
	p, err = m.Select("claude")
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Name())
}

func TestManagerCooldownSkipsProvider(t *testing.T) {
	m := newTestProviderManager("gemini", "ollama")

	m.ReportFailure("gemini")

	p, err := m.Select("")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	// Preferred provider on cooldown is skipped too.
	p, err = m.Select("gemini")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())
}

func TestManagerAllOnCooldownFailsFast(t *testing.T) {
	m := newTestProviderManager("gemini", "ollama")

	m.ReportFailure("gemini")
	m.ReportFailure("ollama")

	_, err := m.Select("")
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestManagerCooldownExpires(t *testing.T) {
	m := newTestProviderManager("gemini")

	now := time.Now()
	m.now = func() time.Time { return now }

	m.ReportFailure("gemini")
	_, err := m.Select("")
	require.ErrorIs(t, err, ErrNoProvider)

	m.now = func() time.Time { return now.Add(2 * time.Minute) }

	p, err := m.Select("")
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Name())
}

func TestManagerReportSuccessClearsCooldown(t *testing.T) {
	m := newTestProviderManager("gemini")

	m.ReportFailure("gemini")
	require.Len(t, m.Cooldowns(), 1)

	m.ReportSuccess("gemini")
	assert.Empty(t, m.Cooldowns())

	p, err := m.Select("")
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Name())
}

func TestManagerSelectWithNoProviders(t *testing.T) {
	m := NewManager([]string{"gemini"}, time.Minute)

	_, err := m.Select("")
	assert.ErrorIs(t, err, ErrNoProvider)
}
