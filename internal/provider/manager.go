package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tandem/internal/config"
	"tandem/internal/logging"
)

// Manager holds the configured providers and picks one for each model call.
// A provider that fails is put on cooldown and skipped until the cooldown
// expires; selection never blocks waiting for one to recover.
type Manager struct {
	providers map[string]Provider
	priority  []string

	cooldowns      map[string]time.Time
	cooldownPeriod time.Duration

	mu sync.RWMutex

	// Injectable for tests.
	now func() time.Time
}

// NewManager creates an empty provider manager.
func NewManager(priority []string, cooldownPeriod time.Duration) *Manager {
	if cooldownPeriod <= 0 {
		cooldownPeriod = 60 * time.Second
	}

	return &Manager{
		providers:      make(map[string]Provider),
		priority:       priority,
		cooldowns:      make(map[string]time.Time),
		cooldownPeriod: cooldownPeriod,
		now:            time.Now,
	}
}

// NewManagerFromConfig builds a manager with every provider the
// configuration has credentials for. At least one must be constructible.
func NewManagerFromConfig(ctx context.Context, cfg *config.Config) (*Manager, error) {
	m := NewManager(cfg.API.ProviderOrder(), cfg.API.Cooldown)

	if cfg.API.HasProvider("gemini") {
		p, err := NewGeminiProvider(ctx, cfg)
		if err != nil {
			logging.Warn("gemini provider unavailable", "error", err)
		} else {
			m.Register(p)
		}
	}

	if cfg.API.HasProvider("ollama") {
		p, err := NewOllamaProvider(cfg)
		if err != nil {
			logging.Warn("ollama provider unavailable", "error", err)
		} else {
			m.Register(p)
		}
	}

	if len(m.Names()) == 0 {
		return nil, fmt.Errorf("no provider could be configured: %w", ErrNoProvider)
	}

	return m, nil
}

// Register adds or replaces a provider.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers[p.Name()] = p
	logging.Info("provider registered", "provider", p.Name(), "model", p.Model())
}

// Get returns a provider by name regardless of cooldown state.
func (m *Manager) Get(name string) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select picks the provider for a model call. The preferred provider is
// tried first, then the configured priority order. Providers on cooldown
// are skipped. Returns ErrNoProvider when every candidate is unavailable.
func (m *Manager) Select(preferred string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order := make([]string, 0, len(m.priority)+1)
	if preferred != "" {
		order = append(order, preferred)
	}
	order = append(order, m.priority...)

	seen := make(map[string]bool, len(order))
	for _, name := range order {
		if seen[name] {
			continue
		}
		seen[name] = true

		p, ok := m.providers[name]
		if !ok {
			continue
		}
		if m.onCooldownLocked(name) {
			logging.Debug("provider on cooldown, skipping", "provider", name)
			continue
		}
		return p, nil
	}

	return nil, ErrNoProvider
}

// onCooldownLocked reports whether a provider is cooling down.
// Must be called with m.mu held.
func (m *Manager) onCooldownLocked(name string) bool {
	until, ok := m.cooldowns[name]
	if !ok {
		return false
	}
	return m.now().Before(until)
}

// ReportFailure puts a provider on cooldown after a failed call.
func (m *Manager) ReportFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until := m.now().Add(m.cooldownPeriod)
	m.cooldowns[name] = until
	logging.Warn("provider placed on cooldown", "provider", name, "until", until)
}

// ReportSuccess clears a provider's cooldown after a successful call.
func (m *Manager) ReportSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cooldowns, name)
}

// Cooldowns returns the providers currently cooling down and their expiry.
func (m *Manager) Cooldowns() map[string]time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]time.Time)
	for name, until := range m.cooldowns {
		if m.now().Before(until) {
			out[name] = until
		}
	}
	return out
}

// Close closes every registered provider.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for _, p := range m.providers {
		if err := p.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
