package config

import (
	"errors"
	"time"
)

// ErrMissingAuth indicates that no configured provider has usable credentials.
var ErrMissingAuth = errors.New("no provider credentials configured")

// Config represents the runtime configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Run     RunConfig     `yaml:"run"`
	Session SessionConfig `yaml:"session"`
	MCP     MCPConfig     `yaml:"mcp"`
	Tools   ToolsConfig   `yaml:"tools"`
	Logging LoggingConfig `yaml:"logging"`
	Watcher WatcherConfig `yaml:"watcher"`

	// Runtime version information
	Version string `yaml:"-"`
}

// APIConfig holds model-provider settings.
type APIConfig struct {
	// Separate keys/endpoints for each provider.
	GeminiKey     string `yaml:"gemini_key,omitempty"`
	OllamaBaseURL string `yaml:"ollama_base_url,omitempty"`

	// Default provider for new sessions: "gemini" or "ollama".
	ActiveProvider string `yaml:"active_provider"`

	// Failover order when the preferred provider is cooling down.
	Priority []string `yaml:"priority,omitempty"`

	// Model names per provider.
	GeminiModel string `yaml:"gemini_model,omitempty"`
	OllamaModel string `yaml:"ollama_model,omitempty"`

	Temperature     float32 `yaml:"temperature,omitempty"`
	MaxOutputTokens int32   `yaml:"max_output_tokens,omitempty"`

	Retry    RetryConfig   `yaml:"retry"`
	Cooldown time.Duration `yaml:"cooldown,omitempty"`
}

// RetryConfig holds retry settings for provider calls.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// HasProvider reports whether a provider has usable credentials.
// Ollama talks to a local server and needs no key.
func (c *APIConfig) HasProvider(provider string) bool {
	switch provider {
	case "gemini":
		return c.GeminiKey != ""
	case "ollama":
		return true
	}
	return false
}

// ProviderOrder returns the configured failover order, starting with the
// active provider and deduplicated.
func (c *APIConfig) ProviderOrder() []string {
	order := make([]string, 0, len(c.Priority)+1)
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	add(c.ActiveProvider)
	for _, p := range c.Priority {
		add(p)
	}
	return order
}

// RunConfig bounds a single run.
type RunConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	MaxTokens        int           `yaml:"max_tokens"`
	ModelCallTimeout time.Duration `yaml:"model_call_timeout"`
	ToolCallTimeout  time.Duration `yaml:"tool_call_timeout"`
}

// SessionConfig controls session persistence.
type SessionConfig struct {
	Dir             string        `yaml:"dir,omitempty"`
	AutoSave        bool          `yaml:"auto_save"`
	MaxSessionAge   time.Duration `yaml:"max_session_age"`
	MaxSessionCount int           `yaml:"max_session_count"`
}

// MCPConfig holds external tool-server settings.
type MCPConfig struct {
	// Global ceiling on concurrent connection attempts across all servers.
	MaxConcurrentConnects int `yaml:"max_concurrent_connects"`

	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheMaxEntries int           `yaml:"cache_max_entries"`

	Servers []MCPServer `yaml:"servers,omitempty"`
}

// MCPServer configures one external tool server.
type MCPServer struct {
	ID        string `yaml:"id"`
	Transport string `yaml:"transport"` // "stdio" or "http"

	// stdio transport
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// http transport
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	Enabled        bool          `yaml:"enabled"`
	AutoStart      bool          `yaml:"auto_start"`
	MaxRetries     int           `yaml:"max_retries,omitempty"`
	BaseRetryDelay time.Duration `yaml:"base_retry_delay,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	ToolPrefix     string        `yaml:"tool_prefix,omitempty"`
}

// ToolsConfig holds builtin tool settings.
type ToolsConfig struct {
	BashTimeout     time.Duration `yaml:"bash_timeout"`
	WebFetchTimeout time.Duration `yaml:"web_fetch_timeout"`

	// Tools listed here execute without a confirmation round-trip even
	// when flagged as requiring approval. Intended for non-interactive use.
	AutoApprove []string `yaml:"auto_approve,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  bool   `yaml:"file"`
}

// WatcherConfig holds workspace watcher settings.
type WatcherConfig struct {
	Enabled    bool `yaml:"enabled"`
	DebounceMs int  `yaml:"debounce_ms,omitempty"`
}

// Validate checks that the configuration can support at least one run.
func (c *Config) Validate() error {
	for _, p := range c.API.ProviderOrder() {
		if c.API.HasProvider(p) {
			return nil
		}
	}
	return ErrMissingAuth
}
