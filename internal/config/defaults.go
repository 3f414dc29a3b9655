package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			ActiveProvider:  "gemini",
			Priority:        []string{"gemini", "ollama"},
			GeminiModel:     "gemini-3-flash-preview",
			OllamaModel:     "qwen2.5-coder",
			OllamaBaseURL:   "http://localhost:11434",
			Temperature:     0.2,
			MaxOutputTokens: 8192,
			Retry: RetryConfig{
				MaxRetries: 3,
				RetryDelay: 1 * time.Second,
				MaxDelay:   30 * time.Second,
			},
			Cooldown: 60 * time.Second,
		},
		Run: RunConfig{
			MaxIterations:    40,
			MaxTokens:        400000,
			ModelCallTimeout: 2 * time.Minute,
			ToolCallTimeout:  2 * time.Minute,
		},
		Session: SessionConfig{
			AutoSave:        true,
			MaxSessionAge:   30 * 24 * time.Hour,
			MaxSessionCount: 50,
		},
		MCP: MCPConfig{
			MaxConcurrentConnects: 4,
			CacheTTL:              5 * time.Minute,
			CacheMaxEntries:       200,
		},
		Tools: ToolsConfig{
			BashTimeout:     2 * time.Minute,
			WebFetchTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  true,
		},
		Watcher: WatcherConfig{
			Enabled:    true,
			DebounceMs: 500,
		},
	}
}
