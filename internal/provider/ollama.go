package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"google.golang.org/genai"

	"tandem/internal/config"
	"tandem/internal/logging"
)

// OllamaProvider talks to a local or remote Ollama server.
type OllamaProvider struct {
	client *api.Client
	model  string

	temperature     float32
	maxOutputTokens int32

	maxRetries int
	retryDelay time.Duration
	maxDelay   time.Duration
}

// NewOllamaProvider creates an Ollama provider from configuration.
func NewOllamaProvider(cfg *config.Config) (*OllamaProvider, error) {
	if cfg.API.OllamaModel == "" {
		return nil, fmt.Errorf("ollama model name is required")
	}

	rawURL := cfg.API.OllamaBaseURL
	if rawURL == "" {
		rawURL = "http://localhost:11434"
	}

	baseURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama base URL: %w", err)
	}

	if baseURL.Scheme == "http" {
		host := baseURL.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			logging.Warn("Ollama connection uses unencrypted HTTP to remote host", "host", host)
		}
	}

	httpClient := &http.Client{Timeout: 120 * time.Second}

	maxRetries := cfg.API.Retry.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	retryDelay := cfg.API.Retry.RetryDelay
	if retryDelay == 0 {
		retryDelay = time.Second
	}
	maxDelay := cfg.API.Retry.MaxDelay
	if maxDelay == 0 {
		maxDelay = 30 * time.Second
	}

	return &OllamaProvider{
		client:          api.NewClient(baseURL, httpClient),
		model:           cfg.API.OllamaModel,
		temperature:     cfg.API.Temperature,
		maxOutputTokens: cfg.API.MaxOutputTokens,
		maxRetries:      maxRetries,
		retryDelay:      retryDelay,
		maxDelay:        maxDelay,
	}, nil
}

func (p *OllamaProvider) Name() string  { return "ollama" }
func (p *OllamaProvider) Model() string { return p.model }

// Complete runs one non-streaming chat completion with retry on transient
// errors.
func (p *OllamaProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	messages := p.convertMessages(req)

	maxTokens := req.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = p.maxOutputTokens
	}

	chatReq := &api.ChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   Ptr(false),
		Options: map[string]interface{}{
			"num_predict": maxTokens,
		},
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	if temperature > 0 {
		chatReq.Options["temperature"] = temperature
	}

	if len(req.Declarations) > 0 {
		chatReq.Tools = convertDeclarations(req.Declarations)
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(p.retryDelay, attempt-1, p.maxDelay)
			logging.Info("retrying Ollama request", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := p.chat(ctx, chatReq)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !p.isRetryable(err) {
			return nil, err
		}
		logging.Warn("Ollama request failed, will retry", "attempt", attempt, "error", err)
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", p.maxRetries, lastErr)
}

// chat performs a single request. With streaming disabled the callback fires
// once with the complete response.
func (p *OllamaProvider) chat(ctx context.Context, req *api.ChatRequest) (*Response, error) {
	out := &Response{
		Provider: p.Name(),
		Model:    p.model,
	}

	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			out.Text += resp.Message.Content
		}

		for i, tc := range resp.Message.ToolCalls {
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   id,
				Name: tc.Function.Name,
				Args: tc.Function.Arguments.ToMap(),
			})
		}

		if resp.Done {
			out.FinishReason = resp.DoneReason
			if resp.PromptEvalCount > 0 {
				out.InputTokens = resp.PromptEvalCount
			}
			if resp.EvalCount > 0 {
				out.OutputTokens = resp.EvalCount
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// convertMessages maps conversation messages onto the Ollama chat format.
func (p *OllamaProvider) convertMessages(req *Request) []api.Message {
	messages := make([]api.Message, 0, len(req.Messages)+1)

	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			out := api.Message{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := api.NewToolCallFunctionArguments()
				for k, v := range tc.Args {
					args.Set(k, v)
				}
				out.ToolCalls = append(out.ToolCalls, api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			messages = append(messages, out)

		case RoleTool:
			messages = append(messages, api.Message{
				Role:       "tool",
				Content:    msg.Content,
				ToolName:   msg.ToolName,
				ToolCallID: msg.ToolCallID,
			})

		default:
			messages = append(messages, api.Message{Role: "user", Content: msg.Content})
		}
	}

	return messages
}

// convertDeclarations converts function declarations to Ollama tool format.
func convertDeclarations(decls []*genai.FunctionDeclaration) []api.Tool {
	tools := make([]api.Tool, 0, len(decls))

	for _, decl := range decls {
		params := api.ToolFunctionParameters{
			Type:       "object",
			Properties: api.NewToolPropertiesMap(),
		}

		if decl.Parameters != nil {
			if len(decl.Parameters.Required) > 0 {
				params.Required = decl.Parameters.Required
			}

			for name, propSchema := range decl.Parameters.Properties {
				prop := api.ToolProperty{
					Description: propSchema.Description,
				}
				if propSchema.Type != "" {
					prop.Type = api.PropertyType{strings.ToLower(string(propSchema.Type))}
				}
				if len(propSchema.Enum) > 0 {
					enumVals := make([]any, len(propSchema.Enum))
					for i, v := range propSchema.Enum {
						enumVals[i] = v
					}
					prop.Enum = enumVals
				}
				params.Properties.Set(name, prop)
			}
		}

		tools = append(tools, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  params,
			},
		})
	}

	return tools
}

// isRetryable classifies Ollama errors, including typed HTTP status errors.
func (p *OllamaProvider) isRetryable(err error) bool {
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return IsRetryableError(err)
}

// Close is a no-op; requests use plain HTTP.
func (p *OllamaProvider) Close() error {
	return nil
}
