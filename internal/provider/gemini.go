package provider

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"tandem/internal/config"
	"tandem/internal/logging"
)

// GeminiProvider wraps the Google Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string

	maxRetries int
	retryDelay time.Duration
	maxDelay   time.Duration
}

// NewGeminiProvider creates a Gemini provider from configuration.
func NewGeminiProvider(ctx context.Context, cfg *config.Config) (*GeminiProvider, error) {
	if cfg.API.GeminiKey == "" {
		return nil, fmt.Errorf("gemini API key required: %w", config.ErrMissingAuth)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  cfg.API.GeminiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

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

	return &GeminiProvider{
		client:     client,
		model:      cfg.API.GeminiModel,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		maxDelay:   maxDelay,
	}, nil
}

func (p *GeminiProvider) Name() string  { return "gemini" }
func (p *GeminiProvider) Model() string { return p.model }

// Complete runs one non-streaming completion with retry on transient errors.
func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	contents := convertMessages(req.Messages)

	genCfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		genCfg.Temperature = Ptr(req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		genCfg.MaxOutputTokens = req.MaxOutputTokens
	}
	if req.System != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Declarations) > 0 {
		genCfg.Tools = []*genai.Tool{{FunctionDeclarations: req.Declarations}}
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(p.retryDelay, attempt-1, p.maxDelay)
			logging.Info("retrying Gemini request", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, genCfg)
		if err == nil {
			return p.convertResponse(resp), nil
		}

		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
		logging.Warn("Gemini request failed, will retry", "attempt", attempt, "error", err)
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", p.maxRetries, lastErr)
}

// convertMessages maps conversation messages onto API contents. Tool result
// messages become function response parts in a user turn.
func convertMessages(messages []Message) []*genai.Content {
	var contents []*genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: tc.Args,
					},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, genai.NewPartFromText(" "))
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})

		case RoleTool:
			part := genai.NewPartFromFunctionResponse(msg.ToolName, map[string]any{
				"content": msg.Content,
			})
			part.FunctionResponse.ID = msg.ToolCallID
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{part},
			})

		default:
			text := msg.Content
			if text == "" {
				text = " "
			}
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}
	}

	if len(contents) == 0 {
		contents = append(contents, genai.NewContentFromText(" ", genai.RoleUser))
	}
	return contents
}

// convertResponse extracts text, tool calls, and usage from an API response.
func (p *GeminiProvider) convertResponse(resp *genai.GenerateContentResponse) *Response {
	out := &Response{
		Provider: p.Name(),
		Model:    p.model,
	}

	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	if len(resp.Candidates) == 0 {
		return out
	}

	candidate := resp.Candidates[0]
	out.FinishReason = string(candidate.FinishReason)

	if candidate.Content != nil {
		callIndex := 0
		for _, part := range candidate.Content.Parts {
			if part.Thought {
				continue
			}
			if part.Text != "" {
				out.Text += part.Text
			}
			if part.FunctionCall != nil {
				id := part.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("call_%d", callIndex)
				}
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:   id,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
				callIndex++
			}
		}
	}

	return out
}

// Close is a no-op; the underlying client holds no persistent connection.
func (p *GeminiProvider) Close() error {
	return nil
}

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}
