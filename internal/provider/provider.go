package provider

import (
	"context"

	"google.golang.org/genai"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Message is one turn of a model conversation. Tool result messages carry
// RoleTool plus the ID and name of the call they answer.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// Request is a completion request.
type Request struct {
	System          string
	Messages        []Message
	Declarations    []*genai.FunctionDeclaration
	Temperature     float32
	MaxOutputTokens int32
}

// Response is a completed model turn.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	InputTokens  int
	OutputTokens int
	Provider     string
	Model        string
}

// Provider is a model backend capable of one-shot completions.
type Provider interface {
	// Name returns the provider identifier, e.g. "gemini" or "ollama".
	Name() string

	// Model returns the configured model name.
	Model() string

	// Complete runs a single non-streaming completion.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Close releases any underlying connections.
	Close() error
}
