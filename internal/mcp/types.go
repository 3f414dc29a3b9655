package mcp

import "time"

// JSON-RPC 2.0 types

// JSONRPCMessage represents a JSON-RPC 2.0 message (request, response, or notification).
type JSONRPCMessage struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`     // string, int, or nil for notifications
	Method  string `json:"method,omitempty"` // for requests/notifications
	Params  any    `json:"params,omitempty"`
	Result  any    `json:"result,omitempty"` // for successful responses
	Error   *Error `json:"error,omitempty"`  // for error responses
}

// IsNotification returns true if the message is a notification (method, no ID).
func (m *JSONRPCMessage) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsResponse returns true if the message is a response (ID, no method).
func (m *JSONRPCMessage) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Protocol types

// ServerInfo contains information about the connected server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo identifies this client to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams are the parameters for the initialize request.
type InitializeParams struct {
	ProtocolVersion string      `json:"protocolVersion"`
	ClientInfo      *ClientInfo `json:"clientInfo"`
	Capabilities    any         `json:"capabilities,omitempty"`
}

// InitializeResult is the result of the initialize request.
type InitializeResult struct {
	ProtocolVersion string      `json:"protocolVersion"`
	ServerInfo      *ServerInfo `json:"serverInfo"`
	Capabilities    any         `json:"capabilities,omitempty"`
}

// ToolInfo describes a tool exposed by a server.
type ToolInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema *JSONSchema `json:"inputSchema,omitempty"`
}

// JSONSchema represents a JSON Schema object.
type JSONSchema struct {
	Type        string                 `json:"type,omitempty"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty"`
	Enum        []string               `json:"enum,omitempty"`
	Default     any                    `json:"default,omitempty"`
}

// ListToolsResult is the result of the tools/list request.
type ListToolsResult struct {
	Tools []*ToolInfo `json:"tools"`
}

// CallToolParams are the parameters for the tools/call request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult is the result of the tools/call request.
type CallToolResult struct {
	Content []*ContentBlock `json:"content"`
	IsError bool            `json:"isError,omitempty"`
}

// ContentBlock represents a content block in tool results.
type ContentBlock struct {
	Type     string `json:"type"`               // "text", "image", "resource"
	Text     string `json:"text,omitempty"`     // for text content
	MIMEType string `json:"mimeType,omitempty"` // for image/resource content
	Data     string `json:"data,omitempty"`     // base64 encoded data for images
	URI      string `json:"uri,omitempty"`      // for resource references
}

// Resource represents a server resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult is the result of the resources/list request.
type ListResourcesResult struct {
	Resources []*Resource `json:"resources"`
}

// ReadResourceParams are the parameters for the resources/read request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult is the result of the resources/read request.
type ReadResourceResult struct {
	Contents []*ResourceContent `json:"contents"`
}

// ResourceContent represents the content of a resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"` // base64 encoded binary data
}

// Prompt represents a server prompt template.
type Prompt struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Arguments   []*PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes an argument for a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ListPromptsResult is the result of the prompts/list request.
type ListPromptsResult struct {
	Prompts []*Prompt `json:"prompts"`
}

// GetPromptParams are the parameters for the prompts/get request.
type GetPromptParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// GetPromptResult is the result of the prompts/get request.
type GetPromptResult struct {
	Description string           `json:"description,omitempty"`
	Messages    []*PromptMessage `json:"messages"`
}

// PromptMessage represents a message in a prompt result.
type PromptMessage struct {
	Role    string        `json:"role"` // "user" or "assistant"
	Content *ContentBlock `json:"content"`
}

// ServerConfig holds configuration for an external tool server.
type ServerConfig struct {
	ID        string `yaml:"id" json:"id"`
	Transport string `yaml:"transport" json:"transport"` // "stdio" or "http"

	// stdio transport
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// http transport
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Lifecycle
	Enabled   bool `yaml:"enabled" json:"enabled"`
	AutoStart bool `yaml:"auto_start" json:"autoStart"`

	// Reconnect policy
	MaxRetries     int           `yaml:"max_retries,omitempty" json:"maxRetries,omitempty"`
	BaseRetryDelay time.Duration `yaml:"base_retry_delay,omitempty" json:"baseRetryDelay,omitempty"`

	// Request timeout
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Prefix applied to tool names when registered. Defaults to the server ID.
	ToolPrefix string `yaml:"tool_prefix,omitempty" json:"toolPrefix,omitempty"`
}

// Protocol version
const ProtocolVersion = "2024-11-05"

// Method names
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "notifications/initialized"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
	MethodPromptsList   = "prompts/list"
	MethodPromptsGet    = "prompts/get"
	MethodPing          = "ping"
)
