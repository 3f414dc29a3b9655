package mcp

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"tandem/internal/tools"
)

// MCPTool adapts a server-side tool to the local tool interface. Calls are
// routed through the manager so caching and reconnection apply.
type MCPTool struct {
	manager  *Manager
	serverID string

	remoteName  string
	displayName string
	description string
	schema      *JSONSchema
}

// NewMCPTool wraps a server tool under a prefixed, sanitized name.
func NewMCPTool(manager *Manager, serverID, prefix string, info *ToolInfo) *MCPTool {
	displayName := sanitizeFunctionName(prefix + "_" + info.Name)

	description := info.Description
	if description == "" {
		description = fmt.Sprintf("Tool %s provided by server %s", info.Name, serverID)
	}

	return &MCPTool{
		manager:     manager,
		serverID:    serverID,
		remoteName:  info.Name,
		displayName: displayName,
		description: description,
		schema:      info.InputSchema,
	}
}

func (t *MCPTool) Name() string        { return t.displayName }
func (t *MCPTool) Description() string { return t.description }

// ServerID returns the ID of the server providing this tool.
func (t *MCPTool) ServerID() string { return t.serverID }

// RemoteName returns the tool's name on the server, without the prefix.
func (t *MCPTool) RemoteName() string { return t.remoteName }

// Declaration returns the function declaration for model calls.
func (t *MCPTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.displayName,
		Description: t.description,
		Parameters:  convertSchema(t.schema),
	}
}

// Validate checks arguments against the server's input schema.
func (t *MCPTool) Validate(args map[string]any) error {
	if t.schema == nil {
		return nil
	}

	for _, required := range t.schema.Required {
		if _, ok := args[required]; !ok {
			return &tools.ValidationError{
				Field:   required,
				Message: "required parameter is missing",
			}
		}
	}

	for name, value := range args {
		prop, ok := t.schema.Properties[name]
		if !ok || prop.Type == "" {
			continue
		}
		if err := checkType(name, prop.Type, value); err != nil {
			return err
		}
	}

	return nil
}

// checkType validates a value against a JSON Schema primitive type.
func checkType(name, schemaType string, value any) error {
	if value == nil {
		return nil
	}

	ok := true
	switch schemaType {
	case "string":
		_, ok = value.(string)
	case "number", "integer":
		switch value.(type) {
		case float64, float32, int, int32, int64:
		default:
			ok = false
		}
	case "boolean":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]any)
	case "object":
		_, ok = value.(map[string]any)
	}

	if !ok {
		return &tools.ValidationError{
			Field:   name,
			Message: fmt.Sprintf("expected %s, got %T", schemaType, value),
		}
	}
	return nil
}

// Execute calls the tool on its server via the manager.
func (t *MCPTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	return t.manager.CallTool(ctx, t.serverID, t.remoteName, args)
}

// formatContentBlocks renders protocol content blocks as display text.
func formatContentBlocks(blocks []*ContentBlock) string {
	if len(blocks) == 0 {
		return "(no content)"
	}

	var sb strings.Builder
	for i, block := range blocks {
		if i > 0 {
			sb.WriteString("\n")
		}
		switch block.Type {
		case "text":
			sb.WriteString(block.Text)
		case "image":
			sb.WriteString(fmt.Sprintf("[image: %s, %d bytes base64]", block.MIMEType, len(block.Data)))
		case "resource":
			sb.WriteString(fmt.Sprintf("[resource: %s]", block.URI))
		default:
			sb.WriteString(fmt.Sprintf("[%s content]", block.Type))
		}
	}
	return sb.String()
}
