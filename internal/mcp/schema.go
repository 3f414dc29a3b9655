package mcp

import (
	"regexp"
	"strings"

	"google.golang.org/genai"
)

// convertSchema translates a JSON Schema into the model API's schema type.
// A nil or empty schema becomes an object with no properties, which is what
// the API expects for parameterless functions.
func convertSchema(schema *JSONSchema) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}

	out := &genai.Schema{
		Type:        convertSchemaType(schema.Type),
		Description: schema.Description,
	}

	if len(schema.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(schema.Properties))
		for name, prop := range schema.Properties {
			out.Properties[name] = convertSchema(prop)
		}
	}

	if len(schema.Required) > 0 {
		out.Required = append([]string(nil), schema.Required...)
	}

	if schema.Items != nil {
		out.Items = convertSchema(schema.Items)
	}

	if len(schema.Enum) > 0 {
		out.Enum = append([]string(nil), schema.Enum...)
	}

	return out
}

func convertSchemaType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object", "":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// sanitizeFunctionName makes a tool name acceptable as a model function
// name: allowed characters only, starting with a letter or underscore,
// at most 64 characters.
func sanitizeFunctionName(name string) string {
	sanitized := invalidNameChars.ReplaceAllString(name, "_")

	if sanitized == "" {
		return "_tool"
	}

	first := sanitized[0]
	isLetter := (first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z')
	if !isLetter && first != '_' {
		sanitized = "_" + sanitized
	}

	if len(sanitized) > 64 {
		sanitized = sanitized[:64]
	}
	return sanitized
}
