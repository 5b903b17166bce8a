package provider

import "strings"

// ToolDecl declares a tool the agent may call. Parameters use the
// Gemini-style schema (upper-case type tags); adapters whose backend
// expects a different function-calling schema translate on the way out.
type ToolDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  Schema `json:"parameters,omitempty"`
}

// Schema describes a tool parameter. Type tags are "STRING", "NUMBER",
// "INTEGER", "BOOLEAN", "OBJECT", "ARRAY"; unrecognized tags pass through
// translation lower-cased unchanged.
type Schema struct {
	Type        string            `json:"type,omitempty"`
	Description string            `json:"description,omitempty"`
	Properties  map[string]Schema `json:"properties,omitempty"`
	Items       *Schema           `json:"items,omitempty"`
	Enum        []string          `json:"enum,omitempty"`
	Required    []string          `json:"required,omitempty"`
}

// jsonSchemaType maps a Gemini-style type tag to its JSON Schema
// equivalent. The six known tags map 1:1; anything else is lower-cased
// and passed through.
func jsonSchemaType(t string) string {
	switch strings.ToUpper(t) {
	case "STRING":
		return "string"
	case "NUMBER":
		return "number"
	case "INTEGER":
		return "integer"
	case "BOOLEAN":
		return "boolean"
	case "OBJECT":
		return "object"
	case "ARRAY":
		return "array"
	default:
		return strings.ToLower(t)
	}
}

// JSONSchema converts the schema to a JSON Schema document, recursing
// through object properties and array items.
func (s Schema) JSONSchema() map[string]any {
	out := map[string]any{}
	if s.Type != "" {
		out["type"] = jsonSchemaType(s.Type)
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for key, val := range s.Properties {
			props[key] = val.JSONSchema()
		}
		out["properties"] = props
	}
	if s.Items != nil {
		out["items"] = s.Items.JSONSchema()
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}
