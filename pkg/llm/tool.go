package llm

import "encoding/json"

// Tool is one entry in the catalog offered to the model.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function describes a callable tool: name, what it does, and a JSON Schema
// for its arguments.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// NewTool builds a function-type tool descriptor.
func NewTool(name, description string, schema json.RawMessage) Tool {
	return Tool{
		Type: "function",
		Function: Function{
			Name:        name,
			Description: description,
			Parameters:  schema,
		},
	}
}
