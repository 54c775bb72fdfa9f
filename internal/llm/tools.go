package llm

import (
	"context"
	"errors"

	"github.com/google/generative-ai-go/genai"
	"github.com/sashabaranov/go-openai"
)

// ErrToolRoundsExceeded is returned when the model keeps requesting tools after
// the allowed number of rounds
var ErrToolRoundsExceeded = errors.New("tool-call rounds exceeded")

// ToolParam is a string or integer argument of a tool
type ToolParam struct {
	Name        string
	Type        string // "string" or "integer"
	Description string
	Required    bool
}

// ToolSpec declares a function the model may call
type ToolSpec struct {
	Name        string
	Description string
	Params      []ToolParam
}

// ToolCall is a function call requested by the model
type ToolCall struct {
	Name string
	Args map[string]any
}

// StringArg returns the named argument as a string, or "" if absent
func (c ToolCall) StringArg(name string) string {
	if v, ok := c.Args[name].(string); ok {
		return v
	}
	return ""
}

// ToolHandler serves one tool call. The returned string is sent back to the
// model; a non-nil error aborts the generation.
type ToolHandler func(ctx context.Context, call ToolCall) (string, error)

func geminiTools(specs []ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: map[string]*genai.Schema{},
		}
		for _, p := range spec.Params {
			t := genai.TypeString
			if p.Type == "integer" {
				t = genai.TypeInteger
			}
			schema.Properties[p.Name] = &genai.Schema{Type: t, Description: p.Description}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func openaiTools(specs []ToolSpec) []openai.Tool {
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		props := map[string]any{}
		required := []string{}
		for _, p := range spec.Params {
			t := p.Type
			if t == "" {
				t = "string"
			}
			props[p.Name] = map[string]any{"type": t, "description": p.Description}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters: map[string]any{
					"type":       "object",
					"properties": props,
					"required":   required,
				},
			},
		})
	}
	return tools
}
