package llm

import (
	"context"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTools = []ToolSpec{
	{Name: "list_files", Description: "List files"},
	{Name: "read_file", Description: "Read a file", Params: []ToolParam{
		{Name: "path", Type: "string", Description: "File path", Required: true},
	}},
}

func TestGeminiTools(t *testing.T) {
	tools := geminiTools(testTools)
	require.Len(t, tools, 1)
	decls := tools[0].FunctionDeclarations
	require.Len(t, decls, 2)
	assert.Equal(t, "read_file", decls[1].Name)
	assert.Equal(t, []string{"path"}, decls[1].Parameters.Required)
	assert.Equal(t, genai.TypeString, decls[1].Parameters.Properties["path"].Type)

	assert.Nil(t, geminiTools(nil))
}

func TestOpenAITools(t *testing.T) {
	tools := openaiTools(testTools)
	require.Len(t, tools, 2)
	assert.Equal(t, openai.ToolTypeFunction, tools[1].Type)
	params := tools[1].Function.Parameters.(map[string]any)
	assert.Equal(t, []string{"path"}, params["required"])
}

func TestServeOpenAIToolCall(t *testing.T) {
	var got ToolCall
	handler := func(_ context.Context, call ToolCall) (string, error) {
		got = call
		return "content", nil
	}

	out, err := serveOpenAIToolCall(context.Background(), openai.ToolCall{
		ID:       "call_1",
		Function: openai.FunctionCall{Name: "read_file", Arguments: `{"path":"main.go"}`},
	}, handler)
	require.NoError(t, err)
	assert.Equal(t, "content", out)
	assert.Equal(t, "main.go", got.StringArg("path"))

	out, err = serveOpenAIToolCall(context.Background(), openai.ToolCall{
		Function: openai.FunctionCall{Name: "read_file", Arguments: `{bad`},
	}, handler)
	require.NoError(t, err)
	assert.Contains(t, out, "not valid JSON")
}

func TestToolCall_StringArg(t *testing.T) {
	call := ToolCall{Args: map[string]any{"path": "a.go", "n": 3}}
	assert.Equal(t, "a.go", call.StringArg("path"))
	assert.Equal(t, "", call.StringArg("n"))
	assert.Equal(t, "", call.StringArg("missing"))
}

func TestFunctionCalls(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{
			genai.Text("thinking"),
			genai.FunctionCall{Name: "list_files", Args: map[string]any{}},
		}},
	}}}
	calls := functionCalls(resp)
	require.Len(t, calls, 1)
	assert.Equal(t, "list_files", calls[0].Name)

	assert.Nil(t, functionCalls(&genai.GenerateContentResponse{}))
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(context.Background(), &Config{Provider: "anthropic"}, "key")
	assert.Error(t, err)

	_, err = NewOpenAIClient(DefaultOpenAIConfig(), "")
	assert.Error(t, err)

	c, err := NewOpenAIClient(DefaultOpenAIConfig(), "key")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", c.GetModel(TierStandard))
	assert.NoError(t, c.Close())
}
