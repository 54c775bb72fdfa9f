package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Client for OpenAI and OpenAI-compatible endpoints
type OpenAIClient struct {
	client *openai.Client
	config *Config
}

// NewOpenAIClient creates a new OpenAI client. config.BaseURL, when set,
// points it at a compatible server.
func NewOpenAIClient(config *Config, apiKey string) (*OpenAIClient, error) {
	if apiKey == "" && config.BaseURL == "" {
		return nil, fmt.Errorf("API key is required")
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

func (c *OpenAIClient) request(tier ModelTier, prompt string) (openai.ChatCompletionRequest, error) {
	modelName := c.config.GetModel(tier)
	if modelName == "" {
		return openai.ChatCompletionRequest{}, fmt.Errorf("no model configured for tier %s", tier)
	}
	return openai.ChatCompletionRequest{
		Model:       modelName,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}, nil
}

func (c *OpenAIClient) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionMessage, error) {
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return openai.ChatCompletionMessage{}, fmt.Errorf("failed to generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message, nil
}

// GenerateContent generates text content using the specified model tier
func (c *OpenAIClient) GenerateContent(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	req, err := c.request(tier, prompt)
	if err != nil {
		return "", err
	}
	msg, err := c.complete(ctx, req)
	if err != nil {
		return "", err
	}
	if msg.Content == "" {
		return "", fmt.Errorf("no content in response")
	}
	return msg.Content, nil
}

// GenerateJSON generates JSON content using the specified model tier
func (c *OpenAIClient) GenerateJSON(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	req, err := c.request(tier, prompt)
	if err != nil {
		return "", err
	}
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}

	msg, err := c.complete(ctx, req)
	if err != nil {
		return "", err
	}
	return CleanJSONBlock(msg.Content), nil
}

// GenerateWithTools runs a tool-call conversation
func (c *OpenAIClient) GenerateWithTools(ctx context.Context, prompt string, tier ModelTier, tools []ToolSpec, handler ToolHandler, maxRounds int) (string, error) {
	req, err := c.request(tier, prompt)
	if err != nil {
		return "", err
	}
	req.Tools = openaiTools(tools)

	for round := 0; ; round++ {
		msg, err := c.complete(ctx, req)
		if err != nil {
			return "", err
		}
		if len(msg.ToolCalls) == 0 {
			return CleanJSONBlock(msg.Content), nil
		}
		if round >= maxRounds {
			return "", ErrToolRoundsExceeded
		}

		req.Messages = append(req.Messages, msg)
		for _, tc := range msg.ToolCalls {
			content, err := serveOpenAIToolCall(ctx, tc, handler)
			if err != nil {
				return "", err
			}
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				Name:       tc.Function.Name,
				ToolCallID: tc.ID,
			})
		}
	}
}

func serveOpenAIToolCall(ctx context.Context, tc openai.ToolCall, handler ToolHandler) (string, error) {
	args := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return fmt.Sprintf("error: arguments are not valid JSON: %v", err), nil
		}
	}
	out, err := handler(ctx, ToolCall{Name: tc.Function.Name, Args: args})
	if err != nil {
		return "", fmt.Errorf("tool %s failed: %w", tc.Function.Name, err)
	}
	return out, nil
}

// GetModel returns the model name for a tier
func (c *OpenAIClient) GetModel(tier ModelTier) string {
	return c.config.GetModel(tier)
}

// Close releases resources held by the client
func (c *OpenAIClient) Close() error {
	return nil
}
