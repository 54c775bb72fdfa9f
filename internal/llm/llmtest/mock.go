// Package llmtest provides a scriptable llm.Client for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/jonathan/contrib-evaluator/internal/llm"
)

// MockClient implements llm.Client with overridable Func fields and records
// every prompt it receives
type MockClient struct {
	GenerateContentFunc   func(ctx context.Context, prompt string, tier llm.ModelTier) (string, error)
	GenerateJSONFunc      func(ctx context.Context, prompt string, tier llm.ModelTier) (string, error)
	GenerateWithToolsFunc func(ctx context.Context, prompt string, tier llm.ModelTier, tools []llm.ToolSpec, handler llm.ToolHandler, maxRounds int) (string, error)
	GetModelFunc          func(tier llm.ModelTier) string
	CloseFunc             func() error

	mu      sync.Mutex
	prompts []string
}

func (m *MockClient) record(prompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
}

// Prompts returns the prompts received so far
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// Calls returns the number of generate calls received
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *MockClient) GenerateContent(ctx context.Context, prompt string, tier llm.ModelTier) (string, error) {
	m.record(prompt)
	if m.GenerateContentFunc != nil {
		return m.GenerateContentFunc(ctx, prompt, tier)
	}
	return "", nil
}

func (m *MockClient) GenerateJSON(ctx context.Context, prompt string, tier llm.ModelTier) (string, error) {
	m.record(prompt)
	if m.GenerateJSONFunc != nil {
		return m.GenerateJSONFunc(ctx, prompt, tier)
	}
	return "{}", nil
}

func (m *MockClient) GenerateWithTools(ctx context.Context, prompt string, tier llm.ModelTier, tools []llm.ToolSpec, handler llm.ToolHandler, maxRounds int) (string, error) {
	m.record(prompt)
	if m.GenerateWithToolsFunc != nil {
		return m.GenerateWithToolsFunc(ctx, prompt, tier, tools, handler, maxRounds)
	}
	return "{}", nil
}

func (m *MockClient) GetModel(tier llm.ModelTier) string {
	if m.GetModelFunc != nil {
		return m.GetModelFunc(tier)
	}
	return "mock-model"
}

func (m *MockClient) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

var _ llm.Client = (*MockClient)(nil)
