// Package llm defines the completion-provider boundary and the action
// selector that turns provider responses into typed tool actions.
package llm

import (
	"context"
	"encoding/json"

	"github.com/haldanesmith/agentloop/internal/tool"
)

// Message is one transcript turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []tool.Def
	ToolChoice   string
}

// ToolInvocation is a tool call returned by the provider
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// TokenUsage reports provider-side token consumption for one call
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is either a single tool invocation or free text
type Response struct {
	ToolCall *ToolInvocation
	Text     string
	Usage    TokenUsage
}

// Provider is the external LLM completion boundary. Retries and backoff,
// if any, belong behind this interface.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ProviderFunc adapts a function to the Provider interface
type ProviderFunc func(ctx context.Context, req Request) (*Response, error)

func (f ProviderFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
