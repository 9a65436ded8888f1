// Package backend defines the abstract request/response contract with
// a language-model provider and the adapters that implement it.
package backend

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrBackend wraps provider failures so callers can distinguish them
// from storage or tool errors.
var ErrBackend = errors.New("backend request failed")

// Role is a conversation-view message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation view sent to the provider.
// Tool results carry the originating call id and an error flag.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	IsError    bool
}

// ToolCall is a provider-requested tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolDef describes one catalog entry offered to the provider.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Usage is the provider-reported token consumption for one response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StopReason tells the turn loop whether the provider is done.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Request is one provider call: the replayed conversation plus the
// tool catalog.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDef
	MaxTokens   int
	Temperature float64
}

// Response is the provider's reply. Usage is nil when the provider
// reported none; callers must preserve that distinction.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      *Usage
	StopReason StopReason
}

// Client is the capability interface the turn controller consumes.
// Adapters are stateless per call; cancellation flows through ctx.
type Client interface {
	CreateResponse(ctx context.Context, req Request) (*Response, error)
	ProviderName() string
}
