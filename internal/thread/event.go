// Package thread implements the append-only event log that is the sole
// source of truth for conversation state. Events are immutable once
// appended; replaying a thread's ordered sequence reconstructs the same
// logical state on every process, which is the central correctness
// property of the whole engine.
package thread

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the event variant. The set is closed: every consumer
// switches exhaustively over payload types, so adding a kind is a
// compile-time-checked exercise.
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindAgentMessage     Kind = "agent_message"
	KindToolCall         Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
	KindApprovalRequest  Kind = "approval_request"
	KindApprovalResponse Kind = "approval_response"
	KindSystemPrompt     Kind = "system_prompt"
	KindLocalSystem      Kind = "local_system"
)

// Decision is a recorded tool-approval decision. Once an approval
// response event exists for a call id, its decision is permanent.
type Decision string

const (
	DecisionAllowOnce    Decision = "allow_once"
	DecisionAllowSession Decision = "allow_session"
	DecisionDeny         Decision = "deny"
)

// Valid reports whether d is one of the three recorded decision values.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllowOnce, DecisionAllowSession, DecisionDeny:
		return true
	}
	return false
}

// Allows reports whether d permits the tool call to run.
func (d Decision) Allows() bool {
	return d == DecisionAllowOnce || d == DecisionAllowSession
}

// TokenUsage is the per-message usage snapshot reported by a backend.
// A nil *TokenUsage on an agent message means the backend reported
// nothing; it is never substituted with zeros.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Payload is the closed union of event payloads.
type Payload interface {
	Kind() Kind
}

// UserMessage is input text submitted on behalf of the user.
type UserMessage struct {
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

func (UserMessage) Kind() Kind { return KindUserMessage }

// AgentMessage is a backend response, with the usage the backend
// reported for that call (if any).
type AgentMessage struct {
	Content string      `json:"content"`
	Usage   *TokenUsage `json:"usage,omitempty"`
}

func (AgentMessage) Kind() Kind { return KindAgentMessage }

// ToolCall records one tool invocation requested by the backend.
type ToolCall struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
}

func (ToolCall) Kind() Kind { return KindToolCall }

// ToolResult records the outcome of one tool invocation.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

func (ToolResult) Kind() Kind { return KindToolResult }

// ApprovalRequest marks that a decision was asked for a tool call.
// At most one request event exists per call id.
type ApprovalRequest struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
}

func (ApprovalRequest) Kind() Kind { return KindApprovalRequest }

// ApprovalResponse records the decision for a pending approval request.
type ApprovalResponse struct {
	CallID   string   `json:"call_id"`
	Decision Decision `json:"decision"`
}

func (ApprovalResponse) Kind() Kind { return KindApprovalResponse }

// SystemPrompt is the instruction text installed at thread creation.
type SystemPrompt struct {
	Content string `json:"content"`
}

func (SystemPrompt) Kind() Kind { return KindSystemPrompt }

// LocalSystem is an engine-generated notice (scheduler ticks,
// inter-agent notifications) recorded in the log for replay fidelity.
type LocalSystem struct {
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

func (LocalSystem) Kind() Kind { return KindLocalSystem }

// Event is one immutable, typed fact appended to a thread. Seq is the
// store-assigned append order; readers observe events in strict Seq
// order within a thread.
type Event struct {
	Seq       int64
	ID        string
	ThreadID  string
	Timestamp time.Time
	Payload   Payload
}

// EventKind returns the kind of the event's payload.
func (e Event) EventKind() Kind {
	return e.Payload.Kind()
}

// decodePayload turns a stored (kind, data) pair back into the typed
// union. An unknown kind means the log is corrupt or written by a newer
// version; it is an error, never silently skipped.
func decodePayload(kind Kind, data []byte) (Payload, error) {
	unmarshal := func(dst Payload) (Payload, error) {
		if err := json.Unmarshal(data, dst); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return dst, nil
	}
	switch kind {
	case KindUserMessage:
		p, err := unmarshal(&UserMessage{})
		if err != nil {
			return nil, err
		}
		return *p.(*UserMessage), nil
	case KindAgentMessage:
		p, err := unmarshal(&AgentMessage{})
		if err != nil {
			return nil, err
		}
		return *p.(*AgentMessage), nil
	case KindToolCall:
		p, err := unmarshal(&ToolCall{})
		if err != nil {
			return nil, err
		}
		return *p.(*ToolCall), nil
	case KindToolResult:
		p, err := unmarshal(&ToolResult{})
		if err != nil {
			return nil, err
		}
		return *p.(*ToolResult), nil
	case KindApprovalRequest:
		p, err := unmarshal(&ApprovalRequest{})
		if err != nil {
			return nil, err
		}
		return *p.(*ApprovalRequest), nil
	case KindApprovalResponse:
		p, err := unmarshal(&ApprovalResponse{})
		if err != nil {
			return nil, err
		}
		return *p.(*ApprovalResponse), nil
	case KindSystemPrompt:
		p, err := unmarshal(&SystemPrompt{})
		if err != nil {
			return nil, err
		}
		return *p.(*SystemPrompt), nil
	case KindLocalSystem:
		p, err := unmarshal(&LocalSystem{})
		if err != nil {
			return nil, err
		}
		return *p.(*LocalSystem), nil
	}
	return nil, fmt.Errorf("unknown event kind %q", kind)
}
