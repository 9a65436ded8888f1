package agent

import (
	"fmt"
	"path/filepath"

	"github.com/basket/agentd/internal/backend"
	"github.com/basket/agentd/internal/thread"
)

// buildView replays the event log into the conversation view the
// backend consumes. The switch is exhaustive over the event union; an
// unknown payload means a corrupt log and fails the turn.
func buildView(events []thread.Event) ([]backend.Message, error) {
	var system string
	var out []backend.Message

	appendToolCall := func(call backend.ToolCall) {
		// A tool_call belongs to the assistant message the backend
		// returned it with.
		if n := len(out); n > 0 && out[n-1].Role == backend.RoleAssistant {
			out[n-1].ToolCalls = append(out[n-1].ToolCalls, call)
			return
		}
		out = append(out, backend.Message{Role: backend.RoleAssistant, ToolCalls: []backend.ToolCall{call}})
	}

	for _, e := range events {
		switch p := e.Payload.(type) {
		case thread.SystemPrompt:
			// The latest system prompt wins; hot-reload appends a new
			// event rather than rewriting history.
			system = p.Content
		case thread.UserMessage:
			out = append(out, backend.Message{Role: backend.RoleUser, Content: p.Content})
		case thread.LocalSystem:
			out = append(out, backend.Message{Role: backend.RoleUser, Content: "[system] " + p.Content})
		case thread.AgentMessage:
			out = append(out, backend.Message{Role: backend.RoleAssistant, Content: p.Content})
		case thread.ToolCall:
			appendToolCall(backend.ToolCall{ID: p.CallID, Name: p.Name, Input: p.Input})
		case thread.ToolResult:
			out = append(out, backend.Message{
				Role:       backend.RoleTool,
				Content:    p.Content,
				ToolCallID: p.CallID,
				IsError:    p.IsError,
			})
		case thread.ApprovalRequest, thread.ApprovalResponse:
			// Approval bookkeeping is not part of the model's view.
		default:
			return nil, fmt.Errorf("unknown event payload %T at seq %d", e.Payload, e.Seq)
		}
	}

	if system != "" {
		out = append([]backend.Message{{Role: backend.RoleSystem, Content: system}}, out...)
	}
	return out, nil
}

// lastReply returns the content of the most recent agent message.
func lastReply(events []thread.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if am, ok := events[i].Payload.(thread.AgentMessage); ok {
			return am.Content
		}
	}
	return ""
}

// unfinishedToolCalls returns tool_call events that have no
// corresponding tool_result, in append order.
func unfinishedToolCalls(events []thread.Event) []thread.ToolCall {
	resolved := make(map[string]bool)
	for _, e := range events {
		if res, ok := e.Payload.(thread.ToolResult); ok {
			resolved[res.CallID] = true
		}
	}
	var calls []thread.ToolCall
	for _, e := range events {
		if call, ok := e.Payload.(thread.ToolCall); ok && !resolved[call.CallID] {
			calls = append(calls, call)
		}
	}
	return calls
}

// resolveAgainst resolves a possibly-relative path against the agent's
// configured working directory, never the ambient process directory.
func resolveAgainst(workDir, path string) string {
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) && workDir != "" {
		path = filepath.Join(workDir, path)
	}
	return filepath.Clean(path)
}
