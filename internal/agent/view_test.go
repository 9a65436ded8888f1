package agent

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/basket/agentd/internal/backend"
	"github.com/basket/agentd/internal/thread"
)

func evt(seq int64, p thread.Payload) thread.Event {
	return thread.Event{Seq: seq, Payload: p}
}

func TestBuildViewOrdersAndRoles(t *testing.T) {
	events := []thread.Event{
		evt(1, thread.SystemPrompt{Content: "be brief"}),
		evt(2, thread.UserMessage{Content: "hi"}),
		evt(3, thread.AgentMessage{Content: "checking"}),
		evt(4, thread.ToolCall{CallID: "c1", Name: "read_file", Input: json.RawMessage(`{"path":"a.txt"}`)}),
		evt(5, thread.ApprovalRequest{CallID: "c1", Tool: "read_file"}),
		evt(6, thread.ApprovalResponse{CallID: "c1", Decision: thread.DecisionAllowOnce}),
		evt(7, thread.ToolResult{CallID: "c1", Content: "contents"}),
		evt(8, thread.AgentMessage{Content: "done"}),
	}
	msgs, err := buildView(events)
	if err != nil {
		t.Fatalf("buildView: %v", err)
	}
	wantRoles := []backend.Role{
		backend.RoleSystem,
		backend.RoleUser,
		backend.RoleAssistant,
		backend.RoleTool,
		backend.RoleAssistant,
	}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d: %+v", len(msgs), len(wantRoles), msgs)
	}
	for i, r := range wantRoles {
		if msgs[i].Role != r {
			t.Fatalf("message %d role = %q, want %q", i, msgs[i].Role, r)
		}
	}
	if msgs[0].Content != "be brief" {
		t.Fatalf("system content = %q", msgs[0].Content)
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].ID != "c1" {
		t.Fatalf("tool call not attached to assistant message: %+v", msgs[2])
	}
	if msgs[3].ToolCallID != "c1" || msgs[3].Content != "contents" {
		t.Fatalf("tool result message = %+v", msgs[3])
	}
}

func TestBuildViewLatestSystemPromptWins(t *testing.T) {
	events := []thread.Event{
		evt(1, thread.SystemPrompt{Content: "old"}),
		evt(2, thread.UserMessage{Content: "hi"}),
		evt(3, thread.SystemPrompt{Content: "new"}),
	}
	msgs, err := buildView(events)
	if err != nil {
		t.Fatalf("buildView: %v", err)
	}
	if msgs[0].Role != backend.RoleSystem || msgs[0].Content != "new" {
		t.Fatalf("leading system message = %+v", msgs[0])
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
}

func TestBuildViewLocalSystemAsMarkedUser(t *testing.T) {
	msgs, err := buildView([]thread.Event{
		evt(1, thread.LocalSystem{Content: "schedule fired", Source: "cron"}),
	})
	if err != nil {
		t.Fatalf("buildView: %v", err)
	}
	if msgs[0].Role != backend.RoleUser || msgs[0].Content != "[system] schedule fired" {
		t.Fatalf("local system message = %+v", msgs[0])
	}
}

func TestUnfinishedToolCalls(t *testing.T) {
	events := []thread.Event{
		evt(1, thread.ToolCall{CallID: "c1", Name: "echo"}),
		evt(2, thread.ToolCall{CallID: "c2", Name: "echo"}),
		evt(3, thread.ToolResult{CallID: "c1", Content: "ok"}),
	}
	calls := unfinishedToolCalls(events)
	if len(calls) != 1 || calls[0].CallID != "c2" {
		t.Fatalf("unfinished = %+v, want just c2", calls)
	}
}

func TestResolveAgainst(t *testing.T) {
	got := resolveAgainst("/work", "notes.txt")
	if got != filepath.Clean("/work/notes.txt") {
		t.Fatalf("relative resolve = %q", got)
	}
	if resolveAgainst("/work", "/etc/hosts") != "/etc/hosts" {
		t.Fatalf("absolute path must not be rebased")
	}
}
