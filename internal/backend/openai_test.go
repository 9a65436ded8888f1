package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newOpenAITestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "gpt-4o-mini",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestOpenAIClient_CreateResponse(t *testing.T) {
	var captured openAIRequest
	c := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role":    "assistant",
					"content": "hello back",
				},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     12,
				"completion_tokens": 3,
				"total_tokens":      15,
			},
		})
	})

	resp, err := c.CreateResponse(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "hello"},
		},
		Tools: []ToolDef{{Name: "read_file", InputSchema: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("create response: %v", err)
	}
	if resp.Content != "hello back" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.StopReason != StopEndTurn {
		t.Fatalf("expected end_turn, got %s", resp.StopReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if captured.Model != "gpt-4o-mini" {
		t.Fatalf("expected default model in request, got %q", captured.Model)
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Function.Name != "read_file" {
		t.Fatalf("tool catalog not forwarded: %+v", captured.Tools)
	}
}

func TestOpenAIClient_ToolCallsAndMissingUsage(t *testing.T) {
	c := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "run_command",
							"arguments": `{"command":"ls"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
		})
	})

	resp, err := c.CreateResponse(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "list files"}},
	})
	if err != nil {
		t.Fatalf("create response: %v", err)
	}
	if resp.StopReason != StopToolUse {
		t.Fatalf("expected tool_use, got %s", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "run_command" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Usage != nil {
		t.Fatalf("absent usage must stay nil, got %+v", resp.Usage)
	}
}

func TestOpenAIClient_APIErrorWrapsErrBackend(t *testing.T) {
	c := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	})

	_, err := c.CreateResponse(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
}

func TestToOpenAIMessages_ToolResultRoundTrip(t *testing.T) {
	msgs := toOpenAIMessages([]Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "read_file", Input: json.RawMessage(`{"path":"x"}`)}}},
		{Role: RoleTool, ToolCallID: "c1", Content: "contents"},
	})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 wire messages, got %d", len(msgs))
	}
	if msgs[0].ToolCalls[0].Function.Arguments != `{"path":"x"}` {
		t.Fatalf("arguments lost: %+v", msgs[0].ToolCalls)
	}
	if msgs[1].ToolCallID != "c1" {
		t.Fatalf("tool call id lost: %+v", msgs[1])
	}
}
