package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/agentd/internal/approval"
	"github.com/basket/agentd/internal/budget"
	"github.com/basket/agentd/internal/config"
	"github.com/basket/agentd/internal/thread"
)

// threadStatus is the JSON shape printed by `agentd status`.
type threadStatus struct {
	ThreadID         string       `json:"thread_id"`
	Events           int          `json:"events"`
	LastEventKind    string       `json:"last_event_kind,omitempty"`
	LastEventAt      *time.Time   `json:"last_event_at,omitempty"`
	PendingApprovals int          `json:"pending_approvals"`
	UnfinishedCalls  int          `json:"unfinished_tool_calls"`
	Budget           budget.Usage `json:"budget"`
}

// runStatus reports a thread's replayed state without touching the
// backend: event counts, pending approvals, and the token budget.
func runStatus(ctx context.Context, cfg config.Config, threadID string) int {
	store, err := thread.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		return 1
	}
	defer store.Close()

	events, err := store.Events(ctx, threadID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	tracker := budget.New(budget.Config{
		ContextLimit:     cfg.Budget.ContextLimit,
		WarningThreshold: cfg.Budget.WarningThreshold,
		ReserveTokens:    cfg.Budget.ReserveTokens,
	})
	resolved := make(map[string]bool)
	calls := 0
	for _, e := range events {
		switch p := e.Payload.(type) {
		case thread.AgentMessage:
			if p.Usage != nil {
				tracker.RecordUsage(p.Usage)
			} else {
				tracker.RecordEstimated(budget.EstimateTokens(p.Content))
			}
		case thread.ToolCall:
			calls++
		case thread.ToolResult:
			resolved[p.CallID] = true
		}
	}
	unfinished := 0
	for _, e := range events {
		if call, ok := e.Payload.(thread.ToolCall); ok && !resolved[call.CallID] {
			unfinished++
		}
	}

	pending, err := approval.New(store).Pending(ctx, threadID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	st := threadStatus{
		ThreadID:         threadID,
		Events:           len(events),
		PendingApprovals: len(pending),
		UnfinishedCalls:  unfinished,
		Budget:           tracker.Usage(),
	}
	if n := len(events); n > 0 {
		st.LastEventKind = string(events[n-1].EventKind())
		ts := events[n-1].Timestamp
		st.LastEventAt = &ts
	}

	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}

// runThreads lists every thread in the store.
func runThreads(ctx context.Context, cfg config.Config) int {
	store, err := thread.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		return 1
	}
	defer store.Close()

	ids, err := store.Threads(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "threads: %v\n", err)
		return 1
	}
	if len(ids) == 0 {
		fmt.Println("no threads")
		return 0
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return 0
}
