// Package approval turns the blocking "may I run this tool" question
// into a durable pair of thread events, so a decision can arrive from
// another process or after a restart.
package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/agentd/internal/thread"
)

// ErrUnknownCall reports an approval request for a call id with no
// originating tool_call event in the thread.
var ErrUnknownCall = errors.New("no tool call recorded for call id")

// ErrDecisionExists reports a Respond against a call id that already
// has a recorded decision. The recorded decision is returned with it.
var ErrDecisionExists = errors.New("decision already recorded")

// ErrInvalidDecision reports a decision outside the closed set.
var ErrInvalidDecision = errors.New("invalid decision")

// PendingRequest is an approval_request still awaiting its response.
type PendingRequest struct {
	CallID string
	Tool   string
}

// Handshake implements the approval protocol over the thread store.
// All state lives in the event log; Handshake itself is stateless and
// safe for concurrent use.
type Handshake struct {
	store *thread.Store
}

func New(store *thread.Store) *Handshake {
	return &Handshake{store: store}
}

// RequestApproval resolves the decision for a tool call. If a response
// event already exists its decision is returned. If only the request
// exists the call stays pending without a duplicate prompt. Otherwise
// the originating tool_call event is verified and a single
// approval_request event is appended; the call is pending until
// Respond records a decision.
func (h *Handshake) RequestApproval(ctx context.Context, threadID, callID, toolName string) (thread.Decision, bool, error) {
	resp, err := h.store.FindApprovalResponse(ctx, threadID, callID)
	if err != nil {
		return "", false, fmt.Errorf("look up approval response: %w", err)
	}
	if resp != nil {
		return resp.Decision, false, nil
	}

	exists, err := h.store.ApprovalRequestExists(ctx, threadID, callID)
	if err != nil {
		return "", false, fmt.Errorf("look up approval request: %w", err)
	}
	if exists {
		return "", true, nil
	}

	call, err := h.store.FindToolCall(ctx, threadID, callID)
	if err != nil {
		return "", false, fmt.Errorf("look up tool call: %w", err)
	}
	if call == nil {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}

	if _, err := h.store.AppendEvent(ctx, threadID, thread.ApprovalRequest{
		CallID: callID,
		Tool:   toolName,
	}); err != nil {
		return "", false, fmt.Errorf("append approval request: %w", err)
	}
	return "", true, nil
}

// Respond records a decision for a pending call. The first recorded
// decision is permanent: a later Respond returns it unchanged wrapped
// in ErrDecisionExists, and never appends a second response event.
func (h *Handshake) Respond(ctx context.Context, threadID, callID string, decision thread.Decision) (thread.Decision, error) {
	if !decision.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	existing, err := h.store.FindApprovalResponse(ctx, threadID, callID)
	if err != nil {
		return "", fmt.Errorf("look up approval response: %w", err)
	}
	if existing != nil {
		return existing.Decision, ErrDecisionExists
	}

	call, err := h.store.FindToolCall(ctx, threadID, callID)
	if err != nil {
		return "", fmt.Errorf("look up tool call: %w", err)
	}
	if call == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}

	if _, err := h.store.AppendEvent(ctx, threadID, thread.ApprovalResponse{
		CallID:   callID,
		Decision: decision,
	}); err != nil {
		return "", fmt.Errorf("append approval response: %w", err)
	}
	return decision, nil
}

// Pending lists approval requests in the thread that have no recorded
// response yet, in request order.
func (h *Handshake) Pending(ctx context.Context, threadID string) ([]PendingRequest, error) {
	events, err := h.store.Events(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	answered := make(map[string]bool)
	for _, e := range events {
		if resp, ok := e.Payload.(thread.ApprovalResponse); ok {
			answered[resp.CallID] = true
		}
	}

	var pending []PendingRequest
	for _, e := range events {
		req, ok := e.Payload.(thread.ApprovalRequest)
		if !ok || answered[req.CallID] {
			continue
		}
		pending = append(pending, PendingRequest{CallID: req.CallID, Tool: req.Tool})
	}
	return pending, nil
}
