package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/basket/agentd/internal/approval"
	"github.com/basket/agentd/internal/config"
	"github.com/basket/agentd/internal/thread"
)

// runApprove records a decision for a pending tool call. It only needs
// the store; the agent process (or `agentd resume`) picks the decision
// up from the log.
func runApprove(ctx context.Context, cfg config.Config, threadID string, args []string) int {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	callID := fs.String("call", "", "tool call id to decide")
	decision := fs.String("decision", "", "allow_once, allow_session, or deny")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *callID == "" || *decision == "" {
		fmt.Fprintln(os.Stderr, "approve: -call and -decision are required")
		return 2
	}

	store, err := thread.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		return 1
	}
	defer store.Close()

	handshake := approval.New(store)
	recorded, err := handshake.Respond(ctx, threadID, *callID, thread.Decision(*decision))
	switch {
	case errors.Is(err, approval.ErrDecisionExists):
		fmt.Printf("call %s was already decided: %s\n", *callID, recorded)
		return 0
	case errors.Is(err, approval.ErrUnknownCall):
		fmt.Fprintf(os.Stderr, "approve: no tool call %s in thread %s\n", *callID, threadID)
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "approve: %v\n", err)
		return 1
	}

	fmt.Printf("recorded %s for call %s\n", recorded, *callID)
	if recorded.Allows() {
		fmt.Println("run `agentd resume` to continue the turn")
	}
	return 0
}

// runPending lists approval requests that have no recorded decision.
func runPending(ctx context.Context, cfg config.Config, threadID string) int {
	store, err := thread.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		return 1
	}
	defer store.Close()

	pending, err := approval.New(store).Pending(ctx, threadID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pending: %v\n", err)
		return 1
	}
	if len(pending) == 0 {
		fmt.Println("no pending approvals")
		return 0
	}
	for _, p := range pending {
		fmt.Printf("%s\t%s\n", p.CallID, p.Tool)
	}
	return 0
}
