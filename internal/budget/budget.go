// Package budget tracks cumulative token usage per thread and derives
// context-pressure warnings from it.
package budget

import (
	"sync"

	"github.com/basket/agentd/internal/thread"
)

// DefaultContextLimit is used when no per-model limit is configured.
const DefaultContextLimit = 128_000

// DefaultWarningThreshold marks the fraction of the context window at
// which usage is reported as near the limit.
const DefaultWarningThreshold = 0.8

// DefaultReserveTokens is headroom kept free for the system prompt,
// tool schemas, and the response itself. Roughly 4K system + 2K tools
// + 4K response.
const DefaultReserveTokens = 10_000

// Recommendation is the suggested mitigation for current usage.
type Recommendation string

const (
	RecommendNone      Recommendation = "none"
	RecommendSummarize Recommendation = "summarize"
	RecommendPrune     Recommendation = "prune"
)

// pruneThreshold is the utilization fraction above which summarizing is
// no longer enough and old events should be pruned from the view.
const pruneThreshold = 0.95

// Usage is a snapshot of cumulative consumption against the limit.
// EstimatedTokens accounts for messages whose backend reported no
// usage; they count toward pressure but never toward the exact totals.
// PercentUsed is measured against the usable window, the context limit
// minus the reserve.
type Usage struct {
	TotalPromptTokens     int     `json:"total_prompt_tokens"`
	TotalCompletionTokens int     `json:"total_completion_tokens"`
	TotalTokens           int     `json:"total_tokens"`
	EstimatedTokens       int     `json:"estimated_tokens,omitempty"`
	ContextLimit          int     `json:"context_limit"`
	ReserveTokens         int     `json:"reserve_tokens,omitempty"`
	PercentUsed           float64 `json:"percent_used"`
	NearLimit             bool    `json:"near_limit"`
}

// usableLimit is the window actually available for conversation.
func (u Usage) usableLimit() int {
	usable := u.ContextLimit - u.ReserveTokens
	if usable <= 0 {
		usable = u.ContextLimit
	}
	return usable
}

// Config controls limits for a Tracker. Zero values fall back to
// defaults, so an unconfigured tracker still reports sane numbers.
// A negative ReserveTokens disables the reserve explicitly.
type Config struct {
	ContextLimit     int
	ReserveTokens    int
	WarningThreshold float64
}

// Tracker accumulates usage reported by the model backend. Counters
// only ever grow; a restart rebuilds them by replaying agent_message
// events through RecordUsage.
type Tracker struct {
	mu               sync.Mutex
	cfg              Config
	promptTokens     int
	completionTokens int
	totalTokens      int
	estimatedTokens  int
}

func New(cfg Config) *Tracker {
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = DefaultContextLimit
	}
	switch {
	case cfg.ReserveTokens == 0:
		cfg.ReserveTokens = DefaultReserveTokens
	case cfg.ReserveTokens < 0:
		cfg.ReserveTokens = 0
	}
	if cfg.WarningThreshold <= 0 || cfg.WarningThreshold > 1 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	return &Tracker{cfg: cfg}
}

// RecordUsage adds a backend-reported usage sample. Nil samples are
// ignored so callers can pass AgentMessage.Usage straight through.
func (t *Tracker) RecordUsage(u *thread.TokenUsage) {
	if u == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.promptTokens += u.PromptTokens
	t.completionTokens += u.CompletionTokens
	if u.TotalTokens > 0 {
		t.totalTokens += u.TotalTokens
	} else {
		t.totalTokens += u.PromptTokens + u.CompletionTokens
	}
}

// RecordEstimated adds a locally estimated token count for a message
// the backend reported no usage for. Estimates drive the pressure
// numbers only; the exact counters stay exact.
func (t *Tracker) RecordEstimated(tokens int) {
	if tokens <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.estimatedTokens += tokens
}

// Usage returns the current cumulative snapshot.
func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := Usage{
		TotalPromptTokens:     t.promptTokens,
		TotalCompletionTokens: t.completionTokens,
		TotalTokens:           t.totalTokens,
		EstimatedTokens:       t.estimatedTokens,
		ContextLimit:          t.cfg.ContextLimit,
		ReserveTokens:         t.cfg.ReserveTokens,
	}
	u.PercentUsed = float64(t.totalTokens+t.estimatedTokens) / float64(u.usableLimit()) * 100
	u.NearLimit = u.PercentUsed >= t.cfg.WarningThreshold*100
	return u
}

// Recommend derives the mitigation for a usage snapshot. Pure function
// of its input so callers can evaluate hypothetical usage too.
func Recommend(u Usage) Recommendation {
	if u.ContextLimit <= 0 {
		return RecommendNone
	}
	fraction := float64(u.TotalTokens+u.EstimatedTokens) / float64(u.usableLimit())
	switch {
	case fraction >= pruneThreshold:
		return RecommendPrune
	case u.NearLimit:
		return RecommendSummarize
	default:
		return RecommendNone
	}
}
