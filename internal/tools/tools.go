// Package tools holds the callable tool registry and the executor
// that gates every call through an approval decision before running it.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/agentd/internal/audit"
	"github.com/basket/agentd/internal/backend"
	"github.com/basket/agentd/internal/policy"
	"github.com/basket/agentd/internal/thread"
)

// ErrToolNotFound reports a lookup miss in the registry.
var ErrToolNotFound = errors.New("tool not found")

// ToolContext carries per-agent execution context into a tool.
// Relative paths are resolved against WorkDir, never the ambient
// process directory.
type ToolContext struct {
	ThreadID string
	WorkDir  string
	Policy   policy.Checker
}

// Result is what a tool produced. Execution failures are results with
// IsError set, not Go errors; a failing tool must never crash a turn.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ErrorResult formats a failure as a tool result.
func ErrorResult(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Tool is one callable capability offered to the model backend.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input json.RawMessage, tc ToolContext) Result
}

// Registry holds tools by name and renders the backend tool catalog.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Catalog renders the registered tools as backend tool definitions,
// sorted by name for a stable prompt.
func (r *Registry) Catalog() []backend.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]backend.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, backend.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Gate resolves the approval decision for a tool call. A pending
// decision (second return true) means no human has answered yet.
type Gate interface {
	RequestApproval(ctx context.Context, threadID, callID, toolName string) (thread.Decision, bool, error)
}

// Status classifies the outcome of a dispatch.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusDenied    Status = "denied"
	StatusPending   Status = "pending"
)

// Outcome is the distinct result variant for a dispatched tool call.
// Pending is a status, never an error: the caller parks the turn and
// retries once a decision lands in the log.
type Outcome struct {
	Status   Status
	Result   Result
	Decision thread.Decision
}

// ExecutorConfig wires the executor's collaborators. A nil Gate runs
// every call without approval.
type ExecutorConfig struct {
	Gate    Gate
	Policy  policy.Checker
	WorkDir string
}

// Executor drives tool calls through lookup, schema validation, the
// approval gate, and panic-safe execution.
type Executor struct {
	registry *Registry
	gate     Gate
	policy   policy.Checker
	workDir  string
	schemas  *schemaCache

	mu             sync.Mutex
	sessionAllowed map[string]bool // tool name -> allow_session granted
}

func NewExecutor(registry *Registry, cfg ExecutorConfig) *Executor {
	return &Executor{
		registry:       registry,
		gate:           cfg.Gate,
		policy:         cfg.Policy,
		workDir:        cfg.WorkDir,
		schemas:        newSchemaCache(),
		sessionAllowed: make(map[string]bool),
	}
}

// SeedSession replays approval events and restores allow_session
// grants, so a restarted process remembers session-wide approvals.
func (e *Executor) SeedSession(events []thread.Event) {
	toolByCall := make(map[string]string)
	for _, ev := range events {
		switch p := ev.Payload.(type) {
		case thread.ApprovalRequest:
			toolByCall[p.CallID] = p.Tool
		case thread.ApprovalResponse:
			if p.Decision == thread.DecisionAllowSession {
				if tool, ok := toolByCall[p.CallID]; ok {
					e.mu.Lock()
					e.sessionAllowed[tool] = true
					e.mu.Unlock()
				}
			}
		}
	}
}

// ExecuteTool dispatches one tool call. Only gate or storage failures
// surface as errors; everything the tool itself does wrong becomes an
// error Result inside a completed Outcome.
func (e *Executor) ExecuteTool(ctx context.Context, threadID string, call thread.ToolCall) (Outcome, error) {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return Outcome{
			Status: StatusCompleted,
			Result: ErrorResult("%v: %s", ErrToolNotFound, call.Name),
		}, nil
	}

	if err := e.schemas.validate(tool, call.Input); err != nil {
		return Outcome{
			Status: StatusCompleted,
			Result: ErrorResult("invalid input for %s: %v", call.Name, err),
		}, nil
	}

	decision, err := e.resolveDecision(ctx, threadID, call)
	if err != nil {
		return Outcome{}, err
	}
	switch {
	case decision == "":
		return Outcome{Status: StatusPending}, nil
	case decision == thread.DecisionDeny:
		audit.Record("deny", "approval", "user_denied", e.policyVersion(), call.Name)
		return Outcome{
			Status:   StatusDenied,
			Decision: decision,
			Result:   ErrorResult("tool call %s denied by user", call.Name),
		}, nil
	case decision == thread.DecisionAllowSession:
		e.mu.Lock()
		e.sessionAllowed[call.Name] = true
		e.mu.Unlock()
	}

	result := e.run(ctx, threadID, tool, call)
	return Outcome{Status: StatusCompleted, Decision: decision, Result: result}, nil
}

// resolveDecision returns the effective decision for a call, or empty
// when the call is pending. Session grants and policy auto-approval
// bypass the gate.
func (e *Executor) resolveDecision(ctx context.Context, threadID string, call thread.ToolCall) (thread.Decision, error) {
	if e.gate == nil {
		return thread.DecisionAllowOnce, nil
	}
	e.mu.Lock()
	allowed := e.sessionAllowed[call.Name]
	e.mu.Unlock()
	if allowed {
		return thread.DecisionAllowSession, nil
	}
	if e.policy != nil && e.policy.AutoApproved(call.Name) {
		audit.Record("allow", "approval", "policy_auto_approve", e.policyVersion(), call.Name)
		return thread.DecisionAllowOnce, nil
	}

	decision, pending, err := e.gate.RequestApproval(ctx, threadID, call.CallID, call.Name)
	if err != nil {
		return "", fmt.Errorf("request approval for %s: %w", call.Name, err)
	}
	if pending {
		return "", nil
	}
	return decision, nil
}

// run executes the tool with panic recovery.
func (e *Executor) run(ctx context.Context, threadID string, tool Tool, call thread.ToolCall) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", tool.Name(), "panic", fmt.Sprint(r))
			result = ErrorResult("tool %s panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Execute(ctx, call.Input, ToolContext{
		ThreadID: threadID,
		WorkDir:  e.workDir,
		Policy:   e.policy,
	})
}

func (e *Executor) policyVersion() string {
	if e.policy != nil {
		return e.policy.PolicyVersion()
	}
	return ""
}
