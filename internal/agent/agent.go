// Package agent drives the turn loop: it feeds the event log to the
// backend, dispatches tool calls through the approval gate, tracks the
// token budget, and serializes turns per thread. Every state
// transition is an appended event; the in-memory state is always
// reconstructible by replay.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentd/internal/backend"
	"github.com/basket/agentd/internal/budget"
	"github.com/basket/agentd/internal/bus"
	"github.com/basket/agentd/internal/queue"
	"github.com/basket/agentd/internal/shared"
	"github.com/basket/agentd/internal/thread"
	"github.com/basket/agentd/internal/tools"
)

// State is the turn controller's current phase.
type State string

const (
	StateIdle            State = "idle"
	StateRunning         State = "running"
	StateToolDispatch    State = "tool_dispatch"
	StateWaitingApproval State = "waiting_approval"
	StateStopped         State = "stopped"
)

// DefaultMaxTurns bounds backend round trips within one logical turn.
const DefaultMaxTurns = 20

// ErrStopped is returned when input arrives after Stop.
var ErrStopped = errors.New("agent stopped")

// Config carries per-agent settings.
type Config struct {
	ThreadID     string
	Model        string
	SystemPrompt string
	MaxTurns     int // backend calls per turn, DefaultMaxTurns when 0
	MaxTokens    int // response cap passed to the backend, 0 for backend default
	WorkDir      string
	Budget       budget.Config
	Bus          *bus.Bus // optional; nil disables lifecycle notifications
}

// TurnOutcome reports what one SendMessage or Resume produced.
type TurnOutcome struct {
	Queued          bool     // message deferred; no turn ran
	Reply           string   // latest agent message content
	WaitingApproval bool     // turn parked on unanswered approvals
	PendingCalls    []string // call ids awaiting a decision
	Usage           budget.Usage
}

// Agent owns one thread's turn loop.
type Agent struct {
	store    *thread.Store
	client   backend.Client
	registry *tools.Registry
	executor *tools.Executor
	cfg      Config
	queue    *queue.Queue
	budget   *budget.Tracker
	bus      *bus.Bus
	tracer   trace.Tracer

	// turnMu serializes turns; held for the full duration of one turn.
	turnMu sync.Mutex

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	stopped bool

	done chan struct{}
}

// New builds an agent over an open store. The thread is created if
// absent and the system prompt is installed as the first event. A
// store failure here is fatal: the agent never runs without its log.
func New(store *thread.Store, client backend.Client, registry *tools.Registry, executor *tools.Executor, cfg Config) (*Agent, error) {
	if store == nil || client == nil || registry == nil || executor == nil {
		return nil, errors.New("agent: store, client, registry and executor are required")
	}
	if cfg.ThreadID == "" {
		return nil, errors.New("agent: thread id is required")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}

	ctx := context.Background()
	if err := store.CreateThread(ctx, cfg.ThreadID); err != nil {
		return nil, fmt.Errorf("agent: create thread: %w", err)
	}
	events, err := store.Events(ctx, cfg.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("agent: load thread: %w", err)
	}

	hasPrompt := false
	for _, e := range events {
		if _, ok := e.Payload.(thread.SystemPrompt); ok {
			hasPrompt = true
			break
		}
	}
	if !hasPrompt && cfg.SystemPrompt != "" {
		if _, err := store.AppendEvent(ctx, cfg.ThreadID, thread.SystemPrompt{Content: cfg.SystemPrompt}); err != nil {
			return nil, fmt.Errorf("agent: install system prompt: %w", err)
		}
	}

	tracker := budget.New(cfg.Budget)
	for _, e := range events {
		if am, ok := e.Payload.(thread.AgentMessage); ok {
			if am.Usage != nil {
				tracker.RecordUsage(am.Usage)
			} else {
				tracker.RecordEstimated(budget.EstimateTokens(am.Content))
			}
		}
	}
	executor.SeedSession(events)

	return &Agent{
		store:    store,
		client:   client,
		registry: registry,
		executor: executor,
		cfg:      cfg,
		queue:    queue.New(),
		budget:   tracker,
		bus:      cfg.Bus,
		tracer:   otel.Tracer("agentd/agent"),
		state:    StateIdle,
		done:     make(chan struct{}),
	}, nil
}

// ThreadID returns the thread this agent owns.
func (a *Agent) ThreadID() string { return a.cfg.ThreadID }

// Queue exposes the input queue for producers (scheduler, peers).
func (a *Agent) Queue() *queue.Queue { return a.queue }

// State returns the controller's current phase.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// BudgetUsage reports cumulative token consumption for the thread.
func (a *Agent) BudgetUsage() budget.Usage { return a.budget.Usage() }

// Start runs the background drain loop: messages enqueued while the
// agent is idle (schedules, peer notifications) are processed without
// an interactive caller. Cancel ctx or call Stop to end the loop.
func (a *Agent) Start(ctx context.Context) {
	go func() {
		defer close(a.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.queue.Wakeup():
				if a.isStopped() {
					return
				}
				a.turnMu.Lock()
				a.processQueued(ctx)
				a.turnMu.Unlock()
			}
		}
	}()
}

// Done reports when the drain loop has exited.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Stop cancels any in-flight backend or tool call and rejects further
// input. The event log keeps the turn resumable by a later process.
func (a *Agent) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.state = StateStopped
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Agent) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// waitingApproval reports whether the thread is parked on unanswered
// approvals. While parked, the latest assistant message carries a tool
// call with no result, so no new backend call may start; input arriving
// in this state is queued until Resume clears the pending calls.
func (a *Agent) waitingApproval() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateWaitingApproval
}

// SendMessage submits user input. While a turn is active the message
// is queued and Queued is set; no second turn starts concurrently.
func (a *Agent) SendMessage(ctx context.Context, content string) (TurnOutcome, error) {
	if a.isStopped() {
		return TurnOutcome{}, ErrStopped
	}
	if !a.turnMu.TryLock() {
		a.queue.Enqueue(queue.Message{
			Kind:     queue.KindUser,
			Content:  content,
			Metadata: queue.Metadata{Source: "user"},
		})
		return TurnOutcome{Queued: true}, nil
	}
	// The park state survives the turn releasing turnMu, so it must be
	// checked after the lock is held.
	if a.waitingApproval() {
		a.turnMu.Unlock()
		a.queue.Enqueue(queue.Message{
			Kind:     queue.KindUser,
			Content:  content,
			Metadata: queue.Metadata{Source: "user"},
		})
		return TurnOutcome{Queued: true}, nil
	}
	defer a.turnMu.Unlock()

	if _, err := a.store.AppendEvent(ctx, a.cfg.ThreadID, thread.UserMessage{Content: content, Source: "user"}); err != nil {
		return TurnOutcome{}, err
	}
	out, err := a.runTurn(ctx)
	if err != nil {
		return out, err
	}
	if !out.WaitingApproval {
		a.processQueued(ctx)
	}
	return out, nil
}

// Resume re-enters a turn interrupted mid-dispatch: tool_call events
// without a tool_result are re-dispatched, then the backend call loop
// continues. Safe to run in a fresh process over the same database.
func (a *Agent) Resume(ctx context.Context) (TurnOutcome, error) {
	if a.isStopped() {
		return TurnOutcome{}, ErrStopped
	}
	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	events, err := a.store.Events(ctx, a.cfg.ThreadID)
	if err != nil {
		return TurnOutcome{}, err
	}
	calls := unfinishedToolCalls(events)
	if len(calls) == 0 {
		// Nothing in flight; leave the park state and serve whatever
		// queued up while the thread was suspended.
		a.setState(StateIdle)
		a.processQueued(ctx)
		return TurnOutcome{Reply: lastReply(events), Usage: a.budget.Usage()}, nil
	}

	pending, err := a.dispatchCalls(ctx, calls)
	if err != nil {
		return TurnOutcome{}, err
	}
	if len(pending) > 0 {
		a.setState(StateWaitingApproval)
		a.publishTurn(bus.TopicTurnWaitingApproval, StateWaitingApproval, "")
		return TurnOutcome{WaitingApproval: true, PendingCalls: pending, Usage: a.budget.Usage()}, nil
	}
	out, err := a.runTurn(ctx)
	if err != nil {
		return out, err
	}
	if !out.WaitingApproval {
		a.processQueued(ctx)
	}
	return out, nil
}

// processQueued drains the queue one message per turn. Caller holds
// turnMu. A failed turn stops the drain; the remaining messages stay
// queued for the next wakeup.
func (a *Agent) processQueued(ctx context.Context) {
	for {
		if a.isStopped() || ctx.Err() != nil || a.waitingApproval() {
			return
		}
		m, ok := a.queue.DequeueNext()
		if !ok {
			return
		}
		var payload thread.Payload
		switch m.Kind {
		case queue.KindUser:
			payload = thread.UserMessage{Content: m.Content, Source: m.Metadata.Source}
		case queue.KindTaskNotification:
			payload = thread.LocalSystem{Content: m.Content, Source: "agent:" + m.Metadata.FromAgent}
		default:
			payload = thread.LocalSystem{Content: m.Content, Source: m.Metadata.Source}
		}
		if _, err := a.store.AppendEvent(ctx, a.cfg.ThreadID, payload); err != nil {
			slog.Error("queued message append failed", "thread_id", a.cfg.ThreadID, "error", err)
			return
		}
		out, err := a.runTurn(ctx)
		if err != nil {
			slog.Error("queued turn failed", "thread_id", a.cfg.ThreadID, "message_id", m.ID, "error", err)
			return
		}
		if out.WaitingApproval {
			return
		}
	}
}

// runTurn executes the backend call loop until the backend stops
// requesting tools, an approval parks the turn, or MaxTurns is hit.
// Caller holds turnMu and has already appended the triggering input.
func (a *Agent) runTurn(ctx context.Context) (TurnOutcome, error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := a.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("thread.id", a.cfg.ThreadID),
		attribute.String("model", a.cfg.Model),
	))
	defer span.End()

	a.setState(StateRunning)
	a.publishTurn(bus.TopicTurnStarted, StateRunning, "")

	var out TurnOutcome
	for turn := 0; turn < a.cfg.MaxTurns; turn++ {
		if a.isStopped() {
			return out, a.failTurn(span, ErrStopped)
		}
		events, err := a.store.Events(ctx, a.cfg.ThreadID)
		if err != nil {
			return out, a.failTurn(span, err)
		}
		msgs, err := buildView(events)
		if err != nil {
			return out, a.failTurn(span, err)
		}

		resp, err := a.callBackend(ctx, msgs)
		if err != nil {
			return out, a.failTurn(span, err)
		}

		// Usage is recorded exactly as reported; a backend that says
		// nothing stores nil, never zeros.
		var usage *thread.TokenUsage
		if resp.Usage != nil {
			usage = &thread.TokenUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if _, err := a.store.AppendEvent(ctx, a.cfg.ThreadID, thread.AgentMessage{Content: resp.Content, Usage: usage}); err != nil {
			return out, a.failTurn(span, err)
		}
		if usage != nil {
			a.budget.RecordUsage(usage)
		} else {
			// Keep pressure honest when the backend omits usage: the
			// estimate feeds PercentUsed but never the exact totals.
			a.budget.RecordEstimated(budget.EstimateTokens(resp.Content))
		}
		out.Reply = resp.Content
		out.Usage = a.budget.Usage()

		if len(resp.ToolCalls) == 0 {
			break
		}

		// Calls are logged in backend order before any execution, so a
		// crash between log and dispatch is recoverable by Resume.
		calls := make([]thread.ToolCall, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			call := thread.ToolCall{CallID: tc.ID, Name: tc.Name, Input: tc.Input}
			if _, err := a.store.AppendEvent(ctx, a.cfg.ThreadID, call); err != nil {
				return out, a.failTurn(span, err)
			}
			calls = append(calls, call)
		}

		a.setState(StateToolDispatch)
		pending, err := a.dispatchCalls(ctx, calls)
		if err != nil {
			return out, a.failTurn(span, err)
		}
		if len(pending) > 0 {
			a.setState(StateWaitingApproval)
			a.publishTurn(bus.TopicTurnWaitingApproval, StateWaitingApproval, "")
			out.WaitingApproval = true
			out.PendingCalls = pending
			return out, nil
		}
		a.setState(StateRunning)

		if turn == a.cfg.MaxTurns-1 {
			note := fmt.Sprintf("turn limit reached after %d backend calls", a.cfg.MaxTurns)
			if _, err := a.store.AppendEvent(ctx, a.cfg.ThreadID, thread.LocalSystem{Content: note, Source: "engine"}); err != nil {
				return out, a.failTurn(span, err)
			}
			slog.Warn("turn limit reached", "thread_id", a.cfg.ThreadID, "max_turns", a.cfg.MaxTurns)
		}
	}

	a.setState(StateIdle)
	a.publishTurn(bus.TopicTurnCompleted, StateIdle, "")
	slog.Info("turn completed",
		"thread_id", a.cfg.ThreadID,
		"trace_id", shared.TraceID(ctx),
		"tokens_total", out.Usage.TotalTokens,
	)
	return out, nil
}

// callBackend performs one backend round trip under a cancellable
// context so Stop can interrupt it.
func (a *Agent) callBackend(ctx context.Context, msgs []backend.Message) (*backend.Response, error) {
	callCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
	}()

	ctx, span := a.tracer.Start(callCtx, "backend.create_response", trace.WithAttributes(
		attribute.String("provider", a.client.ProviderName()),
		attribute.String("model", a.cfg.Model),
		attribute.Int("messages", len(msgs)),
	))
	defer span.End()

	resp, err := a.client.CreateResponse(ctx, backend.Request{
		Model:     a.cfg.Model,
		Messages:  msgs,
		Tools:     a.registry.Catalog(),
		MaxTokens: a.cfg.MaxTokens,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

// dispatchCalls executes tool calls in log order, appending a
// tool_result per completed or denied call. Pending calls produce no
// result event; their ids are returned for the caller to park on.
// Only gate or storage failures are errors.
func (a *Agent) dispatchCalls(ctx context.Context, calls []thread.ToolCall) ([]string, error) {
	var pending []string
	for _, call := range calls {
		done, err := a.store.ToolResultExists(ctx, a.cfg.ThreadID, call.CallID)
		if err != nil {
			return nil, err
		}
		if done {
			continue
		}

		toolCtx, span := a.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.CallID),
		))
		out, err := a.executor.ExecuteTool(toolCtx, a.cfg.ThreadID, call)
		span.End()
		if err != nil {
			return nil, err
		}
		a.publishTool(call, string(out.Status))

		if out.Status == tools.StatusPending {
			pending = append(pending, call.CallID)
			continue
		}
		res := thread.ToolResult{CallID: call.CallID, Content: out.Result.Content, IsError: out.Result.IsError}
		if _, err := a.store.AppendEvent(ctx, a.cfg.ThreadID, res); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// FileWasRead reports whether the agent has successfully read the
// given file in this thread. Relative paths resolve against the
// configured working directory, never the process directory.
func (a *Agent) FileWasRead(ctx context.Context, path string) (bool, error) {
	target := resolveAgainst(a.cfg.WorkDir, path)
	events, err := a.store.Events(ctx, a.cfg.ThreadID)
	if err != nil {
		return false, err
	}
	succeeded := make(map[string]bool)
	for _, e := range events {
		if res, ok := e.Payload.(thread.ToolResult); ok && !res.IsError {
			succeeded[res.CallID] = true
		}
	}
	for _, e := range events {
		call, ok := e.Payload.(thread.ToolCall)
		if !ok || call.Name != "read_file" || !succeeded[call.CallID] {
			continue
		}
		var input struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(call.Input, &input); err != nil {
			continue
		}
		if resolveAgainst(a.cfg.WorkDir, input.Path) == target {
			return true, nil
		}
	}
	return false, nil
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	if !a.stopped {
		a.state = s
	}
	a.mu.Unlock()
}

func (a *Agent) failTurn(span trace.Span, err error) error {
	span.SetStatus(codes.Error, err.Error())
	a.setState(StateIdle)
	a.publishTurn(bus.TopicTurnFailed, StateIdle, err.Error())
	return err
}

func (a *Agent) publishTurn(topic string, state State, errStr string) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(topic, bus.TurnEvent{ThreadID: a.cfg.ThreadID, State: string(state), Error: errStr})
}

func (a *Agent) publishTool(call thread.ToolCall, status string) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(bus.TopicToolDispatched, bus.ToolEvent{
		ThreadID: a.cfg.ThreadID,
		CallID:   call.CallID,
		Tool:     call.Name,
		Status:   status,
	})
}
