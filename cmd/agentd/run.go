package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/agentd/internal/agent"
	"github.com/basket/agentd/internal/approval"
	"github.com/basket/agentd/internal/backend"
	"github.com/basket/agentd/internal/budget"
	"github.com/basket/agentd/internal/bus"
	"github.com/basket/agentd/internal/config"
	otelpkg "github.com/basket/agentd/internal/otel"
	"github.com/basket/agentd/internal/policy"
	"github.com/basket/agentd/internal/queue"
	"github.com/basket/agentd/internal/sched"
	"github.com/basket/agentd/internal/thread"
	"github.com/basket/agentd/internal/tools"
)

// runtime bundles the wired collaborators for one agent process.
type runtime struct {
	store     *thread.Store
	agent     *agent.Agent
	handshake *approval.Handshake
	bus       *bus.Bus
}

func (r *runtime) close() {
	_ = r.store.Close()
}

func newBackendClient(cfg config.Config) (backend.Client, error) {
	key := cfg.APIKey()
	if key == "" {
		return nil, fmt.Errorf("no API key for provider %s; set %s or llm.api_key_env", cfg.LLM.Provider, strings.ToUpper(cfg.LLM.Provider)+"_API_KEY")
	}
	switch cfg.LLM.Provider {
	case "openai":
		return backend.NewOpenAIClient(backend.OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
	default:
		return backend.NewAnthropicClient(backend.AnthropicConfig{
			APIKey:  key,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
	}
}

func buildRuntime(cfg config.Config, logger *slog.Logger, threadID string) (*runtime, error) {
	client, err := newBackendClient(cfg)
	if err != nil {
		return nil, err
	}

	store, err := thread.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := tools.DefaultRegistry()
	handshake := approval.New(store)
	var gate tools.Gate = handshake
	if cfg.Approval == config.ApprovalAuto {
		gate = nil
	}
	executor := tools.NewExecutor(registry, tools.ExecutorConfig{
		Gate:    gate,
		Policy:  pol,
		WorkDir: cfg.WorkingDir,
	})

	systemPrompt := ""
	if data, err := os.ReadFile(cfg.SystemPromptPath); err == nil {
		systemPrompt = string(data)
	} else if !os.IsNotExist(err) {
		store.Close()
		return nil, fmt.Errorf("read system prompt: %w", err)
	}

	b := bus.New()
	ag, err := agent.New(store, client, registry, executor, agent.Config{
		ThreadID:     threadID,
		Model:        cfg.LLM.Model,
		SystemPrompt: systemPrompt,
		MaxTurns:     cfg.MaxTurns,
		MaxTokens:    cfg.MaxTokens,
		WorkDir:      cfg.WorkingDir,
		Budget: budget.Config{
			ContextLimit:     cfg.Budget.ContextLimit,
			WarningThreshold: cfg.Budget.WarningThreshold,
			ReserveTokens:    cfg.Budget.ReserveTokens,
		},
		Bus: b,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("runtime ready",
		"provider", client.ProviderName(),
		"model", cfg.LLM.Model,
		"thread_id", threadID,
		"approval", string(cfg.Approval),
	)
	return &runtime{store: store, agent: ag, handshake: handshake, bus: b}, nil
}

// watchLifecycle translates bus events into metric increments.
func watchLifecycle(ctx context.Context, b *bus.Bus, m *otelpkg.Metrics) {
	turns := b.Subscribe("turn.")
	toolsSub := b.Subscribe("tool.")
	defer b.Unsubscribe(turns)
	defer b.Unsubscribe(toolsSub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-turns.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicTurnCompleted:
				m.TurnsCompleted.Add(ctx, 1)
			case bus.TopicTurnFailed:
				m.TurnsFailed.Add(ctx, 1)
			}
		case ev, ok := <-toolsSub.Ch():
			if !ok {
				return
			}
			if te, okCast := ev.Payload.(bus.ToolEvent); okCast {
				m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
					attribute.String("tool", te.Tool),
					attribute.String("status", te.Status),
				))
			}
		}
	}
}

func startScheduler(ctx context.Context, cfg config.Config, logger *slog.Logger, q *queue.Queue) (*sched.Scheduler, error) {
	if len(cfg.Schedules) == 0 {
		return nil, nil
	}
	schedules := make([]sched.Schedule, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		prio := queue.PriorityNormal
		if sc.Priority == "high" {
			prio = queue.PriorityHigh
		}
		schedules = append(schedules, sched.Schedule{
			Name:     sc.Name,
			Expr:     sc.Cron,
			Message:  sc.Message,
			Priority: prio,
		})
	}
	s, err := sched.NewScheduler(sched.Config{
		Queue:     q,
		Schedules: schedules,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	s.Start(ctx)
	return s, nil
}

func runRun(ctx context.Context, cfg config.Config, logger *slog.Logger, threadID string, interactive bool) int {
	provider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	metrics, err := otelpkg.NewMetrics(provider.Meter)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}

	rt, err := buildRuntime(cfg, logger, threadID)
	if err != nil {
		logger.Error("runtime build failed", "error", err)
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		return 1
	}
	defer rt.close()

	go watchLifecycle(ctx, rt.bus, metrics)

	scheduler, err := startScheduler(ctx, cfg, logger, rt.agent.Queue())
	if err != nil {
		logger.Error("scheduler start failed", "error", err)
		return 1
	}
	if scheduler != nil {
		defer scheduler.Stop()
	}

	watcher := agent.NewPromptWatcher(cfg.SystemPromptPath, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("prompt watcher unavailable", "error", err)
	} else {
		go func() {
			for content := range watcher.Events() {
				if err := rt.agent.ReloadPrompt(ctx, content); err != nil {
					logger.Error("prompt reload failed", "error", err)
					continue
				}
				logger.Info("system prompt reloaded", "path", cfg.SystemPromptPath)
			}
		}()
	}

	rt.agent.Start(ctx)
	defer rt.agent.Stop()

	// Recover any turn the previous process left mid-dispatch.
	if out, err := rt.agent.Resume(ctx); err != nil {
		logger.Error("startup resume failed", "error", err)
	} else if out.WaitingApproval {
		fmt.Printf("turn is waiting on approvals: %s\n", strings.Join(out.PendingCalls, ", "))
	}

	if !interactive {
		<-ctx.Done()
		return 0
	}
	return runREPL(ctx, rt)
}

func runREPL(ctx context.Context, rt *runtime) int {
	fmt.Println("agentd ready. Type a message, or /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return 0
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch line {
		case "/quit", "/exit":
			return 0
		case "/status":
			printOutcomeUsage(rt.agent.BudgetUsage())
			st := rt.agent.Queue().Stats()
			fmt.Printf("queue: %d waiting (%d high priority), oldest %s\n",
				st.QueueLength, st.HighPriorityCount, st.OldestMessageAge.Round(time.Second))
			continue
		}

		out, err := rt.agent.SendMessage(ctx, line)
		if err != nil {
			if errors.Is(err, agent.ErrStopped) || ctx.Err() != nil {
				return 0
			}
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
			continue
		}
		printOutcome(out)
	}
}

func printOutcome(out agent.TurnOutcome) {
	switch {
	case out.Queued:
		fmt.Println("(queued; a turn is already running)")
	case out.WaitingApproval:
		fmt.Printf("waiting for approval: %s\nUse `agentd approve -call <id> -decision allow_once|allow_session|deny`, then `agentd resume`.\n",
			strings.Join(out.PendingCalls, ", "))
	default:
		fmt.Println(out.Reply)
	}
	if out.Usage.NearLimit {
		fmt.Printf("(context %.0f%% used; consider summarizing this thread)\n", out.Usage.PercentUsed)
	}
}

func printOutcomeUsage(u budget.Usage) {
	fmt.Printf("tokens: %d total (%d prompt, %d completion), %.1f%% of %d\n",
		u.TotalTokens, u.TotalPromptTokens, u.TotalCompletionTokens, u.PercentUsed, u.ContextLimit)
}

func runSend(ctx context.Context, cfg config.Config, logger *slog.Logger, threadID, message string) int {
	rt, err := buildRuntime(cfg, logger, threadID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		return 1
	}
	defer rt.close()

	out, err := rt.agent.SendMessage(ctx, message)
	if err != nil {
		fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
		return 1
	}
	printOutcome(out)
	return 0
}

func runResume(ctx context.Context, cfg config.Config, logger *slog.Logger, threadID string) int {
	rt, err := buildRuntime(cfg, logger, threadID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		return 1
	}
	defer rt.close()

	out, err := rt.agent.Resume(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resume failed: %v\n", err)
		return 1
	}
	printOutcome(out)
	return 0
}
