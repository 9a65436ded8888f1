// Package sched feeds recurring inputs to the agent: each configured
// schedule enqueues a system message when its cron expression comes
// due. Messages ride the normal queue, so a busy turn defers them
// instead of interrupting it.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentd/internal/queue"
)

// cronParser parses standard 5-field cron expressions (minute, hour,
// dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule is one recurring input.
type Schedule struct {
	Name     string
	Expr     string
	Message  string
	Priority queue.Priority
}

// Config holds the scheduler's dependencies.
type Config struct {
	Queue     *queue.Queue
	Schedules []Schedule
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute
	Now       func() time.Time
}

type entry struct {
	sched Schedule
	next  time.Time
}

// Scheduler ticks at a fixed interval and enqueues every schedule
// whose next run time has passed.
type Scheduler struct {
	queue    *queue.Queue
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every cron expression up front; a bad
// expression is a config error, not a runtime surprise.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Scheduler{
		queue:    cfg.Queue,
		logger:   logger,
		interval: interval,
		now:      now,
	}
	start := now()
	for _, sc := range cfg.Schedules {
		next, err := NextRunTime(sc.Expr, start)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: parse %q: %w", sc.Name, sc.Expr, err)
		}
		s.entries = append(s.entries, &entry{sched: sc, next: next})
	}
	return s, nil
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "schedules", len(s.entries), "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick fires every due schedule once and advances its next run time.
// Exported so tests can drive the clock directly.
func (s *Scheduler) Tick() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		s.queue.Enqueue(queue.Message{
			Kind:    queue.KindSystem,
			Content: e.sched.Message,
			Metadata: queue.Metadata{
				Priority: e.sched.Priority,
				Source:   "schedule:" + e.sched.Name,
			},
		})
		next, err := NextRunTime(e.sched.Expr, now)
		if err != nil {
			// Validated at construction; a failure here means the
			// expression state is corrupt. Disable the entry.
			s.logger.Error("schedule disabled", "name", e.sched.Name, "error", err)
			e.next = now.Add(100 * 365 * 24 * time.Hour)
			continue
		}
		e.next = next
		s.logger.Info("schedule fired", "name", e.sched.Name, "next_run_at", next)
	}
}

// NextRunTime returns the first run time strictly after the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
