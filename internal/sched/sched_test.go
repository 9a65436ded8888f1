package sched

import (
	"testing"
	"time"

	"github.com/basket/agentd/internal/queue"
)

func TestNewSchedulerRejectsBadExpression(t *testing.T) {
	_, err := NewScheduler(Config{
		Queue:     queue.New(),
		Schedules: []Schedule{{Name: "bad", Expr: "not a cron"}},
	})
	if err == nil {
		t.Fatal("bad cron expression must fail construction")
	}
}

func TestTickFiresDueSchedule(t *testing.T) {
	q := queue.New()
	clock := time.Date(2026, 8, 28, 8, 59, 30, 0, time.UTC)
	now := func() time.Time { return clock }

	s, err := NewScheduler(Config{
		Queue: q,
		Schedules: []Schedule{
			{Name: "standup", Expr: "0 9 * * *", Message: "post the standup", Priority: queue.PriorityHigh},
		},
		Now: now,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	// Before 09:00 nothing fires.
	s.Tick()
	if _, ok := q.DequeueNext(); ok {
		t.Fatal("schedule fired early")
	}

	clock = clock.Add(time.Minute)
	s.Tick()
	m, ok := q.DequeueNext()
	if !ok {
		t.Fatal("due schedule did not fire")
	}
	if m.Kind != queue.KindSystem || m.Content != "post the standup" {
		t.Fatalf("message = %+v", m)
	}
	if m.Metadata.Priority != queue.PriorityHigh || m.Metadata.Source != "schedule:standup" {
		t.Fatalf("metadata = %+v", m.Metadata)
	}

	// Same minute again: next run has advanced, no duplicate.
	s.Tick()
	if _, ok := q.DequeueNext(); ok {
		t.Fatal("schedule fired twice in one window")
	}
}

func TestTickAdvancesToNextDay(t *testing.T) {
	q := queue.New()
	clock := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	s, err := NewScheduler(Config{
		Queue:     q,
		Schedules: []Schedule{{Name: "daily", Expr: "0 9 * * *", Message: "tick"}},
		Now:       now,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	// Construction computes next run strictly after 09:00, so the
	// first fire is tomorrow.
	clock = clock.Add(time.Minute)
	s.Tick()
	if _, ok := q.DequeueNext(); ok {
		t.Fatal("fired before the next run time")
	}

	clock = clock.Add(24 * time.Hour)
	s.Tick()
	if _, ok := q.DequeueNext(); !ok {
		t.Fatal("did not fire the next day")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)
	next, err := NextRunTime("*/15 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 8, 28, 10, 45, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
