// Package queue holds pending agent inputs with priority and arrival
// order. The turn controller is the sole consumer; it dequeues one
// message at a time after the previous turn reaches idle.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies where a message came from.
type Kind string

const (
	KindUser             Kind = "user"              // interactive user text
	KindSystem           Kind = "system"            // schedules, watchers, notifications
	KindTaskNotification Kind = "task_notification" // inter-agent task notices
)

// Priority orders messages across kinds.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// Metadata carries routing context for a message.
type Metadata struct {
	TaskID    string
	FromAgent string
	Priority  Priority
	Source    string
}

// Message is one pending input for the turn controller. ID and
// Timestamp are assigned on enqueue.
type Message struct {
	ID        string
	Kind      Kind
	Content   string
	Timestamp time.Time
	Metadata  Metadata
}

// Stats is a point-in-time view of queue pressure.
type Stats struct {
	QueueLength       int           `json:"queue_length"`
	OldestMessageAge  time.Duration `json:"oldest_message_age"`
	HighPriorityCount int           `json:"high_priority_count"`
}

// Queue serves high-priority messages first and is FIFO within equal
// priority. Safe for concurrent producers.
type Queue struct {
	mu     sync.Mutex
	high   []Message
	normal []Message
	wakeup chan struct{}

	now func() time.Time // test hook
}

func New() *Queue {
	return &Queue{
		wakeup: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Enqueue adds a message and signals the consumer. Never blocks: the
// wakeup channel carries at most one pending signal.
func (q *Queue) Enqueue(m Message) {
	q.mu.Lock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Timestamp = q.now()
	if m.Metadata.Priority >= PriorityHigh {
		q.high = append(q.high, m)
	} else {
		q.normal = append(q.normal, m)
	}
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// DequeueNext returns the next message, or ok=false when the queue is
// empty. It never blocks; use Wakeup to wait for arrivals.
func (q *Queue) DequeueNext() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.high) > 0 {
		m := q.high[0]
		q.high = q.high[1:]
		return m, true
	}
	if len(q.normal) > 0 {
		m := q.normal[0]
		q.normal = q.normal[1:]
		return m, true
	}
	return Message{}, false
}

// Wakeup returns a channel that receives a signal after each Enqueue.
// Multiple enqueues may coalesce into one signal, so consumers must
// drain with DequeueNext until empty.
func (q *Queue) Wakeup() <-chan struct{} {
	return q.wakeup
}

// Stats reports current depth and the age of the oldest message.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		QueueLength:       len(q.high) + len(q.normal),
		HighPriorityCount: len(q.high),
	}
	oldest := time.Time{}
	for _, m := range q.high {
		if oldest.IsZero() || m.Timestamp.Before(oldest) {
			oldest = m.Timestamp
		}
	}
	for _, m := range q.normal {
		if oldest.IsZero() || m.Timestamp.Before(oldest) {
			oldest = m.Timestamp
		}
	}
	if !oldest.IsZero() {
		s.OldestMessageAge = q.now().Sub(oldest)
	}
	return s
}
