package thread

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "agentd-v1-2026-08-event-log"
)

// ErrStorageUnavailable wraps every failure of the underlying SQLite
// store. Callers treat it as fatal: an event is either durably appended
// or not appended at all, and no component may continue on a store it
// cannot read.
var ErrStorageUnavailable = errors.New("thread storage unavailable")

// ErrThreadNotFound is returned by read operations on threads that were
// never created.
var ErrThreadNotFound = errors.New("thread not found")

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// Store is the append-only event log. A single SQLite connection with
// WAL journaling and synchronous=FULL gives durable, ordered appends;
// the single-writer-per-thread discipline is enforced above by the
// turn controller.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.agentd/agentd.db, falling back to the
// working directory when the home directory is unknown.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentd", "agentd.db")
}

// Open opens (creating if needed) the event log at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageErr("create db directory", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storageErr("open sqlite3", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return storageErr(fmt.Sprintf("set pragma %q", q), err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin migration tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return storageErr("create schema_migrations", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return storageErr("read migration max version", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("%w: db schema version %d is newer than supported %d", ErrStorageUnavailable, maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return storageErr("read schema checksum", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("%w: schema checksum mismatch for version %d: got %q want %q", ErrStorageUnavailable, schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	// The events table is append-only: no UPDATE or DELETE statement for
	// it exists anywhere in this package except the administrative
	// PurgeThread, which removes a whole thread.
	statements := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL REFERENCES threads(id),
			kind TEXT NOT NULL CHECK(kind IN (
				'user_message', 'agent_message', 'tool_call', 'tool_result',
				'approval_request', 'approval_response', 'system_prompt', 'local_system'
			)),
			data TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_thread_seq ON events(thread_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_events_thread_kind ON events(thread_id, kind, seq);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storageErr("exec migration", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return storageErr("insert schema ledger", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit migration tx", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with
// exponential backoff and bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// GenerateThreadID returns a fresh thread identifier.
func (s *Store) GenerateThreadID() string {
	return uuid.NewString()
}

// CreateThread ensures the thread row exists. Idempotent.
func (s *Store) CreateThread(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("empty thread id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, created_at)
		VALUES (?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO NOTHING;
	`, id)
	if err != nil {
		return storageErr("insert thread", err)
	}
	return nil
}

// ThreadExists reports whether the thread row is present.
func (s *Store) ThreadExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?;`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("query thread", err)
	}
	return true, nil
}

// Threads lists all thread ids in creation order.
func (s *Store) Threads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM threads ORDER BY created_at, id;`)
	if err != nil {
		return nil, storageErr("list threads", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan thread id", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("thread rows", err)
	}
	return out, nil
}

// PurgeThread removes a thread and its events. This is the only delete
// path in the store and exists for explicit administrative cleanup.
func (s *Store) PurgeThread(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return storageErr("begin purge tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE thread_id = ?;`, id); err != nil {
			return storageErr("purge events", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?;`, id); err != nil {
			return storageErr("purge thread", err)
		}
		return tx.Commit()
	})
}

// AppendEvent durably appends one event and returns it with its
// assigned sequence number. The insert runs in a transaction: the event
// is either fully appended or not appended at all.
func (s *Store) AppendEvent(ctx context.Context, threadID string, payload Payload) (Event, error) {
	if payload == nil {
		return Event{}, fmt.Errorf("nil event payload")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", payload.Kind(), err)
	}

	event := Event{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Payload:  payload,
	}
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return storageErr("begin append tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO threads (id, created_at)
			VALUES (?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO NOTHING;
		`, threadID); err != nil {
			return storageErr("ensure thread", err)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, thread_id, kind, data, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, event.ID, threadID, string(payload.Kind()), string(data), now)
		if err != nil {
			return storageErr("insert event", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return storageErr("event seq", err)
		}
		event.Seq = seq
		event.Timestamp = now
		return tx.Commit()
	})
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			event Event
			kind  string
			data  string
		)
		if err := rows.Scan(&event.Seq, &event.ID, &event.ThreadID, &kind, &data, &event.Timestamp); err != nil {
			return nil, storageErr("scan event", err)
		}
		payload, err := decodePayload(Kind(kind), []byte(data))
		if err != nil {
			return nil, err
		}
		event.Payload = payload
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("event rows", err)
	}
	return out, nil
}

// Events returns the thread's full event sequence in strict append
// order.
func (s *Store) Events(ctx context.Context, threadID string) ([]Event, error) {
	exists, err := s.ThreadExists(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, thread_id, kind, data, created_at
		FROM events
		WHERE thread_id = ?
		ORDER BY seq ASC;
	`, threadID)
	if err != nil {
		return nil, storageErr("query events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsSince returns events with seq greater than afterSeq, in append
// order. Used by observers tailing a thread.
func (s *Store) EventsSince(ctx context.Context, threadID string, afterSeq int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, thread_id, kind, data, created_at
		FROM events
		WHERE thread_id = ? AND seq > ?
		ORDER BY seq ASC;
	`, threadID, afterSeq)
	if err != nil {
		return nil, storageErr("query events since", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// FindEvent returns the most recent event matching pred, or nil when no
// event matches.
func (s *Store) FindEvent(ctx context.Context, threadID string, pred func(Event) bool) (*Event, error) {
	events, err := s.Events(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if pred(events[i]) {
			e := events[i]
			return &e, nil
		}
	}
	return nil, nil
}

// FindToolCall returns the tool_call event payload for callID, or nil.
func (s *Store) FindToolCall(ctx context.Context, threadID, callID string) (*ToolCall, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM events
		WHERE thread_id = ? AND kind = ? AND json_extract(data, '$.call_id') = ?
		ORDER BY seq DESC LIMIT 1;
	`, threadID, string(KindToolCall), callID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("query tool call", err)
	}
	var call ToolCall
	if err := json.Unmarshal([]byte(data), &call); err != nil {
		return nil, fmt.Errorf("decode tool_call payload: %w", err)
	}
	return &call, nil
}

// ApprovalRequestExists reports whether an approval_request event was
// already appended for callID.
func (s *Store) ApprovalRequestExists(ctx context.Context, threadID, callID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM events
		WHERE thread_id = ? AND kind = ? AND json_extract(data, '$.call_id') = ?
		LIMIT 1;
	`, threadID, string(KindApprovalRequest), callID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("query approval request", err)
	}
	return true, nil
}

// FindApprovalResponse returns the recorded decision for callID, or nil
// when no response event exists yet.
func (s *Store) FindApprovalResponse(ctx context.Context, threadID, callID string) (*ApprovalResponse, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM events
		WHERE thread_id = ? AND kind = ? AND json_extract(data, '$.call_id') = ?
		ORDER BY seq ASC LIMIT 1;
	`, threadID, string(KindApprovalResponse), callID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("query approval response", err)
	}
	var resp ApprovalResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, fmt.Errorf("decode approval_response payload: %w", err)
	}
	return &resp, nil
}

// ToolResultExists reports whether a tool_result event was appended for
// callID. Used by turn recovery to find calls still awaiting dispatch.
func (s *Store) ToolResultExists(ctx context.Context, threadID, callID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM events
		WHERE thread_id = ? AND kind = ? AND json_extract(data, '$.call_id') = ?
		LIMIT 1;
	`, threadID, string(KindToolResult), callID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("query tool result", err)
	}
	return true, nil
}
