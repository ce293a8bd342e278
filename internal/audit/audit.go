// Package audit records administrative changes to policies in Postgres.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/policybot/core/logger"
)

// Actions recorded by the bot.
const (
	ActionCreate  = "policy.create"
	ActionEdit    = "policy.edit"
	ActionPayment = "policy.payment"
	ActionService = "policy.service"
	ActionDelete  = "policy.delete"
	ActionRestore = "policy.restore"
	ActionExport  = "policy.export"
	ActionContact = "policy.contact"
)

// Entry is one audit record.
type Entry struct {
	ID      uuid.UUID `db:"id"`
	At      time.Time `db:"at"`
	UserID  int64     `db:"user_id"`
	ChatID  int64     `db:"chat_id"`
	Action  string    `db:"action"`
	Target  string    `db:"target"`
	Details string    `db:"details"`
}

// Recorder stores audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) (Entry, error)
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

func (e *Entry) fill(now time.Time) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = now
	}
}

// Store is the Postgres Recorder.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore wraps db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Record inserts e, assigning an id and timestamp when missing.
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	e.fill(s.now().UTC())
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO audit_log (id, at, user_id, chat_id, action, target, details)
		 VALUES (:id, :at, :user_id, :chat_id, :action, :target, :details)`, e)
	if err != nil {
		logger.Error(ctx, "audit", "record",
			slog.String("status", "fail"),
			slog.String("action", e.Action),
			slog.String("err", err.Error()),
		)
		return e, fmt.Errorf("audit: insert %s: %w", e.Action, err)
	}
	logger.Debug(ctx, "audit", "record",
		slog.String("audit_id", e.ID.String()),
		slog.String("action", e.Action),
		slog.String("policy", e.Target),
	)
	return e, nil
}

// Recent returns the newest entries first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Entry
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, at, user_id, chat_id, action, target, details
		 FROM audit_log ORDER BY at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	return out, nil
}

// Memory keeps entries in process. It backs the bot when Postgres is not
// configured, so audit views still work for the current run.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	now     func() time.Time
}

// NewMemory keeps at most capacity entries; zero means 500.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 500
	}
	return &Memory{max: capacity, now: time.Now}
}

// Record appends e, dropping the oldest entry past the cap.
func (m *Memory) Record(_ context.Context, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.fill(m.now().UTC())
	m.entries = append(m.entries, e)
	if len(m.entries) > m.max {
		m.entries = m.entries[len(m.entries)-m.max:]
	}
	return e, nil
}

// Recent returns the newest entries first.
func (m *Memory) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}
