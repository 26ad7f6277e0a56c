// Package audit records the append-only trail of every cross-tenant decision
// and transfer step. The bridge only needs Recorder; where entries end up
// (process log, PostgreSQL, memory) is chosen at startup.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// Entry is one audit record.
type Entry struct {
	ID        uuid.UUID              `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Target    string                 `json:"target"`
	Outcome   string                 `json:"outcome"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// RecorderFunc is a function adapter for Recorder.
type RecorderFunc func(ctx context.Context, entry Entry) error

func (f RecorderFunc) Record(ctx context.Context, entry Entry) error {
	return f(ctx, entry)
}

func prepare(entry *Entry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
}

// emitTimeout bounds one Emit call independently of the caller's deadline.
const emitTimeout = 5 * time.Second

// Emit records entry and logs, rather than returns, a recording failure.
// Audit sink problems never change the outcome of the audited operation.
// The write is detached from ctx cancellation, so an entry for a step that
// already ran is still stored when the request deadline has passed.
func Emit(ctx context.Context, r Recorder, logger zerolog.Logger, entry Entry) {
	if r == nil {
		return
	}
	prepare(&entry)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	if err := r.Record(ctx, entry); err != nil {
		logger.Error().Err(err).
			Str("action", entry.Action).
			Str("target", entry.Target).
			Msg("audit record failed")
	}
}

// -- Log recorder --

// LogRecorder writes entries as structured log lines.
type LogRecorder struct {
	logger zerolog.Logger
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With().Str("component", "audit").Logger()}
}

func (l *LogRecorder) Record(_ context.Context, entry Entry) error {
	prepare(&entry)
	evt := l.logger.Info()
	if entry.Outcome != OutcomeSuccess {
		evt = l.logger.Warn()
	}
	evt.
		Str("audit_id", entry.ID.String()).
		Time("audit_time", entry.Timestamp).
		Str("actor", entry.Actor).
		Str("action", entry.Action).
		Str("target", entry.Target).
		Str("outcome", entry.Outcome).
		Interface("details", entry.Details).
		Msg("audit")
	return nil
}

// -- PostgreSQL recorder --

// PGRecorder writes entries to the bridge_audit_log table.
type PGRecorder struct {
	pool *pgxpool.Pool
}

// NewPGRecorder creates a recorder backed by the given connection pool.
func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS bridge_audit_log (
    id          UUID PRIMARY KEY,
    recorded_at TIMESTAMPTZ NOT NULL,
    actor       TEXT NOT NULL,
    action      TEXT NOT NULL,
    target      TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    details     JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_bridge_audit_action ON bridge_audit_log(action);
CREATE INDEX IF NOT EXISTS idx_bridge_audit_recorded ON bridge_audit_log(recorded_at)`

// EnsureSchema creates the audit table and indexes if they do not exist.
func (p *PGRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("audit: create schema: %w", err)
	}
	return nil
}

func (p *PGRecorder) Record(ctx context.Context, entry Entry) error {
	prepare(&entry)

	const query = `
		INSERT INTO bridge_audit_log (id, recorded_at, actor, action, target, outcome, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := p.pool.Exec(ctx, query,
		entry.ID, entry.Timestamp, entry.Actor, entry.Action, entry.Target, entry.Outcome, entry.Details,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// -- Memory recorder --

// MemoryRecorder keeps entries in process, newest last.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) Record(_ context.Context, entry Entry) error {
	prepare(&entry)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a copy of the recorded entries.
func (m *MemoryRecorder) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ByAction returns the entries whose action equals action.
func (m *MemoryRecorder) ByAction(action string) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// -- Fan-out --

// Multi records to every recorder and returns the first error.
func Multi(recorders ...Recorder) Recorder {
	return RecorderFunc(func(ctx context.Context, entry Entry) error {
		prepare(&entry)
		var first error
		for _, r := range recorders {
			if err := r.Record(ctx, entry); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}
