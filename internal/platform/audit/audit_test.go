package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestMemoryRecorder_AssignsIDAndTimestamp(t *testing.T) {
	rec := NewMemoryRecorder()
	if err := rec.Record(context.Background(), Entry{Actor: "A", Action: "access.grant", Target: "B", Outcome: OutcomeSuccess}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries := rec.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID == uuid.Nil {
		t.Error("expected generated id")
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestMemoryRecorder_ByAction(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()
	rec.Record(ctx, Entry{Action: "access.check"})
	rec.Record(ctx, Entry{Action: "access.grant"})
	rec.Record(ctx, Entry{Action: "access.check"})

	if got := len(rec.ByAction("access.check")); got != 2 {
		t.Errorf("expected 2 check entries, got %d", got)
	}
}

func TestLogRecorder_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	rec := NewLogRecorder(zerolog.New(&buf))

	err := rec.Record(context.Background(), Entry{
		Actor:   "A",
		Action:  "transfer.completed",
		Target:  "B",
		Outcome: OutcomeSuccess,
		Details: map[string]interface{}{"transfer_id": "t-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["action"] != "transfer.completed" || line["component"] != "audit" {
		t.Errorf("unexpected log line: %v", line)
	}
	if line["level"] != "info" {
		t.Errorf("expected info level for success, got %v", line["level"])
	}
}

func TestEmit_SwallowsRecorderError(t *testing.T) {
	var buf bytes.Buffer
	failing := RecorderFunc(func(context.Context, Entry) error { return errors.New("sink down") })

	Emit(context.Background(), failing, zerolog.New(&buf), Entry{Action: "access.check"})

	if !bytes.Contains(buf.Bytes(), []byte("audit record failed")) {
		t.Errorf("expected failure to be logged, got %q", buf.String())
	}
}

func TestEmit_RecordsAfterCallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sawErr error
	var hasDeadline bool
	rec := RecorderFunc(func(ctx context.Context, _ Entry) error {
		sawErr = ctx.Err()
		_, hasDeadline = ctx.Deadline()
		return nil
	})
	Emit(ctx, rec, zerolog.Nop(), Entry{Action: "transfer.source_marking"})

	if sawErr != nil {
		t.Errorf("recorder saw a cancelled context: %v", sawErr)
	}
	if !hasDeadline {
		t.Error("expected the detached context to carry its own deadline")
	}
}

func TestEmit_NilRecorder(t *testing.T) {
	Emit(context.Background(), nil, zerolog.Nop(), Entry{Action: "noop"})
}

func TestMulti_RecordsToAll(t *testing.T) {
	a, b := NewMemoryRecorder(), NewMemoryRecorder()
	failing := RecorderFunc(func(context.Context, Entry) error { return errors.New("boom") })

	err := Multi(a, failing, b).Record(context.Background(), Entry{Action: "sync.run"})
	if err == nil {
		t.Error("expected first error to be returned")
	}
	if len(a.Entries()) != 1 || len(b.Entries()) != 1 {
		t.Error("expected every recorder to receive the entry")
	}
	if a.Entries()[0].ID != b.Entries()[0].ID {
		t.Error("expected the same entry id across recorders")
	}
}
