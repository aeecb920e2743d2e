package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/relswap/internal/history"
	"github.com/loykin/relswap/internal/status"
)

func TestSQLiteSink_SendAndRecent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	base := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	steps := []status.Step{status.StepStarting, status.StepStopping, status.StepSwapped, status.StepError}
	for i, step := range steps {
		rec := status.Record{Version: "9.9.9", Step: step, UpdatedAt: base.Add(time.Duration(i) * time.Second)}
		if step == status.StepError {
			rec.Message = "Failed to start new server"
			rec.Error = "service failed to start"
		}
		if err := sink.Send(ctx, history.NewEvent(rec)); err != nil {
			t.Fatalf("Send(%s): %v", step, err)
		}
	}

	got, err := sink.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != history.EventFailed || got[0].Record.Error != "service failed to start" {
		t.Fatalf("unexpected newest event %+v", got[0])
	}
	if got[1].Record.Step != status.StepSwapped || got[1].Record.Message != "" {
		t.Fatalf("unexpected second event %+v", got[1])
	}
	if !got[0].OccurredAt.Equal(base.Add(3 * time.Second)) {
		t.Fatalf("occurred_at = %v", got[0].OccurredAt)
	}
}

func TestSQLiteSink_MemoryAndBareDSN(t *testing.T) {
	for _, dsn := range []string{":memory:", "sqlite://:memory:", filepath.Join(t.TempDir(), "bare.db")} {
		sink, err := New(dsn)
		if err != nil {
			t.Fatalf("New(%q): %v", dsn, err)
		}
		if err := sink.Send(context.Background(), history.NewEvent(status.Record{Version: "1", Step: status.StepDone})); err != nil {
			t.Fatalf("Send(%q): %v", dsn, err)
		}
		evs, err := sink.Recent(context.Background(), 0)
		if err != nil || len(evs) != 1 {
			t.Fatalf("Recent(%q) = %v, %v", dsn, evs, err)
		}
		_ = sink.Close()
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
