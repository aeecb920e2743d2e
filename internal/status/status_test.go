package status

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadMissingIsIdle(t *testing.T) {
	rec, err := Read(filepath.Join(t.TempDir(), "status.json"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Step != StepIdle {
		t.Fatalf("step = %q, want idle", rec.Step)
	}
}

func TestWriterProgression(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".updates", "status.json")
	fixed := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	var seen []Step
	w := &Writer{Path: path, Version: "9.9.9", Now: func() time.Time { return fixed }, OnWrite: func(r Record) {
		seen = append(seen, r.Step)
	}}

	if err := w.Set(StepStarting, "Updater started"); err != nil {
		t.Fatal(err)
	}
	if err := w.Fail("Swap failed", errors.New("rename: access denied")); err != nil {
		t.Fatal(err)
	}
	rec, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Step != StepError || rec.Version != "9.9.9" || rec.Error != "rename: access denied" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.UpdatedAt.Equal(fixed) {
		t.Fatalf("updatedAt = %v", rec.UpdatedAt)
	}
	if len(seen) != 2 || w.Last() != StepError {
		t.Fatalf("observer saw %v", seen)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}

func TestReadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestCanAdvance(t *testing.T) {
	cases := []struct {
		from, to Step
		ok       bool
	}{
		{StepIdle, StepStarting, true},
		{StepStarting, StepStopping, true},
		{StepStopping, StepStarting, false},
		{StepSwapped, StepStartingServer, true},
		{StepSwapping, StepError, true},
		{StepError, StepStarting, false},
		{StepDone, StepError, false},
		{StepIdle, StepDone, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanAdvance(tc.to); got != tc.ok {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestWriterErrorIsFinal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	w := &Writer{Path: path, Version: "9.9.9"}

	if err := w.Set(StepStarting, "Updater started"); err != nil {
		t.Fatal(err)
	}
	if err := w.Fail("Updater interrupted", errors.New("received terminated")); err != nil {
		t.Fatal(err)
	}
	if err := w.Set(StepDone, "Update complete"); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("Set after error = %v, want ErrOutOfOrder", err)
	}
	if err := w.Set(StepSwapping, "Swapping folders"); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("Set after error = %v, want ErrOutOfOrder", err)
	}

	rec, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Step != StepError || w.Last() != StepError {
		t.Fatalf("step = %q (last %q), want error", rec.Step, w.Last())
	}
}

func TestWriterRejectsBackwardStep(t *testing.T) {
	w := &Writer{Path: filepath.Join(t.TempDir(), "status.json")}
	for _, s := range []Step{StepStarting, StepStopping, StepStopped} {
		if err := w.Set(s, ""); err != nil {
			t.Fatalf("Set(%s): %v", s, err)
		}
	}
	if err := w.Set(StepStopping, ""); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("Set(stopping) after stopped = %v", err)
	}
	if w.Last() != StepStopped {
		t.Fatalf("last = %q", w.Last())
	}
}
