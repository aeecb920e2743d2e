// Package status reads and writes the updater's progress record
// (.updates/status.json).
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrOutOfOrder is returned by Writer when a step would move the progression
// backwards or past a terminal step.
var ErrOutOfOrder = errors.New("status step out of order")

// Step is a point in the updater's progression.
type Step string

const (
	StepIdle           Step = "idle"
	StepStarting       Step = "starting"
	StepStopping       Step = "stopping"
	StepStopped        Step = "stopped"
	StepSwapping       Step = "swapping"
	StepSwapped        Step = "swapped"
	StepStartingServer Step = "starting-server"
	StepDone           Step = "done"
	StepError          Step = "error"
)

var order = map[Step]int{
	StepStarting:       1,
	StepStopping:       2,
	StepStopped:        3,
	StepSwapping:       4,
	StepSwapped:        5,
	StepStartingServer: 6,
	StepDone:           7,
}

// Terminal reports whether no further transition follows s for the attempt.
func (s Step) Terminal() bool { return s == StepDone || s == StepError }

// CanAdvance reports whether moving from s to next keeps the progression
// monotonic. Error is reachable from any non-terminal step.
func (s Step) CanAdvance(next Step) bool {
	if s.Terminal() {
		return false
	}
	if next == StepError {
		return true
	}
	if s == "" || s == StepIdle {
		return next == StepStarting
	}
	return order[next] > order[s]
}

// Record is the persisted progress of the in-flight or last update.
type Record struct {
	Version   string    `json:"version"`
	Step      Step      `json:"step"`
	UpdatedAt time.Time `json:"updatedAt"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Write stores rec at path atomically (temp file + rename).
func Write(path string, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o640); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Read loads the record at path. A missing file yields an idle record.
func Read(path string) (Record, error) {
	// #nosec G304
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{Step: StepIdle}, nil
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return rec, nil
}

// Writer records the progression of a single update attempt. Steps only move
// forward; once done or error is written the record is final.
type Writer struct {
	Path    string
	Version string
	Now     func() time.Time
	// OnWrite, when set, observes every record after it is stored.
	OnWrite func(Record)

	last Step
}

// Set writes a step with an optional message.
func (w *Writer) Set(step Step, message string) error {
	return w.write(Record{Version: w.Version, Step: step, Message: message})
}

// Fail writes the error step.
func (w *Writer) Fail(message string, cause error) error {
	rec := Record{Version: w.Version, Step: StepError, Message: message}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return w.write(rec)
}

// Last returns the last step written.
func (w *Writer) Last() Step { return w.last }

func (w *Writer) write(rec Record) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if !w.last.CanAdvance(rec.Step) {
		return fmt.Errorf("%w: %s -> %s", ErrOutOfOrder, w.last, rec.Step)
	}
	rec.UpdatedAt = now().UTC()
	if err := Write(w.Path, rec); err != nil {
		return err
	}
	w.last = rec.Step
	if w.OnWrite != nil {
		w.OnWrite(rec)
	}
	return nil
}
