// Package statuswatch follows .updates/status.json and forwards every new
// record to the history sinks. The updater runs in another process, so the
// file is the only way the server learns how an update went.
package statuswatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/relswap/internal/history"
	"github.com/loykin/relswap/internal/metrics"
	"github.com/loykin/relswap/internal/status"
)

// Watcher emits one history event per distinct (step, updatedAt) record.
type Watcher struct {
	StatusPath string
	Sink       history.Sink
	Logger     *slog.Logger
	// Records last updated before Since only seed deduplication. A zero
	// Since emits whatever is on disk at start.
	Since time.Time

	mu      sync.Mutex
	lastKey string
}

func (w *Watcher) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run watches until ctx is done. The status file is replaced by rename, so
// the parent directory is watched rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.StatusPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statuswatch: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("statuswatch: %w", err)
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("statuswatch: watch %s: %w", dir, err)
	}

	w.seed(ctx)

	name := filepath.Base(w.StatusPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.Check(ctx)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger().Warn("status watcher error", "err", err)
		}
	}
}

func (w *Watcher) seed(ctx context.Context) {
	rec, err := status.Read(w.StatusPath)
	if err != nil || rec.Step == status.StepIdle {
		return
	}
	if !w.Since.IsZero() && rec.UpdatedAt.Before(w.Since) {
		w.mu.Lock()
		w.lastKey = key(rec)
		w.mu.Unlock()
		return
	}
	w.Check(ctx)
}

// Check reads the status file and emits it when it differs from the last
// emitted record. It reports whether an event was emitted.
func (w *Watcher) Check(ctx context.Context) bool {
	rec, err := status.Read(w.StatusPath)
	if err != nil {
		// A reader can race the rename; the next event retries.
		w.logger().Debug("status read failed", "path", w.StatusPath, "err", err)
		return false
	}
	if rec.Step == status.StepIdle {
		return false
	}

	k := key(rec)
	w.mu.Lock()
	if k == w.lastKey {
		w.mu.Unlock()
		return false
	}
	w.lastKey = k
	w.mu.Unlock()

	metrics.IncStep(string(rec.Step))
	w.logger().Info("update progress", "version", rec.Version, "step", rec.Step, "message", rec.Message, "error", rec.Error)
	if w.Sink != nil {
		if err := w.Sink.Send(ctx, history.NewEvent(rec)); err != nil && !errors.Is(err, context.Canceled) {
			w.logger().Warn("history send failed", "err", err)
		}
	}
	return true
}

func key(rec status.Record) string {
	return string(rec.Step) + "|" + rec.UpdatedAt.UTC().Format(time.RFC3339Nano)
}
