package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriterDefaults(t *testing.T) {
	if w := (FileConfig{}).Writer(); w != nil {
		t.Fatalf("expected nil writer without a path")
	}
	w := FileConfig{Path: "x"}.Writer()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
}

func TestFileWriterOverrides(t *testing.T) {
	w := FileConfig{Path: "x2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.Writer()
	l := w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestNewFileLoggerWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "updater.log")
	log, closer, err := Config{Level: "debug", File: FileConfig{Path: path}}.New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("swap", "step", "swapping")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &rec); err != nil {
		t.Fatalf("not json: %q", b)
	}
	if rec["msg"] != "swap" || rec["step"] != "swapping" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestNewConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := Config{Level: "warn"}.New(&buf)
	if err != nil || closer != nil {
		t.Fatalf("New: %v %v", err, closer)
	}
	log.Info("hidden")
	log.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error")
	}
	if l, _ := ParseLevel("WARNING"); l != slog.LevelWarn {
		t.Fatalf("level = %v", l)
	}
}

func TestColorHandlerKeepsColorOnDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, nil, false)).With("component", "updater")
	log.Error("boom")
	out := buf.String()
	if !strings.Contains(out, "[31mERROR") {
		t.Fatalf("missing color: %q", out)
	}
	if !strings.Contains(out, "component=updater") {
		t.Fatalf("missing attr: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be hidden: %q", out)
	}
}
