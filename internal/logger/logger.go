// Package logger builds the slog loggers used by the server and the updater.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes a rotated log file. Rotation parameters follow
// lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config selects level, format and destination.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error
	Format string     `mapstructure:"format"` // text or json
	Color  bool       `mapstructure:"color"`  // colored text on the console
	File   FileConfig `mapstructure:"file"`
}

// Writer returns a rotating writer for the file, or nil when no path is set.
func (f FileConfig) Writer() io.WriteCloser {
	if f.Path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   f.Path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ParseLevel maps a level name to slog.Level; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds a logger. With a file path, records go to the rotated file
// (JSON unless Format is "text"); otherwise to console, colored when Color
// is set. The returned closer is nil when nothing needs closing.
func (c Config) New(console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	if console == nil {
		console = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}

	if w := c.File.Writer(); w != nil {
		if strings.EqualFold(c.Format, "text") {
			return slog.New(slog.NewTextHandler(w, opts)), w, nil
		}
		return slog.New(slog.NewJSONHandler(w, opts)), w, nil
	}
	switch {
	case strings.EqualFold(c.Format, "json"):
		return slog.New(slog.NewJSONHandler(console, opts)), nil, nil
	case c.Color:
		return slog.New(NewColorTextHandler(console, opts, true)), nil, nil
	default:
		return slog.New(slog.NewTextHandler(console, opts)), nil, nil
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
