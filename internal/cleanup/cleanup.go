// Package cleanup removes leftovers of past updates: downloaded archives,
// partial downloads, updater logs, staged releases and backups beyond the
// retention count.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/relswap/internal/cron"
	"github.com/loykin/relswap/internal/layout"
	"github.com/loykin/relswap/internal/lock"
	"github.com/loykin/relswap/internal/metrics"
)

const (
	DefaultKeep          = 2
	DefaultArchiveMaxAge = 48 * time.Hour
	DefaultStartupDelay  = 5 * time.Second
	DefaultSchedule      = "@every 6h"
)

// Report counts what a pass removed.
type Report struct {
	Archives int
	// Leftovers are partial downloads and per-attempt updater logs.
	Leftovers int
	Releases  int
	Backups   int
	Errors    []error
}

func (r Report) Total() int { return r.Archives + r.Leftovers + r.Releases + r.Backups }

// Err joins the errors met during the pass.
func (r Report) Err() error { return errors.Join(r.Errors...) }

// Options tune a sweep.
type Options struct {
	Keep          int
	ArchiveMaxAge time.Duration
	Now           func() time.Time
}

func (o Options) keep() int {
	if o.Keep <= 0 {
		return DefaultKeep
	}
	return o.Keep
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Sweep is the periodic pass: archives, partial downloads and updater logs
// older than ArchiveMaxAge, staged releases other than currentVersion, and
// backups beyond Keep (newest kept).
func Sweep(p layout.Paths, currentVersion string, opts Options) Report {
	maxAge := opts.ArchiveMaxAge
	if maxAge <= 0 {
		maxAge = DefaultArchiveMaxAge
	}
	var r Report
	now := opts.now()
	stale := func(info os.FileInfo) bool {
		return now.Sub(info.ModTime()) > maxAge
	}
	r.Archives = removeFiles(p.UpdatesDir, isArchive, &r, stale)
	r.Leftovers = removeFiles(p.UpdatesDir, isLeftover, &r, stale)
	r.Releases = removeReleases(p.ReleasesDir, &r, func(name string) bool {
		return name != currentVersion
	})
	r.Backups = PruneBackups(p.InstallBase, opts.keep(), &r)
	record(r)
	return r
}

// PruneAfterUpdate runs after a successful swap: every archive and staged
// release is consumed, and backups beyond keep are removed.
func PruneAfterUpdate(p layout.Paths, keep int) Report {
	if keep <= 0 {
		keep = DefaultKeep
	}
	var r Report
	r.Archives = removeFiles(p.UpdatesDir, isArchive, &r, func(os.FileInfo) bool { return true })
	r.Releases = removeReleases(p.ReleasesDir, &r, func(string) bool { return true })
	r.Backups = PruneBackups(p.InstallBase, keep, &r)
	record(r)
	return r
}

// PruneBackups deletes previous-* directories beyond the newest keep.
func PruneBackups(base string, keep int, r *Report) int {
	backups, err := layout.ListBackups(base)
	if err != nil {
		if !os.IsNotExist(err) && r != nil {
			r.Errors = append(r.Errors, err)
		}
		return 0
	}
	if len(backups) <= keep {
		return 0
	}
	removed := 0
	for _, b := range backups[keep:] {
		if err := os.RemoveAll(b.Path); err != nil {
			if r != nil {
				r.Errors = append(r.Errors, err)
			}
			continue
		}
		removed++
	}
	return removed
}

func isArchive(name string) bool { return strings.HasSuffix(name, layout.ArchiveExt) }

// isLeftover matches <v>.zip.tmp from interrupted downloads and
// updater-<v>-<id>.log files, including their rotated copies.
func isLeftover(name string) bool {
	if strings.HasSuffix(name, layout.ArchiveExt+".tmp") {
		return true
	}
	return strings.HasPrefix(name, "updater-") && (strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.gz"))
}

func removeFiles(dir string, match func(name string) bool, r *Report, stale func(os.FileInfo) bool) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !match(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || !stale(info) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			r.Errors = append(r.Errors, err)
			continue
		}
		removed++
	}
	return removed
}

func removeReleases(dir string, r *Report, remove func(name string) bool) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !remove(e.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			r.Errors = append(r.Errors, err)
			continue
		}
		removed++
	}
	return removed
}

func record(r Report) {
	metrics.AddCleanupRemoved("archive", r.Archives)
	metrics.AddCleanupRemoved("leftover", r.Leftovers)
	metrics.AddCleanupRemoved("release", r.Releases)
	metrics.AddCleanupRemoved("backup", r.Backups)
}

// Sweeper runs Sweep once after a startup delay, then on a schedule.
type Sweeper struct {
	Paths    layout.Paths
	Options  Options
	Delay    time.Duration
	Schedule string
	Logger   *slog.Logger
}

// RunOnce performs a single pass if the app runs in the atomic layout and no
// install is in flight.
func (s *Sweeper) RunOnce() Report {
	logger := s.log()
	if !s.Paths.IsAtomic() {
		logger.Debug("cleanup skipped: not an atomic layout", "root", s.Paths.AppRoot)
		return Report{}
	}
	if lock.Exists(s.Paths.LockPath) {
		logger.Info("cleanup skipped: update in progress")
		return Report{}
	}
	version, _ := layout.ReadVersion(s.Paths.Current)
	r := Sweep(s.Paths, version, s.Options)
	if r.Total() > 0 {
		logger.Info("cleanup removed stale update files",
			"archives", r.Archives, "leftovers", r.Leftovers, "releases", r.Releases, "backups", r.Backups)
	}
	if err := r.Err(); err != nil {
		logger.Warn("cleanup finished with errors", "error", err)
	}
	return r
}

// Start waits Delay, runs once, then registers the periodic schedule.
// It returns immediately; cancel ctx to end it.
func (s *Sweeper) Start(ctx context.Context) {
	delay := s.Delay
	if delay <= 0 {
		delay = DefaultStartupDelay
	}
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.RunOnce()
		if s.Schedule == "" {
			return
		}
		sched := cron.NewScheduler(s.log())
		if err := sched.Add(cron.Task{Name: "cleanup", Schedule: s.Schedule, Run: func(context.Context) { s.RunOnce() }}); err != nil {
			s.log().Error("cleanup schedule rejected", "schedule", s.Schedule, "error", err)
			return
		}
		if err := sched.Start(); err != nil {
			return
		}
		<-ctx.Done()
		sched.Stop()
	}()
}

func (s *Sweeper) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
