// Package updater implements the standalone update run: stop the server,
// swap releases/<version> into current/, start the server again and prune
// leftovers, recording each step in .updates/status.json.
//
// The updater owns the install lock from the moment it is launched and
// releases it on every exit path, including panics and termination signals.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/relswap/internal/cleanup"
	"github.com/loykin/relswap/internal/layout"
	"github.com/loykin/relswap/internal/lock"
	"github.com/loykin/relswap/internal/status"
	"github.com/loykin/relswap/internal/supervisor"
)

// Exit codes of the updater process.
const (
	ExitOK         = 0
	ExitFault      = 1
	ExitUsage      = 2
	ExitStopOrSwap = 3
	ExitStart      = 4
)

var (
	ErrUsage = errors.New("invalid updater arguments")
	ErrSwap  = errors.New("release swap failed")
)

// DefaultStartCommand runs the server entry point from current/.
var DefaultStartCommand = []string{"node", "build/index.js"}

// Options are the updater's command line inputs.
type Options struct {
	Base         string
	Version      string
	LockPath     string
	LogPath      string
	ServiceName  string // supervisor mode
	ServerPID    int    // direct mode
	Supervisor   string // preset name, pm2 by default
	StartCommand []string
	Keep         int
	SelfName     string
}

// Validate checks that the run can be attempted. Exactly one of ServiceName
// and ServerPID selects the mode.
func (o Options) Validate() error {
	if o.Base == "" || o.Version == "" {
		return fmt.Errorf("%w: --base and --version are required", ErrUsage)
	}
	if strings.ContainsAny(o.Version, `/\`) || o.Version == "." || o.Version == ".." {
		return fmt.Errorf("%w: invalid version %q", ErrUsage, o.Version)
	}
	switch {
	case o.ServiceName != "" && o.ServerPID != 0:
		return fmt.Errorf("%w: --supervisor-name and --serverPid are mutually exclusive", ErrUsage)
	case o.ServiceName == "" && o.ServerPID == 0:
		return fmt.Errorf("%w: one of --supervisor-name or --serverPid is required", ErrUsage)
	case o.ServerPID < 0:
		return fmt.Errorf("%w: invalid --serverPid %d", ErrUsage, o.ServerPID)
	}
	return nil
}

func (o Options) supervised() bool { return o.ServiceName != "" }

// Timing holds the fixed delays of a run.
type Timing struct {
	Flush          time.Duration // lets the install response reach the client
	Settle         time.Duration // lets file handles close after stop
	RenameAttempts int
	RenameInterval time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		Flush:          750 * time.Millisecond,
		Settle:         2 * time.Second,
		RenameAttempts: 120,
		RenameInterval: 500 * time.Millisecond,
	}
}

// PIDStopper stops a server known only by PID.
type PIDStopper interface {
	StopPID(ctx context.Context, pid int) error
}

// Updater performs one update attempt.
type Updater struct {
	Options Options
	Timing  Timing
	Logger  *slog.Logger

	Supervisor supervisor.Supervisor
	Stopper    PIDStopper
	Spawn      func(supervisor.SpawnSpec) (int, error)
	// Launcher removes the updater's own registration when SelfName is set.
	Launcher supervisor.Launcher

	Rename   func(from, to string) error
	Now      func() time.Time
	OnStatus func(status.Record)

	paths layout.Paths

	initOnce    sync.Once
	mu          sync.Mutex
	status      *status.Writer
	cancel      context.CancelFunc
	interrupted atomic.Bool
	once        sync.Once
}

// New wires an updater against the host: the named supervisor preset in
// supervisor mode, direct PID signalling otherwise.
func New(opts Options, logger *slog.Logger) (*Updater, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Updater{
		Options: opts,
		Timing:  DefaultTiming(),
		Logger:  logger,
		Stopper: supervisor.NewDirect(logger),
		Spawn:   supervisor.Spawn,
	}
	if opts.supervised() || opts.SelfName != "" {
		preset, err := supervisor.PresetByName(opts.Supervisor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUsage, err)
		}
		cli := supervisor.NewCLI(preset)
		u.Supervisor = supervisor.New(cli, logger)
		u.Launcher = cli
	}
	return u, nil
}

func (u *Updater) init() {
	u.initOnce.Do(u.setup)
}

func (u *Updater) setup() {
	if u.Logger == nil {
		u.Logger = slog.Default()
	}
	if u.Rename == nil {
		u.Rename = os.Rename
	}
	if u.Now == nil {
		u.Now = time.Now
	}
	if u.Spawn == nil {
		u.Spawn = supervisor.Spawn
	}
	u.paths = layout.ForBase(u.Options.Base, "")
	if u.Options.Base != "" {
		u.status = &status.Writer{
			Path:    u.paths.StatusPath,
			Version: u.Options.Version,
			Now:     u.Now,
			OnWrite: u.OnStatus,
		}
	}
}

// Run performs the update and returns the process exit code. The lock is
// released and the self registration removed before it returns. After
// Interrupt, Run stops at its next step and returns ExitFault.
func (u *Updater) Run(ctx context.Context) (code int) {
	u.init()
	logger := u.Logger.With("version", u.Options.Version)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	u.mu.Lock()
	u.cancel = cancel
	u.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("updater crashed", "panic", r)
			u.fail("Updater crashed", fmt.Errorf("panic: %v", r))
			code = ExitFault
		}
		if u.halted() {
			code = ExitFault
		}
		logger.Info("updater exiting", "code", code)
		u.finish()
	}()

	if u.halted() {
		return ExitFault
	}
	u.set(status.StepStarting, "Updater started")
	if err := u.Options.Validate(); err != nil {
		logger.Error("bad arguments", "error", err)
		u.fail("Invalid updater arguments", err)
		return ExitUsage
	}
	opts := u.Options
	if opts.LockPath != "" {
		if err := lock.Adopt(opts.LockPath); err != nil {
			logger.Warn("could not take over install lock ownership", "path", opts.LockPath, "error", err)
		}
	}
	if opts.supervised() {
		logger.Info("starting update", "base", opts.Base, "mode", "supervisor", "service", opts.ServiceName)
	} else {
		logger.Info("starting update", "base", opts.Base, "mode", "direct", "pid", opts.ServerPID)
	}

	if restored, err := layout.Recover(u.paths); err != nil {
		logger.Warn("recovery of interrupted swap failed", "error", err)
	} else if restored != "" {
		logger.Warn("restored current/ from backup left by an interrupted swap", "backup", restored)
	}

	if err := u.stop(ctx); err != nil {
		if u.halted() {
			return ExitFault
		}
		logger.Error("failed to stop server", "error", err)
		u.fail("Failed to stop server", err)
		if opts.supervised() {
			// current/ is untouched; bring the old version back if the stop
			// partially took effect
			if serr := u.Supervisor.Start(context.WithoutCancel(ctx), opts.ServiceName); serr != nil {
				logger.Warn("restart of old server failed", "error", serr)
			}
		}
		return ExitStopOrSwap
	}

	if u.halted() {
		return ExitFault
	}

	if err := u.swap(ctx); err != nil {
		logger.Error("swap failed", "error", err)
		u.fail("Swap failed", err)
		if u.halted() {
			return ExitFault
		}
		u.restartAfterFailedSwap(ctx)
		return ExitStopOrSwap
	}
	if u.halted() {
		return ExitFault
	}

	if err := u.start(ctx); err != nil {
		logger.Error("failed to start new server", "error", err)
		u.fail("Failed to start new server", err)
		return ExitStart
	}

	if u.halted() {
		return ExitFault
	}

	r := cleanup.PruneAfterUpdate(u.paths, opts.Keep)
	if err := r.Err(); err != nil {
		logger.Warn("cleanup after update incomplete", "error", err)
	}
	logger.Info("cleanup complete", "archives", r.Archives, "releases", r.Releases, "backups", r.Backups)

	u.set(status.StepDone, "Update complete")
	logger.Info("update complete")
	return ExitOK
}

func (u *Updater) stop(ctx context.Context) error {
	if err := sleep(ctx, u.Timing.Flush); err != nil {
		return err
	}
	if u.Options.supervised() {
		u.set(status.StepStopping, "Stopping server via "+u.supervisorName())
		if err := u.Supervisor.StopAndWait(ctx, u.Options.ServiceName); err != nil {
			return err
		}
	} else {
		u.set(status.StepStopping, "Stopping server (direct mode)")
		if err := u.Stopper.StopPID(ctx, u.Options.ServerPID); err != nil {
			return err
		}
	}
	if err := sleep(ctx, u.Timing.Settle); err != nil {
		return err
	}
	u.set(status.StepStopped, "Server stopped")
	return nil
}

// backupPath names the backup after the version current/ holds.
func (u *Updater) backupPath() string {
	v, err := layout.ReadVersion(u.paths.Current)
	if err != nil || v == "" {
		v = u.Options.Version
	}
	return u.paths.BackupDir(v, u.Now())
}

func (u *Updater) swap(ctx context.Context) error {
	u.set(status.StepSwapping, "Swapping folders")
	next := u.paths.ReleaseDir(u.Options.Version)
	if !isDir(next) {
		return fmt.Errorf("%w: next release folder missing: %s", ErrSwap, next)
	}
	if !isDir(u.paths.Current) {
		return fmt.Errorf("%w: current folder missing: %s", ErrSwap, u.paths.Current)
	}

	backup := u.backupPath()
	u.Logger.Info("backing up current release", "backup", filepath.Base(backup))
	if err := u.renameWithRetry(ctx, u.paths.Current, backup, "current->previous"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		u.rollback(ctx, backup)
		return fmt.Errorf("%w: interrupted before activating release: %v", ErrSwap, err)
	}
	u.Logger.Info("activating new release")
	if err := u.renameWithRetry(ctx, next, u.paths.Current, "next->current"); err != nil {
		u.rollback(ctx, backup)
		return err
	}
	u.set(status.StepSwapped, "Folder swap complete")
	return nil
}

func (u *Updater) rollback(ctx context.Context, backup string) {
	if isDir(u.paths.Current) || !isDir(backup) {
		return
	}
	u.Logger.Warn("rolling back", "backup", filepath.Base(backup))
	// a cancelled context must not prevent the rollback
	if err := u.renameWithRetry(context.WithoutCancel(ctx), backup, u.paths.Current, "rollback previous->current"); err != nil {
		u.Logger.Error("rollback failed", "error", err)
		return
	}
	u.Logger.Info("rollback successful")
}

// restartAfterFailedSwap starts whatever current/ holds after rollback so the
// service is not left down.
func (u *Updater) restartAfterFailedSwap(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if u.Options.supervised() {
		u.Logger.Info("restarting server after failed swap")
		if err := u.Supervisor.Start(ctx, u.Options.ServiceName); err != nil {
			u.Logger.Warn("restart after failed swap failed", "error", err)
		}
		return
	}
	if !isDir(u.paths.Current) {
		u.Logger.Error("current/ missing after failed swap; server not restarted")
		return
	}
	if pid, err := u.spawnServer(); err != nil {
		u.Logger.Warn("restart after failed swap failed", "error", err)
	} else {
		u.Logger.Info("server restarted after failed swap", "pid", pid)
	}
}

func (u *Updater) start(ctx context.Context) error {
	if u.Options.supervised() {
		u.set(status.StepStartingServer, "Starting server via "+u.supervisorName())
		if err := u.Supervisor.Start(ctx, u.Options.ServiceName); err != nil {
			return err
		}
		u.Logger.Info("server started", "service", u.Options.ServiceName)
		return nil
	}
	u.set(status.StepStartingServer, "Starting server (direct mode)")
	pid, err := u.spawnServer()
	if err != nil {
		return err
	}
	u.Logger.Info("server started", "pid", pid)
	return nil
}

func (u *Updater) spawnServer() (int, error) {
	argv := u.Options.StartCommand
	if len(argv) == 0 {
		argv = DefaultStartCommand
	}
	return u.Spawn(supervisor.SpawnSpec{
		Dir:     u.paths.Current,
		Argv:    argv,
		LogPath: filepath.Join(u.paths.Current, "logs", "server.log"),
	})
}

func (u *Updater) renameWithRetry(ctx context.Context, from, to, label string) error {
	attempts := u.Timing.RenameAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = u.Rename(from, to)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return fmt.Errorf("%w: %s: %v", ErrSwap, label, err)
		}
		u.Logger.Info("rename busy, retrying", "label", label, "attempt", attempt, "max", attempts, "error", err)
		if attempt < attempts {
			if serr := sleep(ctx, u.Timing.RenameInterval); serr != nil {
				return fmt.Errorf("%w: %s: %v", ErrSwap, label, serr)
			}
		}
	}
	return fmt.Errorf("%w: rename failed after %d attempts (%s): %s -> %s: %v", ErrSwap, attempts, label, from, to, err)
}

// Interrupt records a termination signal, stops a running Run at its next
// step and releases the lock. The caller exits with ExitFault afterwards.
func (u *Updater) Interrupt(sig os.Signal) {
	u.init()
	u.interrupted.Store(true)
	u.mu.Lock()
	if u.cancel != nil {
		u.cancel()
	}
	u.mu.Unlock()
	u.Logger.Error("received signal, exiting", "signal", sig.String())
	u.fail("Updater interrupted", fmt.Errorf("received %s", sig))
	u.finish()
}

func (u *Updater) halted() bool { return u.interrupted.Load() }

// Abort cleans up after a command line that never became a run: it records
// the failure in the status file and releases the lock, both located from
// args with ScanArgs. The updater's own supervisor registration is removed
// when its preset is known.
func Abort(args []string, cause error, logger *slog.Logger) {
	o := ScanArgs(args)
	u := &Updater{
		Options: Options{Base: o.Base, Version: o.Version, LockPath: o.LockPath, SelfName: o.SelfName},
		Logger:  logger,
	}
	if o.SelfName != "" {
		name := o.Supervisor
		if name == "" {
			name = "pm2"
		}
		if preset, err := supervisor.PresetByName(name); err == nil {
			u.Launcher = supervisor.NewCLI(preset)
		}
	}
	u.init()
	u.Logger.Error("updater aborted", "error", cause)
	u.fail("Invalid updater arguments", cause)
	u.finish()
}

// finish releases the lock, then removes the updater's own supervisor
// registration. The latter may terminate this process, so it runs last.
func (u *Updater) finish() {
	u.once.Do(func() {
		if u.Options.LockPath != "" {
			lock.Release(u.Options.LockPath)
			u.Logger.Info("install lock released", "path", u.Options.LockPath)
		}
		if u.Options.SelfName == "" || u.Launcher == nil {
			return
		}
		u.Logger.Info("removing updater registration", "name", u.Options.SelfName)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := u.Launcher.Unregister(ctx, u.Options.SelfName); err != nil {
			u.Logger.Warn("removing updater registration failed", "error", err)
		}
	})
}

func (u *Updater) set(step status.Step, msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.status == nil || u.status.Last().Terminal() {
		return
	}
	if err := u.status.Set(step, msg); err != nil {
		u.Logger.Warn("failed to write status", "step", step, "error", err)
	}
}

func (u *Updater) fail(msg string, cause error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.status == nil || u.status.Last() == status.StepError {
		return
	}
	if err := u.status.Fail(msg, cause); err != nil {
		u.Logger.Warn("failed to write status", "step", status.StepError, "error", err)
	}
}

func (u *Updater) supervisorName() string {
	if u.Options.Supervisor == "" {
		return "pm2"
	}
	return u.Options.Supervisor
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
