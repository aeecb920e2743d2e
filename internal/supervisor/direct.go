package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/relswap/internal/env"
	"github.com/loykin/relswap/internal/process"
)

// Launcher starts the updater so that it outlives the server that launched it.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (int, error)
	Unregister(ctx context.Context, name string) error
}

// DirectTiming controls how long a signalled PID gets to exit.
type DirectTiming struct {
	Attempts   int
	Interval   time.Duration
	KillSettle time.Duration
}

// DefaultDirectTiming waits 120 x 250ms, then 1.5s after a forced kill.
func DefaultDirectTiming() DirectTiming {
	return DirectTiming{Attempts: 120, Interval: 250 * time.Millisecond, KillSettle: 1500 * time.Millisecond}
}

// Direct stops a known PID and starts the server as a detached process,
// for hosts without a supervisor.
type Direct struct {
	Timing    DirectTiming
	OS        OS
	Terminate func(pid int) error
	Logger    *slog.Logger
}

// NewDirect uses the host process table and default timing.
func NewDirect(logger *slog.Logger) *Direct {
	return &Direct{Timing: DefaultDirectTiming(), OS: HostOS(), Terminate: process.Terminate, Logger: logger}
}

func (d *Direct) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// StopPID signals pid to terminate and waits for it to exit, killing it
// outright if it outlives the wait.
func (d *Direct) StopPID(ctx context.Context, pid int) error {
	logger := d.log().With("pid", pid)
	if !d.OS.Alive(pid) {
		logger.Info("server process already gone")
		return nil
	}
	logger.Info("terminating server process")
	if err := d.Terminate(pid); err != nil {
		logger.Warn("terminate failed", "error", err)
	}
	for i := 0; i < d.Timing.Attempts; i++ {
		if !d.OS.Alive(pid) {
			return nil
		}
		if err := sleep(ctx, d.Timing.Interval); err != nil {
			return err
		}
	}
	if !d.OS.Alive(pid) {
		return nil
	}
	logger.Warn("server did not exit; forcing kill")
	if err := d.OS.Kill(pid); err != nil {
		logger.Warn("forced kill failed", "error", err)
	}
	if err := sleep(ctx, d.Timing.KillSettle); err != nil {
		return err
	}
	if d.OS.Alive(pid) {
		return fmt.Errorf("%w: pid %d", ErrDidNotStop, pid)
	}
	return nil
}

// SpawnSpec describes a detached child.
type SpawnSpec struct {
	Dir     string
	Argv    []string
	Env     []string
	LogPath string
}

// Spawn starts argv detached from the caller, appending stdout and stderr to
// LogPath. A relative program path is resolved against Dir. The log is a
// plain file so the child keeps writing after the caller exits.
func Spawn(spec SpawnSpec) (int, error) {
	if len(spec.Argv) == 0 {
		return 0, errors.New("empty command")
	}
	prog := spec.Argv[0]
	if !filepath.IsAbs(prog) && strings.ContainsAny(prog, `/\`) {
		prog = filepath.Join(spec.Dir, prog)
	}
	// #nosec G204
	cmd := exec.Command(prog, spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	process.Detach(cmd)

	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o750); err != nil {
			return 0, err
		}
		// #nosec G304
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return 0, err
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrStartFailed, prog, err)
	}
	// reap the child if we are still around when it exits
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// Detached launches the updater as a plain detached OS process.
type Detached struct{}

func (Detached) Launch(_ context.Context, spec LaunchSpec) (int, error) {
	return Spawn(SpawnSpec{
		Dir:     spec.Dir,
		Argv:    append([]string{spec.Program}, spec.Args...),
		Env:     childEnv(spec.Env),
		LogPath: spec.LogPath,
	})
}

func (Detached) Unregister(context.Context, string) error { return nil }

// childEnv layers overrides on this process's environment; nil keeps it as is.
func childEnv(overrides []string) []string {
	if len(overrides) == 0 {
		return nil
	}
	return env.New(true).Apply(overrides).List()
}
