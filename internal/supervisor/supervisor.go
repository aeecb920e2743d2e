// Package supervisor drives the external process manager that runs the
// application server: stop a named service and wait for it to exit, start it
// again, and list its PIDs. A direct mode signals a known PID instead.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/relswap/internal/process"
)

var (
	ErrDidNotStop  = errors.New("service did not stop in time")
	ErrStartFailed = errors.New("service failed to start")
)

// Supervisor is what the updater needs from a process manager.
type Supervisor interface {
	StopAndWait(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	ListPIDs(ctx context.Context, name string) ([]int, error)
}

// Control is the raw command surface of a process manager.
type Control interface {
	Stop(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	PIDs(ctx context.Context, name string) ([]int, error)
}

// Timing holds the stop escalation intervals.
type Timing struct {
	Poll       time.Duration // PID poll interval while waiting
	Deadline   time.Duration // graceful stop window
	KillSettle time.Duration // wait after forced kill
}

// DefaultTiming polls every 500ms for 30s and settles 1.5s after a forced kill.
func DefaultTiming() Timing {
	return Timing{
		Poll:       500 * time.Millisecond,
		Deadline:   30 * time.Second,
		KillSettle: 1500 * time.Millisecond,
	}
}

// OS is the process-level view the adapter uses to confirm exits and to
// force-kill survivors without going through the supervisor.
type OS struct {
	Alive func(pid int) bool
	Kill  func(pid int) error
}

// HostOS uses the real process table.
func HostOS() OS {
	return OS{Alive: process.Alive, Kill: process.Kill}
}

// Adapter turns a Control into a Supervisor with graceful to forced stop
// escalation.
type Adapter struct {
	Control Control
	Timing  Timing
	OS      OS
	Logger  *slog.Logger
}

// New wraps ctl with default timing against the host process table.
func New(ctl Control, logger *slog.Logger) *Adapter {
	return &Adapter{Control: ctl, Timing: DefaultTiming(), OS: HostOS(), Logger: logger}
}

func (a *Adapter) log() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *Adapter) ListPIDs(ctx context.Context, name string) ([]int, error) {
	return a.Control.PIDs(ctx, name)
}

// Start asks the supervisor to start name.
func (a *Adapter) Start(ctx context.Context, name string) error {
	a.log().Info("starting service", "service", name)
	if err := a.Control.Start(ctx, name); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStartFailed, name, err)
	}
	return nil
}

// alivePIDs asks the supervisor for PIDs and keeps the ones still running.
func (a *Adapter) alivePIDs(ctx context.Context, name string) []int {
	pids, err := a.Control.PIDs(ctx, name)
	if err != nil {
		a.log().Warn("listing pids failed", "service", name, "error", err)
		return nil
	}
	var out []int
	for _, pid := range pids {
		if a.OS.Alive(pid) {
			out = append(out, pid)
		}
	}
	return out
}

// StopAndWait stops name and waits until none of its processes remain. A
// failed stop command with nothing left running counts as stopped. Survivors
// past the deadline are killed directly; any still alive after that yields
// ErrDidNotStop.
func (a *Adapter) StopAndWait(ctx context.Context, name string) error {
	logger := a.log().With("service", name)
	before, _ := a.Control.PIDs(ctx, name)
	logger.Info("stopping service", "pids", before)

	if err := a.Control.Stop(ctx, name); err != nil {
		if len(a.alivePIDs(ctx, name)) == 0 {
			logger.Info("stop reported failure but no processes remain; treating as stopped", "error", err)
			return nil
		}
		logger.Warn("stop command failed; waiting for processes to exit", "error", err)
	}

	deadline := time.Now().Add(a.Timing.Deadline)
	for {
		if len(a.alivePIDs(ctx, name)) == 0 {
			logger.Info("service stopped")
			return nil
		}
		if !time.Now().Before(deadline) {
			break
		}
		if err := sleep(ctx, a.Timing.Poll); err != nil {
			return err
		}
	}

	remaining := a.alivePIDs(ctx, name)
	if len(remaining) > 0 {
		logger.Warn("forcing kill of remaining processes", "pids", remaining)
		for _, pid := range remaining {
			if err := a.OS.Kill(pid); err != nil {
				logger.Warn("forced kill failed", "pid", pid, "error", err)
			}
		}
		if err := sleep(ctx, a.Timing.KillSettle); err != nil {
			return err
		}
	}

	if still := a.alivePIDs(ctx, name); len(still) > 0 {
		return fmt.Errorf("%w: %s (pids=%v)", ErrDidNotStop, name, still)
	}
	return nil
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
