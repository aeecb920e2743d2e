// Package process holds the OS-level helpers shared by the supervisor adapter
// and the updater: liveness checks, termination, process start times and
// detached/grouped child attributes.
package process

import (
	"os/exec"
	"time"
)

// Alive reports whether a process with the given PID currently exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return processExists(pid)
}

// Terminate asks a process to exit. On Unix this is SIGTERM; on Windows the
// process tree is ended with taskkill since there is no graceful signal.
func Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	return terminateProcess(pid)
}

// Kill forcibly ends a process, bypassing any supervisor.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	return forceKill(pid)
}

// KillGroup forcibly ends a child started with Group and everything it spawned.
func KillGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return killTree(cmd.Process.Pid)
}

// StartTime returns the creation time of pid, or the zero time when it
// cannot be determined.
func StartTime(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	t, err := startTime(pid)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Detach configures cmd to run in its own session, surviving the parent.
func Detach(cmd *exec.Cmd) {
	configureSysProcAttr(cmd, true)
}

// Group places cmd in its own process group so that KillGroup reaches the
// whole tree.
func Group(cmd *exec.Cmd) {
	configureSysProcAttr(cmd, false)
}
