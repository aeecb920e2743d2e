//go:build !windows

package process

import (
	"errors"
	"syscall"
)

func terminateProcess(pid int) error {
	return ignoreGone(syscall.Kill(pid, syscall.SIGTERM))
}

func forceKill(pid int) error {
	return ignoreGone(syscall.Kill(pid, syscall.SIGKILL))
}

// killTree signals the whole process group led by pid.
func killTree(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return ignoreGone(syscall.Kill(pid, syscall.SIGKILL))
	}
	return nil
}

// processExists treats EPERM as alive: the process is there, we just may not signal it.
func processExists(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func ignoreGone(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
