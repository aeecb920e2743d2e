//go:build windows

package process

import (
	"context"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	PROCESS_TERMINATE = 0x0001
)

// taskkillTimeout bounds a single taskkill invocation.
const taskkillTimeout = 30 * time.Second

// terminateProcess has no graceful variant on Windows; taskkill ends the tree.
func terminateProcess(pid int) error {
	return taskkill(pid)
}

func forceKill(pid int) error {
	handle, err := openProcess(PROCESS_TERMINATE, uint32(pid))
	if err != nil {
		// already gone
		return nil
	}
	defer func() { _ = closeHandle(handle) }()

	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

func killTree(pid int) error {
	return taskkill(pid)
}

func taskkill(pid int) error {
	ctx, cancel := context.WithTimeout(context.Background(), taskkillTimeout)
	defer cancel()
	// #nosec G204
	cmd := exec.CommandContext(ctx, "taskkill", "/PID", strconv.Itoa(pid), "/T", "/F")
	if err := cmd.Run(); err != nil {
		if !processExists(pid) {
			return nil
		}
		return err
	}
	return nil
}

func processExists(pid int) bool {
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

func openProcess(access uint32, processID uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(
		uintptr(access),
		uintptr(0),
		uintptr(processID),
	)
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(handle syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(handle))
	if ret == 0 {
		return err
	}
	return nil
}
