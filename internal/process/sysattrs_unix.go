//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts detached children in a new session (setsid) so
// they survive the parent and its supervisor; other children get their own
// process group for group signaling.
func configureSysProcAttr(cmd *exec.Cmd, detached bool) {
	attrs := &syscall.SysProcAttr{}
	if detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}
