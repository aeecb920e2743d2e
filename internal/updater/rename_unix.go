//go:build !windows

package updater

import (
	"errors"
	"io/fs"
	"syscall"
)

// isTransient reports rename errors worth retrying: a busy target or a
// permission error while a handle is still being released.
func isTransient(err error) bool {
	return errors.Is(err, syscall.EBUSY) || errors.Is(err, fs.ErrPermission)
}
