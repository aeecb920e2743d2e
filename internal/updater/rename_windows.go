//go:build windows

package updater

import (
	"errors"
	"io/fs"
	"syscall"
)

const (
	errorSharingViolation syscall.Errno = 32
	errorLockViolation    syscall.Errno = 33
)

// isTransient reports rename errors worth retrying. Antivirus scanners and
// indexers hold short-lived handles on freshly written trees.
func isTransient(err error) bool {
	return errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, errorSharingViolation) ||
		errors.Is(err, errorLockViolation) ||
		errors.Is(err, syscall.EBUSY)
}
