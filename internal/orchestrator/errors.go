package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"syscall"

	"github.com/loykin/relswap/internal/lock"
)

// StatusCode maps an install error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotConfigured):
		return http.StatusBadRequest
	case errors.Is(err, ErrWrongLayout), errors.Is(err, lock.ErrHeld):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorDetails carries the structured fields of an OS or subprocess error so
// spawn, path and permission problems can be diagnosed from the response.
type ErrorDetails struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Syscall string `json:"syscall,omitempty"`
	Path    string `json:"path,omitempty"`
}

// String renders the details as JSON.
func (d ErrorDetails) String() string {
	b, err := json.Marshal(d)
	if err != nil {
		return d.Message
	}
	return string(b)
}

// Describe extracts ErrorDetails from the first path, syscall, link or exit
// error in err's chain.
func Describe(err error) ErrorDetails {
	d := ErrorDetails{Name: fmt.Sprintf("%T", err), Message: err.Error()}

	var pathErr *fs.PathError
	var linkErr *os.LinkError
	var sysErr *os.SyscallError
	var exitErr *exec.ExitError
	var execErr *exec.Error
	switch {
	case errors.As(err, &pathErr):
		d.Name = "PathError"
		d.Syscall = pathErr.Op
		d.Path = pathErr.Path
	case errors.As(err, &linkErr):
		d.Name = "LinkError"
		d.Syscall = linkErr.Op
		d.Path = linkErr.Old + " -> " + linkErr.New
	case errors.As(err, &sysErr):
		d.Name = "SyscallError"
		d.Syscall = sysErr.Syscall
	case errors.As(err, &exitErr):
		d.Name = "ExitError"
		d.Code = fmt.Sprintf("exit %d", exitErr.ExitCode())
	case errors.As(err, &execErr):
		d.Name = "ExecError"
		d.Path = execErr.Name
	}

	var errno syscall.Errno
	if errors.As(err, &errno) && d.Code == "" {
		d.Code = errnoName(errno)
	}
	return d
}

func errnoName(e syscall.Errno) string {
	switch {
	case errors.Is(e, fs.ErrNotExist):
		return "ENOENT"
	case errors.Is(e, fs.ErrPermission):
		return "EACCES"
	case errors.Is(e, fs.ErrExist):
		return "EEXIST"
	}
	return fmt.Sprintf("errno %d", uintptr(e))
}
