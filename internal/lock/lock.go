// Package lock implements the create-exclusive lock file used to admit one
// mutating operation (install or migration) at a time.
//
// The file's existence is the only signal. There is deliberately no PID
// liveness check: PIDs are reused across platforms, so a stale lock left by a
// crashed process must be removed by an operator.
//
// Ownership: whoever creates the file releases it, unless it hands the path
// to another process with Handoff. From then on the receiving process is the
// sole releaser and the original holder's Release does nothing. The receiver
// calls Adopt so the file names it as the owner.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrHeld is returned when the lock file cannot be created for any reason.
	ErrHeld = errors.New("lock is held")
	// ErrTimeout is returned by AcquireWait when the deadline passes.
	ErrTimeout = errors.New("timed out waiting for lock")
)

// Info is the owner metadata written into the lock file.
type Info struct {
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"createdAt"`
}

// Lock is a held lock file.
type Lock struct {
	path string

	mu       sync.Mutex
	released bool
	handed   bool
}

// Acquire creates path exclusively and records the owner. Any failure to
// create the file is reported as ErrHeld.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeld, err)
	}
	// #nosec G304
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeld, err)
	}
	info := Info{PID: os.Getpid(), CreatedAt: time.Now().UTC()}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	werr := enc.Encode(info)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		// the file exists, so we own it; clean up rather than strand it
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: write owner: %v", ErrHeld, errors.Join(werr, cerr))
	}
	return &Lock{path: path}, nil
}

// AcquireWait retries Acquire every interval until timeout elapses or ctx is done.
func AcquireWait(ctx context.Context, path string, timeout, interval time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	for {
		l, err := Acquire(path)
		if err == nil {
			return l, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release removes the lock file unless it was handed off. Safe to call more
// than once.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released || l.handed {
		return
	}
	l.released = true
	Release(l.path)
}

// Handoff transfers release responsibility to another process and returns
// the path to pass along.
func (l *Lock) Handoff() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handed = true
	return l.path
}

// Adopt rewrites the owner of an existing lock at path to the calling process.
// It never creates the file: a missing lock is reported as os.ErrNotExist.
func Adopt(path string) error {
	if !Exists(path) {
		return fmt.Errorf("adopt %s: %w", path, os.ErrNotExist)
	}
	b, err := json.MarshalIndent(Info{PID: os.Getpid(), CreatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".adopt"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o600); err != nil {
		return fmt.Errorf("adopt %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("adopt %s: %w", path, err)
	}
	return nil
}

// Release deletes the lock file at path, ignoring errors: another process may
// already have removed it.
func Release(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// Exists reports whether a lock file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Inspect reads the owner metadata and raw contents of the lock at path.
func Inspect(path string) (Info, string, error) {
	// #nosec G304
	b, err := os.ReadFile(path)
	if err != nil {
		return Info{}, "", err
	}
	var info Info
	if err := json.Unmarshal(b, &info); err != nil {
		return Info{}, string(b), fmt.Errorf("parse lock %s: %w", path, err)
	}
	return info, string(b), nil
}
