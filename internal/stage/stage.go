// Package stage expands a release archive into its staging directory and
// installs the release's runtime dependencies. Both steps shell out to
// platform tools; the archive format and dependency graph are not ours to
// reimplement.
package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/loykin/relswap/internal/env"
	"github.com/loykin/relswap/internal/process"
)

// maxOutput bounds how much subprocess output is kept for error reports.
const maxOutput = 8 << 10

// SubprocessError reports a failed spawn or non-zero exit.
type SubprocessError struct {
	Cmd      string
	Dir      string
	ExitCode int
	Output   string
	Err      error
}

func (e *SubprocessError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s exited with code %d: %s", e.Cmd, e.ExitCode, e.Output)
	}
	return fmt.Sprintf("failed to start %s in %s: %v", e.Cmd, e.Dir, e.Err)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// Extractor expands an archive into a directory.
type Extractor interface {
	Extract(ctx context.Context, archive, dest string) error
}

// Installer installs runtime dependencies inside a staged release.
type Installer interface {
	Install(ctx context.Context, dir string) error
}

// Runner executes argv in dir and returns combined output.
type Runner struct {
	Env     []string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Run starts argv[0] with the remaining args in dir. Output is captured and
// also logged line by line at debug level.
func (r Runner) Run(ctx context.Context, dir string, argv ...string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return &SubprocessError{Cmd: argv[0], Dir: dir, ExitCode: -1, Err: fmt.Errorf("invalid working directory %q", dir)}
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if r.Env != nil {
		cmd.Env = r.Env
	}
	process.Group(cmd)
	cmd.Cancel = func() error { return process.KillGroup(cmd) }
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger := r.logger()
	logger.Info("running command", "cmd", strings.Join(argv, " "), "dir", dir)
	err := cmd.Run()
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line != "" {
			logger.Debug(line, "cmd", argv[0])
		}
	}
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &SubprocessError{Cmd: argv[0], Dir: dir, ExitCode: ee.ExitCode(), Output: tail(out.String()), Err: err}
	}
	return &SubprocessError{Cmd: argv[0], Dir: dir, ExitCode: -1, Output: tail(out.String()), Err: err}
}

func (r Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// ZipExtractor uses PowerShell Expand-Archive on Windows and unzip elsewhere.
type ZipExtractor struct {
	Runner Runner
}

// Extract clears dest, then expands archive into it. On failure dest may be
// partially written; it is a throwaway staging path.
func (z ZipExtractor) Extract(ctx context.Context, archive, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clear %s: %w", dest, err)
	}
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return err
	}
	return z.Runner.Run(ctx, filepath.Dir(archive), ExtractCommand(runtime.GOOS, archive, dest)...)
}

// ExtractCommand returns the argv used to expand archive into dest on goos.
func ExtractCommand(goos, archive, dest string) []string {
	if goos == "windows" {
		script := fmt.Sprintf("Expand-Archive -LiteralPath '%s' -DestinationPath '%s' -Force",
			psQuote(archive), psQuote(dest))
		return []string{"powershell", "-NoProfile", "-NonInteractive", "-Command", script}
	}
	return []string{"unzip", "-o", "-q", archive, "-d", dest}
}

// psQuote escapes a value for a single-quoted PowerShell string.
func psQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// CommandInstaller runs a package manager's reproducible, production-only
// install (npm ci --omit=dev by default).
type CommandInstaller struct {
	Command []string
	Runner  Runner
}

// DefaultInstallCommand returns npm ci --omit=dev for goos.
func DefaultInstallCommand(goos string) []string {
	npm := "npm"
	if goos == "windows" {
		npm = "npm.cmd"
	}
	return []string{npm, "ci", "--omit=dev"}
}

func (c CommandInstaller) Install(ctx context.Context, dir string) error {
	argv := c.Command
	if len(argv) == 0 {
		argv = DefaultInstallCommand(runtime.GOOS)
	}
	r := c.Runner
	if r.Env == nil {
		r.Env = env.New(true).Set("NODE_ENV", "production").List()
	}
	return r.Run(ctx, dir, argv...)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutput {
		return "..." + s[len(s)-maxOutput:]
	}
	return s
}
