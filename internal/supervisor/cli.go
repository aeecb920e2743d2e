package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/relswap/internal/process"
)

// DefaultCommandTimeout bounds every supervisor command.
const DefaultCommandTimeout = 30 * time.Second

// CommandError reports a failed or timed out supervisor command.
type CommandError struct {
	Args     []string
	Output   string
	TimedOut bool
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.Join(e.Args, " ")
	switch {
	case e.TimedOut:
		return fmt.Sprintf("%s: timed out: %s", msg, e.Output)
	case e.Output != "":
		return fmt.Sprintf("%s: %v: %s", msg, e.Err, e.Output)
	default:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
}

func (e *CommandError) Unwrap() error { return e.Err }

// Exec runs bin with args and returns combined output.
type Exec func(ctx context.Context, bin string, args ...string) (string, error)

// TimeoutExec runs commands in their own process group and kills the whole
// tree once timeout passes; a timed out command is a failed command.
func TimeoutExec(timeout time.Duration) Exec {
	return func(ctx context.Context, bin string, args ...string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		// #nosec G204
		cmd := exec.CommandContext(ctx, bin, args...)
		process.Group(cmd)
		cmd.Cancel = func() error { return process.KillGroup(cmd) }
		cmd.WaitDelay = 2 * time.Second
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		err := cmd.Run()
		output := strings.TrimSpace(out.String())
		if err == nil {
			return output, nil
		}
		argv := append([]string{bin}, args...)
		return output, &CommandError{
			Args:     argv,
			Output:   output,
			TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:      err,
		}
	}
}

// LaunchSpec describes a temporary registration of the updater.
type LaunchSpec struct {
	Name    string
	Program string
	Args    []string
	Dir     string
	LogPath string
	Env     []string
}

// Preset is the command vocabulary of one process manager.
type Preset struct {
	Name   string
	Bin    string
	Stop   func(service string) []string
	Start  func(service string) []string
	PIDs   func(service string) []string
	Delete func(service string) []string
	Launch func(spec LaunchSpec) []string
}

// PM2 drives pm2 (pm2.cmd on Windows).
func PM2() Preset {
	bin := "pm2"
	if runtime.GOOS == "windows" {
		bin = "pm2.cmd"
	}
	return Preset{
		Name:   "pm2",
		Bin:    bin,
		Stop:   func(s string) []string { return []string{"stop", s} },
		Start:  func(s string) []string { return []string{"start", s} },
		PIDs:   func(s string) []string { return []string{"pid", s} },
		Delete: func(s string) []string { return []string{"delete", s} },
		Launch: func(spec LaunchSpec) []string {
			args := []string{
				"start", spec.Program,
				"--name", spec.Name,
				"--no-autorestart",
				"--interpreter", "none",
				"--cwd", spec.Dir,
			}
			if spec.LogPath != "" {
				args = append(args, "--output", spec.LogPath, "--error", spec.LogPath)
			}
			return append(append(args, "--"), spec.Args...)
		},
	}
}

// Systemd drives systemctl; the updater runs as a transient unit.
func Systemd() Preset {
	return Preset{
		Name:   "systemd",
		Bin:    "systemctl",
		Stop:   func(s string) []string { return []string{"stop", s} },
		Start:  func(s string) []string { return []string{"start", s} },
		PIDs:   func(s string) []string { return []string{"show", "-p", "MainPID", "--value", s} },
		Delete: func(s string) []string { return []string{"reset-failed", s} },
	}
}

// PresetByName returns the preset for pm2 or systemd.
func PresetByName(name string) (Preset, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pm2":
		return PM2(), nil
	case "systemd":
		return Systemd(), nil
	default:
		return Preset{}, fmt.Errorf("unknown supervisor %q", name)
	}
}

// CLI implements Control and Launcher by running a preset's commands.
type CLI struct {
	Preset Preset
	Exec   Exec
}

// NewCLI returns a CLI for preset with the default 30s command timeout.
func NewCLI(p Preset) *CLI {
	return &CLI{Preset: p, Exec: TimeoutExec(DefaultCommandTimeout)}
}

func (c *CLI) run(ctx context.Context, args []string) (string, error) {
	return c.Exec(ctx, c.Preset.Bin, args...)
}

func (c *CLI) Stop(ctx context.Context, name string) error {
	_, err := c.run(ctx, c.Preset.Stop(name))
	return err
}

func (c *CLI) Start(ctx context.Context, name string) error {
	_, err := c.run(ctx, c.Preset.Start(name))
	return err
}

// PIDs returns the positive PIDs reported for name; a failed query yields none.
func (c *CLI) PIDs(ctx context.Context, name string) ([]int, error) {
	out, err := c.run(ctx, c.Preset.PIDs(name))
	if err != nil {
		return nil, nil
	}
	return ParsePIDs(out), nil
}

// Launch registers and starts the updater under spec.Name, removing any
// leftover registration from an earlier attempt first.
func (c *CLI) Launch(ctx context.Context, spec LaunchSpec) (int, error) {
	if c.Preset.Launch == nil {
		return c.launchTransient(ctx, spec)
	}
	_ = c.Unregister(ctx, spec.Name)
	if _, err := c.run(ctx, c.Preset.Launch(spec)); err != nil {
		return 0, fmt.Errorf("launch %s via %s: %w", spec.Name, c.Preset.Name, err)
	}
	pids, _ := c.PIDs(ctx, spec.Name)
	if len(pids) > 0 {
		return pids[0], nil
	}
	return 0, nil
}

// launchTransient runs the updater as a transient systemd unit.
func (c *CLI) launchTransient(ctx context.Context, spec LaunchSpec) (int, error) {
	_ = c.Unregister(ctx, spec.Name)
	args := []string{
		"--unit=" + spec.Name,
		"--collect",
		"--property=WorkingDirectory=" + spec.Dir,
	}
	if spec.LogPath != "" {
		args = append(args,
			"--property=StandardOutput=append:"+spec.LogPath,
			"--property=StandardError=append:"+spec.LogPath)
	}
	for _, kv := range spec.Env {
		args = append(args, "--setenv="+kv)
	}
	args = append(append(args, spec.Program), spec.Args...)
	if _, err := c.Exec(ctx, "systemd-run", args...); err != nil {
		return 0, fmt.Errorf("launch %s via systemd-run: %w", spec.Name, err)
	}
	pids, _ := c.PIDs(ctx, spec.Name)
	if len(pids) > 0 {
		return pids[0], nil
	}
	return 0, nil
}

// Unregister removes a registration; a missing one is not an error.
func (c *CLI) Unregister(ctx context.Context, name string) error {
	if c.Preset.Delete == nil {
		return nil
	}
	out, err := c.run(ctx, c.Preset.Delete(name))
	if err != nil && strings.Contains(strings.ToLower(out), "not found") {
		return nil
	}
	return err
}

// ParsePIDs splits supervisor output on whitespace and commas and keeps the
// positive integers.
func ParsePIDs(out string) []int {
	fields := strings.FieldsFunc(out, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	var pids []int
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err == nil && n > 0 {
			pids = append(pids, n)
		}
	}
	return pids
}
