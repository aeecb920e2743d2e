package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControl simulates a supervisor whose processes exit only when the
// test says so.
type fakeControl struct {
	mu       sync.Mutex
	pids     []int
	stopErr  error
	startErr error
	// exitOnStop makes Stop clear the pid table immediately.
	exitOnStop bool
	stops      int
	starts     int
}

func (f *fakeControl) Stop(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.exitOnStop {
		f.pids = nil
	}
	return f.stopErr
}

func (f *fakeControl) Start(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeControl) PIDs(context.Context, string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pids...), nil
}

type fakeOS struct {
	mu     sync.Mutex
	alive  map[int]bool
	killed []int
	// killWorks controls whether Kill actually ends the process.
	killWorks bool
}

func (o *fakeOS) os() OS {
	return OS{
		Alive: func(pid int) bool {
			o.mu.Lock()
			defer o.mu.Unlock()
			return o.alive[pid]
		},
		Kill: func(pid int) error {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.killed = append(o.killed, pid)
			if o.killWorks {
				o.alive[pid] = false
			}
			return nil
		},
	}
}

func fastTiming() Timing {
	return Timing{Poll: 5 * time.Millisecond, Deadline: 50 * time.Millisecond, KillSettle: 5 * time.Millisecond}
}

func TestStopAndWaitGraceful(t *testing.T) {
	ctl := &fakeControl{pids: []int{101}, exitOnStop: true}
	fos := &fakeOS{alive: map[int]bool{101: true}}
	a := &Adapter{Control: ctl, Timing: fastTiming(), OS: fos.os()}

	require.NoError(t, a.StopAndWait(context.Background(), "app"))
	assert.Equal(t, 1, ctl.stops)
	assert.Empty(t, fos.killed)
}

func TestStopFailureWithNothingRunningCountsAsStopped(t *testing.T) {
	ctl := &fakeControl{stopErr: errors.New("process or namespace app not found")}
	fos := &fakeOS{alive: map[int]bool{}}
	a := &Adapter{Control: ctl, Timing: fastTiming(), OS: fos.os()}

	require.NoError(t, a.StopAndWait(context.Background(), "app"))
	assert.Empty(t, fos.killed)
}

func TestStopEscalatesToForcedKill(t *testing.T) {
	ctl := &fakeControl{pids: []int{201, 202}}
	fos := &fakeOS{alive: map[int]bool{201: true, 202: true}, killWorks: true}
	a := &Adapter{Control: ctl, Timing: fastTiming(), OS: fos.os()}

	require.NoError(t, a.StopAndWait(context.Background(), "app"))
	assert.ElementsMatch(t, []int{201, 202}, fos.killed)
}

func TestStopReportsDidNotStop(t *testing.T) {
	// stop never terminates the pid and the forced kill has no effect
	ctl := &fakeControl{pids: []int{301}, stopErr: errors.New("timed out")}
	fos := &fakeOS{alive: map[int]bool{301: true}}
	a := &Adapter{Control: ctl, Timing: fastTiming(), OS: fos.os()}

	start := time.Now()
	err := a.StopAndWait(context.Background(), "app")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDidNotStop), "got %v", err)
	assert.Equal(t, []int{301}, fos.killed, "forced kill must be attempted")
	assert.GreaterOrEqual(t, time.Since(start), fastTiming().Deadline)
}

func TestStopHonoursContext(t *testing.T) {
	ctl := &fakeControl{pids: []int{1}}
	fos := &fakeOS{alive: map[int]bool{1: true}}
	a := &Adapter{Control: ctl, Timing: Timing{Poll: time.Second, Deadline: time.Minute}, OS: fos.os()}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.StopAndWait(ctx, "app")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartWrapsFailure(t *testing.T) {
	ctl := &fakeControl{startErr: errors.New("exit status 1")}
	a := &Adapter{Control: ctl, Timing: fastTiming(), OS: (&fakeOS{alive: map[int]bool{}}).os()}
	err := a.Start(context.Background(), "app")
	assert.ErrorIs(t, err, ErrStartFailed)
}

func TestParsePIDs(t *testing.T) {
	cases := map[string][]int{
		"":               nil,
		"0":              nil,
		"1234":           {1234},
		"1234\n5678\n":   {1234, 5678},
		"12, 34,56":      {12, 34, 56},
		"abc 7 -3 0 \r8": {7, 8},
	}
	for in, want := range cases {
		got := ParsePIDs(in)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ParsePIDs(%q) = %v, want %v", in, got, want)
		}
	}
}

type recordedCall struct {
	bin  string
	args []string
}

func recordingExec(calls *[]recordedCall, outputs map[string]string, failing map[string]bool) Exec {
	return func(_ context.Context, bin string, args ...string) (string, error) {
		*calls = append(*calls, recordedCall{bin: bin, args: args})
		key := args[0]
		if failing[key] {
			return outputs[key], &CommandError{Args: append([]string{bin}, args...), Output: outputs[key], Err: errors.New("exit status 1")}
		}
		return outputs[key], nil
	}
}

func TestPM2LaunchDeletesStaleEntryFirst(t *testing.T) {
	var calls []recordedCall
	cli := &CLI{
		Preset: PM2(),
		Exec: recordingExec(&calls,
			map[string]string{"pid": "4321", "delete": "[PM2][ERROR] Process or Namespace relswap-updater not found"},
			map[string]bool{"delete": true}),
	}
	pid, err := cli.Launch(context.Background(), LaunchSpec{
		Name:    "relswap-updater",
		Program: "/srv/app/.updates/relswap-updater",
		Args:    []string{"--base", "/srv/app", "--version", "9.9.9"},
		Dir:     "/srv/app",
		LogPath: "/srv/app/.updates/updater.log",
	})
	require.NoError(t, err)
	assert.Equal(t, 4321, pid)
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"delete", "relswap-updater"}, calls[0].args)
	launch := strings.Join(calls[1].args, " ")
	assert.Equal(t,
		"start /srv/app/.updates/relswap-updater --name relswap-updater --no-autorestart --interpreter none --cwd /srv/app --output /srv/app/.updates/updater.log --error /srv/app/.updates/updater.log -- --base /srv/app --version 9.9.9",
		launch)
}

func TestCLIPIDsSwallowsQueryFailure(t *testing.T) {
	var calls []recordedCall
	cli := &CLI{Preset: Systemd(), Exec: recordingExec(&calls, nil, map[string]bool{"show": true})}
	pids, err := cli.PIDs(context.Background(), "app.service")
	require.NoError(t, err)
	assert.Empty(t, pids)
	assert.Equal(t, "systemctl", calls[0].bin)
	assert.Equal(t, []string{"show", "-p", "MainPID", "--value", "app.service"}, calls[0].args)
}

func TestSystemdLaunchUsesTransientUnit(t *testing.T) {
	var calls []recordedCall
	cli := &CLI{Preset: Systemd(), Exec: recordingExec(&calls, map[string]string{"show": "0"}, nil)}
	_, err := cli.Launch(context.Background(), LaunchSpec{
		Name: "relswap-updater", Program: "/b/u", Args: []string{"--version", "1"}, Dir: "/b",
	})
	require.NoError(t, err)
	var sawRun bool
	for _, c := range calls {
		if c.bin == "systemd-run" {
			sawRun = true
			assert.Contains(t, c.args, "--unit=relswap-updater")
			assert.Equal(t, []string{"/b/u", "--version", "1"}, c.args[len(c.args)-3:])
		}
	}
	assert.True(t, sawRun)
}

func TestPresetByName(t *testing.T) {
	p, err := PresetByName("")
	require.NoError(t, err)
	assert.Equal(t, "pm2", p.Name)
	p, err = PresetByName("SystemD")
	require.NoError(t, err)
	assert.Equal(t, "systemd", p.Name)
	_, err = PresetByName("launchd")
	assert.Error(t, err)
}

func TestTimeoutExecKillsWedgedCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix-only test")
	}
	run := TimeoutExec(100 * time.Millisecond)
	start := time.Now()
	_, err := run(context.Background(), "sleep", "30")
	var ce *CommandError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.True(t, ce.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)

	out, err := run(context.Background(), "echo", "1,2")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ParsePIDs(out))
}

func TestDirectStopPID(t *testing.T) {
	fos := &fakeOS{alive: map[int]bool{77: true}}
	var terminated []int
	d := &Direct{
		Timing: DirectTiming{Attempts: 3, Interval: time.Millisecond, KillSettle: time.Millisecond},
		OS:     fos.os(),
		Terminate: func(pid int) error {
			terminated = append(terminated, pid)
			return nil
		},
	}
	err := d.StopPID(context.Background(), 77)
	require.ErrorIs(t, err, ErrDidNotStop)
	assert.Equal(t, []int{77}, terminated)
	assert.Equal(t, []int{77}, fos.killed)

	fos.killWorks = true
	require.NoError(t, d.StopPID(context.Background(), 77))
	// already gone
	require.NoError(t, d.StopPID(context.Background(), 77))
}

func TestSpawnDetachedWritesLog(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix-only test")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "bin", "serve.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(script), 0o755))
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho started in $(pwd)\n"), 0o755))

	logPath := filepath.Join(dir, "logs", "server.log")
	pid, err := Spawn(SpawnSpec{Dir: dir, Argv: []string{"bin/serve.sh"}, LogPath: logPath})
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(b), "started in")
	}, 5*time.Second, 20*time.Millisecond)
}
