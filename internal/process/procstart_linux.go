//go:build linux

package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	sysconf "github.com/tklauser/go-sysconf"
)

var errNoBootTime = errors.New("btime not found in /proc/stat")

// startTime reads the start of pid from procfs: the starttime field of
// /proc/<pid>/stat counts clock ticks since boot, and /proc/stat holds the
// boot time.
func startTime(pid int) (time.Time, error) {
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return time.Time{}, err
	}
	ticks, err := parseStartTicks(string(stat))
	if err != nil {
		return time.Time{}, err
	}
	f, err := os.Open("/proc/stat")
	if err != nil {
		return time.Time{}, err
	}
	defer func() { _ = f.Close() }()
	boot, err := parseBootTime(f)
	if err != nil {
		return time.Time{}, err
	}
	return bootOffset(boot, ticks, clockTicks()), nil
}

// parseStartTicks extracts field 22 (starttime) from a /proc/<pid>/stat line.
// The command name in field 2 may hold spaces and parentheses, so fields are
// counted from the last ") ".
func parseStartTicks(stat string) (int64, error) {
	end := strings.LastIndex(stat, ") ")
	if end < 0 {
		return 0, fmt.Errorf("malformed stat line")
	}
	fields := strings.Fields(stat[end+2:])
	// fields[0] is field 3 (state)
	const startField = 22 - 3
	if len(fields) <= startField {
		return 0, fmt.Errorf("stat line has %d fields after comm", len(fields))
	}
	ticks, err := strconv.ParseInt(fields[startField], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("starttime: %w", err)
	}
	if ticks <= 0 {
		return 0, fmt.Errorf("starttime %d", ticks)
	}
	return ticks, nil
}

// parseBootTime returns the btime entry of /proc/stat in Unix seconds.
func parseBootTime(r io.Reader) (int64, error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		v, ok := strings.CutPrefix(s.Text(), "btime ")
		if !ok {
			continue
		}
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	if err := s.Err(); err != nil {
		return 0, err
	}
	return 0, errNoBootTime
}

func bootOffset(boot, ticks, hz int64) time.Time {
	return time.Unix(boot, 0).Add(time.Duration(ticks) * time.Second / time.Duration(hz))
}

// clockTicks is USER_HZ, 100 on nearly every kernel when sysconf fails.
func clockTicks() int64 {
	if hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK); err == nil && hz > 0 {
		return hz
	}
	return 100
}
