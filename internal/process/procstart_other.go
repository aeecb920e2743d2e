//go:build !linux

package process

import (
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// startTime asks gopsutil, which uses sysctl on darwin/bsd and
// GetProcessTimes on windows.
func startTime(pid int) (time.Time, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}, err
	}
	ms, err := p.CreateTime()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
