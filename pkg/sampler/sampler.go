// Package sampler implements component B: periodic CPU% and RSS
// sampling for a live child, derived from /proc on Linux.
package sampler

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oxidekit/oxidepm/pkg/spec"
)

var clockTicksPerSecond = int64(100) // matches the common Linux USER_HZ

type cpuSnapshot struct {
	totalTicks int64
	at         time.Time
}

// Sampler reads resource usage for a single pid across calls, deriving
// CPU% from the delta between consecutive samples.
type Sampler struct {
	pid  int
	prev *cpuSnapshot
}

func New(pid int) *Sampler {
	return &Sampler{pid: pid}
}

// Sample takes one reading. If the pid is gone, it returns a single
// stale sample and a non-nil error. The supervisor ignores stale
// samples, samples again on its next tick, and learns of the child's
// exit from its wait on the process, not from this error.
func (s *Sampler) Sample() (spec.ResourceSample, error) {
	rssBytes, utime, stime, err := readProcStat(s.pid)
	if err != nil {
		return spec.ResourceSample{Timestamp: time.Now(), Stale: true}, err
	}

	now := time.Now()
	totalTicks := utime + stime
	cur := &cpuSnapshot{totalTicks: totalTicks, at: now}

	var cpuPercent float64
	if s.prev != nil {
		elapsed := now.Sub(s.prev.at).Seconds()
		if elapsed > 0 {
			deltaTicks := float64(totalTicks - s.prev.totalTicks)
			cpuPercent = (deltaTicks / float64(clockTicksPerSecond)) / elapsed * 100
			if cpuPercent < 0 {
				cpuPercent = 0
			}
		}
	}
	s.prev = cur

	return spec.ResourceSample{
		Timestamp:  now,
		CPUPercent: cpuPercent,
		RSSBytes:   rssBytes,
	}, nil
}

// readProcStat parses /proc/[pid]/stat for utime+stime (fields 14, 15)
// and /proc/[pid]/statm for resident pages (field 2), converting pages
// to bytes via the system page size.
func readProcStat(pid int) (rssBytes, utime, stime int64, err error) {
	statBytes, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, 0, err
	}
	// Fields after the parenthesized comm field may contain spaces, so
	// split from the closing paren rather than on every space.
	line := string(statBytes)
	closeParen := strings.LastIndex(line, ")")
	if closeParen < 0 {
		return 0, 0, 0, fmt.Errorf("unexpected /proc/%d/stat format", pid)
	}
	fields := strings.Fields(line[closeParen+1:])
	// fields[0] is state (field 3); utime is field 14 => fields[11];
	// stime is field 15 => fields[12].
	if len(fields) < 13 {
		return 0, 0, 0, fmt.Errorf("short /proc/%d/stat", pid)
	}
	utime, err = strconv.ParseInt(fields[11], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	stime, err = strconv.ParseInt(fields[12], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}

	statmBytes, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, utime, stime, err
	}
	statmFields := strings.Fields(string(statmBytes))
	if len(statmFields) < 2 {
		return 0, utime, stime, fmt.Errorf("short /proc/%d/statm", pid)
	}
	residentPages, err := strconv.ParseInt(statmFields[1], 10, 64)
	if err != nil {
		return 0, utime, stime, err
	}

	return residentPages * int64(os.Getpagesize()), utime, stime, nil
}
