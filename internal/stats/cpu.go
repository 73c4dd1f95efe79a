// ABOUTME: CPU usage measurement from the kernel's cumulative CPU counters
// ABOUTME: Reads /proc/stat through procfs and computes busy percentage between two readings

package stats

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
)

// ErrCPUUnavailable is returned when this host exposes no CPU counters.
var ErrCPUUnavailable = errors.New("cpu counters unavailable")

// CPUTimes holds aggregate CPU time in seconds since boot.
type CPUTimes struct {
	Idle  float64 // idle + iowait
	Total float64
}

// Busy returns the non-idle time.
func (c CPUTimes) Busy() float64 {
	return c.Total - c.Idle
}

// CPUReader returns the current cumulative CPU times.
type CPUReader func() (CPUTimes, error)

// cpuTimesFromStat sums the aggregate line. Guest time is already counted in
// user and nice, so it is left out.
func cpuTimesFromStat(s procfs.CPUStat) CPUTimes {
	idle := s.Idle + s.Iowait
	return CPUTimes{
		Idle:  idle,
		Total: s.User + s.Nice + s.System + idle + s.IRQ + s.SoftIRQ + s.Steal,
	}
}

// NewProcReader returns a CPUReader over the proc filesystem mounted at
// mountPoint, or the default mount when empty.
func NewProcReader(mountPoint string) (CPUReader, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCPUUnavailable, err)
	}

	return func() (CPUTimes, error) {
		stat, err := fs.Stat()
		if err != nil {
			return CPUTimes{}, err
		}
		times := cpuTimesFromStat(stat.CPUTotal)
		if times.Total <= 0 {
			return CPUTimes{}, fmt.Errorf("%w: no aggregate cpu line in %s/stat", ErrCPUUnavailable, mountPoint)
		}
		return times, nil
	}, nil
}

// UsagePercent returns the busy share of the interval between prev and cur.
// With a zero prev it returns the share since boot.
func UsagePercent(prev, cur CPUTimes) float64 {
	if cur.Total <= prev.Total {
		return 0
	}
	busy := cur.Busy() - prev.Busy()
	if busy < 0 {
		busy = 0
	}
	pct := busy / (cur.Total - prev.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
