// Package platform provides container-aware resource detection: CPU
// allocation and usage from cgroup v1/v2 with a gopsutil host fallback, and
// the container memory limit. Worker budgets and admission thresholds are
// sized from these numbers rather than from host-wide values.
package platform

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ContainerCPU reads CPU usage relative to the container allocation directly
// from cgroup statistics files.
type ContainerCPU struct {
	mu               sync.RWMutex
	lastCPUUsec      uint64
	lastSampleTime   time.Time
	cgroupVersion    int    // 1 or 2
	cgroupPath       string // Detected cgroup path
	cpuQuota         int64  // CPU quota (e.g., 100000 for 1.0 CPU)
	cpuPeriod        int64  // CPU period (usually 100000)
	numCPUsAllocated float64
	lastThrottle     ThrottleStats
}

// ThrottleStats contains CPU throttling statistics from cgroup
type ThrottleStats struct {
	NrPeriods    uint64  // Total enforcement periods
	NrThrottled  uint64  // Times container was throttled
	ThrottledSec float64 // Total time throttled (seconds)
}

// NewContainerCPU detects cgroup configuration and initializes the monitor.
func NewContainerCPU() (*ContainerCPU, error) {
	cc := &ContainerCPU{
		lastSampleTime: time.Now(),
	}

	cgroupPath, version, err := detectCgroupPath()
	if err != nil {
		return nil, fmt.Errorf("failed to detect cgroup: %w", err)
	}

	cc.cgroupPath = cgroupPath
	cc.cgroupVersion = version

	quota, period, err := readCPUQuota(cgroupPath, version)
	if err != nil {
		return nil, fmt.Errorf("failed to read CPU quota: %w", err)
	}

	cc.cpuQuota = quota
	cc.cpuPeriod = period

	if quota > 0 && period > 0 {
		cc.numCPUsAllocated = float64(quota) / float64(period)
	} else {
		// No limit set - use number of CPU cores
		cc.numCPUsAllocated = float64(runtime.NumCPU())
	}

	usage, err := readCPUUsage(cgroupPath, version)
	if err != nil {
		return nil, fmt.Errorf("failed to read initial CPU usage: %w", err)
	}
	cc.lastCPUUsec = usage

	if throttle, err := readThrottleStats(cgroupPath, version); err == nil {
		cc.lastThrottle = throttle
	}

	return cc, nil
}

// GetPercent returns CPU usage as a percentage of allocated CPUs along with
// throttling deltas since the previous call.
func (cc *ContainerCPU) GetPercent() (percent float64, throttled ThrottleStats, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	now := time.Now()
	timeDelta := now.Sub(cc.lastSampleTime)

	currentUsec, err := readCPUUsage(cc.cgroupPath, cc.cgroupVersion)
	if err != nil {
		return 0, ThrottleStats{}, err
	}

	usageDelta := currentUsec - cc.lastCPUUsec

	timeDeltaUsec := timeDelta.Microseconds()
	if timeDeltaUsec == 0 {
		return 0, ThrottleStats{}, fmt.Errorf("time delta too small")
	}

	// usageDelta is CPU time consumed; timeDelta is wall-clock time. The raw
	// ratio can exceed 100% on multi-core, so normalize to the allocation.
	rawPercent := (float64(usageDelta) / float64(timeDeltaUsec)) * 100.0
	percent = rawPercent / cc.numCPUsAllocated

	if currentThrottle, terr := readThrottleStats(cc.cgroupPath, cc.cgroupVersion); terr == nil {
		throttled = ThrottleStats{
			NrPeriods:    currentThrottle.NrPeriods - cc.lastThrottle.NrPeriods,
			NrThrottled:  currentThrottle.NrThrottled - cc.lastThrottle.NrThrottled,
			ThrottledSec: currentThrottle.ThrottledSec - cc.lastThrottle.ThrottledSec,
		}
		cc.lastThrottle = currentThrottle
	}

	cc.lastCPUUsec = currentUsec
	cc.lastSampleTime = now

	return percent, throttled, nil
}

// detectCgroupPath finds the cgroup path for the current process.
func detectCgroupPath() (path string, version int, err error) {
	file, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		// Format: hierarchy-ID:controller-list:cgroup-path
		parts := strings.Split(line, ":")
		if len(parts) != 3 {
			continue
		}

		hierarchyID := parts[0]
		cgroupPath := parts[2]

		// cgroup v2: hierarchy-ID is 0 and controller-list is empty
		if hierarchyID == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + cgroupPath, 2, nil
		}

		// cgroup v1: look for cpu controller
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + cgroupPath, 1, nil
		}
	}

	return "", 0, fmt.Errorf("could not detect cgroup path")
}

func readCPUQuota(cgroupPath string, version int) (quota, period int64, err error) {
	if version == 2 {
		// cgroup v2: cpu.max contains "quota period"
		data, err := os.ReadFile(cgroupPath + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}

		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("unexpected cpu.max format: %s", string(data))
		}

		if fields[0] == "max" {
			return -1, 0, nil
		}

		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}

		period, err = strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}

		return quota, period, nil
	}

	// cgroup v1: separate files
	quotaData, err := os.ReadFile(cgroupPath + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}

	periodData, err := os.ReadFile(cgroupPath + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}

	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}

	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}

	return quota, period, nil
}

func readCPUUsage(cgroupPath string, version int) (uint64, error) {
	if version == 2 {
		// cgroup v2: cpu.stat contains "usage_usec NNNNNN"
		file, err := os.Open(cgroupPath + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "usage_usec ") {
				fields := strings.Fields(line)
				if len(fields) == 2 {
					return strconv.ParseUint(fields[1], 10, 64)
				}
			}
		}
		return 0, fmt.Errorf("usage_usec not found in cpu.stat")
	}

	// cgroup v1: cpuacct.usage contains nanoseconds
	data, err := os.ReadFile(cgroupPath + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}

	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}

	return nsec / 1000, nil
}

func readThrottleStats(cgroupPath string, version int) (ThrottleStats, error) {
	var stats ThrottleStats

	file, err := os.Open(cgroupPath + "/cpu.stat")
	if err != nil {
		return stats, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}

		value, _ := strconv.ParseUint(fields[1], 10, 64)

		switch fields[0] {
		case "nr_periods":
			stats.NrPeriods = value
		case "nr_throttled":
			stats.NrThrottled = value
		case "throttled_usec": // v2, microseconds
			stats.ThrottledSec = float64(value) / 1e6
		case "throttled_time": // v1, nanoseconds
			stats.ThrottledSec = float64(value) / 1e9
		}
	}

	return stats, nil
}

// GetAllocation returns the number of CPUs allocated to this container.
func (cc *ContainerCPU) GetAllocation() float64 {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.numCPUsAllocated
}

// GetInfo returns cgroup configuration info for debugging.
func (cc *ContainerCPU) GetInfo() map[string]any {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return map[string]any{
		"cgroup_version": cc.cgroupVersion,
		"cgroup_path":    cc.cgroupPath,
		"cpu_quota":      cc.cpuQuota,
		"cpu_period":     cc.cpuPeriod,
		"cpus_allocated": cc.numCPUsAllocated,
	}
}

// CPUMonitor provides unified CPU measurement with automatic fallback to
// host-wide measurement when cgroup detection fails.
type CPUMonitor struct {
	mode         string        // "container" or "host"
	containerCPU *ContainerCPU // nil if mode=host
	logger       zerolog.Logger
}

// NewCPUMonitor creates a CPU monitor with automatic container detection.
func NewCPUMonitor(logger zerolog.Logger) *CPUMonitor {
	containerCPU, err := NewContainerCPU()
	if err == nil {
		logger.Info().
			Int("cgroup_version", containerCPU.cgroupVersion).
			Float64("cpus_allocated", containerCPU.GetAllocation()).
			Str("cgroup_path", containerCPU.cgroupPath).
			Msg("Using container-aware CPU measurement")

		return &CPUMonitor{
			mode:         "container",
			containerCPU: containerCPU,
			logger:       logger,
		}
	}

	logger.Warn().
		Err(err).
		Msg("Container CPU measurement unavailable, falling back to host CPU")

	return &CPUMonitor{
		mode:   "host",
		logger: logger,
	}
}

// GetPercent returns CPU usage percentage. In container mode the value is
// relative to the container allocation.
func (cm *CPUMonitor) GetPercent() (float64, ThrottleStats, error) {
	if cm.mode == "container" {
		return cm.containerCPU.GetPercent()
	}

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, ThrottleStats{}, err
	}
	if len(cpuPercent) == 0 {
		return 0, ThrottleStats{}, fmt.Errorf("no CPU data")
	}
	return cpuPercent[0], ThrottleStats{}, nil
}

// GetHostPercent returns host-wide CPU percentage (for reference metrics).
func (cm *CPUMonitor) GetHostPercent() (float64, error) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(cpuPercent) == 0 {
		return 0, fmt.Errorf("no CPU data")
	}
	return cpuPercent[0], nil
}

// GetAllocation returns the number of CPUs allocated.
func (cm *CPUMonitor) GetAllocation() float64 {
	if cm.mode == "container" {
		return cm.containerCPU.GetAllocation()
	}
	return float64(runtime.NumCPU())
}

// Mode returns the current CPU monitoring mode.
func (cm *CPUMonitor) Mode() string {
	return cm.mode
}

// GetInfo returns configuration information.
func (cm *CPUMonitor) GetInfo() map[string]any {
	info := map[string]any{
		"mode":       cm.mode,
		"allocation": cm.GetAllocation(),
	}

	if cm.mode == "container" {
		for k, v := range cm.containerCPU.GetInfo() {
			info[k] = v
		}
	}

	return info
}

// GetMemoryLimit returns the container memory limit in bytes, or 0 when no
// limit is detected (non-containerized or unlimited).
func GetMemoryLimit() (int64, error) {
	// cgroup v2: "536870912" or "max"
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
	}

	// cgroup v1
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		return strconv.ParseInt(limitStr, 10, 64)
	}

	return 0, nil
}
