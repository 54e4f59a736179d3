package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketwire/streamgate/internal/platform"
)

// SystemMonitor is a singleton that centralizes system resource monitoring
// so every component reads the same measurement instead of sampling CPU and
// memory on its own.
var (
	systemMonitorInstance *SystemMonitor
	systemMonitorOnce     sync.Once
)

// SystemMetrics holds current system resource measurements
type SystemMetrics struct {
	CPUPercent    float64                // Current CPU usage percentage (container-aware)
	MemoryBytes   int64                  // Current memory usage in bytes
	MemoryMB      float64                // Current memory usage in MB
	Goroutines    int                    // Current goroutine count
	CPUAllocation float64                // CPU allocation (cores) from container limits
	ThrottleStats platform.ThrottleStats // CPU throttling statistics
	Timestamp     time.Time              // When these metrics were captured
}

// SystemMonitor centralizes system resource monitoring
type SystemMonitor struct {
	cpuMonitor *platform.CPUMonitor
	logger     zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// GetSystemMonitor returns the singleton SystemMonitor instance.
// First call initializes the monitor with the provided logger.
func GetSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	systemMonitorOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())

		systemMonitorInstance = &SystemMonitor{
			cpuMonitor: platform.NewCPUMonitor(logger),
			logger:     logger.With().Str("component", "system_monitor").Logger(),
			ctx:        ctx,
			cancel:     cancel,
		}

		systemMonitorInstance.metrics = SystemMetrics{
			Timestamp: time.Now(),
		}

		logger.Info().
			Str("cpu_mode", systemMonitorInstance.cpuMonitor.Mode()).
			Float64("cpu_allocation", systemMonitorInstance.cpuMonitor.GetAllocation()).
			Msg("SystemMonitor singleton initialized")
	})

	return systemMonitorInstance
}

// StartMonitoring begins periodic system metric updates.
// Should be called once during application startup.
func (sm *SystemMonitor) StartMonitoring(interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "system_monitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.logger.Info().
			Dur("interval", interval).
			Msg("SystemMonitor started")

		sm.updateMetrics()

		for {
			select {
			case <-ticker.C:
				sm.updateMetrics()

			case <-sm.ctx.Done():
				sm.logger.Info().Msg("SystemMonitor stopped")
				return
			}
		}
	}()
}

// updateMetrics performs a single measurement of all system resources
func (sm *SystemMonitor) updateMetrics() {
	cpuPercent, throttleStats, err := sm.cpuMonitor.GetPercent()
	if err != nil {
		LogError(sm.logger, err, "Failed to get CPU usage", nil)
		cpuPercent = 0
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	goroutines := runtime.NumGoroutine()

	sm.mu.Lock()
	sm.metrics = SystemMetrics{
		CPUPercent:    cpuPercent,
		MemoryBytes:   int64(mem.Alloc),
		MemoryMB:      float64(mem.Alloc) / (1024 * 1024),
		Goroutines:    goroutines,
		CPUAllocation: sm.cpuMonitor.GetAllocation(),
		ThrottleStats: throttleStats,
		Timestamp:     time.Now(),
	}
	sm.mu.Unlock()

	CpuUsagePercent.Set(cpuPercent)
	CpuContainerPercent.Set(cpuPercent)
	CpuAllocationCores.Set(sm.cpuMonitor.GetAllocation())

	if hostCPU, err := sm.cpuMonitor.GetHostPercent(); err == nil {
		CpuHostPercent.Set(hostCPU)
	}

	if throttleStats.NrThrottled > 0 {
		CpuThrottleEventsTotal.Add(float64(throttleStats.NrThrottled))
	}
	if throttleStats.ThrottledSec > 0 {
		CpuThrottledSecondsTotal.Add(throttleStats.ThrottledSec)
	}

	sm.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Uint64("cpu_throttled_events", throttleStats.NrThrottled).
		Float64("cpu_throttled_sec", throttleStats.ThrottledSec).
		Float64("memory_mb", sm.metrics.MemoryMB).
		Int("goroutines", goroutines).
		Msg("System metrics updated")
}

// GetMetrics returns a copy of the current system metrics.
func (sm *SystemMonitor) GetMetrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// GetCPUPercent returns the current CPU usage percentage.
func (sm *SystemMonitor) GetCPUPercent() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.CPUPercent
}

// GetMemoryBytes returns the current memory usage in bytes.
func (sm *SystemMonitor) GetMemoryBytes() int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.MemoryBytes
}

// GetMemoryMB returns the current memory usage in megabytes.
func (sm *SystemMonitor) GetMemoryMB() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.MemoryMB
}

// GetGoroutines returns the current goroutine count.
func (sm *SystemMonitor) GetGoroutines() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.Goroutines
}

// GetCPUAllocation returns the CPU allocation (cores) from container limits.
func (sm *SystemMonitor) GetCPUAllocation() float64 {
	return sm.cpuMonitor.GetAllocation()
}

// Shutdown gracefully stops the SystemMonitor.
func (sm *SystemMonitor) Shutdown() {
	sm.logger.Info().Msg("Shutting down SystemMonitor")
	sm.cancel()
	sm.wg.Wait()
	sm.logger.Info().Msg("SystemMonitor shut down")
}
