// Package limits contains admission control: the resource guard that rejects
// work when CPU, memory, goroutine, or connection budgets are exhausted, and
// the per-IP/global connection rate limiter.
package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/marketwire/streamgate/internal/config"
	"github.com/marketwire/streamgate/internal/monitoring"
)

// ResourceGuard enforces static resource limits. Limits come from
// configuration, never from measurement: the guard rejects and throttles but
// does not auto-tune.
//
// Checks are evaluated against the latest SystemMonitor sample, so admission
// decisions cost a few atomic loads and no syscalls.
type ResourceGuard struct {
	cfg    *config.Config
	logger zerolog.Logger

	tickLimiter      *rate.Limiter // Caps upstream tick intake
	broadcastLimiter *rate.Limiter // Caps room broadcast operations

	goroutineLimiter *GoroutineLimiter

	sysmon *monitoring.SystemMonitor

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64 (bytes)

	// Pointer into the gateway stats block, read atomically.
	currentConns *int64
}

// GoroutineLimiter limits concurrent goroutines using a semaphore.
type GoroutineLimiter struct {
	sem chan struct{}
	max int
}

func NewGoroutineLimiter(max int) *GoroutineLimiter {
	return &GoroutineLimiter{
		sem: make(chan struct{}, max),
		max: max,
	}
}

// Acquire attempts to acquire a goroutine slot. Returns false at the limit.
func (gl *GoroutineLimiter) Acquire() bool {
	select {
	case gl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (gl *GoroutineLimiter) Release() {
	<-gl.sem
}

func (gl *GoroutineLimiter) Current() int {
	return len(gl.sem)
}

func (gl *GoroutineLimiter) Max() int {
	return gl.max
}

// NewResourceGuard creates a guard reading resource samples from sysmon and
// connection counts from currentConns (atomic access).
func NewResourceGuard(cfg *config.Config, logger zerolog.Logger, sysmon *monitoring.SystemMonitor, currentConns *int64) *ResourceGuard {
	rg := &ResourceGuard{
		cfg:    cfg,
		logger: logger,
		// Burst of 2x the sustained rate absorbs market-open spikes.
		tickLimiter:      rate.NewLimiter(rate.Limit(cfg.MaxTickRate), cfg.MaxTickRate*2),
		broadcastLimiter: rate.NewLimiter(rate.Limit(cfg.MaxBroadcastRate), cfg.MaxBroadcastRate*2),
		goroutineLimiter: NewGoroutineLimiter(cfg.MaxGoroutines),
		sysmon:           sysmon,
		currentConns:     currentConns,
	}

	rg.currentCPU.Store(0.0)
	rg.currentMemory.Store(int64(0))

	logger.Info().
		Float64("cpu_limit", cfg.CPULimit).
		Float64("cpu_reject_threshold", cfg.CPURejectThreshold).
		Int64("memory_limit", cfg.MemoryLimit).
		Int("max_connections", cfg.MaxConnections).
		Int("max_tick_rate", cfg.MaxTickRate).
		Int("max_broadcast_rate", cfg.MaxBroadcastRate).
		Int("max_goroutines", cfg.MaxGoroutines).
		Msg("Resource guard initialized")

	return rg
}

// ShouldAcceptConnection checks whether a new WebSocket connection can be
// accepted. Checks run in order: connection limit, CPU brake, memory brake,
// goroutine limit. Returns the rejection reason when refused.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	currentConns := atomic.LoadInt64(rg.currentConns)
	currentCPU := rg.currentCPU.Load().(float64)
	currentMemory := rg.currentMemory.Load().(int64)
	currentGoros := runtime.NumGoroutine()

	if currentConns >= int64(rg.cfg.MaxConnections) {
		monitoring.IncrementCapacityRejection(monitoring.CapacityRejectMaxConnections)
		rg.logger.Debug().
			Int64("current_conns", currentConns).
			Int("max_conns", rg.cfg.MaxConnections).
			Msg("Connection rejected: at max connections")
		return false, fmt.Sprintf("at max connections (%d)", rg.cfg.MaxConnections)
	}

	if currentCPU > rg.cfg.CPURejectThreshold {
		monitoring.IncrementCapacityRejection(monitoring.CapacityRejectCPUOverload)
		rg.logger.Debug().
			Float64("current_cpu", currentCPU).
			Float64("threshold", rg.cfg.CPURejectThreshold).
			Msg("Connection rejected: CPU overload")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", currentCPU, rg.cfg.CPURejectThreshold)
	}

	if currentMemory > rg.cfg.MemoryLimit {
		monitoring.IncrementCapacityRejection(monitoring.CapacityRejectMemoryLimit)
		rg.logger.Debug().
			Int64("current_memory_mb", currentMemory/(1024*1024)).
			Int64("limit_mb", rg.cfg.MemoryLimit/(1024*1024)).
			Msg("Connection rejected: memory limit exceeded")
		return false, "memory limit exceeded"
	}

	if currentGoros > rg.cfg.MaxGoroutines {
		monitoring.IncrementCapacityRejection(monitoring.CapacityRejectGoroutineLimit)
		rg.logger.Debug().
			Int("current_goroutines", currentGoros).
			Int("max_goroutines", rg.cfg.MaxGoroutines).
			Msg("Connection rejected: goroutine limit exceeded")
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", currentGoros, rg.cfg.MaxGoroutines)
	}

	return true, "OK"
}

// ShouldPauseIntake reports whether upstream tick intake should pause because
// CPU crossed the pause threshold. Callers back off and retry; ticks are not
// dropped here.
func (rg *ResourceGuard) ShouldPauseIntake() bool {
	currentCPU := rg.currentCPU.Load().(float64)
	return currentCPU > rg.cfg.CPUPauseThreshold
}

// AllowTick checks whether an upstream tick may enter the pipeline.
// When blocked, waitDuration tells the caller how long to back off. The
// reservation is cancelled rather than waited on so intake never blocks the
// provider read loop.
func (rg *ResourceGuard) AllowTick(ctx context.Context) (allow bool, waitDuration time.Duration) {
	reservation := rg.tickLimiter.Reserve()
	if !reservation.OK() {
		rg.logger.Warn().Msg("Tick rate limit exceeded")
		return false, 0
	}

	delay := reservation.Delay()
	if delay == 0 {
		return true, 0
	}

	reservation.Cancel()
	return false, delay
}

// AllowBroadcast checks whether a room broadcast may proceed.
func (rg *ResourceGuard) AllowBroadcast() bool {
	return rg.broadcastLimiter.Allow()
}

// AcquireGoroutine attempts to reserve a goroutine slot. Callers must pair a
// successful acquire with ReleaseGoroutine.
func (rg *ResourceGuard) AcquireGoroutine() bool {
	acquired := rg.goroutineLimiter.Acquire()
	if !acquired {
		rg.logger.Warn().
			Int("current", rg.goroutineLimiter.Current()).
			Int("max", rg.goroutineLimiter.Max()).
			Msg("Goroutine limit reached")
	}
	return acquired
}

func (rg *ResourceGuard) ReleaseGoroutine() {
	rg.goroutineLimiter.Release()
}

// UpdateResources refreshes the cached CPU and memory readings from the
// system monitor and publishes headroom gauges.
func (rg *ResourceGuard) UpdateResources() {
	cpuPercent := rg.sysmon.GetCPUPercent()
	memoryBytes := rg.sysmon.GetMemoryBytes()

	rg.currentCPU.Store(cpuPercent)
	rg.currentMemory.Store(memoryBytes)

	cpuHeadroom := 100.0 - cpuPercent
	memPercent := 0.0
	if rg.cfg.MemoryLimit > 0 {
		memPercent = (float64(memoryBytes) / float64(rg.cfg.MemoryLimit)) * 100
	}
	memHeadroom := 100.0 - memPercent

	monitoring.UpdateCapacityHeadroom(cpuHeadroom, memHeadroom)

	rg.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Int64("memory_mb", memoryBytes/(1024*1024)).
		Int64("connections", atomic.LoadInt64(rg.currentConns)).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("Resource state updated")
}

// StartMonitoring begins periodic resource refreshes until ctx is cancelled.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer monitoring.RecoverPanic(rg.logger, "resource-guard-monitor", nil)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rg.UpdateResources()
			case <-ctx.Done():
				rg.logger.Info().Msg("Resource guard monitoring stopped")
				return
			}
		}
	}()

	rg.logger.Info().
		Dur("interval", interval).
		Msg("Resource guard monitoring started")
}

// GetStats returns current resource state for the health endpoint.
func (rg *ResourceGuard) GetStats() map[string]any {
	return map[string]any{
		"max_connections":      rg.cfg.MaxConnections,
		"current_connections":  atomic.LoadInt64(rg.currentConns),
		"cpu_percent":          rg.currentCPU.Load().(float64),
		"cpu_reject_threshold": rg.cfg.CPURejectThreshold,
		"cpu_pause_threshold":  rg.cfg.CPUPauseThreshold,
		"memory_bytes":         rg.currentMemory.Load().(int64),
		"memory_limit_bytes":   rg.cfg.MemoryLimit,
		"goroutines_current":   runtime.NumGoroutine(),
		"goroutines_limit":     rg.cfg.MaxGoroutines,
		"tick_rate_limit":      rg.cfg.MaxTickRate,
		"broadcast_rate_limit": rg.cfg.MaxBroadcastRate,
	}
}
