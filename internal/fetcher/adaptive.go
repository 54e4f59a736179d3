package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketwire/streamgate/internal/monitoring"
)

const (
	adjustInterval        = 30 * time.Second
	stabilizationWindow   = 30 * time.Second
	breakerRecoveryWait   = 60 * time.Second
	performanceWindowSize = 100
)

// opSample is one recorded fetcher operation.
type opSample struct {
	duration time.Duration
	ok       bool
}

// PerformanceWindow is a fixed-size ring of the most recent operation
// outcomes. Every fetcher operation (establish, subscribe, unsubscribe,
// close, health check step) lands here; the adaptive controller only ever
// observes, it never instruments.
type PerformanceWindow struct {
	mu      sync.Mutex
	samples []opSample
	next    int
	filled  bool
}

func NewPerformanceWindow() *PerformanceWindow {
	return &PerformanceWindow{
		samples: make([]opSample, performanceWindowSize),
	}
}

// Record adds one operation outcome, evicting the oldest once full.
func (w *PerformanceWindow) Record(duration time.Duration, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = opSample{duration: duration, ok: ok}
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

func (w *PerformanceWindow) size() int {
	if w.filled {
		return len(w.samples)
	}
	return w.next
}

// Size returns how many samples the window currently holds.
func (w *PerformanceWindow) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size()
}

// SuccessRate over the window contents; 1.0 when empty.
func (w *PerformanceWindow) SuccessRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.size()
	if n == 0 {
		return 1.0
	}

	succeeded := 0
	for i := 0; i < n; i++ {
		if w.samples[i].ok {
			succeeded++
		}
	}
	return float64(succeeded) / float64(n)
}

// AvgResponseTime over the window contents; 0 when empty.
func (w *PerformanceWindow) AvgResponseTime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.size()
	if n == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < n; i++ {
		total += w.samples[i].duration
	}
	return total / time.Duration(n)
}

// AdaptiveController tunes the fetcher's fan-out concurrency from observed
// success rates and latencies, with a circuit breaker for collapse
// scenarios (upstream outage takes success below 50%).
type AdaptiveController struct {
	mu sync.Mutex

	current int
	min     int
	max     int

	window *PerformanceWindow

	lastAdjusted time.Time

	breakerOpen      bool
	breakerTrippedAt time.Time

	logger zerolog.Logger
	audit  *monitoring.AuditLogger
}

func NewAdaptiveController(min, max, initial int, window *PerformanceWindow, logger zerolog.Logger, audit *monitoring.AuditLogger) *AdaptiveController {
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}

	c := &AdaptiveController{
		current: initial,
		min:     min,
		max:     max,
		window:  window,
		logger:  logger.With().Str("component", "adaptive_concurrency").Logger(),
		audit:   audit,
	}
	monitoring.SetAdaptiveConcurrency(initial)
	return c
}

// Current returns the concurrency fan-out callers should use right now.
func (c *AdaptiveController) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// BreakerOpen reports whether the circuit breaker is tripped.
func (c *AdaptiveController) BreakerOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breakerOpen
}

// Start runs the 30-second adjustment loop until ctx is cancelled.
func (c *AdaptiveController) Start(ctx context.Context) {
	go func() {
		defer monitoring.RecoverPanic(c.logger, "adaptive-concurrency-controller", nil)

		ticker := time.NewTicker(adjustInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.adjust()
			}
		}
	}()
}

// adjust applies one controller tick: breaker recovery, breaker trip, or a
// ±20% step bounded to [min, max].
func (c *AdaptiveController) adjust() {
	successRate := c.window.SuccessRate()
	sampleCount := c.window.Size()
	avg := c.window.AvgResponseTime()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.breakerOpen {
		if time.Since(c.breakerTrippedAt) >= breakerRecoveryWait && successRate > 0.90 {
			c.breakerOpen = false
			c.current = c.resumeConcurrency()
			c.lastAdjusted = time.Now()

			monitoring.SetCircuitBreakerOpen(false)
			monitoring.SetAdaptiveConcurrency(c.current)

			c.logger.Info().
				Int("concurrency", c.current).
				Float64("success_rate", successRate).
				Msg("Circuit breaker closed, resuming at reduced concurrency")
			if c.audit != nil {
				c.audit.Info(monitoring.EventCircuitBreakerClosed, "Fetcher circuit breaker closed", map[string]any{
					"concurrency":  c.current,
					"success_rate": successRate,
				})
			}
		}
		return
	}

	if sampleCount == 0 {
		return
	}

	if successRate < 0.50 {
		c.breakerOpen = true
		c.breakerTrippedAt = time.Now()
		c.current = c.min

		monitoring.SetCircuitBreakerOpen(true)
		monitoring.SetAdaptiveConcurrency(c.current)

		c.logger.Error().
			Float64("success_rate", successRate).
			Int("samples", sampleCount).
			Int("concurrency", c.current).
			Msg("Circuit breaker tripped, concurrency pinned to minimum")
		if c.audit != nil {
			c.audit.Critical(monitoring.EventCircuitBreakerTripped, "Fetcher circuit breaker tripped", map[string]any{
				"success_rate": successRate,
				"samples":      sampleCount,
			})
		}
		return
	}

	if time.Since(c.lastAdjusted) < stabilizationWindow {
		return
	}

	step := c.current / 5
	if step < 1 {
		step = 1
	}

	next := c.current
	reason := ""
	switch {
	case successRate < 0.80:
		next, reason = c.current-step, "poor success rate"
	case successRate > 0.98 && avg > 0 && avg < 100*time.Millisecond:
		next, reason = c.current+step, "excellent performance"
	case successRate > 0.98 && avg > 2000*time.Millisecond:
		next, reason = c.current-step, "slow responses"
	default:
		return
	}

	if next < c.min {
		next = c.min
	}
	if next > c.max {
		next = c.max
	}
	if next == c.current {
		return
	}

	c.current = next
	c.lastAdjusted = time.Now()
	monitoring.SetAdaptiveConcurrency(c.current)

	c.logger.Info().
		Int("concurrency", c.current).
		Str("reason", reason).
		Float64("success_rate", successRate).
		Dur("avg_response", avg).
		Msg("Adjusted fetcher concurrency")
}

// resumeConcurrency returns max(min*2, min(max/4, 10)): above the floor the
// breaker pinned us to, but well short of full fan-out.
func (c *AdaptiveController) resumeConcurrency() int {
	quarter := c.max / 4
	if quarter > 10 {
		quarter = 10
	}
	resume := c.min * 2
	if quarter > resume {
		resume = quarter
	}
	if resume > c.max {
		resume = c.max
	}
	return resume
}
