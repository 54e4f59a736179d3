package fetcher

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func fillWindow(w *PerformanceWindow, n int, latency time.Duration, ok bool) {
	for i := 0; i < n; i++ {
		w.Record(latency, ok)
	}
}

func newTestController(min, max, initial int, window *PerformanceWindow) *AdaptiveController {
	return NewAdaptiveController(min, max, initial, window, zerolog.Nop(), nil)
}

func TestPerformanceWindow(t *testing.T) {
	w := NewPerformanceWindow()
	assert.Equal(t, 1.0, w.SuccessRate(), "empty window is optimistic")
	assert.Equal(t, time.Duration(0), w.AvgResponseTime())

	fillWindow(w, 3, 10*time.Millisecond, true)
	w.Record(30*time.Millisecond, false)

	assert.Equal(t, 4, w.Size())
	assert.Equal(t, 0.75, w.SuccessRate())
	assert.Equal(t, 15*time.Millisecond, w.AvgResponseTime())

	// Ring evicts oldest once full.
	fillWindow(w, performanceWindowSize, time.Millisecond, true)
	assert.Equal(t, performanceWindowSize, w.Size())
	assert.Equal(t, 1.0, w.SuccessRate())
}

func TestControllerClampsInitial(t *testing.T) {
	c := newTestController(2, 10, 100, NewPerformanceWindow())
	assert.Equal(t, 10, c.Current())

	c = newTestController(2, 10, 0, NewPerformanceWindow())
	assert.Equal(t, 2, c.Current())
}

func TestControllerNoAdjustWithoutSamples(t *testing.T) {
	c := newTestController(2, 50, 10, NewPerformanceWindow())
	c.adjust()
	assert.Equal(t, 10, c.Current())
	assert.False(t, c.BreakerOpen())
}

func TestBreakerTripsOnCollapse(t *testing.T) {
	w := NewPerformanceWindow()
	fillWindow(w, 20, 50*time.Millisecond, false)

	c := newTestController(2, 50, 10, w)
	c.adjust()

	assert.True(t, c.BreakerOpen())
	assert.Equal(t, 2, c.Current(), "concurrency pinned to minimum while tripped")

	// Still open on the next tick; recovery wait has not elapsed.
	fillWindow(w, 100, 10*time.Millisecond, true)
	c.adjust()
	assert.True(t, c.BreakerOpen())
}

func TestBreakerRecovery(t *testing.T) {
	w := NewPerformanceWindow()
	fillWindow(w, 20, 50*time.Millisecond, false)

	c := newTestController(2, 48, 10, w)
	c.adjust()
	assert.True(t, c.BreakerOpen())

	// Success recovers and the wait elapses.
	fillWindow(w, 100, 10*time.Millisecond, true)
	c.mu.Lock()
	c.breakerTrippedAt = time.Now().Add(-2 * breakerRecoveryWait)
	c.mu.Unlock()

	c.adjust()
	assert.False(t, c.BreakerOpen())
	// max(min*2, min(max/4, 10)) = max(4, 10) = 10
	assert.Equal(t, 10, c.Current())
}

func TestStepDownOnPoorSuccessRate(t *testing.T) {
	w := NewPerformanceWindow()
	fillWindow(w, 70, 50*time.Millisecond, true)
	fillWindow(w, 30, 50*time.Millisecond, false) // 70% success

	c := newTestController(2, 50, 10, w)
	c.adjust()

	assert.False(t, c.BreakerOpen())
	assert.Equal(t, 8, c.Current(), "20 percent step down")
}

func TestStepUpOnExcellentPerformance(t *testing.T) {
	w := NewPerformanceWindow()
	fillWindow(w, 100, 10*time.Millisecond, true)

	c := newTestController(2, 50, 10, w)
	c.adjust()

	assert.Equal(t, 12, c.Current(), "20 percent step up")
}

func TestStepRespectsStabilizationWindow(t *testing.T) {
	w := NewPerformanceWindow()
	fillWindow(w, 100, 10*time.Millisecond, true)

	c := newTestController(2, 50, 10, w)
	c.adjust()
	assert.Equal(t, 12, c.Current())

	// Immediately after an adjustment nothing moves.
	c.adjust()
	assert.Equal(t, 12, c.Current())
}

func TestStepBoundedByMax(t *testing.T) {
	w := NewPerformanceWindow()
	fillWindow(w, 100, 10*time.Millisecond, true)

	c := newTestController(2, 11, 10, w)
	c.adjust()
	assert.Equal(t, 11, c.Current())
}
