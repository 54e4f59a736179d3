package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/marketwire/streamgate/internal/monitoring"
)

// Tier-1 inactivity thresholds.
const (
	inactivityHardFail   = 5 * time.Minute
	inactivitySuspicious = 2 * time.Minute
)

// HealthCheckOptions tunes one BatchHealthCheck run. Use
// DefaultHealthCheckOptions as the base; a zero struct disables tiering.
type HealthCheckOptions struct {
	// TimeoutMs is the full-check budget per connection. 0 uses the
	// configured health check timeout.
	TimeoutMs int

	// Concurrency bounds tier fan-out. 0 uses the adaptive controller's
	// current value.
	Concurrency int

	// Retries for the tier-3 full check. 0 means the default single retry.
	Retries int

	// TieredEnabled selects the three-pass classification. When false every
	// connection gets the full check.
	TieredEnabled bool
}

// DefaultHealthCheckOptions returns the standard tiered configuration.
func DefaultHealthCheckOptions() HealthCheckOptions {
	return HealthCheckOptions{TieredEnabled: true}
}

// BatchHealthCheck classifies every active connection as healthy or not.
//
// Tiered mode spends ~1 ms on connections with recent activity (tier 1),
// ~50 ms on suspicious ones (tier 2 heartbeat race), and the full budget
// only on hard failures (tier 3 with retries). The reported efficiency is
// (T_naive - T_tiered) / T_naive with T_naive = N x 1s.
func (f *Fetcher) BatchHealthCheck(ctx context.Context, opts HealthCheckOptions) map[string]bool {
	start := time.Now()

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = f.cfg.HealthCheckTimeout
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = f.controller.Current()
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 1
	}

	f.mu.Lock()
	conns := make([]*StreamConnection, 0, len(f.activeConnections))
	for _, conn := range f.activeConnections {
		conns = append(conns, conn)
	}
	f.mu.Unlock()

	results := make(map[string]bool, len(conns))
	if len(conns) == 0 {
		return results
	}

	var resultMu sync.Mutex
	record := func(conn *StreamConnection, tier string, healthy bool) {
		monitoring.RecordHealthCheck(tier, healthy)
		resultMu.Lock()
		results[conn.Key] = healthy
		resultMu.Unlock()
	}

	if !opts.TieredEnabled {
		f.forEachConcurrent(ctx, conns, concurrency, func(conn *StreamConnection) {
			record(conn, "full", f.fullCheck(ctx, conn, timeout, retries))
		})
	} else {
		var suspicious, tier3 []*StreamConnection
		now := time.Now()

		// Tier 1: local state only, no I/O.
		for _, conn := range conns {
			inactive := now.Sub(conn.LastActiveAt())
			switch {
			case !conn.IsConnected():
				monitoring.RecordHealthCheck("tier1", false)
				tier3 = append(tier3, conn)
			case inactive > inactivityHardFail:
				monitoring.RecordHealthCheck("tier1", false)
				tier3 = append(tier3, conn)
			case inactive > inactivitySuspicious:
				suspicious = append(suspicious, conn)
			default:
				record(conn, "tier1", true)
			}
		}

		// Tier 2: cheap heartbeat race for the suspicious set.
		tier2Timeout := timeout / 10
		if tier2Timeout > time.Second {
			tier2Timeout = time.Second
		}
		var tier3Mu sync.Mutex
		f.forEachConcurrent(ctx, suspicious, concurrency, func(conn *StreamConnection) {
			if f.heartbeatRace(ctx, conn, tier2Timeout) {
				record(conn, "tier2", true)
				return
			}
			monitoring.RecordHealthCheck("tier2", false)
			tier3Mu.Lock()
			tier3 = append(tier3, conn)
			tier3Mu.Unlock()
		})

		// Tier 3: full check with retries for everything still in doubt.
		f.forEachConcurrent(ctx, tier3, concurrency, func(conn *StreamConnection) {
			record(conn, "tier3", f.fullCheck(ctx, conn, timeout, retries))
		})
	}

	f.mu.Lock()
	for _, conn := range conns {
		if healthy, ok := results[conn.Key]; ok {
			f.healthResults[conn.ID] = healthy
		}
	}
	f.mu.Unlock()

	elapsed := time.Since(start)
	naive := time.Duration(len(conns)) * time.Second
	efficiency := float64(naive-elapsed) / float64(naive)

	monitoring.ObserveHealthCheckDuration(elapsed)
	monitoring.SetHealthCheckEfficiency(efficiency)

	healthyCount := 0
	for _, ok := range results {
		if ok {
			healthyCount++
		}
	}
	f.logger.Info().
		Int("checked", len(conns)).
		Int("healthy", healthyCount).
		Dur("took", elapsed).
		Float64("efficiency", efficiency).
		Bool("tiered", opts.TieredEnabled).
		Msg("Batch health check complete")

	return results
}

// heartbeatRace runs one heartbeat against a short deadline. The handle may
// not honor the context, so the select is the real timeout.
func (f *Fetcher) heartbeatRace(ctx context.Context, conn *StreamConnection, timeout time.Duration) bool {
	start := time.Now()

	hbCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		ok, err := conn.Handle.SendHeartbeat(hbCtx)
		done <- ok && err == nil
	}()

	var pass bool
	select {
	case ok := <-done:
		pass = ok && conn.IsConnected()
	case <-hbCtx.Done():
		pass = false
	}

	f.window.Record(time.Since(start), pass)
	return pass
}

// fullCheck is the tier-3 probe: heartbeat with retries under the full
// timeout. A check that consumes more than 80% of the budget is unhealthy
// even if it eventually answered.
func (f *Fetcher) fullCheck(ctx context.Context, conn *StreamConnection, timeout time.Duration, retries int) bool {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	healthy := false
	for attempt := 0; attempt <= retries; attempt++ {
		ok, err := conn.Handle.SendHeartbeat(checkCtx)
		if err == nil && ok && conn.IsConnected() {
			healthy = true
			break
		}
		if checkCtx.Err() != nil {
			break
		}
	}

	took := time.Since(start)
	if took > timeout*8/10 {
		healthy = false
	}

	f.window.Record(took, healthy)
	return healthy
}

// forEachConcurrent fans fn out over conns with a bounded worker count.
func (f *Fetcher) forEachConcurrent(ctx context.Context, conns []*StreamConnection, concurrency int, fn func(*StreamConnection)) {
	if len(conns) == 0 {
		return
	}
	if concurrency < 1 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, conn := range conns {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(c *StreamConnection) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(c)
		}(conn)
	}

	wg.Wait()
}
