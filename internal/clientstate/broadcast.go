package clientstate

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/types"
)

// Broadcaster is the room-push surface the gateway provides. The manager
// never talks to individual sockets; a symbol broadcast either reaches the
// gateway's room or fails as a unit.
type Broadcaster interface {
	IsServerAvailable() bool
	BroadcastToRoom(room, event string, payload []byte) bool
	HealthCheck() (string, map[string]any)
}

// GatewayBroadcastError reports a failed symbol broadcast. There is no
// fallback path: callers decide whether to drop or retry.
type GatewayBroadcastError struct {
	Symbol       string
	HealthStatus types.HealthStatus
	Reason       string
}

func (e *GatewayBroadcastError) Error() string {
	return fmt.Sprintf("gateway broadcast failed for %s (health=%s): %s", e.Symbol, e.HealthStatus, e.Reason)
}

// BroadcastToSymbolViaGateway pushes a pre-serialized frame to the symbol's
// room. With zero subscribers it succeeds trivially without touching the
// gateway. A delivered frame counts as activity for every subscriber of the
// symbol. Gateway unavailability or a push failure returns
// *GatewayBroadcastError carrying the current broadcast health status.
func (m *Manager) BroadcastToSymbolViaGateway(symbol string, payload []byte, gw Broadcaster) error {
	s := types.StandardSymbol(symbol)
	if !m.HasSubscribers(s) {
		return nil
	}

	m.stats.RecordAttempt()

	if gw == nil || !gw.IsServerAvailable() {
		m.stats.RecordFailure("gateway_unavailable")
		monitoring.IncrementBroadcastError("gateway_unavailable")
		return &GatewayBroadcastError{
			Symbol:       s,
			HealthStatus: m.stats.HealthStatus(),
			Reason:       "gateway unavailable",
		}
	}

	if !gw.BroadcastToRoom(types.RoomForSymbol(s), types.MsgTypeData, payload) {
		m.stats.RecordFailure("room_push_failed")
		monitoring.IncrementBroadcastError("room_push_failed")
		return &GatewayBroadcastError{
			Symbol:       s,
			HealthStatus: m.stats.HealthStatus(),
			Reason:       "room push failed",
		}
	}

	m.stats.RecordSuccess()
	m.TouchClientsForSymbol(s)
	return nil
}

// BroadcastStats counts broadcast outcomes with atomics on the hot path.
// Error reasons go to a small mutex-guarded map since failures are rare.
type BroadcastStats struct {
	gatewaySuccess int64
	gatewayFailure int64
	totalAttempts  int64

	errMu    sync.Mutex
	byReason map[string]int64

	startTime time.Time
}

func NewBroadcastStats() *BroadcastStats {
	return &BroadcastStats{
		byReason:  make(map[string]int64),
		startTime: time.Now(),
	}
}

func (b *BroadcastStats) RecordAttempt() { atomic.AddInt64(&b.totalAttempts, 1) }
func (b *BroadcastStats) RecordSuccess() { atomic.AddInt64(&b.gatewaySuccess, 1) }

func (b *BroadcastStats) RecordFailure(reason string) {
	atomic.AddInt64(&b.gatewayFailure, 1)
	b.errMu.Lock()
	b.byReason[reason]++
	b.errMu.Unlock()
}

// StatsSnapshot is the derived view of broadcast counters.
type StatsSnapshot struct {
	TotalAttempts    int64              `json:"totalAttempts"`
	GatewaySuccess   int64              `json:"gatewaySuccess"`
	GatewayFailure   int64              `json:"gatewayFailure"`
	GatewayUsageRate float64            `json:"gatewayUsageRate"`
	SuccessRate      float64            `json:"successRate"`
	ErrorRate        float64            `json:"errorRate"`
	ErrorsByReason   map[string]int64   `json:"errorsByReason"`
	HealthStatus     types.HealthStatus `json:"healthStatus"`
	UptimeMinutes    int64              `json:"uptimeMinutes"`
}

// Snapshot derives rates from the raw counters.
func (b *BroadcastStats) Snapshot() StatsSnapshot {
	attempts := atomic.LoadInt64(&b.totalAttempts)
	success := atomic.LoadInt64(&b.gatewaySuccess)
	failure := atomic.LoadInt64(&b.gatewayFailure)

	snap := StatsSnapshot{
		TotalAttempts:  attempts,
		GatewaySuccess: success,
		GatewayFailure: failure,
		ErrorsByReason: make(map[string]int64),
		UptimeMinutes:  int64(time.Since(b.startTime).Minutes()),
	}
	if attempts > 0 {
		snap.GatewayUsageRate = float64(success+failure) / float64(attempts)
		snap.SuccessRate = float64(success) / float64(attempts)
		snap.ErrorRate = float64(failure) / float64(attempts)
	}

	b.errMu.Lock()
	for reason, n := range b.byReason {
		snap.ErrorsByReason[reason] = n
	}
	b.errMu.Unlock()

	snap.HealthStatus = b.HealthStatus()
	return snap
}

// HealthStatus classifies the current counters. With no attempts yet the
// status is excellent.
func (b *BroadcastStats) HealthStatus() types.HealthStatus {
	attempts := atomic.LoadInt64(&b.totalAttempts)
	if attempts == 0 {
		return types.HealthExcellent
	}
	success := atomic.LoadInt64(&b.gatewaySuccess)
	failure := atomic.LoadInt64(&b.gatewayFailure)

	errorRate := float64(failure) / float64(attempts)
	usageRate := float64(success+failure) / float64(attempts)

	switch {
	case errorRate > 0.10 || usageRate < 0.80:
		return types.HealthCritical
	case errorRate > 0.05 || usageRate < 0.90:
		return types.HealthWarning
	case errorRate > 0.01 || usageRate < 0.95:
		return types.HealthGood
	default:
		return types.HealthExcellent
	}
}
