// Package pool caps the number of upstream provider connections along three
// dimensions: global, per connection key (provider:capability), and per
// owning IP. The fetcher asks the pool before dialing and registers/
// unregisters handles as they come and go.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/types"
)

// Capacity dimensions, used in errors, metrics, and alerts.
const (
	DimensionGlobal = "global"
	DimensionPerKey = "per_key"
	DimensionPerIP  = "per_ip"
)

// Alert levels for utilization thresholds.
const (
	AlertWarning  = "warning"  // >= 80% of a dimension's limit
	AlertCritical = "critical" // >= 90%
)

// OverCapacityError reports which dimension refused admission.
type OverCapacityError struct {
	Dimension string
	Scope     string // key or IP that breached; empty for global
	Observed  int
	Limit     int
}

func (e *OverCapacityError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("pool over capacity: %s %q at %d/%d", e.Dimension, e.Scope, e.Observed, e.Limit)
	}
	return fmt.Sprintf("pool over capacity: %s at %d/%d", e.Dimension, e.Observed, e.Limit)
}

// ConnectionRecord is the pool's view of one registered upstream handle.
type ConnectionRecord struct {
	Key           string             `json:"key"`
	ID            string             `json:"id"`
	IP            string             `json:"ip"`
	Status        types.StreamStatus `json:"status"`
	EstablishedAt time.Time          `json:"established_at"`
}

// Limits holds the three admission caps.
type Limits struct {
	MaxGlobal int
	MaxPerKey int
	MaxPerIP  int
}

// DimensionStats is the count/limit/utilization triple for one dimension.
type DimensionStats struct {
	Count       int     `json:"count"`
	Limit       int     `json:"limit"`
	Utilization float64 `json:"utilization_percent"`
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Global DimensionStats            `json:"global"`
	Keys   map[string]DimensionStats `json:"keys"`
	IPs    map[string]DimensionStats `json:"ips"`
}

// Alert describes a dimension running hot.
type Alert struct {
	Dimension   string    `json:"dimension"`
	Scope       string    `json:"scope,omitempty"`
	Level       string    `json:"level"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
	Utilization float64   `json:"utilization_percent"`
	RaisedAt    time.Time `json:"raised_at"`
}

// Manager enforces the caps. All operations are mutex-guarded; admission is
// a handful of map lookups so contention is negligible next to dialing.
type Manager struct {
	mu sync.Mutex

	limits Limits

	records map[string]*ConnectionRecord // id -> record
	perKey  map[string]int
	perIP   map[string]int
	global  int

	// Active alerts keyed by dimension+scope, edge-triggered: an alert is
	// emitted when a scope crosses into a level and cleared when it drops
	// back below warning.
	alerts map[string]*Alert

	logger zerolog.Logger
	audit  *monitoring.AuditLogger
}

// NewManager creates a pool manager. audit may be nil (alerts still appear
// in Alerts() and metrics, just not in the audit stream).
func NewManager(limits Limits, logger zerolog.Logger, audit *monitoring.AuditLogger) *Manager {
	m := &Manager{
		limits:  limits,
		records: make(map[string]*ConnectionRecord),
		perKey:  make(map[string]int),
		perIP:   make(map[string]int),
		alerts:  make(map[string]*Alert),
		logger:  logger.With().Str("component", "pool").Logger(),
		audit:   audit,
	}

	m.logger.Info().
		Int("max_global", limits.MaxGlobal).
		Int("max_per_key", limits.MaxPerKey).
		Int("max_per_ip", limits.MaxPerIP).
		Msg("Connection pool manager initialized")

	return m
}

// CanCreateConnection checks admission for a prospective connection. Checks
// run in order global, per-key, per-IP and fail on the first breach. A nil
// return is advisory only: concurrent admissions race for the same slots,
// so RegisterConnection re-validates before it counts anything.
func (m *Manager) CanCreateConnection(key, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admitLocked(key, ip)
}

// admitLocked runs the three-dimension check. Caller holds mu.
func (m *Manager) admitLocked(key, ip string) error {
	if m.global >= m.limits.MaxGlobal {
		monitoring.IncrementPoolRejection(DimensionGlobal)
		return &OverCapacityError{
			Dimension: DimensionGlobal,
			Observed:  m.global,
			Limit:     m.limits.MaxGlobal,
		}
	}

	if m.perKey[key] >= m.limits.MaxPerKey {
		monitoring.IncrementPoolRejection(DimensionPerKey)
		return &OverCapacityError{
			Dimension: DimensionPerKey,
			Scope:     key,
			Observed:  m.perKey[key],
			Limit:     m.limits.MaxPerKey,
		}
	}

	if m.perIP[ip] >= m.limits.MaxPerIP {
		monitoring.IncrementPoolRejection(DimensionPerIP)
		return &OverCapacityError{
			Dimension: DimensionPerIP,
			Scope:     ip,
			Observed:  m.perIP[ip],
			Limit:     m.limits.MaxPerIP,
		}
	}

	return nil
}

// RegisterConnection records an established connection and bumps all three
// counters. The caps are re-checked and the counters incremented in one
// critical section, so two connections racing for the last slot cannot both
// land. Registering an id twice is a no-op.
func (m *Manager) RegisterConnection(key, id, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[id]; exists {
		return nil
	}
	if err := m.admitLocked(key, ip); err != nil {
		return err
	}

	m.records[id] = &ConnectionRecord{
		Key:           key,
		ID:            id,
		IP:            ip,
		Status:        types.StreamStatusConnecting,
		EstablishedAt: time.Now(),
	}
	m.global++
	m.perKey[key]++
	m.perIP[ip]++

	m.updateHealthLocked()
	return nil
}

// UnregisterConnection removes a connection and decrements counters exactly
// once. Unknown ids and repeated unregisters are no-ops; counters never go
// below zero.
func (m *Manager) UnregisterConnection(key, id, ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[id]; !exists {
		return
	}
	delete(m.records, id)

	if m.global > 0 {
		m.global--
	}
	if m.perKey[key] > 0 {
		m.perKey[key]--
	}
	if m.perKey[key] == 0 {
		delete(m.perKey, key)
	}
	if m.perIP[ip] > 0 {
		m.perIP[ip]--
	}
	if m.perIP[ip] == 0 {
		delete(m.perIP, ip)
	}

	m.updateHealthLocked()
}

// SetStatus updates the stored status for a registered connection.
func (m *Manager) SetStatus(id string, status types.StreamStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[id]; ok {
		rec.Status = status
	}
}

// Stats returns a snapshot of occupancy per dimension.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Global: dimensionStats(m.global, m.limits.MaxGlobal),
		Keys:   make(map[string]DimensionStats, len(m.perKey)),
		IPs:    make(map[string]DimensionStats, len(m.perIP)),
	}
	for k, n := range m.perKey {
		s.Keys[k] = dimensionStats(n, m.limits.MaxPerKey)
	}
	for ip, n := range m.perIP {
		s.IPs[ip] = dimensionStats(n, m.limits.MaxPerIP)
	}
	return s
}

// Alerts returns the currently active utilization alerts.
func (m *Manager) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	return out
}

// Records returns copies of all registered connection records.
func (m *Manager) Records() []ConnectionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ConnectionRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

// Reset clears all counters, records, and alerts. Intended for tests.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[string]*ConnectionRecord)
	m.perKey = make(map[string]int)
	m.perIP = make(map[string]int)
	m.global = 0
	m.alerts = make(map[string]*Alert)
}

func dimensionStats(count, limit int) DimensionStats {
	return DimensionStats{
		Count:       count,
		Limit:       limit,
		Utilization: utilization(count, limit),
	}
}

func utilization(count, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(count) / float64(limit) * 100
}

// updateHealthLocked refreshes gauges and threshold alerts. Caller holds mu.
func (m *Manager) updateHealthLocked() {
	globalUtil := utilization(m.global, m.limits.MaxGlobal)
	monitoring.SetPoolUtilization(DimensionGlobal, globalUtil)

	// Per-key and per-IP gauges export the hottest scope; full breakdown is
	// available from Stats().
	maxKeyUtil, maxKeyScope := 0.0, ""
	for k, n := range m.perKey {
		if u := utilization(n, m.limits.MaxPerKey); u > maxKeyUtil {
			maxKeyUtil, maxKeyScope = u, k
		}
	}
	monitoring.SetPoolUtilization(DimensionPerKey, maxKeyUtil)

	maxIPUtil, maxIPScope := 0.0, ""
	for ip, n := range m.perIP {
		if u := utilization(n, m.limits.MaxPerIP); u > maxIPUtil {
			maxIPUtil, maxIPScope = u, ip
		}
	}
	monitoring.SetPoolUtilization(DimensionPerIP, maxIPUtil)

	m.checkThresholdLocked(DimensionGlobal, "", m.global, m.limits.MaxGlobal)
	m.checkThresholdLocked(DimensionPerKey, maxKeyScope, m.perKey[maxKeyScope], m.limits.MaxPerKey)
	m.checkThresholdLocked(DimensionPerIP, maxIPScope, m.perIP[maxIPScope], m.limits.MaxPerIP)
}

// checkThresholdLocked raises or clears an alert for one dimension/scope
// pair. Alerts fire on level transitions only, not on every register.
func (m *Manager) checkThresholdLocked(dimension, scope string, count, limit int) {
	util := utilization(count, limit)

	level := ""
	switch {
	case util >= 90:
		level = AlertCritical
	case util >= 80:
		level = AlertWarning
	}

	alertKey := dimension + "|" + scope
	existing := m.alerts[alertKey]

	if level == "" {
		if existing != nil {
			delete(m.alerts, alertKey)
			m.logger.Info().
				Str("dimension", dimension).
				Str("scope", scope).
				Msg("Pool utilization back below warning threshold")
		}
		return
	}

	if existing != nil && existing.Level == level {
		existing.Count = count
		existing.Utilization = util
		return
	}

	alert := &Alert{
		Dimension:   dimension,
		Scope:       scope,
		Level:       level,
		Count:       count,
		Limit:       limit,
		Utilization: util,
		RaisedAt:    time.Now(),
	}
	m.alerts[alertKey] = alert

	m.logger.Warn().
		Str("dimension", dimension).
		Str("scope", scope).
		Str("level", level).
		Float64("utilization", util).
		Int("count", count).
		Int("limit", limit).
		Msg("Pool utilization threshold crossed")

	if m.audit != nil {
		metadata := map[string]any{
			"dimension":   dimension,
			"scope":       scope,
			"count":       count,
			"limit":       limit,
			"utilization": util,
		}
		msg := fmt.Sprintf("pool %s utilization at %.0f%%", dimension, util)
		if level == AlertCritical {
			m.audit.Critical(monitoring.EventPoolDimensionCritical, msg, metadata)
		} else {
			m.audit.Warning(monitoring.EventPoolDimensionWarning, msg, metadata)
		}
	}
}
