package pool

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwire/streamgate/internal/types"
)

func newTestManager(limits Limits) *Manager {
	return NewManager(limits, zerolog.Nop(), nil)
}

func TestAdmissionDimensionOrder(t *testing.T) {
	m := newTestManager(Limits{MaxGlobal: 2, MaxPerKey: 2, MaxPerIP: 2})

	require.NoError(t, m.CanCreateConnection("polygon:stream-stock-quote", "10.0.0.1"))
	require.NoError(t, m.RegisterConnection("polygon:stream-stock-quote", "c1", "10.0.0.1"))
	require.NoError(t, m.RegisterConnection("polygon:stream-stock-quote", "c2", "10.0.0.1"))

	err := m.CanCreateConnection("polygon:stream-stock-trade", "10.0.0.2")
	require.Error(t, err)

	var overCap *OverCapacityError
	require.ErrorAs(t, err, &overCap)
	assert.Equal(t, DimensionGlobal, overCap.Dimension, "global is checked first")
	assert.Equal(t, 2, overCap.Observed)
	assert.Equal(t, 2, overCap.Limit)
}

func TestAdmissionPerKeyAndPerIP(t *testing.T) {
	m := newTestManager(Limits{MaxGlobal: 100, MaxPerKey: 1, MaxPerIP: 2})
	require.NoError(t, m.RegisterConnection("polygon:stream-stock-quote", "c1", "10.0.0.1"))

	var overCap *OverCapacityError

	err := m.CanCreateConnection("polygon:stream-stock-quote", "10.0.0.9")
	require.ErrorAs(t, err, &overCap)
	assert.Equal(t, DimensionPerKey, overCap.Dimension)
	assert.Equal(t, "polygon:stream-stock-quote", overCap.Scope)

	// A different key is fine from the same IP until the IP cap is hit.
	require.NoError(t, m.CanCreateConnection("polygon:stream-stock-trade", "10.0.0.1"))
	require.NoError(t, m.RegisterConnection("polygon:stream-stock-trade", "c2", "10.0.0.1"))

	err = m.CanCreateConnection("polygon:stream-depth", "10.0.0.1")
	require.ErrorAs(t, err, &overCap)
	assert.Equal(t, DimensionPerIP, overCap.Dimension)
	assert.Equal(t, "10.0.0.1", overCap.Scope)
}

func TestConcurrentRegistrationNeverExceedsCap(t *testing.T) {
	m := newTestManager(Limits{MaxGlobal: 1, MaxPerKey: 10, MaxPerIP: 10})

	start := make(chan struct{})
	errs := make(chan error, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			// Both pre-checks may pass; registration itself must not.
			if err := m.CanCreateConnection("k", "ip"); err != nil {
				errs <- err
				return
			}
			errs <- m.RegisterConnection("k", id, "ip")
		}(fmt.Sprintf("c%d", i))
	}
	close(start)
	wg.Wait()
	close(errs)

	failures := 0
	for err := range errs {
		if err != nil {
			var overCap *OverCapacityError
			require.ErrorAs(t, err, &overCap)
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one of the racing registrations wins the last slot")
	assert.LessOrEqual(t, m.Stats().Global.Count, 1)
}

func TestRegisterIsIdempotentAndUnregisterSaturates(t *testing.T) {
	m := newTestManager(Limits{MaxGlobal: 10, MaxPerKey: 10, MaxPerIP: 10})

	require.NoError(t, m.RegisterConnection("k", "c1", "ip"))
	require.NoError(t, m.RegisterConnection("k", "c1", "ip")) // duplicate id is a no-op

	stats := m.Stats()
	assert.Equal(t, 1, stats.Global.Count)
	assert.Equal(t, 1, stats.Keys["k"].Count)

	m.UnregisterConnection("k", "c1", "ip")
	m.UnregisterConnection("k", "c1", "ip") // repeated unregister is a no-op
	m.UnregisterConnection("k", "ghost", "ip")

	stats = m.Stats()
	assert.Equal(t, 0, stats.Global.Count)
	assert.Empty(t, stats.Keys, "empty key scopes are dropped")
	assert.Empty(t, stats.IPs)
}

func TestUtilizationAlerts(t *testing.T) {
	m := newTestManager(Limits{MaxGlobal: 10, MaxPerKey: 10, MaxPerIP: 10})

	for i := 0; i < 8; i++ {
		require.NoError(t, m.RegisterConnection("k", fmt.Sprintf("c%d", i), "ip"))
	}
	alerts := m.Alerts()
	require.NotEmpty(t, alerts)
	for _, a := range alerts {
		assert.Equal(t, AlertWarning, a.Level)
	}

	require.NoError(t, m.RegisterConnection("k", "c8", "ip"))
	critical := false
	for _, a := range m.Alerts() {
		if a.Level == AlertCritical {
			critical = true
		}
	}
	assert.True(t, critical, "90 percent utilization must raise a critical alert")

	// Dropping back below warning clears the alert.
	for i := 0; i < 9; i++ {
		m.UnregisterConnection("k", fmt.Sprintf("c%d", i), "ip")
	}
	assert.Empty(t, m.Alerts())
}

func TestSetStatusAndRecords(t *testing.T) {
	m := newTestManager(Limits{MaxGlobal: 10, MaxPerKey: 10, MaxPerIP: 10})

	require.NoError(t, m.RegisterConnection("k", "c1", "ip"))
	m.SetStatus("c1", types.StreamStatusConnected)

	records := m.Records()
	require.Len(t, records, 1)
	assert.Equal(t, types.StreamStatusConnected, records[0].Status)
	assert.Equal(t, "k", records[0].Key)

	m.Reset()
	assert.Empty(t, m.Records())
	assert.Equal(t, 0, m.Stats().Global.Count)
}
