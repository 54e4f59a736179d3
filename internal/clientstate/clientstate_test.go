package clientstate

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwire/streamgate/internal/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Options{}, zerolog.Nop())
	t.Cleanup(m.Shutdown)
	return m
}

func TestAddClientSubscription(t *testing.T) {
	m := newTestManager(t)

	added := m.AddClientSubscription("client-1", []string{"aapl", "MSFT", ""}, "stream-stock-quote", "polygon")
	assert.Equal(t, []string{"AAPL", "MSFT"}, added)

	// Re-adding an existing symbol reports only the genuinely new one.
	added = m.AddClientSubscription("client-1", []string{"AAPL", "700.hk"}, "", "")
	assert.Equal(t, []string{"700.HK"}, added)

	assert.Equal(t, []string{"700.HK", "AAPL", "MSFT"}, m.GetClientSymbols("client-1"))
	assert.Equal(t, []string{"client-1"}, m.GetClientsForSymbol("aapl"))
	assert.True(t, m.HasSubscribers("AAPL"))
	assert.False(t, m.HasSubscribers("TSLA"))
}

func TestRemoveClientSubscription(t *testing.T) {
	m := newTestManager(t)
	m.AddClientSubscription("client-1", []string{"AAPL", "MSFT"}, "stream-stock-quote", "polygon")
	m.AddClientSubscription("client-2", []string{"AAPL"}, "stream-stock-quote", "polygon")

	removed := m.RemoveClientSubscription("client-1", "aapl")
	assert.Equal(t, []string{"AAPL"}, removed)
	assert.True(t, m.HasSubscribers("AAPL"), "client-2 still holds AAPL")
	assert.Equal(t, []string{"MSFT"}, m.GetClientSymbols("client-1"))

	// No symbols given drops the whole subscription.
	removed = m.RemoveClientSubscription("client-1")
	assert.Equal(t, []string{"MSFT"}, removed)
	assert.Empty(t, m.GetClientSymbols("client-1"))
	assert.False(t, m.HasSubscribers("MSFT"))

	assert.Nil(t, m.RemoveClientSubscription("unknown"))
}

func TestGetAllRequiredSymbols(t *testing.T) {
	m := newTestManager(t)
	m.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")
	m.AddClientSubscription("client-2", []string{"700.HK"}, "stream-stock-quote", "other")

	assert.Equal(t, []string{"700.HK", "AAPL"}, m.GetAllRequiredSymbols("", ""))
	assert.Equal(t, []string{"AAPL"}, m.GetAllRequiredSymbols("polygon", "stream-stock-quote"))
	assert.Empty(t, m.GetAllRequiredSymbols("polygon", "stream-depth"))
}

func TestChangeListeners(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	var events []ChangeEvent
	id := m.AddSubscriptionChangeListener(func(e ChangeEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	m.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")
	m.RemoveClientSubscription("client-1", "AAPL")

	mu.Lock()
	require.Len(t, events, 2)
	assert.Equal(t, ChangeSubscribe, events[0].Type)
	assert.Equal(t, []string{"AAPL"}, events[0].Symbols)
	assert.Equal(t, "polygon", events[0].Provider)
	assert.Equal(t, ChangeUnsubscribe, events[1].Type)
	mu.Unlock()

	m.RemoveSubscriptionChangeListener(id)
	m.AddClientSubscription("client-1", []string{"MSFT"}, "stream-stock-quote", "polygon")

	mu.Lock()
	assert.Len(t, events, 2, "removed listener must not fire")
	mu.Unlock()
}

func TestListenerPanicIsolated(t *testing.T) {
	m := newTestManager(t)

	m.AddSubscriptionChangeListener(func(ChangeEvent) { panic("listener bug") })

	var fired bool
	m.AddSubscriptionChangeListener(func(ChangeEvent) { fired = true })

	assert.NotPanics(t, func() {
		m.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")
	})
	assert.True(t, fired, "panicking listener must not block the others")
}

func TestIdleReaper(t *testing.T) {
	m := NewManager(Options{
		ClientTimeout:  20 * time.Millisecond,
		ReaperInterval: 10 * time.Millisecond,
	}, zerolog.Nop())
	defer m.Shutdown()

	m.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")

	require.Eventually(t, func() bool {
		return len(m.GetClientSymbols("client-1")) == 0
	}, time.Second, 5*time.Millisecond, "idle client must be reaped")
	assert.False(t, m.HasSubscribers("AAPL"))
}

type fakeBroadcaster struct {
	available bool
	pushOK    bool

	mu    sync.Mutex
	rooms []string
}

func (b *fakeBroadcaster) IsServerAvailable() bool { return b.available }

func (b *fakeBroadcaster) BroadcastToRoom(room, _ string, _ []byte) bool {
	b.mu.Lock()
	b.rooms = append(b.rooms, room)
	b.mu.Unlock()
	return b.pushOK
}

func (b *fakeBroadcaster) HealthCheck() (string, map[string]any) {
	return "ok", nil
}

func TestBroadcastToSymbolViaGateway(t *testing.T) {
	m := newTestManager(t)
	gw := &fakeBroadcaster{available: true, pushOK: true}

	// Zero subscribers succeeds without touching the gateway.
	require.NoError(t, m.BroadcastToSymbolViaGateway("AAPL", []byte("{}"), gw))
	assert.Empty(t, gw.rooms)

	m.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")

	require.NoError(t, m.BroadcastToSymbolViaGateway("aapl", []byte("{}"), gw))
	assert.Equal(t, []string{"symbol:AAPL"}, gw.rooms)

	snap := m.Stats().BroadcastStats
	assert.Equal(t, int64(1), snap.TotalAttempts)
	assert.Equal(t, int64(1), snap.GatewaySuccess)
}

func TestSuccessfulBroadcastRefreshesSubscriberActivity(t *testing.T) {
	m := newTestManager(t)
	gw := &fakeBroadcaster{available: true, pushOK: true}

	m.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")
	before, ok := m.ClientSubscriptionInfo("client-1")
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.BroadcastToSymbolViaGateway("AAPL", []byte("{}"), gw))

	after, ok := m.ClientSubscriptionInfo("client-1")
	require.True(t, ok)
	assert.True(t, after.LastActiveTime.After(before.LastActiveTime),
		"a delivered frame keeps a purely passive consumer out of the reaper's reach")
}

func TestFailedBroadcastLeavesActivityAlone(t *testing.T) {
	m := newTestManager(t)
	m.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")
	before, ok := m.ClientSubscriptionInfo("client-1")
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	err := m.BroadcastToSymbolViaGateway("AAPL", []byte("{}"), &fakeBroadcaster{available: true, pushOK: false})
	require.Error(t, err)

	after, ok := m.ClientSubscriptionInfo("client-1")
	require.True(t, ok)
	assert.Equal(t, before.LastActiveTime, after.LastActiveTime)
}

func TestBroadcastFailures(t *testing.T) {
	m := newTestManager(t)
	m.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")

	err := m.BroadcastToSymbolViaGateway("AAPL", []byte("{}"), &fakeBroadcaster{available: false})
	var gbe *GatewayBroadcastError
	require.ErrorAs(t, err, &gbe)
	assert.Equal(t, "gateway unavailable", gbe.Reason)

	err = m.BroadcastToSymbolViaGateway("AAPL", []byte("{}"), &fakeBroadcaster{available: true, pushOK: false})
	require.ErrorAs(t, err, &gbe)
	assert.Equal(t, "room push failed", gbe.Reason)

	snap := m.Stats().BroadcastStats
	assert.Equal(t, int64(2), snap.GatewayFailure)
	assert.Equal(t, int64(1), snap.ErrorsByReason["gateway_unavailable"])
	assert.Equal(t, int64(1), snap.ErrorsByReason["room_push_failed"])
}

func TestSnapshotUptimeInMinutes(t *testing.T) {
	stats := NewBroadcastStats()
	stats.startTime = time.Now().Add(-150 * time.Second)
	assert.Equal(t, int64(2), stats.Snapshot().UptimeMinutes)
}

func TestBroadcastHealthThresholds(t *testing.T) {
	cases := []struct {
		name             string
		success, failure int
		expected         types.HealthStatus
	}{
		{"no attempts", 0, 0, types.HealthExcellent},
		{"all success", 100, 0, types.HealthExcellent},
		{"2 percent errors", 98, 2, types.HealthGood},
		{"6 percent errors", 94, 6, types.HealthWarning},
		{"11 percent errors", 89, 11, types.HealthCritical},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats := NewBroadcastStats()
			for i := 0; i < tc.success; i++ {
				stats.RecordAttempt()
				stats.RecordSuccess()
			}
			for i := 0; i < tc.failure; i++ {
				stats.RecordAttempt()
				stats.RecordFailure("room_push_failed")
			}
			assert.Equal(t, tc.expected, stats.HealthStatus())
		})
	}
}
