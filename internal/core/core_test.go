package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwire/streamgate/internal/clientstate"
	"github.com/marketwire/streamgate/internal/config"
	"github.com/marketwire/streamgate/internal/fetcher"
	"github.com/marketwire/streamgate/internal/gateway"
	"github.com/marketwire/streamgate/internal/pool"
	"github.com/marketwire/streamgate/internal/provider"
	"github.com/marketwire/streamgate/internal/recovery"
	"github.com/marketwire/streamgate/internal/rules"
	"github.com/marketwire/streamgate/internal/types"
)

type recordingSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSender) SendToClient(_ string, payload []byte) bool {
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), payload...))
	s.mu.Unlock()
	return true
}

func (s *recordingSender) all() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

type fixedReplay struct {
	points []types.CompressedPoint
}

func (r *fixedReplay) GetDataSince(context.Context, []string, int64) ([]types.CompressedPoint, error) {
	return r.points, nil
}

func testCoreConfig() *config.Config {
	return &config.Config{
		DefaultProvider:    "polygon",
		DefaultCapability:  "stream-stock-quote",
		ConnectionTimeout:  2 * time.Second,
		PollingInterval:    10 * time.Millisecond,
		MapCleanupInterval: time.Minute,
		ZombieInactivity:   30 * time.Minute,
		MinConcurrency:     1,
		MaxConcurrency:     4,
		InitialConcurrency: 2,
		ClientTimeout:      5 * time.Minute,
		IdleReaperInterval: 5 * time.Minute,
	}
}

type coreFixture struct {
	orch   *Orchestrator
	state  *clientstate.Manager
	fetch  *fetcher.Fetcher
	rec    *recovery.Manager
	sender *recordingSender
	handle func() *provider.MemoryHandle
}

func newCoreFixture(t *testing.T, replaySource recovery.Source) *coreFixture {
	t.Helper()

	cfg := testCoreConfig()
	log := zerolog.Nop()

	registry := provider.NewRegistry()
	handle := provider.RegisterMemoryProvider(registry, "polygon", "stream-stock-quote")

	poolMgr := pool.NewManager(pool.Limits{MaxGlobal: 10, MaxPerKey: 2, MaxPerIP: 10}, log, nil)
	fetch := fetcher.New(cfg, registry, poolMgr, log, nil)
	t.Cleanup(fetch.Shutdown)

	state := clientstate.NewManager(clientstate.Options{
		ClientTimeout:  cfg.ClientTimeout,
		ReaperInterval: cfg.IdleReaperInterval,
	}, log)
	t.Cleanup(state.Shutdown)

	if replaySource == nil {
		replaySource = &fixedReplay{}
	}
	sender := &recordingSender{}
	rec := recovery.NewManager(recovery.Options{Workers: 2}, replaySource, sender, log, nil)
	rec.Start()
	t.Cleanup(rec.Shutdown)

	store := rules.NewStore(log)
	orch := New(cfg, state, fetch, rec, store, log)
	t.Cleanup(orch.Shutdown)

	return &coreFixture{
		orch:   orch,
		state:  state,
		fetch:  fetch,
		rec:    rec,
		sender: sender,
		handle: handle,
	}
}

func TestHandleSubscribeEstablishesUpstream(t *testing.T) {
	fx := newCoreFixture(t, nil)

	subscribed, failed, err := fx.orch.HandleSubscribe("client-1", []string{"aapl", "msft"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, subscribed)
	assert.Empty(t, failed)

	assert.Equal(t, 1, fx.fetch.ActiveCount())
	assert.Equal(t, []string{"AAPL", "MSFT"}, fx.handle().Subscribed())
	assert.Equal(t, []string{"AAPL", "MSFT"}, fx.state.GetClientSymbols("client-1"))
}

func TestHandleSubscribeReusesConnection(t *testing.T) {
	fx := newCoreFixture(t, nil)

	_, _, err := fx.orch.HandleSubscribe("client-1", []string{"AAPL"}, "", "")
	require.NoError(t, err)
	first := fx.fetch.ActiveConnection("polygon:stream-stock-quote")
	require.NotNil(t, first)

	_, _, err = fx.orch.HandleSubscribe("client-2", []string{"MSFT"}, "", "")
	require.NoError(t, err)

	assert.Equal(t, 1, fx.fetch.ActiveCount(), "one shared connection per provider pair")
	assert.Equal(t, first.ID, fx.fetch.ActiveConnection("polygon:stream-stock-quote").ID)
}

func TestHandleUnsubscribeReleasesUpstream(t *testing.T) {
	fx := newCoreFixture(t, nil)

	_, _, err := fx.orch.HandleSubscribe("client-1", []string{"AAPL", "MSFT"}, "", "")
	require.NoError(t, err)
	_, _, err = fx.orch.HandleSubscribe("client-2", []string{"AAPL"}, "", "")
	require.NoError(t, err)

	// client-1 drops both; AAPL stays upstream for client-2, MSFT is orphaned.
	removed, err := fx.orch.HandleUnsubscribe("client-1", []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, removed)

	assert.Equal(t, []string{"AAPL"}, fx.handle().Subscribed())
}

func TestHandleReconnectSchedulesRecovery(t *testing.T) {
	replay := &fixedReplay{points: []types.CompressedPoint{
		{S: "AAPL", P: 100, V: 1, T: types.NowMillis() - 500},
	}}
	fx := newCoreFixture(t, replay)

	resubscribed, err := fx.orch.HandleReconnect(gateway.ReconnectIntent{
		ClientID:             "client-1",
		Symbols:              []string{"AAPL"},
		LastReceiveTimestamp: types.NowMillis() - 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, resubscribed)
	assert.Equal(t, []string{"AAPL"}, fx.handle().Subscribed(), "live data resumes before recovery")

	require.Eventually(t, func() bool {
		return len(fx.sender.all()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var frame types.RecoveryBatchFrame
	require.NoError(t, json.Unmarshal(fx.sender.all()[0], &frame))
	assert.Equal(t, types.MsgTypeRecoveryBatch, frame.Type)
	assert.True(t, frame.BatchInfo.IsComplete)
	assert.Len(t, frame.RecoveredData, 1)
}

func TestHandleReconnectOutOfWindowStillResubscribes(t *testing.T) {
	fx := newCoreFixture(t, nil)

	resubscribed, err := fx.orch.HandleReconnect(gateway.ReconnectIntent{
		ClientID:             "client-1",
		Symbols:              []string{"AAPL"},
		LastReceiveTimestamp: types.NowMillis() - 120000, // past the 30s window
	})
	require.NoError(t, err, "recovery admission failure must not fail the reconnect")
	assert.Equal(t, []string{"AAPL"}, resubscribed)

	require.Eventually(t, func() bool {
		return len(fx.sender.all()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var frame types.RecoveryFailedFrame
	require.NoError(t, json.Unmarshal(fx.sender.all()[0], &frame))
	assert.Equal(t, types.MsgTypeRecoveryFailed, frame.Type)
	assert.Equal(t, "resubscribe", frame.RecommendedAction)
	assert.True(t, frame.FallbackOptions.EnableRealTimeOnly)
}

func TestHandleDisconnectKeepsSubscription(t *testing.T) {
	fx := newCoreFixture(t, nil)

	_, _, err := fx.orch.HandleSubscribe("client-1", []string{"AAPL"}, "", "")
	require.NoError(t, err)

	fx.orch.HandleDisconnect("client-1")

	// The record survives the disconnect so a reconnect within the client
	// timeout can resume; only the idle reaper collects it.
	assert.Equal(t, []string{"AAPL"}, fx.state.GetClientSymbols("client-1"))
}

func TestHandleHeartbeatBumpsActivity(t *testing.T) {
	fx := newCoreFixture(t, nil)

	_, _, err := fx.orch.HandleSubscribe("client-1", []string{"AAPL"}, "", "")
	require.NoError(t, err)

	before, ok := fx.state.ClientSubscriptionInfo("client-1")
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	fx.orch.HandleHeartbeat("client-1")

	after, ok := fx.state.ClientSubscriptionInfo("client-1")
	require.True(t, ok)
	assert.True(t, after.LastActiveTime.After(before.LastActiveTime))
}

func TestStatsSource(t *testing.T) {
	fx := newCoreFixture(t, nil)

	assert.NotNil(t, fx.orch.GatewayStats(), "nil gateway still yields a stats block")
	assert.Equal(t, 0, fx.orch.UpstreamActive())
	assert.True(t, fx.orch.UpstreamHealthy())

	_, _, err := fx.orch.HandleSubscribe("client-1", []string{"AAPL"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, fx.orch.UpstreamActive())
}
