package pipeline

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
	"github.com/marketwire/streamgate/internal/replay"
	"github.com/marketwire/streamgate/internal/rules"
	"github.com/marketwire/streamgate/internal/types"
)

type fakeGateway struct {
	available bool

	mu     sync.Mutex
	frames map[string][][]byte // room -> payloads
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{available: true, frames: make(map[string][][]byte)}
}

func (g *fakeGateway) IsServerAvailable() bool { return g.available }

func (g *fakeGateway) BroadcastToRoom(room, _ string, payload []byte) bool {
	g.mu.Lock()
	g.frames[room] = append(g.frames[room], payload)
	g.mu.Unlock()
	return true
}

func (g *fakeGateway) HealthCheck() (string, map[string]any) { return "ok", nil }

func (g *fakeGateway) roomFrames(room string) [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]byte(nil), g.frames[room]...)
}

type fakeSink struct {
	mu     sync.Mutex
	points []types.TickPoint
}

func (s *fakeSink) WriteTick(p types.TickPoint) {
	s.mu.Lock()
	s.points = append(s.points, p)
	s.mu.Unlock()
}

func (s *fakeSink) all() []types.TickPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.TickPoint(nil), s.points...)
}

type pauseGate struct{ paused bool }

func (g *pauseGate) ShouldPauseIntake() bool { return g.paused }

type fixture struct {
	pipeline *Pipeline
	gateway  *fakeGateway
	sink     *fakeSink
	state    *clientstate.Manager
	cache    *replay.Cache
}

func newFixture(t *testing.T, opts Options, gate Gate) *fixture {
	t.Helper()

	store := rules.NewStore(zerolog.Nop())
	require.NoError(t, store.UpsertRule(rules.Rule{
		Provider: "polygon",
		Category: "stock_quote",
		Fields: []rules.FieldOp{
			{Source: "last_done", Target: "lastPrice", Op: rules.OpMultiply, Operand: 1},
			{Source: "volume", Target: "volume", Op: rules.OpMultiply, Operand: 1},
		},
	}))

	state := clientstate.NewManager(clientstate.Options{}, zerolog.Nop())
	t.Cleanup(state.Shutdown)

	cache := replay.NewCache(replay.Options{HotTTL: time.Minute}, state.HasSubscribers, nil, zerolog.Nop())
	t.Cleanup(cache.Shutdown)

	gw := newFakeGateway()
	sink := &fakeSink{}

	p := New(opts, store, rules.NewCategoryMapper(nil), cache, state, gw, sink, gate, zerolog.Nop())
	return &fixture{pipeline: p, gateway: gw, sink: sink, state: state, cache: cache}
}

func quoteTick(symbol string, price float64) types.RawTick {
	return types.RawTick{
		Provider:   "polygon",
		Capability: "stream-stock-quote",
		Symbol:     symbol,
		ReceivedAt: types.NowMillis(),
		Payload:    map[string]any{"last_done": price, "volume": 1000.0},
	}
}

// runBatch drives one prepare-then-broadcast cycle without the retry loop.
func (f *fixture) runBatch(ticks ...types.RawTick) error {
	return f.pipeline.broadcastFrames(f.pipeline.prepareBatch(ticks))
}

func TestBatchBroadcastsNormalizedFrames(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.state.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")

	require.NoError(t, f.runBatch(quoteTick("aapl", 182.5)))

	frames := f.gateway.roomFrames("symbol:AAPL")
	require.Len(t, frames, 1)

	var frame types.DataFrame
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, types.MsgTypeData, frame.Type)
	assert.Equal(t, "AAPL", frame.Symbol)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(frame.Data, &fields))
	assert.Equal(t, 182.5, fields["lastPrice"])

	points := f.sink.all()
	require.Len(t, points, 1)
	assert.Equal(t, "AAPL", points[0].Symbol)
	assert.Equal(t, "aapl", points[0].OriginalSymbol)
}

func TestBatchDropsTicksWithoutRule(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.state.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")

	tick := quoteTick("AAPL", 10)
	tick.Capability = "stream-depth" // no rule installed for depth

	require.NoError(t, f.runBatch(tick))
	assert.Empty(t, f.gateway.roomFrames("symbol:AAPL"))
	assert.Empty(t, f.sink.all())
}

func TestBatchCachesReplayPoints(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.state.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")

	require.NoError(t, f.runBatch(quoteTick("AAPL", 99.5)))

	points, err := f.cache.GetDataSince(context.Background(), []string{"AAPL"}, 0)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 99.5, points[0].P)
	assert.Equal(t, 1000.0, points[0].V)
}

func TestBatchGatewayDownIsRetryable(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.state.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")
	f.gateway.available = false

	assert.ErrorIs(t, f.runBatch(quoteTick("AAPL", 10)), errGatewayDown)
}

func TestBatchNoSubscribersSucceeds(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.gateway.available = false

	// Nothing subscribed: the broadcast short-circuits before reaching the
	// gateway, so an unavailable gateway is irrelevant.
	assert.NoError(t, f.runBatch(quoteTick("AAPL", 10)))
}

func TestGatewayOutageCachesAndPersistsOnce(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.state.AddClientSubscription("client-1", []string{"700.HK"}, "stream-stock-quote", "polygon")
	f.gateway.available = false

	// The full flush path retries the broadcast; the cache and sink writes
	// must not repeat with it.
	f.pipeline.flushBatch([]types.RawTick{quoteTick("700.HK", 561)})

	points, err := f.cache.GetDataSince(context.Background(), []string{"700.HK"}, 0)
	require.NoError(t, err)
	assert.Len(t, points, 1, "one submitted tick cached exactly once across retries")
	assert.Len(t, f.sink.all(), 1, "one submitted tick persisted exactly once across retries")
}

func TestSubmitEndToEnd(t *testing.T) {
	f := newFixture(t, Options{Window: 5 * time.Millisecond, MaxSize: 10}, nil)
	f.state.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")

	f.pipeline.Start()
	defer f.pipeline.Shutdown()

	f.pipeline.Submit(quoteTick("AAPL", 55.5))

	require.Eventually(t, func() bool {
		return len(f.gateway.roomFrames("symbol:AAPL")) == 1
	}, time.Second, 2*time.Millisecond)
}

func TestSubmitShedsWhenPaused(t *testing.T) {
	gate := &pauseGate{paused: true}
	f := newFixture(t, Options{Window: 5 * time.Millisecond, MaxSize: 10}, gate)
	f.state.AddClientSubscription("client-1", []string{"AAPL"}, "stream-stock-quote", "polygon")

	f.pipeline.Start()
	defer f.pipeline.Shutdown()

	f.pipeline.Submit(quoteTick("AAPL", 55.5))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.gateway.roomFrames("symbol:AAPL"), "paused intake sheds at submit")

	gate.paused = false
	f.pipeline.Submit(quoteTick("AAPL", 56.0))
	require.Eventually(t, func() bool {
		return len(f.gateway.roomFrames("symbol:AAPL")) == 1
	}, time.Second, 2*time.Millisecond)
}

func TestSymbolRegion(t *testing.T) {
	assert.Equal(t, "HK", symbolRegion("700.HK"))
	assert.Equal(t, "US", symbolRegion("AAPL"))
	assert.Equal(t, "US", symbolRegion("AAPL."))
}
