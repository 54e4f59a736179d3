package fetcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwire/streamgate/internal/config"
	"github.com/marketwire/streamgate/internal/pool"
	"github.com/marketwire/streamgate/internal/provider"
	"github.com/marketwire/streamgate/internal/types"
)

func testConfig() *config.Config {
	return &config.Config{
		ConnectionTimeout:  2 * time.Second,
		PollingInterval:    10 * time.Millisecond,
		MapCleanupInterval: time.Minute,
		ZombieInactivity:   30 * time.Minute,
		MinConcurrency:     1,
		MaxConcurrency:     4,
		InitialConcurrency: 2,
	}
}

type fetcherFixture struct {
	fetcher *Fetcher
	pool    *pool.Manager
	handle  func() *provider.MemoryHandle
}

func newFetcherFixture(t *testing.T, limits pool.Limits) *fetcherFixture {
	t.Helper()

	registry := provider.NewRegistry()
	handle := provider.RegisterMemoryProvider(registry, "polygon", "stream-stock-quote")

	poolMgr := pool.NewManager(limits, zerolog.Nop(), nil)
	f := New(testConfig(), registry, poolMgr, zerolog.Nop(), nil)
	t.Cleanup(f.Shutdown)

	return &fetcherFixture{fetcher: f, pool: poolMgr, handle: handle}
}

func defaultLimits() pool.Limits {
	return pool.Limits{MaxGlobal: 10, MaxPerKey: 2, MaxPerIP: 10}
}

func TestEstablishStreamConnection(t *testing.T) {
	fx := newFetcherFixture(t, defaultLimits())

	conn, err := fx.fetcher.EstablishStreamConnection(context.Background(), "polygon", "stream-stock-quote", EstablishOptions{})
	require.NoError(t, err)
	require.NotNil(t, conn)

	assert.True(t, conn.IsConnected())
	assert.Equal(t, "polygon:stream-stock-quote", conn.Key)
	assert.True(t, fx.fetcher.IsConnectionActive(conn.Key))
	assert.Equal(t, 1, fx.fetcher.ActiveCount())
	assert.Equal(t, 1, fx.pool.Stats().Global.Count)
}

func TestEstablishUnknownCapabilityFailsFast(t *testing.T) {
	fx := newFetcherFixture(t, defaultLimits())

	start := time.Now()
	_, err := fx.fetcher.EstablishStreamConnection(context.Background(), "polygon", "stream-depth", EstablishOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrCapabilityNotFound)
	assert.Less(t, time.Since(start), time.Second, "unknown capability must not be retried")
	assert.Equal(t, 0, fx.pool.Stats().Global.Count, "no pool state left behind")
}

func TestEstablishRespectsPoolCaps(t *testing.T) {
	fx := newFetcherFixture(t, pool.Limits{MaxGlobal: 10, MaxPerKey: 1, MaxPerIP: 10})

	_, err := fx.fetcher.EstablishStreamConnection(context.Background(), "polygon", "stream-stock-quote", EstablishOptions{})
	require.NoError(t, err)

	_, err = fx.fetcher.EstablishStreamConnection(context.Background(), "polygon", "stream-stock-quote", EstablishOptions{})
	require.Error(t, err)

	var overCap *pool.OverCapacityError
	assert.ErrorAs(t, err, &overCap)
}

func TestSubscribeToSymbols(t *testing.T) {
	fx := newFetcherFixture(t, defaultLimits())

	conn, err := fx.fetcher.EstablishStreamConnection(context.Background(), "polygon", "stream-stock-quote", EstablishOptions{})
	require.NoError(t, err)

	result := fx.fetcher.SubscribeToSymbols(context.Background(), conn, []string{"AAPL", "MSFT"})
	assert.True(t, result.Success)
	assert.Equal(t, []string{"AAPL", "MSFT"}, result.SubscribedSymbols)
	assert.Equal(t, []string{"AAPL", "MSFT"}, fx.handle().Subscribed())
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, conn.SubscribedSymbols())
}

func TestSubscribePartialFailure(t *testing.T) {
	fx := newFetcherFixture(t, defaultLimits())

	conn, err := fx.fetcher.EstablishStreamConnection(context.Background(), "polygon", "stream-stock-quote", EstablishOptions{})
	require.NoError(t, err)

	fx.handle().SubscribeErr = &provider.PartialError{
		Op:        "subscribe",
		Succeeded: []string{"AAPL"},
		Failed:    []string{"BOGUS"},
	}

	result := fx.fetcher.SubscribeToSymbols(context.Background(), conn, []string{"AAPL", "BOGUS"})
	assert.False(t, result.Success)
	assert.Equal(t, []string{"AAPL"}, result.SubscribedSymbols)
	assert.Equal(t, []string{"BOGUS"}, result.FailedSymbols)
	require.Error(t, result.Err)
	assert.ElementsMatch(t, []string{"AAPL"}, conn.SubscribedSymbols())
}

func TestSubscribeOnDisconnectedConnection(t *testing.T) {
	fx := newFetcherFixture(t, defaultLimits())

	result := fx.fetcher.SubscribeToSymbols(context.Background(), nil, []string{"AAPL"})
	assert.False(t, result.Success)
	assert.Equal(t, []string{"AAPL"}, result.FailedSymbols)
	require.Error(t, result.Err)
}

func TestUnsubscribeFromSymbols(t *testing.T) {
	fx := newFetcherFixture(t, defaultLimits())

	conn, err := fx.fetcher.EstablishStreamConnection(context.Background(), "polygon", "stream-stock-quote", EstablishOptions{})
	require.NoError(t, err)

	require.True(t, fx.fetcher.SubscribeToSymbols(context.Background(), conn, []string{"AAPL", "MSFT"}).Success)

	result := fx.fetcher.UnsubscribeFromSymbols(context.Background(), conn, []string{"AAPL"})
	assert.True(t, result.Success)
	assert.Equal(t, []string{"MSFT"}, fx.handle().Subscribed())
	assert.ElementsMatch(t, []string{"MSFT"}, conn.SubscribedSymbols())
}

func TestTickDeliveryThroughSink(t *testing.T) {
	fx := newFetcherFixture(t, defaultLimits())

	var mu sync.Mutex
	var ticks []types.RawTick
	fx.fetcher.SetTickSink(func(tick types.RawTick) {
		mu.Lock()
		ticks = append(ticks, tick)
		mu.Unlock()
	})

	conn, err := fx.fetcher.EstablishStreamConnection(context.Background(), "polygon", "stream-stock-quote", EstablishOptions{})
	require.NoError(t, err)
	require.True(t, fx.fetcher.SubscribeToSymbols(context.Background(), conn, []string{"AAPL"}).Success)

	assert.True(t, fx.handle().Inject("AAPL", map[string]any{"last_done": 182.5}))
	assert.False(t, fx.handle().Inject("TSLA", map[string]any{"last_done": 1.0}), "unsubscribed symbol dropped at the handle")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ticks, 1)
	assert.Equal(t, "polygon", ticks[0].Provider)
	assert.Equal(t, "AAPL", ticks[0].Symbol)
	assert.NotZero(t, ticks[0].ReceivedAt)
}

func TestCloseConnectionIsIdempotent(t *testing.T) {
	fx := newFetcherFixture(t, defaultLimits())

	conn, err := fx.fetcher.EstablishStreamConnection(context.Background(), "polygon", "stream-stock-quote", EstablishOptions{})
	require.NoError(t, err)

	fx.fetcher.CloseConnection(conn)
	fx.fetcher.CloseConnection(conn)

	assert.False(t, fx.fetcher.IsConnectionActive(conn.Key))
	assert.Equal(t, 0, fx.fetcher.ActiveCount())
	assert.Equal(t, 0, fx.pool.Stats().Global.Count)
}

func TestActiveConnectionLookup(t *testing.T) {
	fx := newFetcherFixture(t, defaultLimits())

	assert.Nil(t, fx.fetcher.ActiveConnection("polygon:stream-stock-quote"))

	conn, err := fx.fetcher.EstablishStreamConnection(context.Background(), "polygon", "stream-stock-quote", EstablishOptions{})
	require.NoError(t, err)

	found := fx.fetcher.ActiveConnection(conn.Key)
	require.NotNil(t, found)
	assert.Equal(t, conn.ID, found.ID)

	stats, ok := fx.fetcher.ConnectionStats(conn.Key)
	require.True(t, ok)
	assert.Equal(t, types.StreamStatusConnected, stats.Status)
}
