// Package replay is the two-tier short-horizon cache that reconnect
// recovery reads from. The hot tier is an in-process LRU of per-symbol
// rings covering the last few seconds; the warm tier is Redis Streams
// covering the last tens of seconds. Writes hit the hot tier synchronously
// and the warm tier asynchronously; a Redis outage degrades recovery depth,
// never the live pipeline.
package replay

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/types"
)

// Options sizes the two tiers. Zero values take the production defaults.
type Options struct {
	HotTTL         time.Duration
	MaxHotEntries  int
	HotMaxPoints   int
	WarmTTL        time.Duration
	StreamMaxLen   int64
	StreamTrimMode string
}

func (o *Options) defaults() {
	if o.HotTTL <= 0 {
		o.HotTTL = 5 * time.Second
	}
	if o.MaxHotEntries <= 0 {
		o.MaxHotEntries = 1000
	}
	if o.HotMaxPoints <= 0 {
		o.HotMaxPoints = 512
	}
	if o.WarmTTL <= 0 {
		o.WarmTTL = 30 * time.Second
	}
	if o.StreamMaxLen <= 0 {
		o.StreamMaxLen = 10000
	}
	if o.StreamTrimMode != TrimMinID {
		o.StreamTrimMode = TrimMaxLen
	}
}

// Cache is the replay facade. shouldCache gates writes so symbols nobody
// subscribes to never consume cache memory.
type Cache struct {
	hot  *hotStore
	warm *warmStore

	hotTTL      time.Duration
	shouldCache func(symbol string) bool

	cancel context.CancelFunc
	logger zerolog.Logger
}

// NewCache builds the cache. rdb may be nil, which disables the warm tier
// (hot-only mode, used in tests and when Redis is not deployed).
func NewCache(opts Options, shouldCache func(string) bool, rdb redis.Cmdable, logger zerolog.Logger) *Cache {
	opts.defaults()
	log := logger.With().Str("component", "replay").Logger()

	c := &Cache{
		hot:         newHotStore(opts.MaxHotEntries, opts.HotMaxPoints, opts.HotTTL),
		hotTTL:      opts.HotTTL,
		shouldCache: shouldCache,
		logger:      log,
	}
	if rdb != nil {
		c.warm = newWarmStore(rdb, opts.WarmTTL, opts.StreamMaxLen, opts.StreamTrimMode, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.sweepLoop(ctx)

	return c
}

// CacheDataPoint stores one compressed point. The hot write is synchronous;
// the warm write is queued with the same clamped timestamp the hot tier
// stored, so the two tiers never diverge for same-millisecond ticks. Points
// for symbols without subscribers are skipped entirely.
func (c *Cache) CacheDataPoint(p types.CompressedPoint) {
	p.S = types.StandardSymbol(p.S)
	if p.S == "" {
		return
	}
	if c.shouldCache != nil && !c.shouldCache(p.S) {
		return
	}

	p = c.hot.add(p)
	monitoring.IncrementCacheWrite(monitoring.CacheTierHot)

	if c.warm != nil {
		c.warm.enqueue(p)
	}
}

// GetDataSince merges both tiers for every symbol: the hot ring always, the
// warm stream only when the requested window reaches past the hot horizon.
// The result is ascending by timestamp with hot points winning duplicates.
func (c *Cache) GetDataSince(ctx context.Context, symbols []string, since int64) ([]types.CompressedPoint, error) {
	hotHorizon := types.NowMillis() - c.hotTTL.Milliseconds()
	needWarm := c.warm != nil && since < hotHorizon

	var out []types.CompressedPoint
	var warmErr error

	for _, raw := range symbols {
		symbol := types.StandardSymbol(raw)
		hotPoints := c.hot.since(symbol, since)

		if needWarm {
			seen := make(map[int64]struct{}, len(hotPoints))
			for _, p := range hotPoints {
				seen[p.T] = struct{}{}
			}
			warmPoints, err := c.warm.since(ctx, symbol, since)
			if err != nil {
				// Degrade to hot-only rather than failing the recovery.
				warmErr = err
				c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Warm tier unavailable, serving hot tier only")
			}
			for _, p := range warmPoints {
				if _, dup := seen[p.T]; !dup {
					out = append(out, p)
				}
			}
		}
		out = append(out, hotPoints...)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].T != out[j].T {
			return out[i].T < out[j].T
		}
		return out[i].S < out[j].S
	})

	if len(out) == 0 && warmErr != nil {
		return nil, warmErr
	}
	return out, nil
}

// HotEntryCount reports the number of symbols currently resident hot.
func (c *Cache) HotEntryCount() int {
	return c.hot.size()
}

// Shutdown stops the sweeper and the warm writer.
func (c *Cache) Shutdown() {
	c.cancel()
	if c.warm != nil {
		c.warm.close()
	}
}

// sweepLoop expires idle hot entries at TTL granularity.
func (c *Cache) sweepLoop(ctx context.Context) {
	defer monitoring.RecoverPanic(c.logger, "replay-sweeper", nil)

	ticker := time.NewTicker(c.hotTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.hot.sweep(); n > 0 {
				c.logger.Debug().Int("expired", n).Msg("Swept expired hot cache entries")
			}
		}
	}
}
