package replay

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/types"
)

// Stream trim strategies for the warm tier.
const (
	TrimMaxLen = "MAXLEN"
	TrimMinID  = "MINID"
)

const warmWriteQueueSize = 4096

// warmStore is the Redis Streams tier. Writes are funneled through a single
// writer goroutine so a slow or down Redis never blocks the tick pipeline;
// when the queue saturates, writes are shed and counted. One stream per
// symbol, keyed replay:{SYMBOL}, entry IDs are "<ts>-*" so time-range reads
// map directly onto XRANGE.
type warmStore struct {
	rdb      redis.Cmdable
	ttl      time.Duration
	maxLen   int64
	trimMode string

	writes chan types.CompressedPoint
	done   chan struct{}

	logger zerolog.Logger
}

func newWarmStore(rdb redis.Cmdable, ttl time.Duration, maxLen int64, trimMode string, logger zerolog.Logger) *warmStore {
	w := &warmStore{
		rdb:      rdb,
		ttl:      ttl,
		maxLen:   maxLen,
		trimMode: trimMode,
		writes:   make(chan types.CompressedPoint, warmWriteQueueSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go w.writerLoop()
	return w
}

func warmKey(symbol string) string {
	return "replay:{" + symbol + "}"
}

// enqueue hands a point to the writer goroutine, shedding on saturation.
func (w *warmStore) enqueue(p types.CompressedPoint) {
	select {
	case w.writes <- p:
	default:
		monitoring.IncrementCacheWriteFailure(monitoring.CacheTierWarm)
		monitoring.IncrementWarmCacheFailure()
	}
}

func (w *warmStore) writerLoop() {
	defer monitoring.RecoverPanic(w.logger, "warm-cache-writer", nil)

	for {
		select {
		case <-w.done:
			return
		case p := <-w.writes:
			w.write(p)
		}
	}
}

func (w *warmStore) write(p types.CompressedPoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := warmKey(p.S)
	args := &redis.XAddArgs{
		Stream: key,
		ID:     fmt.Sprintf("%d-*", p.T),
		Values: map[string]any{
			"p": strconv.FormatFloat(p.P, 'f', -1, 64),
			"v": strconv.FormatFloat(p.V, 'f', -1, 64),
			"t": strconv.FormatInt(p.T, 10),
		},
	}
	if w.trimMode == TrimMinID {
		args.MinID = strconv.FormatInt(types.NowMillis()-w.ttl.Milliseconds(), 10)
		args.Approx = true
	} else {
		args.MaxLen = w.maxLen
		args.Approx = true
	}

	if err := w.rdb.XAdd(ctx, args).Err(); err != nil {
		monitoring.IncrementCacheWriteFailure(monitoring.CacheTierWarm)
		monitoring.IncrementWarmCacheFailure()
		w.logger.Warn().Err(err).Str("symbol", p.S).Msg("Warm cache write failed")
		return
	}

	// Sliding expiry keeps dead symbols from pinning streams.
	if err := w.rdb.Expire(ctx, key, w.ttl).Err(); err != nil {
		w.logger.Warn().Err(err).Str("symbol", p.S).Msg("Warm cache expire failed")
	}

	monitoring.IncrementCacheWrite(monitoring.CacheTierWarm)
}

// since reads the symbol's stream for entries strictly after the given
// millisecond timestamp. The exclusive XRANGE bound only excludes the exact
// stream ID, so the embedded timestamp is re-checked: an entry written at
// ID "<since-1>-N" can still carry t == since.
func (w *warmStore) since(ctx context.Context, symbol string, since int64) ([]types.CompressedPoint, error) {
	start := "(" + strconv.FormatInt(since, 10)
	msgs, err := w.rdb.XRange(ctx, warmKey(symbol), start, "+").Result()
	if err != nil {
		monitoring.IncrementWarmCacheFailure()
		return nil, fmt.Errorf("warm range read for %s: %w", symbol, err)
	}

	out := make([]types.CompressedPoint, 0, len(msgs))
	for _, msg := range msgs {
		p := types.CompressedPoint{S: symbol}
		if raw, ok := msg.Values["p"].(string); ok {
			p.P, _ = strconv.ParseFloat(raw, 64)
		}
		if raw, ok := msg.Values["v"].(string); ok {
			p.V, _ = strconv.ParseFloat(raw, 64)
		}
		if raw, ok := msg.Values["t"].(string); ok {
			p.T, _ = strconv.ParseInt(raw, 10, 64)
		}
		if p.T <= since {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (w *warmStore) close() {
	close(w.done)
}
