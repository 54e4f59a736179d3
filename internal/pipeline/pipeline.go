// Package pipeline turns raw provider ticks into normalized frames on
// subscriber rooms. Ticks are micro-batched (bounded window, bounded size),
// normalized through the rule store, cached for replay, fanned out through
// the gateway, and shipped to persistence. Backpressure drops the newest
// tick at intake; it never blocks the provider callback.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/marketwire/streamgate/internal/clientstate"
	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/replay"
	"github.com/marketwire/streamgate/internal/rules"
	"github.com/marketwire/streamgate/internal/types"
)

const (
	batchMaxAttempts = 3
	retryBackoffBase = 10 * time.Millisecond
	dropLogSampling  = 100
)

// Gate lets the resource guard pause intake under memory or CPU pressure.
type Gate interface {
	ShouldPauseIntake() bool
}

// Sink receives every tick that survived normalization. Implemented by the
// persist writer.
type Sink interface {
	WriteTick(point types.TickPoint)
}

// Options sizes the micro-batcher.
type Options struct {
	Window  time.Duration
	MaxSize int
}

// Pipeline is the single-consumer batch processor. One goroutine owns the
// batch, so room broadcasts retain submit order per symbol.
type Pipeline struct {
	window  time.Duration
	maxSize int

	in chan types.RawTick

	rules      *rules.Store
	categories *rules.CategoryMapper
	cache      *replay.Cache
	state      *clientstate.Manager
	gateway    clientstate.Broadcaster
	sink       Sink
	gate       Gate

	dropCounter int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New wires the pipeline; Start must be called before Submit delivers
// anything. gate and sink may be nil.
func New(opts Options, store *rules.Store, categories *rules.CategoryMapper, cache *replay.Cache, state *clientstate.Manager, gateway clientstate.Broadcaster, sink Sink, gate Gate, logger zerolog.Logger) *Pipeline {
	if opts.Window <= 0 {
		opts.Window = 50 * time.Millisecond
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 200
	}

	return &Pipeline{
		window:     opts.Window,
		maxSize:    opts.MaxSize,
		in:         make(chan types.RawTick, opts.MaxSize*4),
		rules:      store,
		categories: categories,
		cache:      cache,
		state:      state,
		gateway:    gateway,
		sink:       sink,
		gate:       gate,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// Start launches the batch loop.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.run(ctx)
}

// Shutdown stops the loop after flushing whatever is buffered.
func (p *Pipeline) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Submit enqueues one raw tick without blocking. The received counter is
// bumped upstream at the earliest receive point; here a full queue or a
// paused intake sheds the tick and counts the drop.
func (p *Pipeline) Submit(tick types.RawTick) {
	if tick.ReceivedAt == 0 {
		tick.ReceivedAt = types.NowMillis()
	}

	if p.gate != nil && p.gate.ShouldPauseIntake() {
		p.recordDrop(tick, "intake_paused")
		return
	}

	select {
	case p.in <- tick:
	default:
		p.recordDrop(tick, "queue_full")
	}
}

func (p *Pipeline) recordDrop(tick types.RawTick, reason string) {
	monitoring.AddBackPressureDrops(1)
	if n := atomic.AddInt64(&p.dropCounter, 1); n%dropLogSampling == 1 {
		p.logger.Warn().
			Str("provider", tick.Provider).
			Str("symbol", tick.Symbol).
			Str("reason", reason).
			Int64("total_dropped", n).
			Msg("Backpressure drop (sampled)")
	}
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()
	defer monitoring.RecoverPanic(p.logger, "pipeline-batcher", nil)

	batch := make([]types.RawTick, 0, p.maxSize)
	timer := time.NewTimer(p.window)
	defer timer.Stop()

	flush := func() {
		if len(batch) > 0 {
			p.flushBatch(batch)
			batch = batch[:0]
		}
		timer.Reset(p.window)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case tick := <-p.in:
			batch = append(batch, tick)
			if len(batch) >= p.maxSize {
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}

// flushBatch runs one micro-batch. Cache and sink writes happen exactly
// once in the prepare phase; only the broadcast phase is retried, so a
// gateway outage never duplicates replay or persistence side effects. Only
// a systemic failure (gateway fully unavailable for every frame) is
// retryable; per-frame failures are final. After the last attempt the
// broadcasts are shed on the degraded path.
func (p *Pipeline) flushBatch(batch []types.RawTick) {
	monitoring.RecordBatch(len(batch))

	frames := p.prepareBatch(batch)
	if len(frames) == 0 {
		return
	}

	var err error
	for attempt := 0; attempt < batchMaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoffBase << (attempt - 1))
		}
		if err = p.broadcastFrames(frames); err == nil {
			return
		}
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Int("size", len(frames)).Msg("Batch broadcast attempt failed")
	}

	monitoring.IncrementBatchFailure()
	for range frames {
		monitoring.IncrementTickDropped(monitoring.TickDropBatchDegraded)
	}
	p.logger.Error().Err(err).Int("size", len(frames)).Msg("Batch degraded after retries, broadcasts dropped")
}

var errGatewayDown = errors.New("gateway unavailable for entire batch")

// outboundFrame is a prepared broadcast: the tick's cache and sink writes
// are already done, only the room push remains.
type outboundFrame struct {
	symbol     string
	payload    []byte
	provider   string
	category   string
	receivedAt int64
}

// prepareBatch groups ticks by (provider, capability) so each group's rule
// is resolved once, then transforms, caches, and persists tick by tick,
// returning the serialized frames still owed to the gateway.
func (p *Pipeline) prepareBatch(batch []types.RawTick) []outboundFrame {
	groups := make(map[string][]types.RawTick)
	order := make([]string, 0, 4)
	for _, tick := range batch {
		key := tick.Provider + "\x00" + tick.Capability
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], tick)
	}

	frames := make([]outboundFrame, 0, len(batch))

	for _, key := range order {
		group := groups[key]
		provider := group[0].Provider
		capability := group[0].Capability
		category := p.categories.CategoryFor(capability)

		rule, err := p.rules.FindRuleFor(provider, category)
		if err != nil {
			for range group {
				monitoring.IncrementTickDropped(monitoring.TickDropRuleLookup)
			}
			p.logger.Warn().Err(err).Str("provider", provider).Str("category", category).Msg("Rule lookup failed, group dropped")
			continue
		}
		if rule == nil {
			for range group {
				monitoring.IncrementTickDropped(monitoring.TickDropNoRule)
			}
			continue
		}

		for _, tick := range group {
			point, ok := p.transform(rule, tick, provider)
			if !ok {
				continue
			}

			p.cache.CacheDataPoint(compress(point))
			if p.sink != nil {
				p.sink.WriteTick(point)
			}

			payload, err := encodeFrame(point)
			if err != nil {
				monitoring.IncrementBroadcastError("encode_failure")
				continue
			}
			frames = append(frames, outboundFrame{
				symbol:     point.Symbol,
				payload:    payload,
				provider:   provider,
				category:   category,
				receivedAt: tick.ReceivedAt,
			})
		}
	}

	return frames
}

// broadcastFrames pushes every prepared frame at its symbol room. The
// processed counter is bumped exactly once per frame, after the batch
// lands; the gateway being unavailable for every frame is the only error.
func (p *Pipeline) broadcastFrames(frames []outboundFrame) error {
	unavailable := 0
	for _, f := range frames {
		if err := p.state.BroadcastToSymbolViaGateway(f.symbol, f.payload, p.gateway); err != nil {
			var gbe *clientstate.GatewayBroadcastError
			if errors.As(err, &gbe) && gbe.Reason == "gateway unavailable" {
				unavailable++
			}
		}
	}
	if len(frames) > 0 && unavailable == len(frames) {
		return errGatewayDown
	}

	now := types.NowMillis()
	for _, f := range frames {
		monitoring.ObservePushLatency(f.provider, symbolRegion(f.symbol), f.category, float64(now-f.receivedAt))
	}
	monitoring.AddTicksProcessed(len(frames))
	return nil
}

// transform normalizes the symbol and applies the rule's field operations.
func (p *Pipeline) transform(rule *rules.Rule, tick types.RawTick, provider string) (types.TickPoint, bool) {
	std, err := p.rules.NormalizeSymbol(tick.Symbol, provider, rules.FromProvider)
	if err != nil {
		monitoring.IncrementTickDropped(monitoring.TickDropNormalizeFailure)
		return types.TickPoint{}, false
	}

	fields, err := rule.Apply(tick.Payload)
	if err != nil {
		monitoring.IncrementTickDropped(monitoring.TickDropTransform)
		p.logger.Debug().Err(err).Str("symbol", tick.Symbol).Msg("Transform failed, tick dropped")
		return types.TickPoint{}, false
	}

	return types.TickPoint{
		Symbol:         std,
		OriginalSymbol: tick.Symbol,
		Timestamp:      tick.ReceivedAt,
		Fields:         fields,
	}, true
}

// encodeFrame serializes the data frame once for the symbol's whole room.
func encodeFrame(point types.TickPoint) ([]byte, error) {
	data, err := json.Marshal(point.Fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(types.DataFrame{
		Type:      types.MsgTypeData,
		Symbol:    point.Symbol,
		Timestamp: point.Timestamp,
		Data:      data,
	})
}

// compress reduces a normalized point to the replay representation. Price
// and volume fall back through the common field aliases.
func compress(point types.TickPoint) types.CompressedPoint {
	return types.CompressedPoint{
		S: point.Symbol,
		P: numericField(point.Fields, "lastPrice", "price", "close"),
		V: numericField(point.Fields, "volume", "vol"),
		T: point.Timestamp,
	}
}

func numericField(fields map[string]any, names ...string) float64 {
	for _, name := range names {
		switch v := fields[name].(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		case int:
			return float64(v)
		}
	}
	return 0
}

// symbolRegion extracts the market suffix ("700.HK" -> "HK") for latency
// labeling; suffix-less symbols are treated as US listings.
func symbolRegion(symbol string) string {
	if i := strings.LastIndexByte(symbol, '.'); i >= 0 && i < len(symbol)-1 {
		return symbol[i+1:]
	}
	return "US"
}
