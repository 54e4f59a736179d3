// Package persist ships normalized ticks to Kafka for downstream consumers.
// Persistence is strictly fire-and-forget: a broker outage costs the
// historical record, never push latency.
package persist

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/types"
)

// Writer is the pipeline-facing sink. The no-op implementation is used when
// persistence is disabled.
type Writer interface {
	WriteTick(point types.TickPoint)
	Close()
}

// Options configures the Kafka writer.
type Options struct {
	Brokers []string
	Topic   string
}

// kafkaWriter produces asynchronously; delivery failures are logged and
// counted, nothing more.
type kafkaWriter struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

// record is the persisted shape: the normalized point plus the producing
// partition key material.
type record struct {
	Symbol    string         `json:"symbol"`
	Timestamp int64          `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// NewKafkaWriter connects a franz-go producer. Records are keyed by symbol
// so each symbol's history stays ordered within its partition.
func NewKafkaWriter(opts Options, logger zerolog.Logger) (Writer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(opts.Brokers...),
		kgo.DefaultProduceTopic(opts.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.RecordRetries(3),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, err
	}

	return &kafkaWriter{
		client: client,
		topic:  opts.Topic,
		logger: logger.With().Str("component", "persist").Logger(),
	}, nil
}

func (w *kafkaWriter) WriteTick(point types.TickPoint) {
	payload, err := json.Marshal(record{
		Symbol:    point.Symbol,
		Timestamp: point.Timestamp,
		Fields:    point.Fields,
	})
	if err != nil {
		monitoring.IncrementPersistFailure()
		w.logger.Warn().Err(err).Str("symbol", point.Symbol).Msg("Failed to encode tick for persistence")
		return
	}

	w.client.Produce(context.Background(), &kgo.Record{
		Key:   []byte(point.Symbol),
		Value: payload,
	}, func(_ *kgo.Record, err error) {
		if err != nil {
			monitoring.IncrementPersistFailure()
			w.logger.Warn().Err(err).Str("symbol", point.Symbol).Msg("Tick persistence delivery failed")
			return
		}
		monitoring.IncrementPersistRecords()
	})
}

func (w *kafkaWriter) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = w.client.Flush(ctx)
	w.client.Close()
}

// Noop discards every tick. Used when SG_PERSIST_ENABLED is off.
type Noop struct{}

func (Noop) WriteTick(types.TickPoint) {}
func (Noop) Close()                    {}
