// Command streamgate runs the market-data streaming gateway: upstream
// provider streams in, normalized WebSocket push out, with replay-backed
// reconnect recovery.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/marketwire/streamgate/internal/clientstate"
	"github.com/marketwire/streamgate/internal/config"
	"github.com/marketwire/streamgate/internal/core"
	"github.com/marketwire/streamgate/internal/fetcher"
	"github.com/marketwire/streamgate/internal/gateway"
	"github.com/marketwire/streamgate/internal/limits"
	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/persist"
	"github.com/marketwire/streamgate/internal/pipeline"
	"github.com/marketwire/streamgate/internal/pool"
	"github.com/marketwire/streamgate/internal/provider"
	"github.com/marketwire/streamgate/internal/recovery"
	"github.com/marketwire/streamgate/internal/replay"
	"github.com/marketwire/streamgate/internal/rules"
	"github.com/marketwire/streamgate/internal/types"
)

func main() {
	boot := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevelInfo,
		Format: types.LogFormatJSON,
	})

	cfg, err := config.LoadConfig(&boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("Configuration invalid")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	audit := monitoring.NewAuditLogger(monitoring.INFO)
	if cfg.SlackWebhookURL != "" {
		audit.SetAlerter(monitoring.NewMultiAlerter(
			monitoring.NewConsoleAlerter(),
			monitoring.NewSlackAlerter(cfg.SlackWebhookURL, "", "streamgate"),
		))
	} else {
		audit.SetAlerter(monitoring.NewConsoleAlerter())
	}

	sysmon := monitoring.GetSystemMonitor(logger)
	sysmon.StartMonitoring(cfg.MetricsInterval)

	// Upstream provider registry: NATS-backed streams under the configured
	// provider identity.
	registry := provider.NewRegistry()
	natsProvider, err := provider.NewNATSProvider(cfg.NATSUrl, cfg.DefaultProvider, cfg.NATSSubjectPrefix, logger, audit)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.NATSUrl).Msg("Failed to connect upstream NATS")
	}
	natsProvider.RegisterWith(registry, cfg.DefaultCapability)

	ruleStore := rules.NewStore(logger)
	seedRules(cfg, ruleStore, logger)
	overrides, _ := cfg.CategoryOverrides()
	categories := rules.NewCategoryMapper(overrides)

	poolMgr := pool.NewManager(pool.Limits{
		MaxGlobal: cfg.PoolMaxGlobal,
		MaxPerKey: cfg.PoolMaxPerKey,
		MaxPerIP:  cfg.PoolMaxPerIP,
	}, logger, audit)

	state := clientstate.NewManager(clientstate.Options{
		ClientTimeout:  cfg.ClientTimeout,
		ReaperInterval: cfg.IdleReaperInterval,
	}, logger)

	var rdb *redis.Client
	if cfg.WarmCacheEnabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).
				Msg("Redis unreachable at startup, warm tier will degrade until it recovers")
		}
		cancel()
	}

	var cmdable redis.Cmdable
	if rdb != nil {
		cmdable = rdb
	}
	cache := replay.NewCache(replay.Options{
		HotTTL:         cfg.HotCacheTTL,
		MaxHotEntries:  cfg.MaxHotCacheEntries,
		HotMaxPoints:   cfg.HotEntryMaxPoints,
		WarmTTL:        cfg.WarmCacheTTL,
		StreamMaxLen:   cfg.RedisStreamMaxLength,
		StreamTrimMode: cfg.RedisStreamTrim,
	}, state.HasSubscribers, cmdable, logger)

	var persister persist.Writer = persist.Noop{}
	if cfg.PersistEnabled {
		persister, err = persist.NewKafkaWriter(persist.Options{
			Brokers: cfg.KafkaBrokerList(),
			Topic:   cfg.KafkaTopic,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to build Kafka producer")
		}
	}

	fetch := fetcher.New(cfg, registry, poolMgr, logger, audit)

	rateLimiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst:     cfg.ConnBurstPerIP,
		IPRate:      float64(cfg.ConnRatePerIP),
		GlobalBurst: cfg.ConnRateGlobal * 2,
		GlobalRate:  float64(cfg.ConnRateGlobal),
		Logger:      logger,
	})

	gw := gateway.NewServer(cfg, nil, rateLimiter, audit, logger)
	guard := limits.NewResourceGuard(cfg, logger, sysmon, gw.CurrentConnsPtr())
	gw.SetResourceGuard(guard)

	pipe := pipeline.New(pipeline.Options{
		Window:  cfg.BatchWindow,
		MaxSize: cfg.BatchMaxSize,
	}, ruleStore, categories, cache, state, gw, persister, guard, logger)
	fetch.SetTickSink(pipe.Submit)
	pipe.Start()

	rec := recovery.NewManager(recovery.Options{
		Workers:       cfg.RecoveryWorkerPoolSize,
		MaxConcurrent: cfg.MaxConcurrentRecoveries,
		QueueSize:     cfg.RecoveryQueueSize,
		BatchSize:     cfg.RecoveryBatchSize,
		MaxWindow:     cfg.MaxRecoveryWindow,
		MaxQPS:        cfg.MaxRecoveryQPS,
		TaskTimeout:   cfg.RecoveryTimeout,
	}, cache, gw, logger, audit)
	rec.Start()

	orch := core.New(cfg, state, fetch, rec, ruleStore, logger)
	orch.SetGateway(gw)
	gw.SetHandler(orch)
	orch.Start()

	guardCtx, guardCancel := context.WithCancel(context.Background())
	guard.StartMonitoring(guardCtx, cfg.MetricsInterval)

	collector := monitoring.NewMetricsCollector(monitoring.CollectorConfig{
		MaxConnections: cfg.MaxConnections,
		Interval:       cfg.MetricsInterval,
	}, orch)
	collector.Start()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- gw.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("Gateway listener failed")
		}
	}

	shutdown(cfg, logger, gw, orch, fetch, pipe, rec, state, cache, persister, collector, rateLimiter, guardCancel, natsProvider, rdb, sysmon)
}

// shutdown drains in dependency order: stop accepting subscribers, cut
// upstream intake, flush the pipeline, finish recovery, then release the
// stores and sinks.
func shutdown(
	cfg *config.Config,
	logger zerolog.Logger,
	gw *gateway.Server,
	orch *core.Orchestrator,
	fetch *fetcher.Fetcher,
	pipe *pipeline.Pipeline,
	rec *recovery.Manager,
	state *clientstate.Manager,
	cache *replay.Cache,
	persister persist.Writer,
	collector *monitoring.MetricsCollector,
	rateLimiter *limits.ConnectionRateLimiter,
	guardCancel context.CancelFunc,
	natsProvider *provider.NATSProvider,
	rdb *redis.Client,
	sysmon *monitoring.SystemMonitor,
) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()

	if err := gw.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Gateway shutdown incomplete")
	}

	fetch.Shutdown()
	natsProvider.Close()

	pipe.Shutdown()
	rec.Shutdown()
	orch.Shutdown()

	state.Shutdown()
	cache.Shutdown()
	persister.Close()

	collector.Stop()
	rateLimiter.Stop()
	guardCancel()
	sysmon.Shutdown()

	if rdb != nil {
		_ = rdb.Close()
	}

	logger.Info().Msg("Shutdown complete")
}

// seedRules installs the default field-mapping rule for the configured
// provider so the pipeline can normalize quotes before the rule service
// pushes live definitions.
func seedRules(cfg *config.Config, store *rules.Store, logger zerolog.Logger) {
	overrides, err := cfg.CategoryOverrides()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid rule category map")
	}
	category := rules.NewCategoryMapper(overrides).CategoryFor(cfg.DefaultCapability)

	rule := rules.Rule{
		Provider: cfg.DefaultProvider,
		Category: category,
		Fields: []rules.FieldOp{
			{Source: "last_done", Target: "lastPrice", Op: rules.OpMultiply, Operand: 1},
			{Source: "open", Target: "open", Op: rules.OpMultiply, Operand: 1},
			{Source: "high", Target: "high", Op: rules.OpMultiply, Operand: 1},
			{Source: "low", Target: "low", Op: rules.OpMultiply, Operand: 1},
			{Source: "volume", Target: "volume", Op: rules.OpMultiply, Operand: 1},
			{Source: "turnover", Target: "turnover", Op: rules.OpMultiply, Operand: 1},
		},
	}
	if err := store.UpsertRule(rule); err != nil {
		logger.Fatal().Err(err).Msg("Failed to seed default rule")
	}
	logger.Info().
		Str("provider", rule.Provider).
		Str("category", rule.Category).
		Int("fields", len(rule.Fields)).
		Msg("Seeded default normalization rule")
}
