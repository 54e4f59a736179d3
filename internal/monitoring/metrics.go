package monitoring

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketwire/streamgate/internal/platform"
	"github.com/marketwire/streamgate/internal/types"
)

// Prometheus metrics for the streaming gateway
// Scraped at /metrics and visualized in Grafana
var (
	// Subscriber connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_connections_max",
		Help: "Maximum allowed WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_connections_failed_total",
		Help: "Total number of failed connection attempts",
	})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sg_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	// Frame metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_messages_sent_total",
		Help: "Total number of frames sent to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_messages_received_total",
		Help: "Total number of frames received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	slowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_slow_clients_disconnected_total",
		Help: "Total number of slow clients disconnected",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_rate_limited_messages_total",
		Help: "Total number of rate limited inbound frames",
	})

	droppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_dropped_frames_total",
		Help: "Total outbound frames dropped by room and reason",
	}, []string{"room", "reason"})

	slowClientAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sg_slow_client_attempts_before_disconnect",
		Help:    "Distribution of send attempts before slow client disconnect",
		Buckets: []float64{1, 2, 3, 4, 5, 10, 20},
	})

	// Admission control metrics
	capacityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_capacity_rejections_total",
		Help: "Connections rejected by admission control, by reason",
	}, []string{"reason"})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_connection_rate_limited_total",
		Help: "Connection attempts rejected by rate limiting, by scope",
	}, []string{"scope"})

	capacityCPUHeadroom = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_capacity_cpu_headroom_percent",
		Help: "Remaining CPU headroom before admission control rejects",
	})

	capacityMemoryHeadroom = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_capacity_memory_headroom_percent",
		Help: "Remaining memory headroom before admission control rejects",
	})

	// Pipeline metrics
	ticksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_ticks_received_total",
		Help: "Total raw ticks received from upstream providers",
	}, []string{"provider"})

	ticksProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_ticks_processed_total",
		Help: "Total ticks fully processed by the pipeline",
	})

	ticksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_ticks_dropped_total",
		Help: "Total ticks dropped by reason",
	}, []string{"reason"})

	backPressureDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_back_pressure_drops_total",
		Help: "Total ticks discarded because the batch buffer was full",
	})

	batchesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_batches_processed_total",
		Help: "Total micro-batches processed",
	})

	batchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_batch_failures_total",
		Help: "Total micro-batches that exhausted retries and degraded",
	})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sg_batch_size",
		Help:    "Distribution of micro-batch sizes",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 150, 200},
	})

	streamPushLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sg_stream_push_latency_ms",
		Help:    "End-to-end latency from upstream receive to post-broadcast, milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 75, 100, 250, 500, 1000},
	}, []string{"provider", "symbol_type", "data_type"})

	broadcastErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_broadcast_errors_total",
		Help: "Gateway broadcast failures by provider",
	}, []string{"provider"})

	// Replay cache metrics
	hotCacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_replay_hot_entries",
		Help: "Current number of symbols resident in the hot replay tier",
	})

	hotCacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_replay_hot_evictions_total",
		Help: "Total hot tier LRU evictions",
	})

	cacheWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_cache_writes_total",
		Help: "Replay cache writes by tier",
	}, []string{"tier"})

	cacheWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_cache_write_failures_total",
		Help: "Replay cache write failures by tier",
	}, []string{"tier"})

	warmCacheFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_warm_cache_failures_total",
		Help: "Warm tier read failures degraded to hot-only replay",
	})

	// Upstream pool metrics
	poolUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sg_pool_utilization_percent",
		Help: "Upstream connection pool utilization per dimension",
	}, []string{"dimension"})

	poolRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_pool_rejections_total",
		Help: "Upstream connection admissions rejected per dimension",
	}, []string{"dimension"})

	// Fetcher metrics
	upstreamConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_upstream_connections_active",
		Help: "Current number of active upstream stream connections",
	})

	upstreamConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_upstream_connections_total",
		Help: "Total upstream connections established by provider",
	}, []string{"provider"})

	upstreamConnectionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_upstream_connection_failures_total",
		Help: "Total upstream connection establishment failures by provider",
	}, []string{"provider"})

	subscribeOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_subscribe_operations_total",
		Help: "Upstream subscribe/unsubscribe operations by result",
	}, []string{"op", "result"})

	healthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_health_checks_total",
		Help: "Health check evaluations by tier and result",
	}, []string{"tier", "result"})

	healthCheckDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sg_health_check_duration_seconds",
		Help:    "Duration of full batch health checks",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	healthCheckEfficiency = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_health_check_efficiency_ratio",
		Help: "Tiered health check cost savings versus a naive full check (0-1)",
	})

	adaptiveConcurrency = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_adaptive_concurrency",
		Help: "Current adaptive concurrency limit for fetcher fan-out",
	})

	circuitBreakerOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_circuit_breaker_open",
		Help: "Adaptive controller circuit breaker state (1=open)",
	})

	zombiesRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_zombie_connections_removed_total",
		Help: "Zombie upstream connections removed by the map sweeper",
	})

	mapLeakWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_map_leak_warnings_total",
		Help: "Sweeps where the id index outgrew twice the active map",
	})

	// Recovery metrics
	recoveryScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_recovery_scheduled_total",
		Help: "Recovery tasks admitted to the queue",
	})

	recoveryRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_recovery_rejected_total",
		Help: "Recovery tasks rejected at admission by reason",
	}, []string{"reason"})

	recoveryCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_recovery_completed_total",
		Help: "Recovery tasks completed successfully",
	})

	recoveryFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_recovery_failed_total",
		Help: "Recovery tasks that emitted a terminal recovery_failed frame",
	})

	recoveryCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_recovery_cancelled_total",
		Help: "Recovery tasks cancelled by shutdown or duplicate admission",
	})

	recoveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sg_recovery_duration_seconds",
		Help:    "Duration of recovery task execution",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	})

	recoveryPointsReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_recovery_points_replayed_total",
		Help: "Total cached points replayed to reconnecting clients",
	})

	recoveryQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_recovery_queue_depth",
		Help: "Current number of queued recovery tasks",
	})

	recoveryActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_recovery_active",
		Help: "Recovery tasks currently executing",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	memoryLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_memory_limit_bytes",
		Help: "Memory limit in bytes (from cgroup)",
	})

	CpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_cpu_usage_percent",
		Help: "Current CPU usage percentage (container-aware: % of allocated CPUs)",
	})

	CpuContainerPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_cpu_container_percent",
		Help: "CPU usage as percentage of container allocation (0-100%)",
	})

	CpuHostPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_cpu_host_percent",
		Help: "CPU usage as percentage of total host CPUs (for reference)",
	})

	CpuAllocationCores = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_cpu_allocation_cores",
		Help: "Number of CPU cores allocated to container",
	})

	CpuThrottledSecondsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_cpu_throttled_seconds_total",
		Help: "Total time (seconds) container CPU was throttled by cgroup",
	})

	CpuThrottleEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_cpu_throttle_events_total",
		Help: "Total number of times container hit CPU limit and was throttled",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_goroutines_active",
		Help: "Current number of active goroutines",
	})

	// Upstream transport status
	natsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_nats_connected",
		Help: "NATS connection status (1=connected, 0=down)",
	})

	persistRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_persist_records_total",
		Help: "Normalized records handed to the persistence producer",
	})

	persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_persist_failures_total",
		Help: "Persistence produce failures (fire-and-forget, logged only)",
	})

	// Error tracking
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsMax)
	prometheus.MustRegister(ConnectionsFailed)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)

	prometheus.MustRegister(slowClientsDisconnected)
	prometheus.MustRegister(rateLimitedMessages)
	prometheus.MustRegister(droppedFrames)
	prometheus.MustRegister(slowClientAttempts)

	prometheus.MustRegister(capacityRejections)
	prometheus.MustRegister(connectionRateLimited)
	prometheus.MustRegister(capacityCPUHeadroom)
	prometheus.MustRegister(capacityMemoryHeadroom)

	prometheus.MustRegister(ticksReceived)
	prometheus.MustRegister(ticksProcessed)
	prometheus.MustRegister(ticksDropped)
	prometheus.MustRegister(backPressureDrops)
	prometheus.MustRegister(batchesProcessed)
	prometheus.MustRegister(batchFailures)
	prometheus.MustRegister(batchSize)
	prometheus.MustRegister(streamPushLatency)
	prometheus.MustRegister(broadcastErrors)

	prometheus.MustRegister(hotCacheEntries)
	prometheus.MustRegister(hotCacheEvictions)
	prometheus.MustRegister(cacheWrites)
	prometheus.MustRegister(cacheWriteFailures)
	prometheus.MustRegister(warmCacheFailures)

	prometheus.MustRegister(poolUtilization)
	prometheus.MustRegister(poolRejections)

	prometheus.MustRegister(upstreamConnectionsActive)
	prometheus.MustRegister(upstreamConnectionsTotal)
	prometheus.MustRegister(upstreamConnectionFailures)
	prometheus.MustRegister(subscribeOps)
	prometheus.MustRegister(healthChecks)
	prometheus.MustRegister(healthCheckDuration)
	prometheus.MustRegister(healthCheckEfficiency)
	prometheus.MustRegister(adaptiveConcurrency)
	prometheus.MustRegister(circuitBreakerOpen)
	prometheus.MustRegister(zombiesRemoved)
	prometheus.MustRegister(mapLeakWarnings)

	prometheus.MustRegister(recoveryScheduled)
	prometheus.MustRegister(recoveryRejected)
	prometheus.MustRegister(recoveryCompleted)
	prometheus.MustRegister(recoveryFailed)
	prometheus.MustRegister(recoveryCancelled)
	prometheus.MustRegister(recoveryDuration)
	prometheus.MustRegister(recoveryPointsReplayed)
	prometheus.MustRegister(recoveryQueueDepth)
	prometheus.MustRegister(recoveryActive)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(memoryLimitBytes)
	prometheus.MustRegister(CpuUsagePercent)
	prometheus.MustRegister(CpuContainerPercent)
	prometheus.MustRegister(CpuHostPercent)
	prometheus.MustRegister(CpuAllocationCores)
	prometheus.MustRegister(CpuThrottledSecondsTotal)
	prometheus.MustRegister(CpuThrottleEventsTotal)
	prometheus.MustRegister(goroutinesActive)

	prometheus.MustRegister(natsConnected)
	prometheus.MustRegister(persistRecords)
	prometheus.MustRegister(persistFailures)

	prometheus.MustRegister(errorsTotal)
}

// StatsSource provides the collector access to live server state without a
// dependency on the gateway package.
type StatsSource interface {
	GatewayStats() *types.GatewayStats
	UpstreamActive() int
	UpstreamHealthy() bool
}

// CollectorConfig holds the static values the collector exports once.
type CollectorConfig struct {
	MaxConnections int
	Interval       time.Duration
}

// MetricsCollector handles periodic collection of system metrics
type MetricsCollector struct {
	cfg      CollectorConfig
	source   StatsSource
	stopChan chan struct{}
}

func NewMetricsCollector(cfg CollectorConfig, source StatsSource) *MetricsCollector {
	return &MetricsCollector{
		cfg:      cfg,
		source:   source,
		stopChan: make(chan struct{}),
	}
}

// Start begins collecting metrics periodically
func (m *MetricsCollector) Start() {
	connectionsMax.Set(float64(m.cfg.MaxConnections))

	if memLimit, err := platform.GetMemoryLimit(); err == nil && memLimit > 0 {
		memoryLimitBytes.Set(float64(memLimit))
	}

	interval := m.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.collect()
			case <-m.stopChan:
				return
			}
		}
	}()
}

// Stop stops the metrics collector
func (m *MetricsCollector) Stop() {
	close(m.stopChan)
}

func (m *MetricsCollector) collect() {
	stats := m.source.GatewayStats()

	connectionsActive.Set(float64(atomic.LoadInt64(&stats.CurrentConnections)))
	upstreamConnectionsActive.Set(float64(m.source.UpstreamActive()))

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memoryUsageBytes.Set(float64(mem.Alloc))

	goroutinesActive.Set(float64(runtime.NumGoroutine()))

	if m.source.UpstreamHealthy() {
		natsConnected.Set(1)
	} else {
		natsConnected.Set(0)
	}
}

// Connection helpers

func IncrementConnections() {
	connectionsTotal.Inc()
}

func SetActiveConnections(n int64) {
	connectionsActive.Set(float64(n))
}

func UpdateMessageMetrics(sent, received int64) {
	if sent > 0 {
		messagesSent.Add(float64(sent))
	}
	if received > 0 {
		messagesReceived.Add(float64(received))
	}
}

func UpdateBytesMetrics(sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
}

func IncrementSlowClientDisconnects() {
	slowClientsDisconnected.Inc()
}

func IncrementRateLimitedMessages() {
	rateLimitedMessages.Inc()
}

// RecordSlowClientAttempt records the number of send attempts before slow client disconnect
func RecordSlowClientAttempt(attempts int) {
	slowClientAttempts.Observe(float64(attempts))
}

// Admission rejection reasons
const (
	CapacityRejectMaxConnections = "at_max_connections"
	CapacityRejectCPUOverload    = "cpu_overload"
	CapacityRejectMemoryLimit    = "memory_limit"
	CapacityRejectGoroutineLimit = "goroutine_limit"
	CapacityRejectPoolLimit      = "pool_limit"
)

func IncrementCapacityRejection(reason string) {
	capacityRejections.WithLabelValues(reason).Inc()
}

// Connection rate limit scopes
const (
	RateLimitScopeGlobal = "global"
	RateLimitScopePerIP  = "per_ip"
)

func IncrementConnectionRateLimit(scope string) {
	connectionRateLimited.WithLabelValues(scope).Inc()
}

// UpdateCapacityHeadroom records remaining CPU and memory headroom percentages.
func UpdateCapacityHeadroom(cpuHeadroom, memHeadroom float64) {
	capacityCPUHeadroom.Set(cpuHeadroom)
	capacityMemoryHeadroom.Set(memHeadroom)
}

// Disconnect reasons - standardized constants for categorization
const (
	DisconnectReasonReadError         = "read_error"
	DisconnectReasonWriteTimeout      = "write_timeout"
	DisconnectReasonPingTimeout       = "ping_timeout"
	DisconnectReasonRateLimitExceeded = "rate_limit_exceeded"
	DisconnectReasonServerShutdown    = "server_shutdown"
	DisconnectReasonClientInitiated   = "client_initiated"
	DisconnectReasonSlowClient        = "slow_client"
	DisconnectReasonIdle              = "idle"
)

// Who initiated the disconnect
const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// Drop reasons - why outbound frames were dropped
const (
	DropReasonBufferFull         = "buffer_full"
	DropReasonClientDisconnected = "client_disconnected"
)

// RecordDisconnectWithStats tracks a disconnect in both Prometheus and the
// stats block backing /healthz.
func RecordDisconnectWithStats(stats *types.GatewayStats, reason, initiatedBy string, duration time.Duration) {
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
	stats.RecordDisconnect(reason)
}

// RecordDroppedFrameWithStats tracks a dropped outbound frame in both
// Prometheus and the stats block.
func RecordDroppedFrameWithStats(stats *types.GatewayStats, room, reason string) {
	droppedFrames.WithLabelValues(room, reason).Inc()
	stats.RecordDrop(room)
}

// Pipeline helpers

// Tick drop reasons
const (
	TickDropNormalizeFailure = "normalize_failure"
	TickDropRuleLookup       = "rule_lookup_failure"
	TickDropNoRule           = "no_rule"
	TickDropTransform        = "transform_failure"
	TickDropBatchDegraded    = "batch_degraded"
)

func IncrementTicksReceived(provider string) {
	ticksReceived.WithLabelValues(provider).Inc()
}

func AddTicksProcessed(n int) {
	if n > 0 {
		ticksProcessed.Add(float64(n))
	}
}

func IncrementTickDropped(reason string) {
	ticksDropped.WithLabelValues(reason).Inc()
}

func AddBackPressureDrops(n int) {
	if n > 0 {
		backPressureDrops.Add(float64(n))
	}
}

func RecordBatch(size int) {
	batchesProcessed.Inc()
	batchSize.Observe(float64(size))
}

func IncrementBatchFailure() {
	batchFailures.Inc()
}

func ObservePushLatency(provider, symbolType, dataType string, ms float64) {
	streamPushLatency.WithLabelValues(provider, symbolType, dataType).Observe(ms)
}

func IncrementBroadcastError(provider string) {
	broadcastErrors.WithLabelValues(provider).Inc()
}

// Replay cache helpers

const (
	CacheTierHot  = "hot"
	CacheTierWarm = "warm"
)

func SetHotCacheEntries(n int) {
	hotCacheEntries.Set(float64(n))
}

func IncrementHotEviction() {
	hotCacheEvictions.Inc()
}

func IncrementCacheWrite(tier string) {
	cacheWrites.WithLabelValues(tier).Inc()
}

func IncrementCacheWriteFailure(tier string) {
	cacheWriteFailures.WithLabelValues(tier).Inc()
}

func IncrementWarmCacheFailure() {
	warmCacheFailures.Inc()
}

// Pool helpers

func SetPoolUtilization(dimension string, percent float64) {
	poolUtilization.WithLabelValues(dimension).Set(percent)
}

func IncrementPoolRejection(dimension string) {
	poolRejections.WithLabelValues(dimension).Inc()
}

// Fetcher helpers

func IncrementUpstreamConnection(provider string) {
	upstreamConnectionsTotal.WithLabelValues(provider).Inc()
}

func IncrementUpstreamConnectionFailure(provider string) {
	upstreamConnectionFailures.WithLabelValues(provider).Inc()
}

func SetUpstreamActive(n int) {
	upstreamConnectionsActive.Set(float64(n))
}

func RecordSubscribeOp(op string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	subscribeOps.WithLabelValues(op, result).Inc()
}

func RecordHealthCheck(tier string, healthy bool) {
	result := "pass"
	if !healthy {
		result = "fail"
	}
	healthChecks.WithLabelValues(tier, result).Inc()
}

func ObserveHealthCheckDuration(d time.Duration) {
	healthCheckDuration.Observe(d.Seconds())
}

func SetHealthCheckEfficiency(ratio float64) {
	healthCheckEfficiency.Set(ratio)
}

func SetAdaptiveConcurrency(n int) {
	adaptiveConcurrency.Set(float64(n))
}

func SetCircuitBreakerOpen(open bool) {
	if open {
		circuitBreakerOpen.Set(1)
	} else {
		circuitBreakerOpen.Set(0)
	}
}

func AddZombiesRemoved(n int) {
	if n > 0 {
		zombiesRemoved.Add(float64(n))
	}
}

func IncrementMapLeakWarning() {
	mapLeakWarnings.Inc()
}

// Recovery helpers

// Recovery rejection reasons
const (
	RecoveryRejectMissingTimestamp = "missing_timestamp"
	RecoveryRejectWindowExceeded   = "window_exceeded"
	RecoveryRejectDuplicate        = "duplicate"
	RecoveryRejectQueueFull        = "queue_full"
)

func IncrementRecoveryScheduled() {
	recoveryScheduled.Inc()
}

func IncrementRecoveryRejected(reason string) {
	recoveryRejected.WithLabelValues(reason).Inc()
}

func IncrementRecoveryCompleted() {
	recoveryCompleted.Inc()
}

func IncrementRecoveryFailed() {
	recoveryFailed.Inc()
}

func IncrementRecoveryCancelled() {
	recoveryCancelled.Inc()
}

func ObserveRecoveryDuration(d time.Duration) {
	recoveryDuration.Observe(d.Seconds())
}

func AddRecoveryPointsReplayed(n int) {
	if n > 0 {
		recoveryPointsReplayed.Add(float64(n))
	}
}

func SetRecoveryQueueDepth(n int) {
	recoveryQueueDepth.Set(float64(n))
}

func SetRecoveryActive(n int) {
	recoveryActive.Set(float64(n))
}

// Persistence helpers

func IncrementPersistRecords() {
	persistRecords.Inc()
}

func IncrementPersistFailure() {
	persistFailures.Inc()
}

// Error severity levels for metrics and logging
const (
	ErrorSeverityWarning  = "warning"
	ErrorSeverityCritical = "critical"
	ErrorSeverityFatal    = "fatal"
)

// Error types for categorization
const (
	ErrorTypeUpstream      = "upstream"
	ErrorTypeBroadcast     = "broadcast"
	ErrorTypeSerialization = "serialization"
	ErrorTypeConnection    = "connection"
	ErrorTypeHealth        = "health"
	ErrorTypeCache         = "cache"
	ErrorTypeRecovery      = "recovery"
	ErrorTypePersist       = "persist"
)

// RecordError tracks an error by type and severity
func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

// HandleMetrics serves Prometheus metrics at the /metrics endpoint
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
