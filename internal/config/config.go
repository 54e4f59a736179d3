package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"SG_ADDR" envDefault:":8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Upstream transports
	NATSUrl       string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	KafkaBrokers  string `env:"KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaTopic    string `env:"KAFKA_TICKS_TOPIC" envDefault:"streamgate.ticks.normalized"`
	PersistEnabled bool  `env:"SG_PERSIST_ENABLED" envDefault:"true"`

	// Warm replay tier (shared store)
	RedisAddr        string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword    string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB          int    `env:"REDIS_DB" envDefault:"0"`
	WarmCacheEnabled bool   `env:"SG_WARM_CACHE_ENABLED" envDefault:"true"`

	// Resource limits (from container)
	CPULimit    float64 `env:"SG_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"SG_MEMORY_LIMIT" envDefault:"536870912"` // 512MB

	// Subscriber capacity
	MaxConnections int `env:"SG_MAX_CONNECTIONS" envDefault:"5000"`
	MaxGoroutines  int `env:"SG_MAX_GOROUTINES" envDefault:"10000"`
	SendBufferSize int `env:"SG_SEND_BUFFER_SIZE" envDefault:"1024"`

	// Rate limiting
	MaxTickRate        int `env:"SG_MAX_TICK_RATE" envDefault:"10000"`      // Inbound provider ticks per second
	MaxBroadcastRate   int `env:"SG_MAX_BROADCAST_RATE" envDefault:"5000"`  // Room broadcasts per second
	ClientMsgRate      int `env:"SG_CLIENT_MSG_RATE" envDefault:"10"`       // Per-client inbound messages per second
	ClientMsgBurst     int `env:"SG_CLIENT_MSG_BURST" envDefault:"20"`      // Per-client inbound burst
	ConnRatePerIP      int `env:"SG_CONN_RATE_PER_IP" envDefault:"5"`       // New connections per second per IP
	ConnBurstPerIP     int `env:"SG_CONN_BURST_PER_IP" envDefault:"10"`     // Connection burst per IP
	ConnRateGlobal     int `env:"SG_CONN_RATE_GLOBAL" envDefault:"100"`     // New connections per second globally

	// CPU safety thresholds, relative to container CPU allocation
	CPURejectThreshold float64 `env:"SG_CPU_REJECT_THRESHOLD" envDefault:"75.0"` // Reject new connections above this %
	CPUPauseThreshold  float64 `env:"SG_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`  // Pause tick intake above this %

	// Upstream connection pool caps
	PoolMaxGlobal int `env:"SG_POOL_MAX_GLOBAL" envDefault:"1000"`
	PoolMaxPerKey int `env:"SG_POOL_MAX_PER_KEY" envDefault:"2"`
	PoolMaxPerIP  int `env:"SG_POOL_MAX_PER_IP" envDefault:"100"`

	// Stream fetcher
	ConnectionTimeout  time.Duration `env:"SG_CONNECTION_TIMEOUT" envDefault:"30s"`
	PollingInterval    time.Duration `env:"SG_POLLING_INTERVAL" envDefault:"100ms"` // Connect-wait fallback poll
	MapCleanupInterval time.Duration `env:"SG_MAP_CLEANUP_INTERVAL" envDefault:"5m"`
	ZombieInactivity   time.Duration `env:"SG_ZOMBIE_INACTIVITY" envDefault:"30m"`
	HealthCheckTimeout time.Duration `env:"SG_HEALTH_CHECK_TIMEOUT" envDefault:"10s"`

	// Adaptive concurrency controller
	MinConcurrency     int `env:"SG_MIN_CONCURRENCY" envDefault:"2"`
	MaxConcurrency     int `env:"SG_MAX_CONCURRENCY" envDefault:"50"`
	InitialConcurrency int `env:"SG_INITIAL_CONCURRENCY" envDefault:"10"`

	// Pipeline micro-batching
	BatchWindow  time.Duration `env:"SG_BATCH_WINDOW" envDefault:"50ms"`
	BatchMaxSize int           `env:"SG_BATCH_MAX_SIZE" envDefault:"200"`

	// Replay cache
	HotCacheTTL           time.Duration `env:"SG_HOT_CACHE_TTL" envDefault:"5s"`
	MaxHotCacheEntries    int           `env:"SG_MAX_HOT_CACHE_ENTRIES" envDefault:"1000"`
	HotEntryMaxPoints     int           `env:"SG_HOT_ENTRY_MAX_POINTS" envDefault:"512"`
	WarmCacheTTL          time.Duration `env:"SG_WARM_CACHE_TTL" envDefault:"30s"`
	RedisStreamMaxLength  int64         `env:"SG_REDIS_STREAM_MAX_LENGTH" envDefault:"10000"`
	RedisStreamTrim       string        `env:"SG_REDIS_STREAM_TRIM" envDefault:"MAXLEN"` // MAXLEN or MINID
	MemoryAlertThresholdMB int          `env:"SG_MEMORY_ALERT_THRESHOLD_MB" envDefault:"60"`

	// Recovery worker pool
	RecoveryBatchSize       int           `env:"SG_RECOVERY_BATCH_SIZE" envDefault:"100"`
	MaxRecoveryWindow       time.Duration `env:"SG_MAX_RECOVERY_WINDOW" envDefault:"30s"`
	MaxRecoveryQPS          int           `env:"SG_MAX_RECOVERY_QPS" envDefault:"1000"`
	RecoveryWorkerPoolSize  int           `env:"SG_RECOVERY_WORKERS" envDefault:"4"`
	RecoveryTimeout         time.Duration `env:"SG_RECOVERY_TIMEOUT" envDefault:"60s"`
	MaxConcurrentRecoveries int           `env:"SG_MAX_CONCURRENT_RECOVERIES" envDefault:"10"`
	RecoveryQueueSize       int           `env:"SG_RECOVERY_QUEUE_SIZE" envDefault:"1000"`

	// Client state
	ClientTimeout      time.Duration `env:"SG_CLIENT_TIMEOUT" envDefault:"5m"`
	IdleReaperInterval time.Duration `env:"SG_IDLE_REAPER_INTERVAL" envDefault:"5m"`

	// Rule service. Comma-separated capability:category pairs; the explicit
	// table wins over the derived stream- prefix fallback.
	RuleCategoryMap string `env:"SG_RULE_CATEGORY_MAP" envDefault:"stream-stock-quote:quote_fields"`

	// Upstream provider identity and NATS subject layout. Subjects follow
	// <prefix>.<provider>.<capability>.<symbol>.
	DefaultProvider   string `env:"SG_DEFAULT_PROVIDER" envDefault:"polygon"`
	DefaultCapability string `env:"SG_DEFAULT_CAPABILITY" envDefault:"stream-stock-quote"`
	NATSSubjectPrefix string `env:"SG_NATS_SUBJECT_PREFIX" envDefault:"ticks"`

	// Gateway timeouts
	PingInterval  time.Duration `env:"SG_PING_INTERVAL" envDefault:"30s"`
	ReadTimeout   time.Duration `env:"SG_READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout  time.Duration `env:"SG_WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownGrace time.Duration `env:"SG_SHUTDOWN_GRACE" envDefault:"10s"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	SlackWebhookURL string        `env:"SLACK_WEBHOOK_URL" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production supplies real env vars
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else {
		if logger != nil {
			logger.Info().Msg("Loaded configuration from .env file")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for errors. Configurations whose worst-case
// hot cache footprint exceeds the memory alert threshold are rejected
// outright rather than admitted and alerted on later.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SG_ADDR is required")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("SG_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.PoolMaxGlobal < 1 || c.PoolMaxPerKey < 1 || c.PoolMaxPerIP < 1 {
		return fmt.Errorf("pool caps must all be > 0, got global=%d perKey=%d perIP=%d",
			c.PoolMaxGlobal, c.PoolMaxPerKey, c.PoolMaxPerIP)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("SG_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("SG_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}

	// The 50ms window and 200 item cap are the pipeline SLA; larger values
	// are rejected, smaller are allowed for testing.
	if c.BatchWindow <= 0 || c.BatchWindow > 50*time.Millisecond {
		return fmt.Errorf("SG_BATCH_WINDOW must be in (0, 50ms], got %s", c.BatchWindow)
	}
	if c.BatchMaxSize < 1 || c.BatchMaxSize > 200 {
		return fmt.Errorf("SG_BATCH_MAX_SIZE must be in [1, 200], got %d", c.BatchMaxSize)
	}

	if c.MaxHotCacheEntries < 1 {
		return fmt.Errorf("SG_MAX_HOT_CACHE_ENTRIES must be > 0, got %d", c.MaxHotCacheEntries)
	}
	if c.HotEntryMaxPoints < 1 {
		return fmt.Errorf("SG_HOT_ENTRY_MAX_POINTS must be > 0, got %d", c.HotEntryMaxPoints)
	}
	if c.RedisStreamMaxLength < 1 {
		return fmt.Errorf("SG_REDIS_STREAM_MAX_LENGTH must be > 0, got %d", c.RedisStreamMaxLength)
	}

	// Fail closed on hot tier memory budget. 64 bytes is the conservative
	// per-point estimate (compressed point + ring slot overhead).
	hotBudgetMB := float64(c.MaxHotCacheEntries) * float64(c.HotEntryMaxPoints) * 64 / (1024 * 1024)
	if hotBudgetMB > float64(c.MemoryAlertThresholdMB) {
		return fmt.Errorf("hot cache worst case %.1fMB exceeds SG_MEMORY_ALERT_THRESHOLD_MB %dMB",
			hotBudgetMB, c.MemoryAlertThresholdMB)
	}

	// Logical checks
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("SG_CPU_PAUSE_THRESHOLD (%.1f) must be >= SG_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	if c.MinConcurrency < 1 {
		return fmt.Errorf("SG_MIN_CONCURRENCY must be > 0, got %d", c.MinConcurrency)
	}
	if c.MaxConcurrency < c.MinConcurrency {
		return fmt.Errorf("SG_MAX_CONCURRENCY (%d) must be >= SG_MIN_CONCURRENCY (%d)",
			c.MaxConcurrency, c.MinConcurrency)
	}
	if c.InitialConcurrency < c.MinConcurrency || c.InitialConcurrency > c.MaxConcurrency {
		return fmt.Errorf("SG_INITIAL_CONCURRENCY (%d) must be within [%d, %d]",
			c.InitialConcurrency, c.MinConcurrency, c.MaxConcurrency)
	}
	if c.RecoveryWorkerPoolSize < 1 || c.MaxConcurrentRecoveries < 1 || c.RecoveryBatchSize < 1 {
		return fmt.Errorf("recovery pool sizes must all be > 0, got workers=%d concurrent=%d batch=%d",
			c.RecoveryWorkerPoolSize, c.MaxConcurrentRecoveries, c.RecoveryBatchSize)
	}
	if c.MaxRecoveryQPS < 1 {
		return fmt.Errorf("SG_MAX_RECOVERY_QPS must be > 0, got %d", c.MaxRecoveryQPS)
	}
	if c.ClientTimeout <= 0 {
		return fmt.Errorf("SG_CLIENT_TIMEOUT must be > 0, got %s", c.ClientTimeout)
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	trim := strings.ToUpper(c.RedisStreamTrim)
	if trim != "MAXLEN" && trim != "MINID" {
		return fmt.Errorf("SG_REDIS_STREAM_TRIM must be MAXLEN or MINID (got: %s)", c.RedisStreamTrim)
	}
	c.RedisStreamTrim = trim

	if _, err := c.CategoryOverrides(); err != nil {
		return err
	}

	return nil
}

// CategoryOverrides parses the capability→category mapping table.
func (c *Config) CategoryOverrides() (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(c.RuleCategoryMap) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(c.RuleCategoryMap, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" || strings.TrimSpace(kv[1]) == "" {
			return nil, fmt.Errorf("SG_RULE_CATEGORY_MAP entry %q is not capability:category", pair)
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out, nil
}

// KafkaBrokerList splits the broker string into individual addresses.
func (c *Config) KafkaBrokerList() []string {
	result := []string{}
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Print logs configuration for debugging (human-readable format)
// For production, use LogConfig() with structured logging
func (c *Config) Print() {
	fmt.Println("=== Streamgate Configuration ===")
	fmt.Printf("Environment:       %s\n", c.Environment)
	fmt.Printf("Address:           %s\n", c.Addr)
	fmt.Printf("NATS URL:          %s\n", c.NATSUrl)
	fmt.Printf("Kafka Brokers:     %s\n", c.KafkaBrokers)
	fmt.Printf("Kafka Topic:       %s\n", c.KafkaTopic)
	fmt.Printf("Redis Addr:        %s\n", c.RedisAddr)
	fmt.Println("\n=== Resource Limits ===")
	fmt.Printf("CPU Limit:         %.1f cores\n", c.CPULimit)
	fmt.Printf("Memory Limit:      %d MB\n", c.MemoryLimit/(1024*1024))
	fmt.Printf("Max Connections:   %d\n", c.MaxConnections)
	fmt.Printf("Max Goroutines:    %d\n", c.MaxGoroutines)
	fmt.Println("\n=== Pool Caps ===")
	fmt.Printf("Global:            %d\n", c.PoolMaxGlobal)
	fmt.Printf("Per Key:           %d\n", c.PoolMaxPerKey)
	fmt.Printf("Per IP:            %d\n", c.PoolMaxPerIP)
	fmt.Println("\n=== Pipeline ===")
	fmt.Printf("Batch Window:      %s\n", c.BatchWindow)
	fmt.Printf("Batch Max Size:    %d\n", c.BatchMaxSize)
	fmt.Println("\n=== Replay Cache ===")
	fmt.Printf("Hot TTL:           %s (max %d entries)\n", c.HotCacheTTL, c.MaxHotCacheEntries)
	fmt.Printf("Warm TTL:          %s (stream max %d, trim %s)\n", c.WarmCacheTTL, c.RedisStreamMaxLength, c.RedisStreamTrim)
	fmt.Printf("Memory Budget:     %d MB\n", c.MemoryAlertThresholdMB)
	fmt.Println("\n=== Recovery ===")
	fmt.Printf("Workers:           %d (max %d concurrent)\n", c.RecoveryWorkerPoolSize, c.MaxConcurrentRecoveries)
	fmt.Printf("Batch Size:        %d\n", c.RecoveryBatchSize)
	fmt.Printf("Window / QPS:      %s / %d\n", c.MaxRecoveryWindow, c.MaxRecoveryQPS)
	fmt.Println("\n=== Adaptive Concurrency ===")
	fmt.Printf("Range:             [%d, %d] start %d\n", c.MinConcurrency, c.MaxConcurrency, c.InitialConcurrency)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:             %s\n", c.LogLevel)
	fmt.Printf("Format:            %s\n", c.LogFormat)
	fmt.Println("================================")
}

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSUrl).
		Str("kafka_brokers", c.KafkaBrokers).
		Str("kafka_topic", c.KafkaTopic).
		Str("redis_addr", c.RedisAddr).
		Float64("cpu_limit", c.CPULimit).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Int("max_connections", c.MaxConnections).
		Int("pool_max_global", c.PoolMaxGlobal).
		Int("pool_max_per_key", c.PoolMaxPerKey).
		Int("pool_max_per_ip", c.PoolMaxPerIP).
		Dur("batch_window", c.BatchWindow).
		Int("batch_max_size", c.BatchMaxSize).
		Dur("hot_cache_ttl", c.HotCacheTTL).
		Int("max_hot_cache_entries", c.MaxHotCacheEntries).
		Dur("warm_cache_ttl", c.WarmCacheTTL).
		Int64("redis_stream_max_length", c.RedisStreamMaxLength).
		Str("redis_stream_trim", c.RedisStreamTrim).
		Int("recovery_workers", c.RecoveryWorkerPoolSize).
		Int("max_concurrent_recoveries", c.MaxConcurrentRecoveries).
		Int("max_recovery_qps", c.MaxRecoveryQPS).
		Dur("recovery_timeout", c.RecoveryTimeout).
		Int("min_concurrency", c.MinConcurrency).
		Int("max_concurrency", c.MaxConcurrency).
		Dur("client_timeout", c.ClientTimeout).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
