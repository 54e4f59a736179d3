package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig mirrors the envDefault values that matter for validation.
func validConfig() *Config {
	return &Config{
		Addr:                    ":8080",
		MaxConnections:          5000,
		PoolMaxGlobal:           1000,
		PoolMaxPerKey:           2,
		PoolMaxPerIP:            100,
		CPURejectThreshold:      75.0,
		CPUPauseThreshold:       80.0,
		BatchWindow:             50 * time.Millisecond,
		BatchMaxSize:            200,
		MaxHotCacheEntries:      1000,
		HotEntryMaxPoints:       512,
		RedisStreamMaxLength:    10000,
		RedisStreamTrim:         "MAXLEN",
		MemoryAlertThresholdMB:  60,
		MinConcurrency:          2,
		MaxConcurrency:          50,
		InitialConcurrency:      10,
		RecoveryWorkerPoolSize:  4,
		MaxConcurrentRecoveries: 10,
		RecoveryBatchSize:       100,
		MaxRecoveryQPS:          1000,
		ClientTimeout:           5 * time.Minute,
		RuleCategoryMap:         "stream-stock-quote:quote_fields",
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

func TestValidateDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateBatchWindowCeiling(t *testing.T) {
	cfg := validConfig()
	cfg.BatchWindow = 51 * time.Millisecond
	assert.Error(t, cfg.Validate())

	cfg.BatchWindow = 0
	assert.Error(t, cfg.Validate())

	// Smaller windows are allowed for testing.
	cfg.BatchWindow = 5 * time.Millisecond
	assert.NoError(t, cfg.Validate())
}

func TestValidateHotCacheBudgetFailsClosed(t *testing.T) {
	cfg := validConfig()

	// 1000 entries x 512 points x 64 bytes = 31.25MB, under the 60MB budget.
	require.NoError(t, cfg.Validate())

	// Doubling the entry count pushes worst case past the budget.
	cfg.MaxHotCacheEntries = 2000
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hot cache worst case")
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.CPUPauseThreshold = 70.0 // below reject threshold
	assert.Error(t, cfg.Validate())
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validConfig()
	cfg.InitialConcurrency = 100
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.MaxConcurrency = 1
	assert.Error(t, cfg.Validate())
}

func TestValidateTrimModeNormalized(t *testing.T) {
	cfg := validConfig()
	cfg.RedisStreamTrim = "minid"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "MINID", cfg.RedisStreamTrim)

	cfg.RedisStreamTrim = "FIFO"
	assert.Error(t, cfg.Validate())
}

func TestCategoryOverrides(t *testing.T) {
	cfg := validConfig()
	cfg.RuleCategoryMap = "stream-stock-quote:quote_fields, stream-stock-trade:trade_fields"

	overrides, err := cfg.CategoryOverrides()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"stream-stock-quote": "quote_fields",
		"stream-stock-trade": "trade_fields",
	}, overrides)

	cfg.RuleCategoryMap = ""
	overrides, err = cfg.CategoryOverrides()
	require.NoError(t, err)
	assert.Empty(t, overrides)

	cfg.RuleCategoryMap = "missing-category"
	_, err = cfg.CategoryOverrides()
	assert.Error(t, err)
}

func TestKafkaBrokerList(t *testing.T) {
	cfg := validConfig()
	cfg.KafkaBrokers = "localhost:19092, broker2:9092,,"
	assert.Equal(t, []string{"localhost:19092", "broker2:9092"}, cfg.KafkaBrokerList())
}
