package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/marketwire/streamgate/internal/monitoring"
)

// ConnectionRateLimiter throttles connection attempts at two levels: per-IP
// (one client cannot flood the server) and global (distributed floods cannot
// overwhelm it either). Token buckets from golang.org/x/time/rate, so
// legitimate reconnect bursts after a network blip still pass.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter
	globalBurst   int
	globalRate    float64

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// ipLimiterEntry holds a rate limiter and last access time for an IP
type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection rate limiting.
type ConnectionRateLimiterConfig struct {
	IPBurst int     // Max burst connections per IP (default: 10)
	IPRate  float64 // Sustained connections/sec per IP (default: 5.0)
	IPTTL   time.Duration

	GlobalBurst int     // Max burst connections system-wide (default: 200)
	GlobalRate  float64 // Sustained connections/sec system-wide (default: 100.0)

	Logger zerolog.Logger
}

// NewConnectionRateLimiter creates a connection rate limiter. Zero config
// values fall back to defaults. A background goroutine evicts IP entries not
// seen for IPTTL; call Stop on shutdown.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 5.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 200
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 100.0
	}

	limiter := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		globalBurst:   config.GlobalBurst,
		globalRate:    config.GlobalRate,
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	limiter.cleanupTicker = time.NewTicker(1 * time.Minute)
	go limiter.cleanupLoop()

	limiter.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("Connection rate limiter initialized")

	return limiter
}

// CheckConnectionAllowed reports whether a connection from the given IP is
// allowed. Global limit is checked first (no map lookup), then per-IP.
// Rejected connections should get 429 Too Many Requests.
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	if !crl.globalLimiter.Allow() {
		crl.logger.Debug().
			Str("ip", ip).
			Float64("global_rate", crl.globalRate).
			Int("global_burst", crl.globalBurst).
			Msg("Connection rejected: global rate limit exceeded")
		monitoring.IncrementConnectionRateLimit(monitoring.RateLimitScopeGlobal)
		return false
	}

	limiter := crl.getIPLimiter(ip)
	if !limiter.Allow() {
		crl.logger.Debug().
			Str("ip", ip).
			Float64("ip_rate", crl.ipRate).
			Int("ip_burst", crl.ipBurst).
			Msg("Connection rejected: per-IP rate limit exceeded")
		monitoring.IncrementConnectionRateLimit(monitoring.RateLimitScopePerIP)
		return false
	}

	return true
}

// getIPLimiter retrieves or creates a rate limiter for the given IP address.
func (crl *ConnectionRateLimiter) getIPLimiter(ip string) *rate.Limiter {
	crl.ipMu.RLock()
	entry, exists := crl.ipLimiters[ip]
	crl.ipMu.RUnlock()

	if exists {
		crl.ipMu.Lock()
		entry.lastAccess = time.Now()
		crl.ipMu.Unlock()
		return entry.limiter
	}

	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	// Re-check after acquiring the write lock.
	entry, exists = crl.ipLimiters[ip]
	if exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-crl.cleanupTicker.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			crl.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup removes IP limiters not accessed within the TTL.
func (crl *ConnectionRateLimiter) cleanup() {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := time.Now()
	removed := 0

	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}

	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
}

// Stop terminates the cleanup goroutine.
func (crl *ConnectionRateLimiter) Stop() {
	close(crl.stopCleanup)
}

// GetStats returns current limiter state for the health endpoint.
func (crl *ConnectionRateLimiter) GetStats() map[string]any {
	crl.ipMu.RLock()
	trackedIPs := len(crl.ipLimiters)
	crl.ipMu.RUnlock()

	return map[string]any{
		"tracked_ips":  trackedIPs,
		"ip_burst":     crl.ipBurst,
		"ip_rate":      crl.ipRate,
		"ip_ttl":       crl.ipTTL.String(),
		"global_burst": crl.globalBurst,
		"global_rate":  crl.globalRate,
	}
}
