// Package fetcher owns the upstream side: establishing provider stream
// connections through the capability registry, subscribing symbols,
// health-checking the pool in tiers, and tearing everything down on
// shutdown. Fan-out work is bounded by an adaptive concurrency controller
// fed from observed operation outcomes.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketwire/streamgate/internal/config"
	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/pool"
	"github.com/marketwire/streamgate/internal/provider"
	"github.com/marketwire/streamgate/internal/types"
)

const (
	retryBaseDelay      = 1 * time.Second
	retryBackoffFactor  = 1.5
	maxEstablishRetries = 2

	// Hard ceiling for closing all connections during shutdown.
	shutdownCloseCeiling = 10 * time.Second
)

// ConnectionKey builds the pool key for a (provider, capability) pair.
func ConnectionKey(providerName, capability string) string {
	return providerName + ":" + capability
}

// StreamConnection is one live upstream handle plus its bookkeeping.
type StreamConnection struct {
	ID         string
	Key        string
	Provider   string
	Capability string
	OwnerIP    string
	Handle     provider.StreamHandle

	EstablishedAt time.Time

	mu                sync.Mutex
	status            types.StreamStatus
	subscribedSymbols map[string]struct{}
	closed            bool

	lastActiveAt atomic.Int64 // ms epoch
}

// IsConnected reports whether the connection is in the connected state.
func (c *StreamConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == types.StreamStatusConnected
}

// Status returns the current stream status.
func (c *StreamConnection) Status() types.StreamStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *StreamConnection) setStatus(status types.StreamStatus) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// Touch marks the connection active now.
func (c *StreamConnection) Touch() {
	c.lastActiveAt.Store(types.NowMillis())
}

// LastActiveAt returns the last activity time.
func (c *StreamConnection) LastActiveAt() time.Time {
	return time.UnixMilli(c.lastActiveAt.Load())
}

// SubscribedSymbols returns a sorted copy of the subscribed symbol set.
func (c *StreamConnection) SubscribedSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.subscribedSymbols))
	for s := range c.subscribedSymbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *StreamConnection) addSymbols(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		c.subscribedSymbols[s] = struct{}{}
	}
}

func (c *StreamConnection) removeSymbols(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		delete(c.subscribedSymbols, s)
	}
}

func (c *StreamConnection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.status = types.StreamStatusClosed
	return true
}

// SubscriptionResult is the partial-failure-preserving outcome of a
// subscribe or unsubscribe call.
type SubscriptionResult struct {
	Success           bool
	SubscribedSymbols []string
	FailedSymbols     []string
	Err               error
}

// ConnectionStats is the read-only view of one connection.
type ConnectionStats struct {
	Key               string             `json:"key"`
	ID                string             `json:"id"`
	Provider          string             `json:"provider"`
	Capability        string             `json:"capability"`
	Status            types.StreamStatus `json:"status"`
	SubscribedSymbols []string           `json:"subscribed_symbols"`
	EstablishedAt     time.Time          `json:"established_at"`
	LastActiveAt      time.Time          `json:"last_active_at"`
	LastHealthy       bool               `json:"last_healthy"`
}

// EstablishOptions tunes one establishment call.
type EstablishOptions struct {
	// OwnerIP attributes the connection for the pool's per-IP cap.
	// Defaults to "local" for server-initiated connections.
	OwnerIP string

	// ConnectionTimeout overrides the configured establish timeout.
	ConnectionTimeout time.Duration
}

// Fetcher manages the upstream connection maps. activeConnections and
// connectionIdToKey only mutate at commit points (establish success, close,
// sweep), always together under mu.
type Fetcher struct {
	cfg      *config.Config
	registry *provider.Registry
	pool     *pool.Manager

	mu                sync.Mutex
	activeConnections map[string]*StreamConnection
	connectionIdToKey map[string]string
	healthResults     map[string]bool // conn id -> last health verdict

	window     *PerformanceWindow
	controller *AdaptiveController

	// onTick receives every raw tick from every handle.
	tickMu sync.RWMutex
	onTick func(types.RawTick)

	ctx         context.Context
	cancel      context.CancelFunc
	destroyOnce sync.Once

	logger zerolog.Logger
	audit  *monitoring.AuditLogger
}

// New creates a fetcher and starts its adaptive controller and map sweeper.
func New(cfg *config.Config, registry *provider.Registry, poolMgr *pool.Manager, logger zerolog.Logger, audit *monitoring.AuditLogger) *Fetcher {
	ctx, cancel := context.WithCancel(context.Background())

	window := NewPerformanceWindow()
	f := &Fetcher{
		cfg:               cfg,
		registry:          registry,
		pool:              poolMgr,
		activeConnections: make(map[string]*StreamConnection),
		connectionIdToKey: make(map[string]string),
		healthResults:     make(map[string]bool),
		window:            window,
		ctx:               ctx,
		cancel:            cancel,
		logger:            logger.With().Str("component", "fetcher").Logger(),
		audit:             audit,
	}
	f.controller = NewAdaptiveController(
		cfg.MinConcurrency, cfg.MaxConcurrency, cfg.InitialConcurrency,
		window, f.logger, audit,
	)
	f.controller.Start(ctx)

	go f.sweeperLoop()

	return f
}

// SetTickSink installs the downstream consumer for raw ticks. Must be called
// before any connection is established.
func (f *Fetcher) SetTickSink(sink func(types.RawTick)) {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()
	f.onTick = sink
}

// Controller exposes the adaptive controller (shared with callers that need
// the current fan-out bound).
func (f *Fetcher) Controller() *AdaptiveController {
	return f.controller
}

// Window exposes the shared performance window.
func (f *Fetcher) Window() *PerformanceWindow {
	return f.window
}

// EstablishStreamConnection dials a (provider, capability) stream: pool
// admission, registry resolve, handle connect, wait for connected. Transient
// failures are retried with exponential backoff (base 1s, factor 1.5, max 2
// retries); pool rejection and unknown capabilities fail immediately. Any
// failure leaves no partial state behind.
func (f *Fetcher) EstablishStreamConnection(ctx context.Context, providerName, capability string, opts EstablishOptions) (*StreamConnection, error) {
	if opts.OwnerIP == "" {
		opts.OwnerIP = "local"
	}
	timeout := opts.ConnectionTimeout
	if timeout <= 0 {
		timeout = f.cfg.ConnectionTimeout
	}

	key := ConnectionKey(providerName, capability)

	var lastErr error
	delay := retryBaseDelay

	for attempt := 0; attempt <= maxEstablishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, f.establishError("", providerName, capability, ctx.Err())
			case <-f.ctx.Done():
				return nil, f.establishError("", providerName, capability, fmt.Errorf("fetcher shutting down"))
			}
			delay = time.Duration(float64(delay) * retryBackoffFactor)
		}

		conn, err := f.establishOnce(ctx, providerName, capability, key, opts.OwnerIP, timeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		// Pool rejection and unknown capabilities are not transient.
		var overCap *pool.OverCapacityError
		if errors.As(err, &overCap) || errors.Is(err, provider.ErrCapabilityNotFound) {
			break
		}

		f.logger.Warn().
			Err(err).
			Str("key", key).
			Int("attempt", attempt+1).
			Msg("Stream connection attempt failed")
	}

	monitoring.IncrementUpstreamConnectionFailure(providerName)
	return nil, f.establishError("", providerName, capability, lastErr)
}

func (f *Fetcher) establishOnce(ctx context.Context, providerName, capability, key, ownerIP string, timeout time.Duration) (conn *StreamConnection, err error) {
	start := time.Now()
	defer func() {
		f.window.Record(time.Since(start), err == nil)
	}()

	if err := f.pool.CanCreateConnection(key, ownerIP); err != nil {
		return nil, err
	}

	factory, err := f.registry.Resolve(providerName, capability)
	if err != nil {
		return nil, err
	}

	handle, err := factory()
	if err != nil {
		return nil, fmt.Errorf("capability factory: %w", err)
	}

	id := uuid.NewString()
	conn = &StreamConnection{
		ID:                id,
		Key:               key,
		Provider:          providerName,
		Capability:        capability,
		OwnerIP:           ownerIP,
		Handle:            handle,
		EstablishedAt:     time.Now(),
		status:            types.StreamStatusConnecting,
		subscribedSymbols: make(map[string]struct{}),
	}
	conn.Touch()

	// Reserve the pool slot before dialing so concurrent establishments
	// cannot overshoot the caps. Registration re-checks the limits, so a
	// racing establishment that took the last slot fails here.
	if err := f.pool.RegisterConnection(key, id, ownerIP); err != nil {
		return nil, err
	}

	f.wireObservers(conn)

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := handle.Connect(connectCtx); err != nil {
		f.rollbackEstablish(conn)
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := f.waitForConnected(connectCtx, conn); err != nil {
		f.rollbackEstablish(conn)
		return nil, err
	}

	f.commitConnection(conn)

	monitoring.IncrementUpstreamConnection(providerName)
	f.logger.Info().
		Str("key", key).
		Str("connection_id", id).
		Dur("took", time.Since(start)).
		Msg("Stream connection established")

	return conn, nil
}

// waitForConnected polls the connection status until connected or timeout.
// Handles normally report connected before Connect returns; the poll covers
// implementations that come up asynchronously.
func (f *Fetcher) waitForConnected(ctx context.Context, conn *StreamConnection) error {
	if conn.IsConnected() {
		return nil
	}

	interval := f.cfg.PollingInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for connected: %w", ctx.Err())
		case <-ticker.C:
			if conn.IsConnected() {
				return nil
			}
		}
	}
}

// rollbackEstablish undoes the pool reservation and handle for a connection
// that never committed to the maps.
func (f *Fetcher) rollbackEstablish(conn *StreamConnection) {
	if conn.markClosed() {
		_ = conn.Handle.Close()
	}
	f.pool.UnregisterConnection(conn.Key, conn.ID, conn.OwnerIP)

	// Remove any map entries an observer may have raced in.
	f.mu.Lock()
	if existing, ok := f.activeConnections[conn.Key]; ok && existing.ID == conn.ID {
		delete(f.activeConnections, conn.Key)
	}
	delete(f.connectionIdToKey, conn.ID)
	delete(f.healthResults, conn.ID)
	f.mu.Unlock()
}

// commitConnection publishes the established connection into both maps.
func (f *Fetcher) commitConnection(conn *StreamConnection) {
	conn.setStatus(types.StreamStatusConnected)
	f.pool.SetStatus(conn.ID, types.StreamStatusConnected)

	f.mu.Lock()
	previous := f.activeConnections[conn.Key]
	f.activeConnections[conn.Key] = conn
	f.connectionIdToKey[conn.ID] = conn.Key
	f.healthResults[conn.ID] = true
	active := len(f.activeConnections)
	f.mu.Unlock()

	monitoring.SetUpstreamActive(active)

	if previous != nil && previous.ID != conn.ID {
		f.logger.Warn().
			Str("key", conn.Key).
			Str("replaced_id", previous.ID).
			Msg("Replaced existing connection for key")
		go f.CloseConnection(previous)
	}
}

// wireObservers attaches the data, error, and status callbacks. A status
// transition to closed or error triggers asynchronous cleanup.
func (f *Fetcher) wireObservers(conn *StreamConnection) {
	conn.Handle.OnData(func(tick types.RawTick) {
		conn.Touch()
		monitoring.IncrementTicksReceived(conn.Provider)

		f.tickMu.RLock()
		sink := f.onTick
		f.tickMu.RUnlock()
		if sink != nil {
			sink(tick)
		}
	})

	conn.Handle.OnError(func(err error) {
		monitoring.RecordError(monitoring.ErrorTypeUpstream, monitoring.ErrorSeverityWarning)
		f.logger.Warn().
			Err(err).
			Str("key", conn.Key).
			Str("connection_id", conn.ID).
			Msg("Upstream stream error")
	})

	conn.Handle.OnStatusChange(func(status types.StreamStatus) {
		conn.setStatus(status)
		f.pool.SetStatus(conn.ID, status)

		if status == types.StreamStatusClosed || status == types.StreamStatusError {
			// Cleanup must not run on the handle's callback goroutine.
			go f.cleanupAfterStatusChange(conn, status)
		}
	})
}

func (f *Fetcher) cleanupAfterStatusChange(conn *StreamConnection, status types.StreamStatus) {
	select {
	case <-f.ctx.Done():
		return
	default:
	}

	f.logger.Info().
		Str("key", conn.Key).
		Str("connection_id", conn.ID).
		Str("status", string(status)).
		Msg("Cleaning up after status change")

	f.CloseConnection(conn)
}

// SubscribeToSymbols subscribes symbols on an established connection,
// preserving partial failure detail.
func (f *Fetcher) SubscribeToSymbols(ctx context.Context, conn *StreamConnection, symbols []string) SubscriptionResult {
	start := time.Now()

	if conn == nil || !conn.IsConnected() {
		monitoring.RecordSubscribeOp("subscribe", false)
		return SubscriptionResult{
			Success:       false,
			FailedSymbols: symbols,
			Err:           &SubscriptionError{Symbols: symbols, Cause: fmt.Errorf("connection not established")},
		}
	}
	if len(symbols) == 0 {
		monitoring.RecordSubscribeOp("subscribe", false)
		return SubscriptionResult{
			Success: false,
			Err:     &SubscriptionError{Provider: conn.Provider, Capability: conn.Capability, Cause: fmt.Errorf("no symbols given")},
		}
	}

	err := conn.Handle.Subscribe(ctx, symbols)
	ok := err == nil

	f.window.Record(time.Since(start), ok)
	monitoring.RecordSubscribeOp("subscribe", ok)

	if ok {
		conn.addSymbols(symbols)
		conn.Touch()
		return SubscriptionResult{Success: true, SubscribedSymbols: symbols}
	}

	var partial *provider.PartialError
	if errors.As(err, &partial) {
		conn.addSymbols(partial.Succeeded)
		conn.Touch()
		return SubscriptionResult{
			Success:           false,
			SubscribedSymbols: partial.Succeeded,
			FailedSymbols:     partial.Failed,
			Err: &SubscriptionError{
				Symbols:    partial.Failed,
				Provider:   conn.Provider,
				Capability: conn.Capability,
				Cause:      err,
			},
		}
	}

	return SubscriptionResult{
		Success:       false,
		FailedSymbols: symbols,
		Err: &SubscriptionError{
			Symbols:    symbols,
			Provider:   conn.Provider,
			Capability: conn.Capability,
			Cause:      err,
		},
	}
}

// UnsubscribeFromSymbols mirrors SubscribeToSymbols.
func (f *Fetcher) UnsubscribeFromSymbols(ctx context.Context, conn *StreamConnection, symbols []string) SubscriptionResult {
	start := time.Now()

	if conn == nil || !conn.IsConnected() {
		monitoring.RecordSubscribeOp("unsubscribe", false)
		return SubscriptionResult{
			Success:       false,
			FailedSymbols: symbols,
			Err:           &SubscriptionError{Symbols: symbols, Cause: fmt.Errorf("connection not established")},
		}
	}
	if len(symbols) == 0 {
		monitoring.RecordSubscribeOp("unsubscribe", false)
		return SubscriptionResult{
			Success: false,
			Err:     &SubscriptionError{Provider: conn.Provider, Capability: conn.Capability, Cause: fmt.Errorf("no symbols given")},
		}
	}

	err := conn.Handle.Unsubscribe(ctx, symbols)
	ok := err == nil

	f.window.Record(time.Since(start), ok)
	monitoring.RecordSubscribeOp("unsubscribe", ok)

	if ok {
		conn.removeSymbols(symbols)
		conn.Touch()
		return SubscriptionResult{Success: true, SubscribedSymbols: symbols}
	}

	var partial *provider.PartialError
	if errors.As(err, &partial) {
		conn.removeSymbols(partial.Succeeded)
		conn.Touch()
		return SubscriptionResult{
			Success:           false,
			SubscribedSymbols: partial.Succeeded,
			FailedSymbols:     partial.Failed,
			Err: &SubscriptionError{
				Symbols:    partial.Failed,
				Provider:   conn.Provider,
				Capability: conn.Capability,
				Cause:      err,
			},
		}
	}

	return SubscriptionResult{
		Success:       false,
		FailedSymbols: symbols,
		Err: &SubscriptionError{
			Symbols:    symbols,
			Provider:   conn.Provider,
			Capability: conn.Capability,
			Cause:      err,
		},
	}
}

// CloseConnection tears one connection down. Idempotent: a second call on
// the same connection finds all state already gone and does nothing. The
// map, pool, and cache cleanup run even when handle.Close errors.
func (f *Fetcher) CloseConnection(conn *StreamConnection) {
	if conn == nil {
		return
	}

	start := time.Now()
	first := conn.markClosed()

	if first {
		if err := conn.Handle.Close(); err != nil {
			f.logger.Warn().
				Err(err).
				Str("connection_id", conn.ID).
				Msg("Handle close failed, continuing cleanup")
		}
	}

	f.mu.Lock()
	if existing, ok := f.activeConnections[conn.Key]; ok && existing.ID == conn.ID {
		delete(f.activeConnections, conn.Key)
	}
	delete(f.connectionIdToKey, conn.ID)
	delete(f.healthResults, conn.ID)
	active := len(f.activeConnections)
	f.mu.Unlock()

	f.pool.UnregisterConnection(conn.Key, conn.ID, conn.OwnerIP)
	monitoring.SetUpstreamActive(active)

	if first {
		f.window.Record(time.Since(start), true)
		f.logger.Info().
			Str("key", conn.Key).
			Str("connection_id", conn.ID).
			Msg("Stream connection closed")
	}
}

// IsConnectionActive reports whether a connected stream exists for key.
func (f *Fetcher) IsConnectionActive(key string) bool {
	f.mu.Lock()
	conn := f.activeConnections[key]
	f.mu.Unlock()

	return conn != nil && conn.IsConnected()
}

// ActiveConnection returns the live connection for key, or nil.
func (f *Fetcher) ActiveConnection(key string) *StreamConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeConnections[key]
}

// ActiveCount returns the number of connections in the active map.
func (f *Fetcher) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activeConnections)
}

// ConnectionStats returns the stats view for one key.
func (f *Fetcher) ConnectionStats(key string) (ConnectionStats, bool) {
	f.mu.Lock()
	conn := f.activeConnections[key]
	var healthy bool
	if conn != nil {
		healthy = f.healthResults[conn.ID]
	}
	f.mu.Unlock()

	if conn == nil {
		return ConnectionStats{}, false
	}
	return f.statsFor(conn, healthy), true
}

// AllConnectionStats returns stats for every active connection, keyed by
// connection key.
func (f *Fetcher) AllConnectionStats() map[string]ConnectionStats {
	f.mu.Lock()
	conns := make([]*StreamConnection, 0, len(f.activeConnections))
	health := make(map[string]bool, len(f.activeConnections))
	for _, conn := range f.activeConnections {
		conns = append(conns, conn)
		health[conn.ID] = f.healthResults[conn.ID]
	}
	f.mu.Unlock()

	out := make(map[string]ConnectionStats, len(conns))
	for _, conn := range conns {
		out[conn.Key] = f.statsFor(conn, health[conn.ID])
	}
	return out
}

// ConnectionStatsByProvider filters AllConnectionStats by provider.
func (f *Fetcher) ConnectionStatsByProvider(providerName string) map[string]ConnectionStats {
	all := f.AllConnectionStats()
	out := make(map[string]ConnectionStats)
	for key, stats := range all {
		if stats.Provider == providerName {
			out[key] = stats
		}
	}
	return out
}

func (f *Fetcher) statsFor(conn *StreamConnection, healthy bool) ConnectionStats {
	return ConnectionStats{
		Key:               conn.Key,
		ID:                conn.ID,
		Provider:          conn.Provider,
		Capability:        conn.Capability,
		Status:            conn.Status(),
		SubscribedSymbols: conn.SubscribedSymbols(),
		EstablishedAt:     conn.EstablishedAt,
		LastActiveAt:      conn.LastActiveAt(),
		LastHealthy:       healthy,
	}
}

// sweeperLoop reconciles the maps every mapCleanupInterval. The next sweep
// is scheduled only after the current one finishes, so sweeps never overlap.
func (f *Fetcher) sweeperLoop() {
	defer monitoring.RecoverPanic(f.logger, "fetcher-sweeper", nil)

	interval := f.cfg.MapCleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-time.After(interval):
			f.sweep()
		}
	}
}

// sweep checks for leaked index entries, repairs any divergence between the
// two maps, and closes zombie connections (disconnected and inactive past
// the zombie threshold).
func (f *Fetcher) sweep() {
	zombieAfter := f.cfg.ZombieInactivity
	if zombieAfter <= 0 {
		zombieAfter = 30 * time.Minute
	}

	f.mu.Lock()

	// Leak heuristic evaluated before repair, otherwise the repair hides it.
	idCount := len(f.connectionIdToKey)
	activeCount := len(f.activeConnections)
	leaked := idCount > 2*activeCount

	for id, key := range f.connectionIdToKey {
		conn := f.activeConnections[key]
		if conn == nil || conn.ID != id {
			delete(f.connectionIdToKey, id)
			delete(f.healthResults, id)
		}
	}
	for key, conn := range f.activeConnections {
		f.connectionIdToKey[conn.ID] = key
	}

	var zombies []*StreamConnection
	now := time.Now()
	for _, conn := range f.activeConnections {
		if !conn.IsConnected() && now.Sub(conn.LastActiveAt()) > zombieAfter {
			zombies = append(zombies, conn)
		}
	}
	f.mu.Unlock()

	if leaked {
		monitoring.IncrementMapLeakWarning()
		f.logger.Warn().
			Int("id_to_key", idCount).
			Int("active", activeCount).
			Msg("Connection index grew past twice the active map")
		if f.audit != nil {
			f.audit.Warning(monitoring.EventMapLeakWarning, "Connection index leak suspected", map[string]any{
				"id_to_key_size": idCount,
				"active_size":    activeCount,
			})
		}
	}

	for _, conn := range zombies {
		f.logger.Info().
			Str("key", conn.Key).
			Str("connection_id", conn.ID).
			Time("last_active", conn.LastActiveAt()).
			Msg("Removing zombie connection")
		f.CloseConnection(conn)
		monitoring.AddZombiesRemoved(1)
		if f.audit != nil {
			f.audit.Warning(monitoring.EventZombieConnectionSwept, "Zombie connection swept", map[string]any{
				"key":           conn.Key,
				"connection_id": conn.ID,
			})
		}
	}
}

// Shutdown closes all connections concurrently under a hard 10 s ceiling,
// then clears the maps. Safe to call more than once; later calls are no-ops.
func (f *Fetcher) Shutdown() {
	f.destroyOnce.Do(func() {
		f.cancel()

		f.mu.Lock()
		conns := make([]*StreamConnection, 0, len(f.activeConnections))
		for _, conn := range f.activeConnections {
			conns = append(conns, conn)
		}
		f.mu.Unlock()

		var wg sync.WaitGroup
		for _, conn := range conns {
			wg.Add(1)
			go func(c *StreamConnection) {
				defer wg.Done()
				f.CloseConnection(c)
			}(conn)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(shutdownCloseCeiling):
			f.logger.Warn().
				Dur("ceiling", shutdownCloseCeiling).
				Msg("Shutdown close ceiling reached, abandoning stragglers")
		}

		f.mu.Lock()
		f.activeConnections = make(map[string]*StreamConnection)
		f.connectionIdToKey = make(map[string]string)
		f.healthResults = make(map[string]bool)
		f.mu.Unlock()

		monitoring.SetUpstreamActive(0)
		f.logger.Info().Int("closed", len(conns)).Msg("Fetcher shut down")
	})
}

func (f *Fetcher) establishError(id, providerName, capability string, cause error) error {
	return &StreamConnectionError{
		ConnectionID: id,
		Provider:     providerName,
		Capability:   capability,
		Cause:        cause,
	}
}
