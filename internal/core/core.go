// Package core binds client intents to upstream state: the gateway parses
// frames, the orchestrator decides what they mean for subscriptions,
// upstream connections, and recovery.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketwire/streamgate/internal/clientstate"
	"github.com/marketwire/streamgate/internal/config"
	"github.com/marketwire/streamgate/internal/fetcher"
	"github.com/marketwire/streamgate/internal/gateway"
	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/recovery"
	"github.com/marketwire/streamgate/internal/rules"
	"github.com/marketwire/streamgate/internal/types"
)

const (
	// A connection whose last subscriber left gets this grace before
	// teardown; a fast resubscribe reuses it instead of redialing.
	connIdleGrace = 30 * time.Second

	healthCheckInterval = 30 * time.Second
)

// Orchestrator implements gateway.IntentHandler and owns the
// subscription-to-connection lifecycle.
type Orchestrator struct {
	cfg   *config.Config
	state *clientstate.Manager
	fetch *fetcher.Fetcher
	rec   *recovery.Manager
	rules *rules.Store
	gw    *gateway.Server

	mu             sync.Mutex
	teardownTimers map[string]*time.Timer

	cancel context.CancelFunc
	logger zerolog.Logger
}

// New wires the orchestrator and registers its subscription-change listener
// so reaper-driven unsubscribes release upstream capacity the same way
// explicit ones do.
func New(cfg *config.Config, state *clientstate.Manager, fetch *fetcher.Fetcher, rec *recovery.Manager, store *rules.Store, logger zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:            cfg,
		state:          state,
		fetch:          fetch,
		rec:            rec,
		rules:          store,
		teardownTimers: make(map[string]*time.Timer),
		logger:         logger.With().Str("component", "core").Logger(),
	}

	state.AddSubscriptionChangeListener(func(event clientstate.ChangeEvent) {
		if event.Type == clientstate.ChangeUnsubscribe {
			o.releaseUpstream(event.Provider, event.Capability, event.Symbols)
		}
	})

	return o
}

// SetGateway completes the wiring; the gateway needs the orchestrator as
// its handler and the orchestrator needs the gateway's stats.
func (o *Orchestrator) SetGateway(gw *gateway.Server) { o.gw = gw }

// Start runs the periodic upstream health check.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	go func() {
		defer monitoring.RecoverPanic(o.logger, "health-check-loop", nil)

		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.fetch.BatchHealthCheck(ctx, fetcher.DefaultHealthCheckOptions())
			}
		}
	}()
}

// Shutdown stops the health loop and any pending teardown timers.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Lock()
	for key, timer := range o.teardownTimers {
		timer.Stop()
		delete(o.teardownTimers, key)
	}
	o.mu.Unlock()
}

// HandleSubscribe resolves the provider pair, ensures the shared upstream
// connection, subscribes the union delta, and records the client's interest.
// Partial upstream failure subscribes what it can.
func (o *Orchestrator) HandleSubscribe(clientID string, symbols []string, capability, preferredProvider string) ([]string, []string, error) {
	providerName, capability := o.resolveTarget(preferredProvider, capability)

	conn, err := o.ensureConnection(providerName, capability)
	if err != nil {
		return nil, standardize(symbols), err
	}

	providerSymbols := make([]string, 0, len(symbols))
	for _, s := range symbols {
		ps, err := o.rules.NormalizeSymbol(s, providerName, rules.ToProvider)
		if err != nil {
			continue
		}
		providerSymbols = append(providerSymbols, ps)
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), o.cfg.ConnectionTimeout)
	defer cancelFn()
	result := o.fetch.SubscribeToSymbols(ctx, conn, providerSymbols)

	subscribed := o.toStandard(result.SubscribedSymbols, providerName)
	failed := o.toStandard(result.FailedSymbols, providerName)

	if len(subscribed) > 0 {
		o.state.AddClientSubscription(clientID, subscribed, capability, providerName)
		o.cancelTeardown(fetcher.ConnectionKey(providerName, capability))
	}

	if !result.Success && len(subscribed) == 0 {
		if result.Err != nil {
			return nil, failed, result.Err
		}
		return nil, failed, errors.New("no symbols could be subscribed")
	}
	return subscribed, failed, nil
}

// HandleUnsubscribe removes the client's interest; upstream release rides
// the subscription-change listener.
func (o *Orchestrator) HandleUnsubscribe(clientID string, symbols []string) ([]string, error) {
	removed := o.state.RemoveClientSubscription(clientID, symbols...)
	return removed, nil
}

// HandleHeartbeat keeps the client out of the idle reaper's reach.
func (o *Orchestrator) HandleHeartbeat(clientID string) {
	o.state.UpdateClientActivity(clientID)
}

// HandleReconnect resubscribes live data first, then schedules gap
// recovery. Recovery admission failures do not fail the reconnect; the
// client gets live data plus a recovery_failed frame telling it what the
// replay could not cover.
func (o *Orchestrator) HandleReconnect(intent gateway.ReconnectIntent) ([]string, error) {
	resubscribed, _, err := o.HandleSubscribe(intent.ClientID, intent.Symbols, intent.Capability, intent.PreferredProvider)
	if err != nil && len(resubscribed) == 0 {
		return nil, err
	}

	req := recovery.Request{
		ClientID:     intent.ClientID,
		Symbols:      resubscribed,
		SinceTime:    intent.LastReceiveTimestamp,
		MaxWindow:    intent.MaxRecoveryWindow,
		ClientType:   types.ClientTypeStandard,
		Capabilities: intent.Capabilities,
	}
	if _, recErr := o.rec.ScheduleRecovery(req); recErr != nil {
		var admission *recovery.AdmissionError
		if errors.As(recErr, &admission) {
			o.rec.SendFailedFrame(intent.ClientID, intent.LastReceiveTimestamp, resubscribed, admission.Message)
		}
		o.logger.Info().
			Err(recErr).
			Str("client_id", intent.ClientID).
			Msg("Recovery not scheduled for reconnect")
	}

	return resubscribed, nil
}

// HandleDisconnect cancels in-flight recovery. The subscription record is
// kept for the client timeout window so a reconnect can resume; the idle
// reaper collects it otherwise.
func (o *Orchestrator) HandleDisconnect(clientID string) {
	o.rec.CancelClient(clientID)
}

// GatewayStats implements monitoring.StatsSource.
func (o *Orchestrator) GatewayStats() *types.GatewayStats {
	if o.gw == nil {
		return types.NewGatewayStats()
	}
	return o.gw.Stats()
}

// UpstreamActive implements monitoring.StatsSource.
func (o *Orchestrator) UpstreamActive() int { return o.fetch.ActiveCount() }

// UpstreamHealthy implements monitoring.StatsSource.
func (o *Orchestrator) UpstreamHealthy() bool {
	return !o.fetch.Controller().BreakerOpen()
}

func (o *Orchestrator) resolveTarget(preferredProvider, capability string) (string, string) {
	if preferredProvider == "" {
		preferredProvider = o.cfg.DefaultProvider
	}
	if capability == "" {
		capability = o.cfg.DefaultCapability
	}
	return preferredProvider, capability
}

// ensureConnection returns the live connection for the pair, dialing on
// first interest.
func (o *Orchestrator) ensureConnection(providerName, capability string) (*fetcher.StreamConnection, error) {
	key := fetcher.ConnectionKey(providerName, capability)
	if conn := o.fetch.ActiveConnection(key); conn != nil {
		return conn, nil
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), o.cfg.ConnectionTimeout)
	defer cancelFn()
	return o.fetch.EstablishStreamConnection(ctx, providerName, capability, fetcher.EstablishOptions{})
}

// releaseUpstream unsubscribes symbols nobody wants anymore and schedules
// connection teardown when the pair has no remaining interest.
func (o *Orchestrator) releaseUpstream(providerName, capability string, symbols []string) {
	key := fetcher.ConnectionKey(providerName, capability)
	conn := o.fetch.ActiveConnection(key)
	if conn == nil {
		return
	}

	var orphaned []string
	for _, s := range symbols {
		if !o.state.HasSubscribers(s) {
			ps, err := o.rules.NormalizeSymbol(s, providerName, rules.ToProvider)
			if err != nil {
				continue
			}
			orphaned = append(orphaned, ps)
		}
	}
	if len(orphaned) > 0 {
		ctx, cancelFn := context.WithTimeout(context.Background(), o.cfg.ConnectionTimeout)
		o.fetch.UnsubscribeFromSymbols(ctx, conn, orphaned)
		cancelFn()
	}

	if len(o.state.GetAllRequiredSymbols(providerName, capability)) == 0 {
		o.scheduleTeardown(key, providerName, capability)
	}
}

// scheduleTeardown closes the connection after the idle grace unless
// interest returns first.
func (o *Orchestrator) scheduleTeardown(key, providerName, capability string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, pending := o.teardownTimers[key]; pending {
		return
	}
	o.teardownTimers[key] = time.AfterFunc(connIdleGrace, func() {
		o.mu.Lock()
		delete(o.teardownTimers, key)
		o.mu.Unlock()

		if len(o.state.GetAllRequiredSymbols(providerName, capability)) > 0 {
			return
		}
		if conn := o.fetch.ActiveConnection(key); conn != nil {
			o.logger.Info().Str("key", key).Msg("Closing idle upstream connection")
			o.fetch.CloseConnection(conn)
		}
	})
}

func (o *Orchestrator) cancelTeardown(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if timer, ok := o.teardownTimers[key]; ok {
		timer.Stop()
		delete(o.teardownTimers, key)
	}
}

// toStandard maps provider-form symbols back to standard form, dropping
// anything unmappable.
func (o *Orchestrator) toStandard(symbols []string, providerName string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		std, err := o.rules.NormalizeSymbol(s, providerName, rules.FromProvider)
		if err != nil {
			continue
		}
		out = append(out, std)
	}
	return out
}

func standardize(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if std := types.StandardSymbol(s); std != "" {
			out = append(out, std)
		}
	}
	return out
}
