package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/types"
)

// NATSProvider adapts a NATS connection into capability stream handles.
// Ticks arrive as JSON on subjects <prefix>.<provider>.<capability>.<symbol>;
// each handle holds one subscription per subscribed symbol.
type NATSProvider struct {
	nc            *nats.Conn
	name          string
	subjectPrefix string

	mu      sync.Mutex
	handles map[*NATSHandle]struct{}

	watchStop chan struct{}
	watchOnce sync.Once

	logger zerolog.Logger
	audit  *monitoring.AuditLogger
}

// NewNATSProvider connects to NATS and starts the connection watcher. The
// watcher turns connection flips into status callbacks on every open handle.
func NewNATSProvider(url, name, subjectPrefix string, logger zerolog.Logger, audit *monitoring.AuditLogger) (*NATSProvider, error) {
	nc, err := nats.Connect(url, nats.MaxReconnects(5), nats.ReconnectWait(2*time.Second))
	if err != nil {
		if audit != nil {
			audit.Critical("NATSConnectionFailed", "Failed to connect to NATS", map[string]any{
				"url":   url,
				"error": err.Error(),
			})
		}
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	p := &NATSProvider{
		nc:            nc,
		name:          name,
		subjectPrefix: subjectPrefix,
		handles:       make(map[*NATSHandle]struct{}),
		watchStop:     make(chan struct{}),
		logger:        logger.With().Str("component", "nats_provider").Str("provider", name).Logger(),
		audit:         audit,
	}

	p.logger.Info().Str("url", url).Msg("Connected to NATS")
	if audit != nil {
		audit.Info("NATSConnected", "Connected to NATS successfully", map[string]any{"url": url})
	}

	go p.watchConnection(url)

	return p, nil
}

// Name returns the provider name handles are registered under.
func (p *NATSProvider) Name() string { return p.name }

// IsConnected reports transport-level connectivity.
func (p *NATSProvider) IsConnected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// RegisterWith installs a handle factory for each capability.
func (p *NATSProvider) RegisterWith(registry *Registry, capabilities ...string) {
	for _, capability := range capabilities {
		capability := capability
		registry.Register(p.name, capability, func() (StreamHandle, error) {
			return p.newHandle(capability), nil
		})
	}
}

func (p *NATSProvider) newHandle(capability string) *NATSHandle {
	h := &NATSHandle{
		provider:   p,
		capability: capability,
		subs:       make(map[string]*nats.Subscription),
		status:     types.StreamStatusConnecting,
		logger:     p.logger.With().Str("capability", capability).Logger(),
	}

	p.mu.Lock()
	p.handles[h] = struct{}{}
	p.mu.Unlock()

	return h
}

func (p *NATSProvider) dropHandle(h *NATSHandle) {
	p.mu.Lock()
	delete(p.handles, h)
	p.mu.Unlock()
}

// watchConnection polls connectivity every 5 seconds and pushes flips to all
// open handles, mirroring upstream disconnects into their status observers.
func (p *NATSProvider) watchConnection(url string) {
	defer monitoring.RecoverPanic(p.logger, "nats-connection-watcher", nil)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	wasConnected := p.nc.IsConnected()

	for {
		select {
		case <-p.watchStop:
			return
		case <-ticker.C:
			isConnected := p.nc.IsConnected()

			if wasConnected && !isConnected {
				if p.audit != nil {
					p.audit.Critical("NATSDisconnected", "Lost connection to NATS server", map[string]any{"url": url})
				}
				p.logger.Error().Str("url", url).Msg("NATS connection lost")
				p.notifyHandles(types.StreamStatusError, fmt.Errorf("nats connection lost"))
			} else if !wasConnected && isConnected {
				if p.audit != nil {
					p.audit.Info("NATSReconnected", "Reconnected to NATS server", map[string]any{"url": url})
				}
				p.logger.Info().Str("url", url).Msg("NATS connection restored")
				p.notifyHandles(types.StreamStatusConnected, nil)
			}

			wasConnected = isConnected
		}
	}
}

func (p *NATSProvider) notifyHandles(status types.StreamStatus, cause error) {
	p.mu.Lock()
	handles := make([]*NATSHandle, 0, len(p.handles))
	for h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.connectionFlip(status, cause)
	}
}

// Close drains the NATS connection and stops the watcher.
func (p *NATSProvider) Close() {
	p.watchOnce.Do(func() { close(p.watchStop) })

	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
}

// NATSHandle is one capability stream over the shared NATS connection.
type NATSHandle struct {
	provider   *NATSProvider
	capability string

	mu     sync.Mutex
	subs   map[string]*nats.Subscription // provider-form symbol -> subscription
	status types.StreamStatus
	closed bool

	// cbMu guards callback registration; dispatchMu is held while a
	// callback runs so observers never overlap. Callbacks must not invoke
	// handle methods synchronously.
	cbMu       sync.Mutex
	dispatchMu sync.Mutex
	onData     func(types.RawTick)
	onError    func(error)
	onStatus   func(types.StreamStatus)

	logger zerolog.Logger
}

func (h *NATSHandle) OnData(cb func(types.RawTick)) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.onData = cb
}

func (h *NATSHandle) OnError(cb func(error)) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.onError = cb
}

func (h *NATSHandle) OnStatusChange(cb func(types.StreamStatus)) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.onStatus = cb
}

// Connect waits for the shared connection to be usable, polling at 100 ms,
// and reports connected through the status observer.
func (h *NATSHandle) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("handle closed")
	}
	h.mu.Unlock()

	h.setStatus(types.StreamStatusConnecting)

	if h.provider.IsConnected() {
		h.setStatus(types.StreamStatusConnected)
		return nil
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.setStatus(types.StreamStatusError)
			return fmt.Errorf("nats not connected: %w", ctx.Err())
		case <-ticker.C:
			if h.provider.IsConnected() {
				h.setStatus(types.StreamStatusConnected)
				return nil
			}
		}
	}
}

// Subscribe creates one NATS subscription per symbol. Already-subscribed
// symbols are counted as successes. On mid-batch failure the successful
// subscriptions stay live and a *PartialError reports the split.
func (h *NATSHandle) Subscribe(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}

	var succeeded, failed []string
	var cause error

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			failed = append(failed, symbol)
			if cause == nil {
				cause = err
			}
			continue
		}

		if err := h.subscribeOne(symbol); err != nil {
			failed = append(failed, symbol)
			if cause == nil {
				cause = err
			}
			continue
		}
		succeeded = append(succeeded, symbol)
	}

	if len(failed) > 0 {
		return &PartialError{Op: "subscribe", Succeeded: succeeded, Failed: failed, Cause: cause}
	}
	return nil
}

func (h *NATSHandle) subscribeOne(symbol string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("handle closed")
	}
	if _, exists := h.subs[symbol]; exists {
		return nil
	}

	subject := h.subjectFor(symbol)

	sub, err := h.provider.nc.Subscribe(subject, func(msg *nats.Msg) {
		h.handleMessage(symbol, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	h.subs[symbol] = sub
	return nil
}

// subjectFor builds the per-symbol subject. Dots in symbols (BRK.B) would
// split subject tokens, so they are flattened to underscores; the payload
// carries the authoritative symbol.
func (h *NATSHandle) subjectFor(symbol string) string {
	token := strings.ReplaceAll(symbol, ".", "_")
	return fmt.Sprintf("%s.%s.%s.%s", h.provider.subjectPrefix, h.provider.name, h.capability, token)
}

func (h *NATSHandle) handleMessage(symbol string, msg *nats.Msg) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		h.dispatchError(fmt.Errorf("malformed tick on %s: %w", msg.Subject, err))
		return
	}

	// The payload symbol wins over the subscription symbol when present.
	tickSymbol := symbol
	if s, ok := payload["symbol"].(string); ok && s != "" {
		tickSymbol = s
	}

	h.dispatchData(types.RawTick{
		Provider:   h.provider.name,
		Capability: h.capability,
		Symbol:     tickSymbol,
		ReceivedAt: types.NowMillis(),
		Payload:    payload,
	})
}

// Unsubscribe removes the per-symbol subscriptions. Unknown symbols are
// ignored.
func (h *NATSHandle) Unsubscribe(ctx context.Context, symbols []string) error {
	var succeeded, failed []string
	var cause error

	for _, symbol := range symbols {
		h.mu.Lock()
		sub, exists := h.subs[symbol]
		if exists {
			delete(h.subs, symbol)
		}
		h.mu.Unlock()

		if !exists {
			succeeded = append(succeeded, symbol)
			continue
		}

		if err := sub.Unsubscribe(); err != nil {
			failed = append(failed, symbol)
			if cause == nil {
				cause = err
			}
			continue
		}
		succeeded = append(succeeded, symbol)
	}

	if len(failed) > 0 {
		return &PartialError{Op: "unsubscribe", Succeeded: succeeded, Failed: failed, Cause: cause}
	}
	return nil
}

// SendHeartbeat round-trips a flush through the server.
func (h *NATSHandle) SendHeartbeat(ctx context.Context) (bool, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return false, fmt.Errorf("handle closed")
	}

	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return false, ctx.Err()
	}

	if err := h.provider.nc.FlushTimeout(timeout); err != nil {
		return false, err
	}
	return h.provider.IsConnected(), nil
}

// Close unsubscribes everything and detaches from the provider. Idempotent.
func (h *NATSHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*nats.Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	h.provider.dropHandle(h)
	h.setStatus(types.StreamStatusClosed)
	return nil
}

func (h *NATSHandle) setStatus(status types.StreamStatus) {
	h.mu.Lock()
	if h.status == status {
		h.mu.Unlock()
		return
	}
	h.status = status
	h.mu.Unlock()

	h.cbMu.Lock()
	cb := h.onStatus
	h.cbMu.Unlock()
	if cb == nil {
		return
	}

	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()
	cb(status)
}

// connectionFlip is called by the provider watcher when the shared
// connection drops or recovers.
func (h *NATSHandle) connectionFlip(status types.StreamStatus, cause error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}

	if cause != nil {
		h.dispatchError(cause)
	}
	h.setStatus(status)
}

func (h *NATSHandle) dispatchData(tick types.RawTick) {
	h.cbMu.Lock()
	cb := h.onData
	h.cbMu.Unlock()
	if cb == nil {
		return
	}

	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()
	cb(tick)
}

func (h *NATSHandle) dispatchError(err error) {
	h.cbMu.Lock()
	cb := h.onError
	h.cbMu.Unlock()
	if cb == nil {
		return
	}

	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()
	cb(err)
}
