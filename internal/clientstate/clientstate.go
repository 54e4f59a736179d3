// Package clientstate tracks which subscriber cares about which symbols.
// It keeps three structures consistent under one lock: the forward map
// (client -> subscription), the symbol inverse index, and the provider
// inverse index. Room broadcast goes through the gateway only; there is no
// per-client fallback path.
package clientstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/types"
)

// ClientSubscription is the forward record for one subscriber.
type ClientSubscription struct {
	ClientID         string
	Symbols          map[string]struct{}
	Capability       string
	Provider         string
	SubscriptionTime time.Time
	LastActiveTime   time.Time
}

// ChangeType marks what a subscription change event describes.
type ChangeType string

const (
	ChangeSubscribe   ChangeType = "subscribe"
	ChangeUnsubscribe ChangeType = "unsubscribe"
)

// ChangeEvent is delivered to listeners after a mutation commits. Symbols
// are the standard-form symbols that actually changed for the client.
type ChangeEvent struct {
	Type       ChangeType
	ClientID   string
	Symbols    []string
	Provider   string
	Capability string
}

// ChangeListener observes subscription changes. Listener panics are
// recovered and logged; they never affect the mutation that fired them.
type ChangeListener func(ChangeEvent)

// Manager owns the subscription triple. All three structures mutate together
// under mu, so readers observe either the pre- or post-image of a mutation,
// never a torn state.
type Manager struct {
	mu sync.RWMutex

	subscriptions     map[string]*ClientSubscription
	symbolToClients   map[string]map[string]struct{}
	providerToClients map[string]map[string]struct{}

	listeners  map[int]ChangeListener
	listenerID int

	clientTimeout  time.Duration
	reaperInterval time.Duration

	stats *BroadcastStats

	ctx    context.Context
	cancel context.CancelFunc

	logger zerolog.Logger
}

// Options tunes the manager; zero values fall back to the defaults (5 minute
// client timeout, 5 minute reaper interval).
type Options struct {
	ClientTimeout  time.Duration
	ReaperInterval time.Duration
}

// NewManager creates a client state manager and starts its idle reaper.
func NewManager(opts Options, logger zerolog.Logger) *Manager {
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = 5 * time.Minute
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		subscriptions:     make(map[string]*ClientSubscription),
		symbolToClients:   make(map[string]map[string]struct{}),
		providerToClients: make(map[string]map[string]struct{}),
		listeners:         make(map[int]ChangeListener),
		clientTimeout:     opts.ClientTimeout,
		reaperInterval:    opts.ReaperInterval,
		stats:             NewBroadcastStats(),
		ctx:               ctx,
		cancel:            cancel,
		logger:            logger.With().Str("component", "clientstate").Logger(),
	}

	go m.reaperLoop()

	return m
}

// AddClientSubscription merges symbols into the client's subscription,
// creating it on first contact. Symbols are normalized to standard form
// before indexing. Returns the symbols newly added for this client.
func (m *Manager) AddClientSubscription(clientID string, symbols []string, capability, provider string) []string {
	now := time.Now()

	m.mu.Lock()
	sub := m.subscriptions[clientID]
	if sub == nil {
		sub = &ClientSubscription{
			ClientID:         clientID,
			Symbols:          make(map[string]struct{}),
			Capability:       capability,
			Provider:         provider,
			SubscriptionTime: now,
		}
		m.subscriptions[clientID] = sub
	}
	sub.LastActiveTime = now
	if capability != "" {
		sub.Capability = capability
	}
	if provider != "" {
		sub.Provider = provider
	}

	added := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		s := types.StandardSymbol(raw)
		if s == "" {
			continue
		}
		if _, exists := sub.Symbols[s]; exists {
			continue
		}
		sub.Symbols[s] = struct{}{}
		if m.symbolToClients[s] == nil {
			m.symbolToClients[s] = make(map[string]struct{})
		}
		m.symbolToClients[s][clientID] = struct{}{}
		added = append(added, s)
	}
	if m.providerToClients[sub.Provider] == nil {
		m.providerToClients[sub.Provider] = make(map[string]struct{})
	}
	m.providerToClients[sub.Provider][clientID] = struct{}{}

	listeners := m.listenerSnapshot()
	eventProvider, eventCapability := sub.Provider, sub.Capability
	m.mu.Unlock()

	if len(added) > 0 {
		m.notify(listeners, ChangeEvent{
			Type:       ChangeSubscribe,
			ClientID:   clientID,
			Symbols:    added,
			Provider:   eventProvider,
			Capability: eventCapability,
		})
	}
	return added
}

// RemoveClientSubscription removes symbols from the client's subscription.
// With no symbols given the entire subscription is dropped. Returns the
// standard-form symbols actually removed.
func (m *Manager) RemoveClientSubscription(clientID string, symbols ...string) []string {
	m.mu.Lock()
	sub := m.subscriptions[clientID]
	if sub == nil {
		m.mu.Unlock()
		return nil
	}

	var removed []string
	if len(symbols) == 0 {
		removed = make([]string, 0, len(sub.Symbols))
		for s := range sub.Symbols {
			removed = append(removed, s)
		}
		sort.Strings(removed)
	} else {
		for _, raw := range symbols {
			s := types.StandardSymbol(raw)
			if _, exists := sub.Symbols[s]; exists {
				removed = append(removed, s)
			}
		}
	}

	for _, s := range removed {
		delete(sub.Symbols, s)
		if clients := m.symbolToClients[s]; clients != nil {
			delete(clients, clientID)
			if len(clients) == 0 {
				delete(m.symbolToClients, s)
			}
		}
	}

	dropped := len(sub.Symbols) == 0
	if dropped {
		delete(m.subscriptions, clientID)
		if clients := m.providerToClients[sub.Provider]; clients != nil {
			delete(clients, clientID)
			if len(clients) == 0 {
				delete(m.providerToClients, sub.Provider)
			}
		}
	} else {
		sub.LastActiveTime = time.Now()
	}

	listeners := m.listenerSnapshot()
	eventProvider, eventCapability := sub.Provider, sub.Capability
	m.mu.Unlock()

	if len(removed) > 0 {
		m.notify(listeners, ChangeEvent{
			Type:       ChangeUnsubscribe,
			ClientID:   clientID,
			Symbols:    removed,
			Provider:   eventProvider,
			Capability: eventCapability,
		})
	}
	return removed
}

// GetClientsForSymbol returns the client ids subscribed to a symbol.
func (m *Manager) GetClientsForSymbol(symbol string) []string {
	s := types.StandardSymbol(symbol)

	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := m.symbolToClients[s]
	out := make([]string, 0, len(clients))
	for id := range clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HasSubscribers reports whether at least one client wants the symbol. This
// is the replay cache's shouldCacheSymbol predicate.
func (m *Manager) HasSubscribers(symbol string) bool {
	s := types.StandardSymbol(symbol)

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.symbolToClients[s]) > 0
}

// GetClientSymbols returns the sorted standard symbols a client subscribes to.
func (m *Manager) GetClientSymbols(clientID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub := m.subscriptions[clientID]
	if sub == nil {
		return nil
	}
	out := make([]string, 0, len(sub.Symbols))
	for s := range sub.Symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// GetAllRequiredSymbols returns the union of subscribed symbols, optionally
// filtered by provider and capability (empty string = wildcard).
func (m *Manager) GetAllRequiredSymbols(provider, capability string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := make(map[string]struct{})
	for _, sub := range m.subscriptions {
		if provider != "" && sub.Provider != provider {
			continue
		}
		if capability != "" && sub.Capability != capability {
			continue
		}
		for s := range sub.Symbols {
			set[s] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// UpdateClientActivity bumps the client's last activity time.
func (m *Manager) UpdateClientActivity(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub := m.subscriptions[clientID]; sub != nil {
		sub.LastActiveTime = time.Now()
	}
}

// TouchClientsForSymbol bumps activity for every client subscribed to the
// symbol in one pass under the lock. Successful broadcasts call this so a
// passive consumer that receives data continuously is never reaped as idle.
func (m *Manager) TouchClientsForSymbol(symbol string) {
	s := types.StandardSymbol(symbol)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.symbolToClients[s] {
		if sub := m.subscriptions[id]; sub != nil {
			sub.LastActiveTime = now
		}
	}
}

// ClientSubscriptionInfo returns a copy of one client's subscription.
func (m *Manager) ClientSubscriptionInfo(clientID string) (ClientSubscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub := m.subscriptions[clientID]
	if sub == nil {
		return ClientSubscription{}, false
	}

	cp := ClientSubscription{
		ClientID:         sub.ClientID,
		Symbols:          make(map[string]struct{}, len(sub.Symbols)),
		Capability:       sub.Capability,
		Provider:         sub.Provider,
		SubscriptionTime: sub.SubscriptionTime,
		LastActiveTime:   sub.LastActiveTime,
	}
	for s := range sub.Symbols {
		cp.Symbols[s] = struct{}{}
	}
	return cp, true
}

// StateStats is the read-only summary exposed by Stats.
type StateStats struct {
	Clients        int            `json:"clients"`
	Symbols        int            `json:"symbols"`
	Providers      int            `json:"providers"`
	Subscriptions  int            `json:"subscriptions"`
	BroadcastStats StatsSnapshot  `json:"broadcast"`
	ByProvider     map[string]int `json:"clients_by_provider"`
}

// Stats returns a snapshot of index sizes and broadcast health.
func (m *Manager) Stats() StateStats {
	m.mu.RLock()
	total := 0
	byProvider := make(map[string]int, len(m.providerToClients))
	for _, sub := range m.subscriptions {
		total += len(sub.Symbols)
	}
	for p, clients := range m.providerToClients {
		byProvider[p] = len(clients)
	}
	s := StateStats{
		Clients:       len(m.subscriptions),
		Symbols:       len(m.symbolToClients),
		Providers:     len(m.providerToClients),
		Subscriptions: total,
		ByProvider:    byProvider,
	}
	m.mu.RUnlock()

	s.BroadcastStats = m.stats.Snapshot()
	return s
}

// AddSubscriptionChangeListener registers a listener and returns its handle.
func (m *Manager) AddSubscriptionChangeListener(listener ChangeListener) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listenerID++
	m.listeners[m.listenerID] = listener
	return m.listenerID
}

// RemoveSubscriptionChangeListener drops a listener by handle.
func (m *Manager) RemoveSubscriptionChangeListener(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}

// ClearAll drops every subscription and index entry. Listeners do not fire.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscriptions = make(map[string]*ClientSubscription)
	m.symbolToClients = make(map[string]map[string]struct{})
	m.providerToClients = make(map[string]map[string]struct{})
}

// Shutdown stops the idle reaper.
func (m *Manager) Shutdown() {
	m.cancel()
}

// listenerSnapshot copies the listener set. Caller holds mu.
func (m *Manager) listenerSnapshot() []ChangeListener {
	out := make([]ChangeListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}

// notify delivers an event to every listener, isolating their failures.
func (m *Manager) notify(listeners []ChangeListener, event ChangeEvent) {
	for _, listener := range listeners {
		func() {
			defer monitoring.RecoverPanic(m.logger, "subscription-change-listener", map[string]any{
				"client_id": event.ClientID,
				"type":      string(event.Type),
			})
			listener(event)
		}()
	}
}

// reaperLoop removes clients idle past the client timeout. A full
// unsubscribe change event fires for each reaped client.
func (m *Manager) reaperLoop() {
	defer monitoring.RecoverPanic(m.logger, "clientstate-reaper", nil)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.reaperInterval):
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.clientTimeout)

	m.mu.RLock()
	var idle []string
	for id, sub := range m.subscriptions {
		if sub.LastActiveTime.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		removed := m.RemoveClientSubscription(id)
		m.logger.Info().
			Str("client_id", id).
			Strs("symbols", removed).
			Msg("Reaped idle client subscription")
	}
}
