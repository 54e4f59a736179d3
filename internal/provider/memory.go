package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marketwire/streamgate/internal/types"
)

// MemoryHandle is an in-process StreamHandle used in tests. Behavior is
// steered through the exported knobs: inject ticks with Inject, force
// failures with the *Err fields, drive status transitions with SetStatus.
type MemoryHandle struct {
	Provider   string
	Capability string

	// Failure injection. Checked on each call.
	ConnectErr     error
	SubscribeErr   error
	UnsubscribeErr error
	HeartbeatErr   error
	HeartbeatOK    bool

	// Optional override; when set it replaces the default heartbeat result.
	HeartbeatFunc func(ctx context.Context) (bool, error)

	mu         sync.Mutex
	subscribed map[string]bool
	status     types.StreamStatus
	closed     bool

	cbMu       sync.Mutex
	dispatchMu sync.Mutex
	onData     func(types.RawTick)
	onError    func(error)
	onStatus   func(types.StreamStatus)
}

func NewMemoryHandle(providerName, capability string) *MemoryHandle {
	return &MemoryHandle{
		Provider:    providerName,
		Capability:  capability,
		HeartbeatOK: true,
		subscribed:  make(map[string]bool),
		status:      types.StreamStatusConnecting,
	}
}

// RegisterMemoryProvider installs a factory producing fresh MemoryHandles
// and returns a pointer to the most recently created handle via the
// returned accessor.
func RegisterMemoryProvider(registry *Registry, providerName, capability string) func() *MemoryHandle {
	var mu sync.Mutex
	var last *MemoryHandle

	registry.Register(providerName, capability, func() (StreamHandle, error) {
		h := NewMemoryHandle(providerName, capability)
		mu.Lock()
		last = h
		mu.Unlock()
		return h, nil
	})

	return func() *MemoryHandle {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func (h *MemoryHandle) OnData(cb func(types.RawTick)) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.onData = cb
}

func (h *MemoryHandle) OnError(cb func(error)) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.onError = cb
}

func (h *MemoryHandle) OnStatusChange(cb func(types.StreamStatus)) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.onStatus = cb
}

func (h *MemoryHandle) Connect(ctx context.Context) error {
	if h.ConnectErr != nil {
		h.SetStatus(types.StreamStatusError)
		return h.ConnectErr
	}
	h.SetStatus(types.StreamStatusConnected)
	return nil
}

func (h *MemoryHandle) Subscribe(ctx context.Context, symbols []string) error {
	if h.SubscribeErr != nil {
		return h.SubscribeErr
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("handle closed")
	}
	for _, s := range symbols {
		h.subscribed[s] = true
	}
	return nil
}

func (h *MemoryHandle) Unsubscribe(ctx context.Context, symbols []string) error {
	if h.UnsubscribeErr != nil {
		return h.UnsubscribeErr
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range symbols {
		delete(h.subscribed, s)
	}
	return nil
}

func (h *MemoryHandle) SendHeartbeat(ctx context.Context) (bool, error) {
	if h.HeartbeatFunc != nil {
		return h.HeartbeatFunc(ctx)
	}
	if h.HeartbeatErr != nil {
		return false, h.HeartbeatErr
	}
	return h.HeartbeatOK, nil
}

func (h *MemoryHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.subscribed = make(map[string]bool)
	h.mu.Unlock()

	h.SetStatus(types.StreamStatusClosed)
	return nil
}

// Inject delivers a tick through the data observer as if it arrived from
// upstream. Unsubscribed symbols are dropped.
func (h *MemoryHandle) Inject(symbol string, payload map[string]any) bool {
	h.mu.Lock()
	subscribed := h.subscribed[symbol]
	h.mu.Unlock()
	if !subscribed {
		return false
	}

	h.cbMu.Lock()
	cb := h.onData
	h.cbMu.Unlock()
	if cb == nil {
		return false
	}

	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()
	cb(types.RawTick{
		Provider:   h.Provider,
		Capability: h.Capability,
		Symbol:     symbol,
		ReceivedAt: types.NowMillis(),
		Payload:    payload,
	})
	return true
}

// InjectError delivers an error through the error observer.
func (h *MemoryHandle) InjectError(err error) {
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

// SetStatus transitions the handle status and fires the status observer.
func (h *MemoryHandle) SetStatus(status types.StreamStatus) {
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

// Subscribed returns the sorted set of currently subscribed symbols.
func (h *MemoryHandle) Subscribed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.subscribed))
	for s := range h.subscribed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
