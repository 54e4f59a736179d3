// Package provider defines the capability handle contract the fetcher
// consumes, a registry resolving (provider, capability) pairs to handle
// factories, and two implementations: a NATS-backed adapter for live ticks
// and an in-memory handle for tests.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marketwire/streamgate/internal/types"
)

// StreamHandle is one upstream stream for a (provider, capability) pair.
// Observer registration must happen before Connect; implementations
// serialize OnData/OnError/OnStatusChange callbacks with respect to each
// other. Callbacks must not invoke handle methods synchronously.
type StreamHandle interface {
	// Connect brings the stream up and blocks until it is usable or ctx
	// expires.
	Connect(ctx context.Context) error

	// Subscribe adds symbols (provider form) to the stream. On partial
	// failure a *PartialError is returned listing what succeeded.
	Subscribe(ctx context.Context, symbols []string) error

	// Unsubscribe removes symbols from the stream. Unknown symbols are
	// ignored.
	Unsubscribe(ctx context.Context, symbols []string) error

	// OnData registers the tick callback.
	OnData(func(types.RawTick))

	// OnError registers the stream error callback.
	OnError(func(error))

	// OnStatusChange registers the status transition callback.
	OnStatusChange(func(types.StreamStatus))

	// SendHeartbeat probes the stream. True means the upstream answered.
	SendHeartbeat(ctx context.Context) (bool, error)

	// Close tears the stream down. Idempotent.
	Close() error
}

// PartialError reports a subscribe or unsubscribe that succeeded for some
// symbols and failed for others.
type PartialError struct {
	Op        string
	Succeeded []string
	Failed    []string
	Cause     error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s failed for %d of %d symbols: %v",
		e.Op, len(e.Failed), len(e.Failed)+len(e.Succeeded), e.Cause)
}

func (e *PartialError) Unwrap() error { return e.Cause }

// Factory creates a fresh handle for one capability.
type Factory func() (StreamHandle, error)

// ErrCapabilityNotFound is wrapped into lookups for unknown registrations.
var ErrCapabilityNotFound = fmt.Errorf("capability not found")

// Registry resolves (provider, capability) to a handle factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func registryKey(provider, capability string) string {
	return provider + "|" + capability
}

// Register installs a factory, replacing any previous registration.
func (r *Registry) Register(provider, capability string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[registryKey(provider, capability)] = factory
}

// Resolve returns the factory for (provider, capability) or an error
// wrapping ErrCapabilityNotFound.
func (r *Registry) Resolve(provider, capability string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[registryKey(provider, capability)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrCapabilityNotFound, provider, capability)
	}
	return factory, nil
}

// Capabilities lists registered (provider, capability) pairs, sorted.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
