package fetcher

import "fmt"

// StreamConnectionError reports a failed connection establishment or a
// connection-scoped operation failure.
type StreamConnectionError struct {
	ConnectionID string
	Provider     string
	Capability   string
	Cause        error
}

func (e *StreamConnectionError) Error() string {
	return fmt.Sprintf("stream connection %s (%s/%s): %v", e.ConnectionID, e.Provider, e.Capability, e.Cause)
}

func (e *StreamConnectionError) Unwrap() error { return e.Cause }

// SubscriptionError reports a failed subscribe or unsubscribe, carrying the
// symbols that did not make it.
type SubscriptionError struct {
	Symbols    []string
	Provider   string
	Capability string
	Cause      error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription (%s/%s) failed for %d symbols: %v", e.Provider, e.Capability, len(e.Symbols), e.Cause)
}

func (e *SubscriptionError) Unwrap() error { return e.Cause }
