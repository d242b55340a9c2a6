// Package data owns market-data ingestion: one BarBuffer per
// (provider, symbol, granularity), seeded from historical fetches and kept
// current by realtime provider feeds. Two strategies subscribing to the same
// series share one buffer and one feed; the Manager owns the provider pool,
// not the runners.
package data

import (
	"context"

	"stratequeue/pkg/types"
)

// StreamBar is a realtime bar tagged with the granularity it belongs to,
// so the Manager can route it to the right buffer.
type StreamBar struct {
	types.Bar
	Granularity types.Granularity
}

// StreamError is pushed by a provider when a feed or symbol fails.
// Fatal errors (e.g. the provider rejects the symbol) permanently poison
// every subscription on that symbol; transient errors are logged and the
// provider keeps retrying internally.
type StreamError struct {
	Symbol string
	Err    error
	Fatal  bool
}

// Provider is a market-data adapter: historical fetch plus a realtime feed.
// Run maintains the feed connection (with reconnect) until ctx is cancelled;
// bars and errors are delivered on the accessor channels.
type Provider interface {
	Name() string

	// FetchHistory returns up to limit bars ending at the most recent
	// completed period, oldest first. Fewer bars than limit is not an
	// error; it means the provider's history is shorter.
	FetchHistory(ctx context.Context, symbol string, g types.Granularity, limit int) ([]types.Bar, error)

	// Subscribe starts realtime delivery for a series. Idempotent.
	Subscribe(symbol string, g types.Granularity) error
	// Unsubscribe stops realtime delivery for a series.
	Unsubscribe(symbol string, g types.Granularity) error

	Bars() <-chan StreamBar
	Errors() <-chan StreamError

	// Run maintains the feed until ctx is cancelled.
	Run(ctx context.Context) error
}
