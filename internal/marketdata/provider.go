// Package marketdata aggregates quotes and candles from multiple upstream
// providers behind a single cached, rate-limited interface. Streamed quotes
// fan in through the Aggregator, which caches them, republishes them on the
// event bus and feeds per-symbol subscribers in arrival order.
package marketdata

import (
	"context"

	"github.com/quantfold/tradecore/internal/domain"
)

// Provider is one upstream market data source. Implementations stream
// quotes for subscribed symbols over Quotes() and answer pull requests for
// single quotes and candle series. Pull calls are rate limited by the
// aggregator, not by the provider itself.
type Provider interface {
	// Name identifies the provider in logs, events and aggregated views.
	Name() string

	// Run drives the provider's stream loop until ctx is cancelled.
	// Implementations reconnect internally with exponential backoff and
	// only return once the context is done.
	Run(ctx context.Context) error

	// Quotes is the stream of quotes for subscribed symbols.
	Quotes() <-chan domain.Quote

	// Subscribe starts streaming quotes for the given symbols. Subscribing
	// twice to the same symbol is a no-op. Subscriptions survive reconnects.
	Subscribe(ctx context.Context, symbols ...string) error

	// Unsubscribe stops streaming quotes for the given symbols.
	Unsubscribe(ctx context.Context, symbols ...string) error

	// GetQuote fetches a single quote on demand.
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)

	// GetCandles fetches up to limit closed candles for the timeframe,
	// most recent last. Providers without a candle endpoint return a
	// transient error and the aggregator moves on to the next source.
	GetCandles(ctx context.Context, symbol string, timeframe domain.Timeframe, limit int) ([]domain.Candle, error)

	// Connected reports whether the provider currently has a live upstream
	// connection. Pull-only providers report true while healthy.
	Connected() bool
}

// errCandlesUnsupported is returned by stream-only providers; the aggregator
// treats it as "try the next provider".
func errCandlesUnsupported(provider string) error {
	return domain.NewTransientError(domain.CodeNoProvider, "provider "+provider+" has no candle endpoint", nil)
}
