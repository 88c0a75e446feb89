package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
)

// SubID identifies one quote subscription.
type SubID uint64

// subQueueSize bounds each subscription's delivery queue. Within one
// subscription delivery is FIFO; a subscriber that falls behind loses quotes
// but never sees them reordered.
const subQueueSize = 256

// AggregatedQuote is the best view across all providers that answered:
// highest bid, lowest ask, average last.
type AggregatedQuote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    float64   `json:"volume"`
	Sources   []string  `json:"sources"`
	Timestamp time.Time `json:"timestamp"`
}

// ProviderStatus reports one provider's connection state.
type ProviderStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// Stats counts aggregator throughput since start.
type Stats struct {
	QuotesReceived uint64 `json:"quotes_received"`
	QuotesDropped  uint64 `json:"quotes_dropped"`
	Subscriptions  int    `json:"subscriptions"`
}

type subscription struct {
	id      SubID
	symbols map[string]struct{}
	handler func(domain.Quote)
	queue   chan domain.Quote
	done    chan struct{}
	dropped atomic.Uint64
}

// Aggregator fans in quotes from all registered providers, caches them,
// republishes them on the event bus and feeds subscriptions. Synchronous
// reads try the cache first, then providers in registration order; every
// provider pull passes that provider's token bucket.
type Aggregator struct {
	providers []Provider
	limiters  map[string]*TokenBucket
	rpm       int

	quotes  *QuoteCache
	candles *CandleCache
	history *HistoryStore  // optional candle archive
	snaps   *SnapshotStore // optional warm-start snapshots

	bus *events.Bus
	log zerolog.Logger

	subMu      sync.RWMutex
	subs       map[SubID]*subscription
	symbolRefs map[string]int
	nextSubID  atomic.Uint64

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewAggregator builds an aggregator. history and snaps may be nil; rpm is
// the per-provider pull budget in requests per minute.
func NewAggregator(bus *events.Bus, history *HistoryStore, snaps *SnapshotStore, rpm int, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		limiters:   make(map[string]*TokenBucket),
		rpm:        rpm,
		quotes:     NewQuoteCache(LiveQuoteTTL),
		candles:    NewCandleCache(CandleTTL),
		history:    history,
		snaps:      snaps,
		bus:        bus,
		log:        log.With().Str("component", "marketdata").Logger(),
		subs:       make(map[SubID]*subscription),
		symbolRefs: make(map[string]int),
	}
}

// Register adds a provider. Registration order is priority order for
// synchronous reads. Must be called before Run.
func (a *Aggregator) Register(p Provider) {
	a.providers = append(a.providers, p)
	a.limiters[p.Name()] = NewTokenBucketRPM(a.rpm)
	a.log.Info().Str("provider", p.Name()).Int("rpm", a.rpm).Msg("Registered market data provider")
}

// Providers returns the status of every registered provider.
func (a *Aggregator) Providers() []ProviderStatus {
	statuses := make([]ProviderStatus, 0, len(a.providers))
	for _, p := range a.providers {
		statuses = append(statuses, ProviderStatus{Name: p.Name(), Connected: p.Connected()})
	}
	return statuses
}

// Stats returns throughput counters.
func (a *Aggregator) Stats() Stats {
	a.subMu.RLock()
	n := len(a.subs)
	a.subMu.RUnlock()
	return Stats{
		QuotesReceived: a.received.Load(),
		QuotesDropped:  a.dropped.Load(),
		Subscriptions:  n,
	}
}

// Run starts every provider and consumes their streams until ctx is
// cancelled. It owns the periodic cache purge and snapshot save.
func (a *Aggregator) Run(ctx context.Context) error {
	if len(a.providers) == 0 {
		return domain.NewFatalError(domain.CodeNoProvider, "no market data providers configured", nil)
	}

	var wg sync.WaitGroup
	for _, p := range a.providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Error().Err(err).Str("provider", p.Name()).Msg("Provider stream stopped")
			}
		}(p)

		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			a.consume(ctx, p)
		}(p)
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.saveSnapshots()
			a.closeAllSubscriptions()
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			a.quotes.Purge()
			a.candles.Purge()
			a.saveSnapshots()
		}
	}
}

// consume drains one provider's stream into the shared pipeline.
func (a *Aggregator) consume(ctx context.Context, p Provider) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-p.Quotes():
			if !ok {
				return
			}
			a.accept(q)
		}
	}
}

// accept validates, caches, republishes and fans out one streamed quote.
func (a *Aggregator) accept(q domain.Quote) {
	if q.Last <= 0 || q.Bid < 0 || q.Ask < 0 {
		a.log.Warn().Str("symbol", q.Symbol).Str("provider", q.Provider).
			Float64("last", q.Last).Msg("Discarding quote with non-positive price")
		return
	}
	q.Symbol = strings.ToUpper(q.Symbol)
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}

	a.quotes.Set(q)
	a.received.Add(1)

	if a.bus != nil {
		a.bus.Publish("marketdata", &events.QuoteReceivedData{
			Symbol:   q.Symbol,
			Provider: q.Provider,
			Bid:      q.Bid,
			Ask:      q.Ask,
			Last:     q.Last,
			Volume:   q.Volume,
		})
	}

	a.subMu.RLock()
	for _, sub := range a.subs {
		if _, ok := sub.symbols[q.Symbol]; !ok {
			continue
		}
		select {
		case sub.queue <- q:
		default:
			sub.dropped.Add(1)
			a.dropped.Add(1)
		}
	}
	a.subMu.RUnlock()
}

// Subscribe registers a callback for streamed quotes on the given symbols.
// Delivery per subscription is FIFO; slow subscribers lose quotes rather
// than delay others. Returns an error only if registration itself fails.
func (a *Aggregator) Subscribe(ctx context.Context, symbols []string, handler func(domain.Quote)) (SubID, error) {
	if len(symbols) == 0 {
		return 0, domain.NewInputError(domain.CodeInvalidInput, "subscribe requires at least one symbol")
	}
	if handler == nil {
		return 0, domain.NewInputError(domain.CodeInvalidInput, "subscribe requires a handler")
	}

	keys := make(map[string]struct{}, len(symbols))
	upper := make([]string, 0, len(symbols))
	for _, s := range symbols {
		key := strings.ToUpper(strings.TrimSpace(s))
		if key == "" {
			continue
		}
		if _, ok := keys[key]; !ok {
			keys[key] = struct{}{}
			upper = append(upper, key)
		}
	}
	if len(upper) == 0 {
		return 0, domain.NewInputError(domain.CodeInvalidInput, "subscribe requires at least one symbol")
	}

	// Registration fails only when every provider refuses the symbols.
	okCount := 0
	var lastErr error
	for _, p := range a.providers {
		if err := p.Subscribe(ctx, upper...); err != nil {
			lastErr = err
			a.log.Warn().Err(err).Str("provider", p.Name()).Msg("Provider subscribe failed")
			continue
		}
		okCount++
	}
	if okCount == 0 {
		return 0, domain.NewTransientError(domain.CodeNoProvider, "no provider accepted the subscription", lastErr)
	}

	sub := &subscription{
		id:      SubID(a.nextSubID.Add(1)),
		symbols: keys,
		handler: handler,
		queue:   make(chan domain.Quote, subQueueSize),
		done:    make(chan struct{}),
	}

	a.subMu.Lock()
	a.subs[sub.id] = sub
	for s := range keys {
		a.symbolRefs[s]++
	}
	a.subMu.Unlock()

	go sub.drain()

	a.log.Debug().Uint64("sub_id", uint64(sub.id)).Strs("symbols", upper).Msg("Quote subscription registered")
	return sub.id, nil
}

func (s *subscription) drain() {
	for {
		select {
		case <-s.done:
			return
		case q := <-s.queue:
			s.handler(q)
		}
	}
}

// Unsubscribe removes a subscription. Symbols no other subscription wants
// are unsubscribed upstream.
func (a *Aggregator) Unsubscribe(id SubID) {
	a.subMu.Lock()
	sub, ok := a.subs[id]
	if !ok {
		a.subMu.Unlock()
		return
	}
	delete(a.subs, id)

	var released []string
	for s := range sub.symbols {
		a.symbolRefs[s]--
		if a.symbolRefs[s] <= 0 {
			delete(a.symbolRefs, s)
			released = append(released, s)
		}
	}
	a.subMu.Unlock()

	close(sub.done)

	if len(released) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, p := range a.providers {
			if err := p.Unsubscribe(ctx, released...); err != nil {
				a.log.Warn().Err(err).Str("provider", p.Name()).Msg("Provider unsubscribe failed")
			}
		}
	}
}

func (a *Aggregator) closeAllSubscriptions() {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for id, sub := range a.subs {
		close(sub.done)
		delete(a.subs, id)
	}
	a.symbolRefs = make(map[string]int)
}

// GetQuote returns a quote for the symbol: cached if fresh, otherwise pulled
// from providers in priority order. All providers failing is a transient
// NoProvider error.
func (a *Aggregator) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	symbol = strings.ToUpper(symbol)
	if q, ok := a.quotes.Get(symbol); ok {
		return q, nil
	}

	var lastErr error
	for _, p := range a.providers {
		q, err := a.pullQuote(ctx, p, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return domain.Quote{}, ctx.Err()
			}
			lastErr = err
			continue
		}
		return q, nil
	}
	return domain.Quote{}, domain.NewTransientError(domain.CodeNoProvider,
		fmt.Sprintf("no provider available for %s", symbol), lastErr)
}

// GetQuoteFrom pulls a quote from one named provider, bypassing the others.
func (a *Aggregator) GetQuoteFrom(ctx context.Context, provider, symbol string) (domain.Quote, error) {
	symbol = strings.ToUpper(symbol)
	p := a.providerByName(provider)
	if p == nil {
		return domain.Quote{}, domain.NewInputError(domain.CodeInvalidInput, "unknown provider "+provider)
	}
	if q, ok := a.quotes.GetFrom(symbol, p.Name()); ok {
		return q, nil
	}
	return a.pullQuote(ctx, p, symbol)
}

// pullQuote performs one rate-limited provider pull and caches the result.
func (a *Aggregator) pullQuote(ctx context.Context, p Provider, symbol string) (domain.Quote, error) {
	if err := a.limiters[p.Name()].Wait(ctx); err != nil {
		return domain.Quote{}, err
	}
	q, err := p.GetQuote(ctx, symbol)
	if err != nil {
		return domain.Quote{}, err
	}
	if q.Last <= 0 {
		return domain.Quote{}, domain.NewTransientError(domain.CodeNoProvider,
			fmt.Sprintf("provider %s returned non-positive price for %s", p.Name(), symbol), nil)
	}
	q.Symbol = strings.ToUpper(q.Symbol)
	a.quotes.Set(q)
	return q, nil
}

// GetAggregated queries every provider in parallel and merges the answers:
// best bid is the maximum, best ask the minimum, last the average. Individual
// provider failures are non-fatal; all failing yields NoProvider.
func (a *Aggregator) GetAggregated(ctx context.Context, symbol string) (AggregatedQuote, error) {
	symbol = strings.ToUpper(symbol)

	var (
		mu      sync.Mutex
		results []domain.Quote
		wg      sync.WaitGroup
	)
	for _, p := range a.providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			q, err := a.pullQuote(ctx, p, symbol)
			if err != nil {
				a.log.Debug().Err(err).Str("provider", p.Name()).Str("symbol", symbol).
					Msg("Provider pull failed during aggregation")
				return
			}
			mu.Lock()
			results = append(results, q)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	// Streamed quotes still count even when the pull path failed.
	if len(results) == 0 {
		results = a.quotes.ProviderQuotes(symbol)
	}
	if len(results) == 0 {
		return AggregatedQuote{}, domain.NewTransientError(domain.CodeNoProvider,
			fmt.Sprintf("no provider available for %s", symbol), nil)
	}

	agg := AggregatedQuote{Symbol: symbol}
	var lastSum float64
	for _, q := range results {
		if q.Bid > agg.Bid {
			agg.Bid = q.Bid
		}
		if agg.Ask == 0 || (q.Ask > 0 && q.Ask < agg.Ask) {
			agg.Ask = q.Ask
		}
		lastSum += q.Last
		agg.Sources = append(agg.Sources, q.Provider)
		if q.Timestamp.After(agg.Timestamp) {
			agg.Timestamp = q.Timestamp
			agg.Volume = q.Volume
		}
	}
	agg.Last = lastSum / float64(len(results))
	sort.Strings(agg.Sources)
	return agg, nil
}

// GetCandles returns up to limit closed candles, oldest first. Freshly
// fetched series are archived in the history store; when every provider
// fails, the archive serves a stale fallback.
func (a *Aggregator) GetCandles(ctx context.Context, symbol string, timeframe domain.Timeframe, limit int) ([]domain.Candle, error) {
	symbol = strings.ToUpper(symbol)
	if !timeframe.Valid() {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "invalid timeframe "+string(timeframe))
	}
	if limit <= 0 {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "candle limit must be positive")
	}

	if series, ok := a.candles.Get(symbol, timeframe, limit); ok {
		return series, nil
	}
	return a.fetchCandles(ctx, symbol, timeframe, limit)
}

// Backfill bypasses the series cache and re-fetches from providers. Used to
// recover a stale indicator series after a data gap.
func (a *Aggregator) Backfill(ctx context.Context, symbol string, timeframe domain.Timeframe, limit int) ([]domain.Candle, error) {
	symbol = strings.ToUpper(symbol)
	if !timeframe.Valid() {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "invalid timeframe "+string(timeframe))
	}
	return a.fetchCandles(ctx, symbol, timeframe, limit)
}

func (a *Aggregator) fetchCandles(ctx context.Context, symbol string, timeframe domain.Timeframe, limit int) ([]domain.Candle, error) {
	var lastErr error
	for _, p := range a.providers {
		if err := a.limiters[p.Name()].Wait(ctx); err != nil {
			return nil, err
		}
		series, err := p.GetCandles(ctx, symbol, timeframe, limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if len(series) == 0 {
			continue
		}

		if a.history != nil {
			if err := a.history.UpsertCandles(ctx, series); err != nil {
				a.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to archive candles")
			}
		}
		a.candles.Set(symbol, timeframe, limit, series)
		return series, nil
	}

	// Stale fallback from the archive beats no data at all.
	if a.history != nil {
		series, err := a.history.GetCandles(ctx, symbol, timeframe, limit)
		if err == nil && len(series) > 0 {
			a.log.Debug().Str("symbol", symbol).Str("timeframe", string(timeframe)).
				Msg("Serving candles from archive, all providers failed")
			return series, nil
		}
	}
	return nil, domain.NewTransientError(domain.CodeNoProvider,
		fmt.Sprintf("no provider available for %s %s candles", symbol, timeframe), lastErr)
}

// DailyCloses returns the last n daily closes, oldest first, fetching from
// providers when the archive is short.
func (a *Aggregator) DailyCloses(ctx context.Context, symbol string, n int) ([]float64, error) {
	symbol = strings.ToUpper(symbol)
	if a.history != nil {
		closes, err := a.history.DailyCloses(ctx, symbol, n)
		if err == nil && len(closes) >= n {
			return closes, nil
		}
	}

	series, err := a.fetchCandles(ctx, symbol, domain.Timeframe1d, n)
	if err != nil {
		return nil, err
	}
	closes := make([]float64, 0, len(series))
	for _, c := range series {
		closes = append(closes, c.Close)
	}
	return closes, nil
}

// LastPrice returns the freshest known price for a symbol without hitting
// providers, preferring live quotes over archived candles. ok is false when
// nothing is known.
func (a *Aggregator) LastPrice(symbol string) (float64, bool) {
	if q, ok := a.quotes.Get(strings.ToUpper(symbol)); ok {
		return q.Last, true
	}
	return 0, false
}

// SeedQuote primes the quote cache, used at boot with warm-start snapshots
// so LastPrice can answer before the first live quote arrives.
func (a *Aggregator) SeedQuote(q domain.Quote) {
	a.quotes.Set(q)
}

func (a *Aggregator) providerByName(name string) Provider {
	for _, p := range a.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func (a *Aggregator) saveSnapshots() {
	if a.snaps == nil {
		return
	}
	quotes := a.quotes.All()
	if len(quotes) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.snaps.Save(ctx, quotes); err != nil {
		a.log.Warn().Err(err).Msg("Failed to save quote snapshots")
	}
}
