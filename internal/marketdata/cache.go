package marketdata

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quantfold/tradecore/internal/domain"
)

const (
	// LiveQuoteTTL is how long a streamed or pulled quote stays fresh.
	LiveQuoteTTL = 5 * time.Second
	// CandleTTL is how long a fetched candle series stays fresh.
	CandleTTL = 60 * time.Second
)

type cachedQuote struct {
	quote    domain.Quote
	cachedAt time.Time
}

// QuoteCache holds the freshest quote per symbol plus the per-provider
// quotes used to build aggregated views. Entries expire after ttl.
type QuoteCache struct {
	mu         sync.RWMutex
	ttl        time.Duration
	bySymbol   map[string]cachedQuote
	byProvider map[string]map[string]cachedQuote // symbol -> provider -> quote
}

func NewQuoteCache(ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = LiveQuoteTTL
	}
	return &QuoteCache{
		ttl:        ttl,
		bySymbol:   make(map[string]cachedQuote),
		byProvider: make(map[string]map[string]cachedQuote),
	}
}

// Set stores a quote as the freshest value for its symbol and provider.
func (c *QuoteCache) Set(q domain.Quote) {
	key := strings.ToUpper(q.Symbol)
	entry := cachedQuote{quote: q, cachedAt: time.Now()}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.bySymbol[key] = entry
	provs, ok := c.byProvider[key]
	if !ok {
		provs = make(map[string]cachedQuote)
		c.byProvider[key] = provs
	}
	provs[q.Provider] = entry
}

// Get returns the freshest quote for a symbol if it has not expired.
func (c *QuoteCache) Get(symbol string) (domain.Quote, bool) {
	c.mu.RLock()
	entry, ok := c.bySymbol[strings.ToUpper(symbol)]
	c.mu.RUnlock()

	if !ok || time.Since(entry.cachedAt) > c.ttl {
		return domain.Quote{}, false
	}
	return entry.quote, true
}

// GetFrom returns the unexpired quote for a symbol from one provider.
func (c *QuoteCache) GetFrom(symbol, provider string) (domain.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	provs, ok := c.byProvider[strings.ToUpper(symbol)]
	if !ok {
		return domain.Quote{}, false
	}
	entry, ok := provs[provider]
	if !ok || time.Since(entry.cachedAt) > c.ttl {
		return domain.Quote{}, false
	}
	return entry.quote, true
}

// ProviderQuotes returns all unexpired per-provider quotes for a symbol.
func (c *QuoteCache) ProviderQuotes(symbol string) []domain.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	provs, ok := c.byProvider[strings.ToUpper(symbol)]
	if !ok {
		return nil
	}
	quotes := make([]domain.Quote, 0, len(provs))
	for _, entry := range provs {
		if time.Since(entry.cachedAt) > c.ttl {
			continue
		}
		quotes = append(quotes, entry.quote)
	}
	return quotes
}

// All returns every unexpired per-provider quote. Used to persist warm-start
// snapshots.
func (c *QuoteCache) All() []domain.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var quotes []domain.Quote
	for _, provs := range c.byProvider {
		for _, entry := range provs {
			if time.Since(entry.cachedAt) > c.ttl {
				continue
			}
			quotes = append(quotes, entry.quote)
		}
	}
	return quotes
}

// Purge removes expired entries. Called periodically by the aggregator.
func (c *QuoteCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for sym, entry := range c.bySymbol {
		if time.Since(entry.cachedAt) > c.ttl {
			delete(c.bySymbol, sym)
			removed++
		}
	}
	for sym, provs := range c.byProvider {
		for name, entry := range provs {
			if time.Since(entry.cachedAt) > c.ttl {
				delete(provs, name)
			}
		}
		if len(provs) == 0 {
			delete(c.byProvider, sym)
		}
	}
	return removed
}

type cachedSeries struct {
	candles  []domain.Candle
	cachedAt time.Time
}

// CandleCache holds recently fetched candle series keyed by symbol,
// timeframe and requested length.
type CandleCache struct {
	mu     sync.RWMutex
	ttl    time.Duration
	series map[string]cachedSeries
}

func NewCandleCache(ttl time.Duration) *CandleCache {
	if ttl <= 0 {
		ttl = CandleTTL
	}
	return &CandleCache{
		ttl:    ttl,
		series: make(map[string]cachedSeries),
	}
}

func candleKey(symbol string, tf domain.Timeframe, limit int) string {
	return strings.ToUpper(symbol) + "|" + string(tf) + "|" + strconv.Itoa(limit)
}

// Set stores a fetched series.
func (c *CandleCache) Set(symbol string, tf domain.Timeframe, limit int, candles []domain.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.series[candleKey(symbol, tf, limit)] = cachedSeries{
		candles:  candles,
		cachedAt: time.Now(),
	}
}

// Get returns a cached series if it has not expired.
func (c *CandleCache) Get(symbol string, tf domain.Timeframe, limit int) ([]domain.Candle, bool) {
	c.mu.RLock()
	entry, ok := c.series[candleKey(symbol, tf, limit)]
	c.mu.RUnlock()

	if !ok || time.Since(entry.cachedAt) > c.ttl {
		return nil, false
	}
	return entry.candles, true
}

// Purge removes expired series.
func (c *CandleCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.series {
		if time.Since(entry.cachedAt) > c.ttl {
			delete(c.series, key)
			removed++
		}
	}
	return removed
}
