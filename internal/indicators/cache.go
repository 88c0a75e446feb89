// Package indicators maintains incrementally updated technical indicators
// over closed candles, one series per (symbol, timeframe). Consumers
// register the indicators they need, feed candles in, and read values or
// react to IndicatorsUpdated events. A series that sees an out-of-order
// candle or a gap refuses reads until it is backfilled.
package indicators

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
)

// Cache is the set of indicator series keyed by (symbol, timeframe).
type Cache struct {
	mu     sync.RWMutex
	series map[string]*Series

	bus *events.Bus
	log zerolog.Logger
}

// New creates an empty indicator cache.
func New(bus *events.Bus, log zerolog.Logger) *Cache {
	return &Cache{
		series: make(map[string]*Series),
		bus:    bus,
		log:    log.With().Str("component", "indicators").Logger(),
	}
}

func seriesKeyOf(symbol string, timeframe domain.Timeframe) string {
	return strings.ToUpper(symbol) + "|" + string(timeframe)
}

// seriesFor returns the series, creating it when create is set.
func (c *Cache) seriesFor(symbol string, timeframe domain.Timeframe, create bool) *Series {
	key := seriesKeyOf(symbol, timeframe)

	c.mu.RLock()
	s, ok := c.series[key]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.series[key]; ok {
		return s
	}
	s = newSeries(strings.ToUpper(symbol), timeframe)
	c.series[key] = s
	return s
}

// Track registers indicator requirements on a series, creating it if needed.
// Tracked indicators update incrementally on every appended candle.
func (c *Cache) Track(symbol string, timeframe domain.Timeframe, reqs []Requirement) error {
	if !timeframe.Valid() {
		return domain.NewInputError(domain.CodeInvalidInput, "invalid timeframe "+string(timeframe))
	}
	return c.seriesFor(symbol, timeframe, true).track(reqs)
}

// OnCandle appends one closed candle to its series and emits
// IndicatorsUpdated. A gap or out-of-order candle marks the series stale;
// the emitted event carries the stale flag so a consumer can backfill.
func (c *Cache) OnCandle(candle domain.Candle) {
	if !candle.Timeframe.Valid() {
		c.log.Warn().Str("symbol", candle.Symbol).Str("timeframe", string(candle.Timeframe)).
			Msg("Dropping candle with invalid timeframe")
		return
	}

	s := c.seriesFor(candle.Symbol, candle.Timeframe, true)
	switch s.append(candle) {
	case appendAccepted:
		c.emitUpdated(s, candle.Timestamp, false)
	case appendMarkedStale:
		c.log.Warn().Str("symbol", s.symbol).Str("timeframe", string(s.timeframe)).
			Time("candle_ts", candle.Timestamp).
			Msg("Candle out of order or gapped, series marked stale")
		c.emitUpdated(s, candle.Timestamp, true)
	case appendWhileStale, appendDuplicate:
		// nothing to recompute
	}
}

func (c *Cache) emitUpdated(s *Series, ts time.Time, stale bool) {
	if c.bus == nil {
		return
	}
	c.bus.Publish("indicators", &events.IndicatorsUpdatedData{
		Symbol:    s.symbol,
		Timeframe: string(s.timeframe),
		Values:    s.snapshot(),
		Stale:     stale,
	})
	_ = ts
}

// Get returns the current value of one indicator.
func (c *Cache) Get(symbol string, timeframe domain.Timeframe, name string, period int) (float64, error) {
	s := c.seriesFor(symbol, timeframe, false)
	if s == nil {
		return 0, domain.NewStateError(domain.CodeNotReady,
			"no series for "+strings.ToUpper(symbol)+" "+string(timeframe))
	}
	return s.get(name, period)
}

// GetPrev returns the value of one indicator as of the previous bar, used
// by crossing conditions.
func (c *Cache) GetPrev(symbol string, timeframe domain.Timeframe, name string, period int) (float64, error) {
	s := c.seriesFor(symbol, timeframe, false)
	if s == nil {
		return 0, domain.NewStateError(domain.CodeNotReady,
			"no series for "+strings.ToUpper(symbol)+" "+string(timeframe))
	}
	return s.getPrev(name, period)
}

// Snapshot returns a copy of all current indicator values on a series,
// used for signal rationale strings.
func (c *Cache) Snapshot(symbol string, timeframe domain.Timeframe) map[string]float64 {
	s := c.seriesFor(symbol, timeframe, false)
	if s == nil {
		return nil
	}
	return s.snapshot()
}

// IsStale reports whether a series refuses reads pending a backfill.
func (c *Cache) IsStale(symbol string, timeframe domain.Timeframe) bool {
	s := c.seriesFor(symbol, timeframe, false)
	if s == nil {
		return false
	}
	return s.isStale()
}

// Backfill rebuilds a series from provider history and clears the stale
// flag.
func (c *Cache) Backfill(symbol string, timeframe domain.Timeframe, candles []domain.Candle) error {
	if !timeframe.Valid() {
		return domain.NewInputError(domain.CodeInvalidInput, "invalid timeframe "+string(timeframe))
	}
	s := c.seriesFor(symbol, timeframe, true)
	if err := s.backfill(candles); err != nil {
		return err
	}
	c.log.Info().Str("symbol", s.symbol).Str("timeframe", string(s.timeframe)).
		Int("candles", len(candles)).Msg("Series backfilled")
	if last, ok := s.last(); ok {
		c.emitUpdated(s, last.Timestamp, false)
	}
	return nil
}

// Closes returns up to the last n close prices on a series, oldest first.
// The regime detector fits its trend line over these.
func (c *Cache) Closes(symbol string, timeframe domain.Timeframe, n int) ([]float64, error) {
	s := c.seriesFor(symbol, timeframe, false)
	if s == nil {
		return nil, domain.NewStateError(domain.CodeNotReady,
			"no series for "+strings.ToUpper(symbol)+" "+string(timeframe))
	}
	return s.closes(n)
}

// LastCandle returns the most recent candle applied to a series.
func (c *Cache) LastCandle(symbol string, timeframe domain.Timeframe) (domain.Candle, bool) {
	s := c.seriesFor(symbol, timeframe, false)
	if s == nil {
		return domain.Candle{}, false
	}
	return s.last()
}

// PrevCandle returns the candle before the most recent one.
func (c *Cache) PrevCandle(symbol string, timeframe domain.Timeframe) (domain.Candle, bool) {
	s := c.seriesFor(symbol, timeframe, false)
	if s == nil {
		return domain.Candle{}, false
	}
	return s.prev()
}

// LastTimestamp returns the open time of the newest candle on a series.
func (c *Cache) LastTimestamp(symbol string, timeframe domain.Timeframe) (time.Time, bool) {
	last, ok := c.LastCandle(symbol, timeframe)
	if !ok {
		return time.Time{}, false
	}
	return last.Timestamp, true
}

// RequiredBars returns how many candles a backfill should fetch to fully
// warm the series' calculators.
func (c *Cache) RequiredBars(symbol string, timeframe domain.Timeframe) int {
	s := c.seriesFor(symbol, timeframe, false)
	if s == nil {
		return minRingCapacity
	}
	return s.capacity()
}

// Keys lists all series as "SYMBOL|timeframe".
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	return keys
}
