// Package market_regime classifies per-series market conditions from
// recent price action. Each (symbol, timeframe) gets one tag derived
// from normalized volatility (ATR(14)/price) and a least-squares trend
// slope over recent closes. The evaluator's regime_is condition reads
// the current tag; flips are published as RegimeChanged events.
package market_regime

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
)

// Tag is one regime classification.
type Tag string

const (
	TagTrendingUp   Tag = "trending_up"
	TagTrendingDown Tag = "trending_down"
	TagRanging      Tag = "ranging"
	TagVolatile     Tag = "volatile"
	TagQuiet        Tag = "quiet"
)

// Valid reports whether t is a known regime tag.
func (t Tag) Valid() bool {
	switch t {
	case TagTrendingUp, TagTrendingDown, TagRanging, TagVolatile, TagQuiet:
		return true
	}
	return false
}

// Classification thresholds. Volatility is ATR(14)/close; the trend
// slope is the per-bar regression slope divided by the mean close, so
// both axes are scale-free across symbols.
const (
	atrPeriod = 14
	trendBars = 30

	volatileAbove = 0.02   // 2% ATR/price
	quietBelow    = 0.005  // 0.5% ATR/price
	trendSlopeMin = 0.0015 // 0.15% drift per bar
)

// IndicatorSource is the slice of the indicator cache the detector needs.
type IndicatorSource interface {
	Get(symbol string, timeframe domain.Timeframe, name string, period int) (float64, error)
	Closes(symbol string, timeframe domain.Timeframe, n int) ([]float64, error)
	LastCandle(symbol string, timeframe domain.Timeframe) (domain.Candle, bool)
}

// Detector maintains the current regime tag per (symbol, timeframe).
type Detector struct {
	source IndicatorSource
	bus    *events.Bus
	log    zerolog.Logger

	mu      sync.RWMutex
	current map[string]Tag

	subID events.SubscriberID
}

// NewDetector creates a detector over the given indicator source. Call
// Start to have it reclassify on every indicator update.
func NewDetector(source IndicatorSource, bus *events.Bus, log zerolog.Logger) *Detector {
	return &Detector{
		source:  source,
		bus:     bus,
		log:     log.With().Str("component", "market_regime").Logger(),
		current: make(map[string]Tag),
	}
}

// Start subscribes the detector to indicator updates so classifications
// stay current without polling.
func (d *Detector) Start() {
	if d.bus == nil {
		return
	}
	d.subID = d.bus.Subscribe(func(e *events.Event) {
		upd, ok := e.Data.(*events.IndicatorsUpdatedData)
		if !ok || upd.Stale {
			return
		}
		if _, err := d.Classify(upd.Symbol, domain.Timeframe(upd.Timeframe)); err != nil {
			d.log.Debug().Err(err).Str("symbol", upd.Symbol).
				Str("timeframe", upd.Timeframe).Msg("Regime classification skipped")
		}
	}, events.IndicatorsUpdated)
}

// Stop removes the bus subscription.
func (d *Detector) Stop() {
	if d.bus != nil && d.subID != 0 {
		d.bus.Unsubscribe(d.subID)
		d.subID = 0
	}
}

func regimeKey(symbol string, timeframe domain.Timeframe) string {
	return strings.ToUpper(symbol) + "|" + string(timeframe)
}

// Classify recomputes the tag for one series, caches it and publishes
// RegimeChanged when it flips. Series still warming up or marked stale
// return the underlying NOT_READY / STALE_SERIES error.
func (d *Detector) Classify(symbol string, timeframe domain.Timeframe) (Tag, error) {
	atr, err := d.source.Get(symbol, timeframe, "atr", atrPeriod)
	if err != nil {
		return "", err
	}
	last, ok := d.source.LastCandle(symbol, timeframe)
	if !ok || last.Close <= 0 {
		return "", domain.NewStateError(domain.CodeNotReady,
			"no closing price for "+strings.ToUpper(symbol)+" "+string(timeframe))
	}
	closes, err := d.source.Closes(symbol, timeframe, trendBars)
	if err != nil {
		return "", err
	}
	if len(closes) < 2 {
		return "", domain.NewStateError(domain.CodeNotReady,
			"trend window still warming up for "+strings.ToUpper(symbol)+" "+string(timeframe))
	}

	tag := classify(atr/last.Close, normalizedSlope(closes))

	key := regimeKey(symbol, timeframe)
	d.mu.Lock()
	old, had := d.current[key]
	d.current[key] = tag
	d.mu.Unlock()

	if had && old != tag {
		d.log.Info().Str("symbol", strings.ToUpper(symbol)).
			Str("timeframe", string(timeframe)).
			Str("old", string(old)).Str("new", string(tag)).
			Msg("Market regime changed")
		if d.bus != nil {
			d.bus.Publish("market_regime", &events.RegimeChangedData{
				Symbol:    strings.ToUpper(symbol),
				Timeframe: string(timeframe),
				Old:       string(old),
				New:       string(tag),
			})
		}
	}
	return tag, nil
}

// Current returns the cached tag for a series without recomputing.
func (d *Detector) Current(symbol string, timeframe domain.Timeframe) (Tag, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tag, ok := d.current[regimeKey(symbol, timeframe)]
	return tag, ok
}

// Is reports whether the series currently carries the given tag. An
// unclassified series matches nothing.
func (d *Detector) Is(symbol string, timeframe domain.Timeframe, tag Tag) bool {
	current, ok := d.Current(symbol, timeframe)
	return ok && current == tag
}

// normalizedSlope fits closes against bar index and scales the per-bar
// slope by the mean close, yielding fractional drift per bar.
func normalizedSlope(closes []float64) float64 {
	xs := make([]float64, len(closes))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, closes, nil, false)
	mean := stat.Mean(closes, nil)
	if mean == 0 {
		return 0
	}
	return slope / mean
}

// classify maps the two axes to a single tag. Elevated volatility wins
// over trend; a trend wins over the quiet/ranging split.
func classify(vol, slope float64) Tag {
	switch {
	case vol >= volatileAbove:
		return TagVolatile
	case slope >= trendSlopeMin:
		return TagTrendingUp
	case slope <= -trendSlopeMin:
		return TagTrendingDown
	case vol <= quietBelow:
		return TagQuiet
	default:
		return TagRanging
	}
}
