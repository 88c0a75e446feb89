// Package evaluation implements the strategy evaluator: condition trees
// over quotes, indicators, regime tags and bot state, producing signals
// with a confidence score and a structured rationale.
//
// Conditions form a closed tagged union. Each kind carries exactly the
// fields it needs, so an invalid combination (a volume_spike with a
// period, a price_above without an indicator) cannot be constructed.
// JSON uses a "kind" discriminator; see codec.go.
package evaluation

import (
	"fmt"
	"strings"
	"time"

	"github.com/quantfold/tradecore/internal/domain"
)

// Logic joins a group's children.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Condition kinds. These are the JSON discriminator values.
const (
	KindGroup                 = "group"
	KindPriceAbove            = "price_above"
	KindPriceBelow            = "price_below"
	KindPriceCrossesAbove     = "price_crosses_above"
	KindPriceCrossesBelow     = "price_crosses_below"
	KindIndicatorAbove        = "indicator_above"
	KindIndicatorBelow        = "indicator_below"
	KindIndicatorCrossesAbove = "indicator_crosses_above"
	KindIndicatorCrossesBelow = "indicator_crosses_below"
	KindVolumeSpike           = "volume_spike"
	KindTimeOfDay             = "time_of_day"
	KindDayOfWeek             = "day_of_week"
	KindRegimeIs              = "regime_is"
	KindVolatilityAbove       = "volatility_above"
	KindVolatilityBelow       = "volatility_below"
	KindDrawdownExceeds       = "drawdown_exceeds"
	KindProfitTargetHit       = "profit_target_hit"
	KindConsecutiveLosses     = "consecutive_losses"
	KindConsecutiveWins       = "consecutive_wins"
)

// Condition is one node of a strategy's condition tree. The union is
// closed: only types in this package implement it.
type Condition interface {
	Kind() string
	// eval runs the node against the tick context. Leaves that cannot
	// read their data (series warming up, stale, no position) resolve
	// to the neutral element of the enclosing logic and are counted as
	// unresolved; only malformed strategies return an error.
	eval(ec *evalContext) (outcome, error)
}

// outcome is a node result plus the leaf counts confidence is built on.
// An unresolved node had no data to compare; it is neutral to its parent
// and a rule whose whole tree is unresolved never fires.
type outcome struct {
	value      bool
	unresolved bool
	resolved   int // leaves that produced a real comparison
	visited    int // leaves evaluated (short-circuited ones excluded)
}

func resolvedLeaf(v bool) outcome { return outcome{value: v, resolved: 1, visited: 1} }
func unresolvedLeaf() outcome     { return outcome{unresolved: true, visited: 1} }

// evalContext is the per-tick view a tree evaluates against.
type evalContext struct {
	symbol    string
	timeframe domain.Timeframe
	ts        time.Time

	botID string

	indicators IndicatorSource
	regime     RegimeSource
	botState   BotStateSource
}

// dataUnavailable reports whether err means "no value yet" rather than
// "broken strategy". Such leaves default instead of failing the tick.
func dataUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if de, ok := domain.AsError(err); ok {
		return de.Class != domain.ErrorClassInput
	}
	return true
}

// Group combines children with AND/OR, short-circuiting left to right.
// Unresolved children are neutral: they never block an AND nor trigger
// an OR. A group whose children all came back unresolved is itself
// unresolved.
type Group struct {
	Logic    Logic
	Children []Condition
}

func (g *Group) Kind() string { return KindGroup }

func (g *Group) eval(ec *evalContext) (outcome, error) {
	if len(g.Children) == 0 {
		return outcome{}, domain.NewInputError(domain.CodeInvalidInput, "empty condition group")
	}
	if g.Logic != LogicAnd && g.Logic != LogicOr {
		return outcome{}, domain.NewInputError(domain.CodeInvalidInput,
			"unknown group logic "+string(g.Logic))
	}

	var total outcome
	anyResolved := false
	for _, child := range g.Children {
		out, err := child.eval(ec)
		if err != nil {
			return outcome{}, err
		}
		total.resolved += out.resolved
		total.visited += out.visited
		if out.unresolved {
			continue
		}
		anyResolved = true

		if g.Logic == LogicAnd && !out.value {
			total.value = false
			return total, nil
		}
		if g.Logic == LogicOr && out.value {
			total.value = true
			return total, nil
		}
	}

	if !anyResolved {
		total.unresolved = true
		return total, nil
	}
	// No short-circuit fired: every resolved child passed an AND, or
	// none satisfied an OR.
	total.value = g.Logic == LogicAnd
	return total, nil
}

// PriceAbove: last close strictly above indicator(period).
type PriceAbove struct {
	Indicator string `json:"indicator"`
	Period    int    `json:"period"`
}

func (c *PriceAbove) Kind() string { return KindPriceAbove }

func (c *PriceAbove) eval(ec *evalContext) (outcome, error) {
	return comparePriceToIndicator(ec, c.Indicator, c.Period, true)
}

// PriceBelow: last close strictly below indicator(period).
type PriceBelow struct {
	Indicator string `json:"indicator"`
	Period    int    `json:"period"`
}

func (c *PriceBelow) Kind() string { return KindPriceBelow }

func (c *PriceBelow) eval(ec *evalContext) (outcome, error) {
	return comparePriceToIndicator(ec, c.Indicator, c.Period, false)
}

func comparePriceToIndicator(ec *evalContext, name string, period int, above bool) (outcome, error) {
	last, ok := ec.indicators.LastCandle(ec.symbol, ec.timeframe)
	if !ok {
		return unresolvedLeaf(), nil
	}
	v, err := ec.indicators.Get(ec.symbol, ec.timeframe, name, period)
	if err != nil {
		if dataUnavailable(err) {
			return unresolvedLeaf(), nil
		}
		return outcome{}, err
	}
	if above {
		return resolvedLeaf(last.Close > v), nil
	}
	return resolvedLeaf(last.Close < v), nil
}

// PriceCrossesAbove: true on the bar where close moves from at-or-below
// the indicator to above it.
type PriceCrossesAbove struct {
	Indicator string `json:"indicator"`
	Period    int    `json:"period"`
}

func (c *PriceCrossesAbove) Kind() string { return KindPriceCrossesAbove }

func (c *PriceCrossesAbove) eval(ec *evalContext) (outcome, error) {
	return priceCross(ec, c.Indicator, c.Period, true)
}

// PriceCrossesBelow: true on the bar where close moves from at-or-above
// the indicator to below it.
type PriceCrossesBelow struct {
	Indicator string `json:"indicator"`
	Period    int    `json:"period"`
}

func (c *PriceCrossesBelow) Kind() string { return KindPriceCrossesBelow }

func (c *PriceCrossesBelow) eval(ec *evalContext) (outcome, error) {
	return priceCross(ec, c.Indicator, c.Period, false)
}

func priceCross(ec *evalContext, name string, period int, up bool) (outcome, error) {
	last, okLast := ec.indicators.LastCandle(ec.symbol, ec.timeframe)
	prev, okPrev := ec.indicators.PrevCandle(ec.symbol, ec.timeframe)
	if !okLast || !okPrev {
		return unresolvedLeaf(), nil
	}
	cur, err := ec.indicators.Get(ec.symbol, ec.timeframe, name, period)
	if err != nil {
		if dataUnavailable(err) {
			return unresolvedLeaf(), nil
		}
		return outcome{}, err
	}
	before, err := ec.indicators.GetPrev(ec.symbol, ec.timeframe, name, period)
	if err != nil {
		if dataUnavailable(err) {
			return unresolvedLeaf(), nil
		}
		return outcome{}, err
	}
	if up {
		return resolvedLeaf(prev.Close <= before && last.Close > cur), nil
	}
	return resolvedLeaf(prev.Close >= before && last.Close < cur), nil
}

// IndicatorAbove: indicator(period) strictly above a scalar.
type IndicatorAbove struct {
	Indicator string  `json:"indicator"`
	Period    int     `json:"period"`
	Value     float64 `json:"value"`
}

func (c *IndicatorAbove) Kind() string { return KindIndicatorAbove }

func (c *IndicatorAbove) eval(ec *evalContext) (outcome, error) {
	return compareIndicatorToValue(ec, c.Indicator, c.Period, c.Value, true)
}

// IndicatorBelow: indicator(period) strictly below a scalar.
type IndicatorBelow struct {
	Indicator string  `json:"indicator"`
	Period    int     `json:"period"`
	Value     float64 `json:"value"`
}

func (c *IndicatorBelow) Kind() string { return KindIndicatorBelow }

func (c *IndicatorBelow) eval(ec *evalContext) (outcome, error) {
	return compareIndicatorToValue(ec, c.Indicator, c.Period, c.Value, false)
}

func compareIndicatorToValue(ec *evalContext, name string, period int, value float64, above bool) (outcome, error) {
	v, err := ec.indicators.Get(ec.symbol, ec.timeframe, name, period)
	if err != nil {
		if dataUnavailable(err) {
			return unresolvedLeaf(), nil
		}
		return outcome{}, err
	}
	if above {
		return resolvedLeaf(v > value), nil
	}
	return resolvedLeaf(v < value), nil
}

// IndicatorCrossesAbove: series A crosses above series B on this bar.
type IndicatorCrossesAbove struct {
	Indicator        string `json:"indicator"`
	Period           int    `json:"period"`
	CompareIndicator string `json:"compare_indicator"`
	ComparePeriod    int    `json:"compare_period"`
}

func (c *IndicatorCrossesAbove) Kind() string { return KindIndicatorCrossesAbove }

func (c *IndicatorCrossesAbove) eval(ec *evalContext) (outcome, error) {
	return indicatorCross(ec, c.Indicator, c.Period, c.CompareIndicator, c.ComparePeriod, true)
}

// IndicatorCrossesBelow: series A crosses below series B on this bar.
type IndicatorCrossesBelow struct {
	Indicator        string `json:"indicator"`
	Period           int    `json:"period"`
	CompareIndicator string `json:"compare_indicator"`
	ComparePeriod    int    `json:"compare_period"`
}

func (c *IndicatorCrossesBelow) Kind() string { return KindIndicatorCrossesBelow }

func (c *IndicatorCrossesBelow) eval(ec *evalContext) (outcome, error) {
	return indicatorCross(ec, c.Indicator, c.Period, c.CompareIndicator, c.ComparePeriod, false)
}

func indicatorCross(ec *evalContext, a string, pa int, b string, pb int, up bool) (outcome, error) {
	curA, errA := ec.indicators.Get(ec.symbol, ec.timeframe, a, pa)
	curB, errB := ec.indicators.Get(ec.symbol, ec.timeframe, b, pb)
	prevA, errPA := ec.indicators.GetPrev(ec.symbol, ec.timeframe, a, pa)
	prevB, errPB := ec.indicators.GetPrev(ec.symbol, ec.timeframe, b, pb)
	for _, err := range []error{errA, errB, errPA, errPB} {
		if err != nil {
			if dataUnavailable(err) {
				return unresolvedLeaf(), nil
			}
			return outcome{}, err
		}
	}
	if up {
		return resolvedLeaf(prevA <= prevB && curA > curB), nil
	}
	return resolvedLeaf(prevA >= prevB && curA < curB), nil
}

// VolumeSpike: last bar volume at least Factor times SMA(20) of volume.
type VolumeSpike struct {
	Factor float64 `json:"factor"`
}

func (c *VolumeSpike) Kind() string { return KindVolumeSpike }

const volumeSpikePeriod = 20

func (c *VolumeSpike) eval(ec *evalContext) (outcome, error) {
	if c.Factor <= 0 {
		return outcome{}, domain.NewInputError(domain.CodeInvalidInput,
			"volume_spike factor must be positive")
	}
	last, ok := ec.indicators.LastCandle(ec.symbol, ec.timeframe)
	if !ok {
		return unresolvedLeaf(), nil
	}
	avg, err := ec.indicators.Get(ec.symbol, ec.timeframe, "volume_sma", volumeSpikePeriod)
	if err != nil {
		if dataUnavailable(err) {
			return unresolvedLeaf(), nil
		}
		return outcome{}, err
	}
	return resolvedLeaf(avg > 0 && last.Volume >= c.Factor*avg), nil
}

// TimeOfDay: tick time inside [Start, End) UTC. Start after End means an
// overnight window (22:00-04:00).
type TimeOfDay struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`
}

func (c *TimeOfDay) Kind() string { return KindTimeOfDay }

func (c *TimeOfDay) eval(ec *evalContext) (outcome, error) {
	start, err := parseClock(c.Start)
	if err != nil {
		return outcome{}, err
	}
	end, err := parseClock(c.End)
	if err != nil {
		return outcome{}, err
	}
	t := ec.ts.UTC()
	minute := t.Hour()*60 + t.Minute()
	if start <= end {
		return resolvedLeaf(minute >= start && minute < end), nil
	}
	return resolvedLeaf(minute >= start || minute < end), nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, domain.NewInputError(domain.CodeInvalidInput, "invalid clock time "+s)
	}
	return h*60 + m, nil
}

// DayOfWeek: tick day (UTC) inside the set. Names are lowercase English.
type DayOfWeek struct {
	Days []string `json:"days"`
}

func (c *DayOfWeek) Kind() string { return KindDayOfWeek }

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func (c *DayOfWeek) eval(ec *evalContext) (outcome, error) {
	if len(c.Days) == 0 {
		return outcome{}, domain.NewInputError(domain.CodeInvalidInput, "day_of_week requires at least one day")
	}
	today := ec.ts.UTC().Weekday()
	for _, name := range c.Days {
		day, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return outcome{}, domain.NewInputError(domain.CodeInvalidInput, "unknown weekday "+name)
		}
		if day == today {
			return resolvedLeaf(true), nil
		}
	}
	return resolvedLeaf(false), nil
}

// RegimeIs: the regime detector currently tags the series with Tag.
// An unclassified series leaves the leaf unresolved.
type RegimeIs struct {
	Tag string `json:"tag"`
}

func (c *RegimeIs) Kind() string { return KindRegimeIs }

func (c *RegimeIs) eval(ec *evalContext) (outcome, error) {
	if ec.regime == nil {
		return unresolvedLeaf(), nil
	}
	tag, ok := ec.regime.Current(ec.symbol, ec.timeframe)
	if !ok {
		return unresolvedLeaf(), nil
	}
	return resolvedLeaf(string(tag) == c.Tag), nil
}

// VolatilityAbove: ATR(14)/close above Value.
type VolatilityAbove struct {
	Value float64 `json:"value"`
}

func (c *VolatilityAbove) Kind() string { return KindVolatilityAbove }

func (c *VolatilityAbove) eval(ec *evalContext) (outcome, error) {
	return compareVolatility(ec, c.Value, true)
}

// VolatilityBelow: ATR(14)/close below Value.
type VolatilityBelow struct {
	Value float64 `json:"value"`
}

func (c *VolatilityBelow) Kind() string { return KindVolatilityBelow }

func (c *VolatilityBelow) eval(ec *evalContext) (outcome, error) {
	return compareVolatility(ec, c.Value, false)
}

const volatilityATRPeriod = 14

func compareVolatility(ec *evalContext, value float64, above bool) (outcome, error) {
	atr, err := ec.indicators.Get(ec.symbol, ec.timeframe, "atr", volatilityATRPeriod)
	if err != nil {
		if dataUnavailable(err) {
			return unresolvedLeaf(), nil
		}
		return outcome{}, err
	}
	last, ok := ec.indicators.LastCandle(ec.symbol, ec.timeframe)
	if !ok || last.Close <= 0 {
		return unresolvedLeaf(), nil
	}
	vol := atr / last.Close
	if above {
		return resolvedLeaf(vol > value), nil
	}
	return resolvedLeaf(vol < value), nil
}

// DrawdownExceeds: bot equity drawdown from peak, in percent.
type DrawdownExceeds struct {
	Pct float64 `json:"pct"`
}

func (c *DrawdownExceeds) Kind() string { return KindDrawdownExceeds }

func (c *DrawdownExceeds) eval(ec *evalContext) (outcome, error) {
	if ec.botState == nil {
		return unresolvedLeaf(), nil
	}
	return resolvedLeaf(ec.botState.DrawdownPct(ec.botID) >= c.Pct), nil
}

// ProfitTargetHit: open position P&L percent on this symbol at or above
// Pct. Without an open position the leaf is unresolved.
type ProfitTargetHit struct {
	Pct float64 `json:"pct"`
}

func (c *ProfitTargetHit) Kind() string { return KindProfitTargetHit }

func (c *ProfitTargetHit) eval(ec *evalContext) (outcome, error) {
	if ec.botState == nil {
		return unresolvedLeaf(), nil
	}
	pnlPct, ok := ec.botState.OpenProfitPct(ec.botID, ec.symbol)
	if !ok {
		return unresolvedLeaf(), nil
	}
	return resolvedLeaf(pnlPct >= c.Pct), nil
}

// ConsecutiveLosses: the bot's current losing streak reached Count.
type ConsecutiveLosses struct {
	Count int `json:"count"`
}

func (c *ConsecutiveLosses) Kind() string { return KindConsecutiveLosses }

func (c *ConsecutiveLosses) eval(ec *evalContext) (outcome, error) {
	if ec.botState == nil {
		return unresolvedLeaf(), nil
	}
	_, losses := ec.botState.Streak(ec.botID)
	return resolvedLeaf(losses >= c.Count), nil
}

// ConsecutiveWins: the bot's current winning streak reached Count.
type ConsecutiveWins struct {
	Count int `json:"count"`
}

func (c *ConsecutiveWins) Kind() string { return KindConsecutiveWins }

func (c *ConsecutiveWins) eval(ec *evalContext) (outcome, error) {
	if ec.botState == nil {
		return unresolvedLeaf(), nil
	}
	wins, _ := ec.botState.Streak(ec.botID)
	return resolvedLeaf(wins >= c.Count), nil
}
