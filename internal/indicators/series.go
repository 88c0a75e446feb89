package indicators

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantfold/tradecore/internal/domain"
)

// ringHeadroom sizes the candle ring relative to the largest tracked
// period, so later Track calls and warm-up replays have history to work
// with.
const ringHeadroom = 3

// minRingCapacity keeps untracked series useful until the first Track.
const minRingCapacity = 64

// Requirement names one indicator a consumer wants maintained on a series.
// Period is ignored for the fixed-parameter indicators (MACD, Bollinger).
type Requirement struct {
	Name   string `json:"name"`
	Period int    `json:"period"`
}

// Series holds the candle ring and incremental calculators for one
// (symbol, timeframe). All access goes through the mutex; updates re-snapshot
// the merged indicator values so reads never block on computation.
type Series struct {
	mu sync.RWMutex

	symbol    string
	timeframe domain.Timeframe

	candles []domain.Candle // ring
	head    int             // next write index
	count   int

	calcs     map[calcKey]calculator
	maxPeriod int

	stale      bool
	staleSince time.Time

	lastCandle domain.Candle
	prevCandle domain.Candle
	haveLast   bool
	havePrev   bool

	values     map[string]float64
	prevValues map[string]float64
}

func newSeries(symbol string, timeframe domain.Timeframe) *Series {
	return &Series{
		symbol:    symbol,
		timeframe: timeframe,
		candles:   make([]domain.Candle, minRingCapacity),
		calcs:     make(map[calcKey]calculator),
	}
}

// track registers calculators for the given requirements, growing the ring
// and priming new calculators from buffered history.
func (s *Series) track(reqs []Requirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []calculator
	for _, req := range reqs {
		key, _, err := normalizeKey(req.Name, req.Period)
		if err != nil {
			return err
		}
		if _, ok := s.calcs[key]; ok {
			continue
		}
		calc := newCalculator(key)
		if calc == nil {
			return domain.NewInputError(domain.CodeInvalidInput, "unknown indicator "+req.Name)
		}
		s.calcs[key] = calc
		added = append(added, calc)
		if calc.maxPeriod() > s.maxPeriod {
			s.maxPeriod = calc.maxPeriod()
		}
	}
	if len(added) == 0 {
		return nil
	}

	s.growLocked(s.requiredCapacityLocked())

	history := s.chronologicalLocked()
	for _, calc := range added {
		for _, c := range history {
			calc.update(c)
		}
	}
	if s.haveLast {
		s.values = s.mergedLocked()
	}
	return nil
}

func (s *Series) requiredCapacityLocked() int {
	capacity := s.maxPeriod * ringHeadroom
	if capacity < minRingCapacity {
		capacity = minRingCapacity
	}
	return capacity
}

// growLocked resizes the ring, preserving chronological order.
func (s *Series) growLocked(capacity int) {
	if capacity <= len(s.candles) {
		return
	}
	ordered := s.chronologicalLocked()
	s.candles = make([]domain.Candle, capacity)
	copy(s.candles, ordered)
	s.head = len(ordered) % capacity
	s.count = len(ordered)
}

// chronologicalLocked returns buffered candles oldest first.
func (s *Series) chronologicalLocked() []domain.Candle {
	out := make([]domain.Candle, 0, s.count)
	start := s.head - s.count
	if start < 0 {
		start += len(s.candles)
	}
	for i := 0; i < s.count; i++ {
		out = append(out, s.candles[(start+i)%len(s.candles)])
	}
	return out
}

type appendResult int

const (
	appendAccepted appendResult = iota
	appendDuplicate
	appendMarkedStale
	appendWhileStale
)

// append applies one closed candle. A duplicate timestamp is ignored; an
// older timestamp or a gap wider than one timeframe marks the series stale
// and discards the candle until a backfill repairs it.
func (s *Series) append(c domain.Candle) appendResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stale {
		return appendWhileStale
	}

	if s.haveLast {
		switch {
		case c.Timestamp.Equal(s.lastCandle.Timestamp):
			return appendDuplicate
		case c.Timestamp.Before(s.lastCandle.Timestamp):
			s.markStaleLocked()
			return appendMarkedStale
		case c.Timestamp.Sub(s.lastCandle.Timestamp) > s.timeframe.Duration():
			s.markStaleLocked()
			return appendMarkedStale
		}
	}

	s.appendLocked(c)
	return appendAccepted
}

func (s *Series) markStaleLocked() {
	s.stale = true
	s.staleSince = time.Now().UTC()
}

func (s *Series) appendLocked(c domain.Candle) {
	s.candles[s.head] = c
	s.head = (s.head + 1) % len(s.candles)
	if s.count < len(s.candles) {
		s.count++
	}

	for _, calc := range s.calcs {
		calc.update(c)
	}

	s.prevCandle, s.havePrev = s.lastCandle, s.haveLast
	s.lastCandle, s.haveLast = c, true
	s.prevValues = s.values
	s.values = s.mergedLocked()
}

func (s *Series) mergedLocked() map[string]float64 {
	merged := make(map[string]float64)
	for _, calc := range s.calcs {
		for k, v := range calc.values() {
			merged[k] = v
		}
	}
	return merged
}

// backfill rebuilds the series from a contiguous candle history and clears
// the stale flag. Candles may arrive in any order; they are sorted first.
func (s *Series) backfill(candles []domain.Candle) error {
	if len(candles) == 0 {
		return domain.NewInputError(domain.CodeInvalidInput, "backfill requires at least one candle")
	}

	sorted := make([]domain.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, calc := range s.calcs {
		calc.reset()
	}
	s.head, s.count = 0, 0
	s.haveLast, s.havePrev = false, false
	s.values, s.prevValues = nil, nil
	s.stale = false
	s.staleSince = time.Time{}

	s.growLocked(s.requiredCapacityLocked())
	for _, c := range sorted {
		if s.haveLast && !c.Timestamp.After(s.lastCandle.Timestamp) {
			continue // drop duplicates inside the backfill batch
		}
		s.appendLocked(c)
	}
	return nil
}

// get reads one indicator value from the latest snapshot, lazily tracking
// indicators nobody registered up front.
func (s *Series) get(name string, period int) (float64, error) {
	key, outName, err := normalizeKey(name, period)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	if s.stale {
		since := s.staleSince
		s.mu.RUnlock()
		return 0, domain.NewStateError(domain.CodeStaleSeries,
			fmt.Sprintf("%s %s series stale since %s, backfill required", s.symbol, s.timeframe, since.Format(time.RFC3339)))
	}
	_, tracked := s.calcs[key]
	if tracked {
		v, ok := s.values[outName]
		s.mu.RUnlock()
		if !ok {
			return 0, s.notReady(outName)
		}
		return v, nil
	}
	s.mu.RUnlock()

	if err := s.track([]Requirement{{Name: name, Period: period}}); err != nil {
		return 0, err
	}

	s.mu.RLock()
	v, ok := s.values[outName]
	s.mu.RUnlock()
	if !ok {
		return 0, s.notReady(outName)
	}
	return v, nil
}

// getPrev reads one indicator value as of the previous bar.
func (s *Series) getPrev(name string, period int) (float64, error) {
	_, outName, err := normalizeKey(name, period)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stale {
		return 0, domain.NewStateError(domain.CodeStaleSeries,
			fmt.Sprintf("%s %s series stale, backfill required", s.symbol, s.timeframe))
	}
	v, ok := s.prevValues[outName]
	if !ok {
		return 0, s.notReady(outName)
	}
	return v, nil
}

func (s *Series) notReady(outName string) error {
	return domain.NewStateError(domain.CodeNotReady,
		fmt.Sprintf("%s not ready for %s %s, series still warming up", outName, s.symbol, s.timeframe))
}

// snapshot returns a copy of the current indicator values.
func (s *Series) snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *Series) isStale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

func (s *Series) last() (domain.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCandle, s.haveLast
}

func (s *Series) prev() (domain.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prevCandle, s.havePrev
}

func (s *Series) capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}

// closes returns up to the last n close prices, oldest first.
func (s *Series) closes(n int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stale {
		return nil, domain.NewStateError(domain.CodeStaleSeries,
			fmt.Sprintf("%s %s series stale, backfill required", s.symbol, s.timeframe))
	}
	ordered := s.chronologicalLocked()
	if len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	out := make([]float64, len(ordered))
	for i, c := range ordered {
		out[i] = c.Close
	}
	return out, nil
}
