// Package knowledge accumulates per-pattern trade outcomes and turns
// them into confidence modifiers for the evaluator.
//
// Every closed trade feeds Welford running statistics keyed by the
// signal's pattern key. The evaluator never reads the live map; it
// reads an immutable snapshot behind an atomic pointer, refreshed at
// scheduler cycle boundaries, so stat updates cannot race evaluation.
package knowledge

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Modifier bounds. A pattern can at most halve or 1.5x a signal's
// confidence regardless of how extreme its history is.
const (
	ModifierFloor = 0.5
	ModifierCeil  = 1.5
)

// Stats holds Welford running statistics over closed-trade P&L percent
// for one pattern key. Fields are exported for the msgpack snapshot.
type Stats struct {
	Count  int64   `msgpack:"count" json:"count"`
	Mean   float64 `msgpack:"mean" json:"mean"` // mean P&L percent
	M2     float64 `msgpack:"m2" json:"m2"`     // sum of squared deviations
	Wins   int64   `msgpack:"wins" json:"wins"`
	Losses int64   `msgpack:"losses" json:"losses"`
}

// add folds one observation into the running stats.
func (s *Stats) add(pnlPct float64) {
	s.Count++
	delta := pnlPct - s.Mean
	s.Mean += delta / float64(s.Count)
	s.M2 += delta * (pnlPct - s.Mean)
	if pnlPct > 0 {
		s.Wins++
	} else if pnlPct < 0 {
		s.Losses++
	}
}

// Variance returns the sample variance of P&L percent.
func (s Stats) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	return s.M2 / float64(s.Count-1)
}

// StdDev returns the sample standard deviation of P&L percent.
func (s Stats) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// WinRate returns the fraction of profitable closes, 0 when empty.
func (s Stats) WinRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Count)
}

// Modifier maps mean P&L percent onto a confidence multiplier:
// 1 + mean/100 clipped to [0.5, 1.5]. An empty pattern is neutral.
func (s Stats) Modifier() float64 {
	if s.Count == 0 {
		return 1.0
	}
	m := 1.0 + s.Mean/100.0
	if m < ModifierFloor {
		return ModifierFloor
	}
	if m > ModifierCeil {
		return ModifierCeil
	}
	return m
}

// Snapshot is an immutable view of the knowledge base at a point in
// time. Safe for concurrent reads; never mutated after construction.
type Snapshot struct {
	TakenAt time.Time
	LastSeq uint64
	Stats   map[string]Stats
}

// Modifier returns the confidence multiplier for a pattern key, 1.0
// when the pattern has no history.
func (s *Snapshot) Modifier(patternKey string) float64 {
	if s == nil {
		return 1.0
	}
	return s.Stats[patternKey].Modifier()
}

// Lookup returns the stats for a pattern key.
func (s *Snapshot) Lookup(patternKey string) (Stats, bool) {
	if s == nil {
		return Stats{}, false
	}
	st, ok := s.Stats[patternKey]
	return st, ok
}

// Base is the live knowledge base. Writes go through Record; readers
// on the evaluation path use the snapshot from Current or Refresh.
type Base struct {
	mu      sync.Mutex
	stats   map[string]*Stats
	lastSeq uint64

	snapshot atomic.Pointer[Snapshot]
	log      zerolog.Logger
}

// New creates an empty knowledge base with an empty initial snapshot.
func New(log zerolog.Logger) *Base {
	b := &Base{
		stats: make(map[string]*Stats),
		log:   log.With().Str("component", "knowledge").Logger(),
	}
	b.snapshot.Store(&Snapshot{TakenAt: time.Now().UTC(), Stats: map[string]Stats{}})
	return b
}

// Record folds one closed trade into the pattern's stats. seq is the
// ledger sequence of the PositionClosed entry; it only moves forward.
// A blank pattern key carries no signal and is ignored.
func (b *Base) Record(patternKey string, pnlPct float64, seq uint64) {
	if patternKey == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.stats[patternKey]
	if !ok {
		st = &Stats{}
		b.stats[patternKey] = st
	}
	st.add(pnlPct)
	if seq > b.lastSeq {
		b.lastSeq = seq
	}
}

// Restore replaces the base's contents from a persisted snapshot.
// Ledger entries newer than lastSeq are applied on top during replay.
func (b *Base) Restore(stats map[string]Stats, lastSeq uint64) {
	b.mu.Lock()
	b.stats = make(map[string]*Stats, len(stats))
	for k, v := range stats {
		cp := v
		b.stats[k] = &cp
	}
	b.lastSeq = lastSeq
	b.mu.Unlock()
	b.Refresh()
}

// Refresh rebuilds the immutable snapshot from live stats and makes it
// current. The scheduler calls this at each cycle start.
func (b *Base) Refresh() *Snapshot {
	b.mu.Lock()
	snap := &Snapshot{
		TakenAt: time.Now().UTC(),
		LastSeq: b.lastSeq,
		Stats:   make(map[string]Stats, len(b.stats)),
	}
	for k, v := range b.stats {
		snap.Stats[k] = *v
	}
	b.mu.Unlock()

	b.snapshot.Store(snap)
	return snap
}

// Current returns the most recently refreshed snapshot. Never nil.
func (b *Base) Current() *Snapshot {
	return b.snapshot.Load()
}

// LastSeq returns the highest ledger sequence folded in so far.
func (b *Base) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// Len returns the number of tracked patterns.
func (b *Base) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stats)
}

// Export copies the live stats for persistence.
func (b *Base) Export() (map[string]Stats, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Stats, len(b.stats))
	for k, v := range b.stats {
		out[k] = *v
	}
	return out, b.lastSeq
}
