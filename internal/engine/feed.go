package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
	"github.com/quantfold/tradecore/internal/indicators"
	"github.com/quantfold/tradecore/internal/marketdata"
	"github.com/quantfold/tradecore/internal/modules/assets"
	"github.com/quantfold/tradecore/internal/modules/bots"
	"github.com/quantfold/tradecore/internal/modules/strategies"
)

// feedSyncInterval is how often the feed re-scans active bots for new
// (symbol, timeframe) pairs and polls for freshly closed candles.
const feedSyncInterval = 15 * time.Second

// candleGrace is how long past a timeframe boundary the feed waits
// before pulling, so providers have settled the closing bar.
const candleGrace = 2 * time.Second

// minBackfillBars floors the history pulled when a series is first
// tracked or repaired after going stale.
const minBackfillBars = 60

// marketFeed keeps the indicator cache fed. It derives the tracked
// (symbol, timeframe) set from the active bots' strategies, backfills
// new series from the aggregator, pulls closed candles at timeframe
// boundaries and republishes them as CandleClosed, and marks catalog
// prices from the live quote stream.
type marketFeed struct {
	agg        *marketdata.Aggregator
	cache      *indicators.Cache
	assets     *assets.Service
	bots       *bots.Registry
	strategies *strategies.Service
	bus        *events.Bus
	log        zerolog.Logger

	mu      sync.Mutex
	tracked map[string]bool // "SYM|tf"
	subbed  []string        // symbols in the live quote subscription
	subID   marketdata.SubID
}

func newMarketFeed(
	agg *marketdata.Aggregator,
	cache *indicators.Cache,
	catalog *assets.Service,
	registry *bots.Registry,
	strats *strategies.Service,
	bus *events.Bus,
	log zerolog.Logger,
) *marketFeed {
	return &marketFeed{
		agg:        agg,
		cache:      cache,
		assets:     catalog,
		bots:       registry,
		strategies: strats,
		bus:        bus,
		log:        log.With().Str("component", "feed").Logger(),
	}
}

// Run syncs once immediately, then on a fixed cadence until ctx ends.
func (f *marketFeed) Run(ctx context.Context) {
	f.sync(ctx)

	ticker := time.NewTicker(feedSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.unsubscribe()
			return
		case <-ticker.C:
			f.sync(ctx)
		}
	}
}

// requirementSet is the merged indicator needs of every bot reading one
// (symbol, timeframe) series.
type requirementSet struct {
	symbol    string
	timeframe domain.Timeframe
	reqs      map[indicators.Requirement]bool
}

func (f *marketFeed) sync(ctx context.Context) {
	wanted := f.collectRequirements()

	f.mu.Lock()
	if f.tracked == nil {
		f.tracked = make(map[string]bool)
	}
	f.mu.Unlock()

	symbols := make(map[string]bool)
	for key, rs := range wanted {
		symbols[rs.symbol] = true

		f.mu.Lock()
		known := f.tracked[key]
		f.mu.Unlock()

		if !known {
			f.track(ctx, key, rs)
			continue
		}
		f.poll(ctx, rs.symbol, rs.timeframe)
	}

	f.resubscribe(ctx, symbols)
}

// collectRequirements walks the active bots and merges the indicator
// requirements per (symbol, timeframe).
func (f *marketFeed) collectRequirements() map[string]*requirementSet {
	out := make(map[string]*requirementSet)
	for _, bot := range f.bots.ActiveBots() {
		def, err := f.strategies.Definition(bot.StrategyID, bot.StrategyVersion)
		if err != nil {
			f.log.Warn().Err(err).Str("bot_id", bot.ID).
				Str("strategy_id", bot.StrategyID).Msg("Strategy definition unavailable")
			continue
		}
		for _, symbol := range bot.Config.Symbols {
			symbol = strings.ToUpper(symbol)
			for _, tf := range bot.Config.Timeframes {
				key := symbol + "|" + string(tf)
				rs := out[key]
				if rs == nil {
					rs = &requirementSet{
						symbol:    symbol,
						timeframe: tf,
						reqs:      make(map[indicators.Requirement]bool),
					}
					out[key] = rs
				}
				for _, req := range def.Indicators() {
					rs.reqs[indicators.Requirement{Name: req.Name, Period: req.Period}] = true
				}
			}
		}
	}
	return out
}

// track registers a new series on the cache and seeds it with history.
func (f *marketFeed) track(ctx context.Context, key string, rs *requirementSet) {
	reqs := make([]indicators.Requirement, 0, len(rs.reqs))
	for req := range rs.reqs {
		reqs = append(reqs, req)
	}
	if err := f.cache.Track(rs.symbol, rs.timeframe, reqs); err != nil {
		f.log.Warn().Err(err).Str("symbol", rs.symbol).
			Str("timeframe", string(rs.timeframe)).Msg("Failed to track series")
		return
	}

	f.backfill(ctx, rs.symbol, rs.timeframe)

	f.mu.Lock()
	f.tracked[key] = true
	f.mu.Unlock()
}

func (f *marketFeed) backfill(ctx context.Context, symbol string, tf domain.Timeframe) {
	limit := f.cache.RequiredBars(symbol, tf)
	if limit < minBackfillBars {
		limit = minBackfillBars
	}
	candles, err := f.agg.Backfill(ctx, symbol, tf, limit)
	if err != nil {
		f.log.Warn().Err(err).Str("symbol", symbol).
			Str("timeframe", string(tf)).Msg("Backfill failed, series stays empty")
		return
	}
	if err := f.cache.Backfill(symbol, tf, candles); err != nil {
		f.log.Warn().Err(err).Str("symbol", symbol).
			Str("timeframe", string(tf)).Msg("Cache rejected backfill")
	}
}

// poll pulls newly closed candles once the timeframe boundary has
// passed. A stale series (gap, out-of-order bar) is repaired with a
// fresh backfill instead.
func (f *marketFeed) poll(ctx context.Context, symbol string, tf domain.Timeframe) {
	if f.cache.IsStale(symbol, tf) {
		f.backfill(ctx, symbol, tf)
		return
	}

	last, ok := f.cache.LastTimestamp(symbol, tf)
	if !ok {
		f.backfill(ctx, symbol, tf)
		return
	}
	if time.Now().UTC().Before(last.Add(tf.Duration()).Add(candleGrace)) {
		return
	}

	candles, err := f.agg.GetCandles(ctx, symbol, tf, 3)
	if err != nil {
		f.log.Warn().Err(err).Str("symbol", symbol).
			Str("timeframe", string(tf)).Msg("Candle pull failed")
		return
	}
	for _, c := range candles {
		if !c.Timestamp.After(last) {
			continue
		}
		f.cache.OnCandle(c)
		f.bus.Publish("marketdata", &events.CandleClosedData{
			Symbol:    c.Symbol,
			Timeframe: string(c.Timeframe),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
			ClosedAt:  c.Timestamp,
		})
	}
}

// resubscribe replaces the live quote subscription when the symbol set
// changes. Quote marks flow into the asset catalog so position P&L and
// order pricing see current prices.
func (f *marketFeed) resubscribe(ctx context.Context, symbols map[string]bool) {
	list := make([]string, 0, len(symbols))
	for s := range symbols {
		list = append(list, s)
	}
	sort.Strings(list)

	f.mu.Lock()
	same := len(list) == len(f.subbed)
	if same {
		for i := range list {
			if list[i] != f.subbed[i] {
				same = false
				break
			}
		}
	}
	prev := f.subID
	f.mu.Unlock()

	if same {
		return
	}
	if prev != 0 {
		f.agg.Unsubscribe(prev)
	}
	if len(list) == 0 {
		f.mu.Lock()
		f.subID = 0
		f.subbed = nil
		f.mu.Unlock()
		return
	}

	id, err := f.agg.Subscribe(ctx, list, func(q domain.Quote) {
		f.assets.MarkPrice(q.Symbol, q.Last)
	})
	if err != nil {
		f.log.Warn().Err(err).Strs("symbols", list).Msg("Quote subscription failed")
		return
	}
	f.mu.Lock()
	f.subID = id
	f.subbed = list
	f.mu.Unlock()
}

func (f *marketFeed) unsubscribe() {
	f.mu.Lock()
	id := f.subID
	f.subID = 0
	f.subbed = nil
	f.mu.Unlock()
	if id != 0 {
		f.agg.Unsubscribe(id)
	}
}
