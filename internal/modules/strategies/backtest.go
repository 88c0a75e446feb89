package strategies

import (
	"context"
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/evaluation"
	"github.com/quantfold/tradecore/internal/knowledge"
)

// Backtests replay a definition through the real evaluator over stored
// candles, so the simulated rule firing, cooldowns, confidence scoring
// and protective exits behave exactly like the live tick path. The only
// substitutions are the data sources: indicators come from go-talib
// batch series instead of the incremental cache, and fills are taken at
// candle closes instead of the book.

const (
	defaultBacktestBars   = 500
	maxBacktestBars       = 5000
	minBacktestBars       = 50
	defaultRiskPerTrade   = 0.02
	defaultFeeBps         = 10
	defaultInitialBalance = 10000
)

// BacktestParams selects the window and the simulated account.
type BacktestParams struct {
	Symbol         string
	Timeframe      domain.Timeframe // defaults to 1h
	Bars           int              // most recent N candles, default 500
	InitialBalance decimal.Decimal  // default $10,000
	RiskPerTrade   float64          // fraction of balance, default 0.02
	FeeBps         int64            // taker fee, default 10
}

func (p *BacktestParams) normalize() error {
	if p.Symbol == "" {
		return domain.NewInputError(domain.CodeInvalidInput, "backtest symbol required")
	}
	if p.Timeframe == "" {
		p.Timeframe = domain.Timeframe1h
	}
	if !p.Timeframe.Valid() {
		return domain.NewInputError(domain.CodeInvalidInput,
			"unknown timeframe "+string(p.Timeframe))
	}
	if p.Bars <= 0 {
		p.Bars = defaultBacktestBars
	}
	if p.Bars > maxBacktestBars {
		p.Bars = maxBacktestBars
	}
	if p.InitialBalance.IsZero() {
		p.InitialBalance = decimal.NewFromInt(defaultInitialBalance)
	}
	if !p.InitialBalance.IsPositive() {
		return domain.NewInputError(domain.CodeInvalidInput, "initial balance must be positive")
	}
	if p.RiskPerTrade == 0 {
		p.RiskPerTrade = defaultRiskPerTrade
	}
	if p.RiskPerTrade < 0 || p.RiskPerTrade > 1 {
		return domain.NewInputError(domain.CodeInvalidInput, "risk per trade must be in (0, 1]")
	}
	if p.FeeBps == 0 {
		p.FeeBps = defaultFeeBps
	}
	if p.FeeBps < 0 {
		return domain.NewInputError(domain.CodeInvalidInput, "fee bps must not be negative")
	}
	return nil
}

// BacktestTrade is one completed round trip.
type BacktestTrade struct {
	EntryRule  string          `json:"entry_rule"` // pattern key of the rule that fired
	EntryTime  time.Time       `json:"entry_time"`
	EntryPrice float64         `json:"entry_price"`
	ExitTime   time.Time       `json:"exit_time"`
	ExitPrice  float64         `json:"exit_price"`
	ExitReason string          `json:"exit_reason"` // stop_loss, take_profit, exit rule key, end_of_data
	Qty        float64         `json:"qty"`
	Fees       decimal.Decimal `json:"fees"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPct     float64         `json:"pnl_pct"`
}

// BacktestResult summarizes one run.
type BacktestResult struct {
	StrategyID      string           `json:"strategy_id"`
	StrategyVersion int              `json:"strategy_version"`
	Symbol          string           `json:"symbol"`
	Timeframe       domain.Timeframe `json:"timeframe"`
	Bars            int              `json:"bars"`
	From            time.Time        `json:"from"`
	To              time.Time        `json:"to"`
	InitialBalance  decimal.Decimal  `json:"initial_balance"`
	FinalBalance    decimal.Decimal  `json:"final_balance"`
	TotalReturnPct  float64          `json:"total_return_pct"`
	TotalTrades     int              `json:"total_trades"`
	Wins            int              `json:"wins"`
	Losses          int              `json:"losses"`
	WinRate         float64          `json:"win_rate"`
	MaxDrawdownPct  float64          `json:"max_drawdown_pct"`
	TotalFees       decimal.Decimal  `json:"total_fees"`
	SkippedSignals  int              `json:"skipped_signals"` // fired while a position blocked them
	Trades          []BacktestTrade  `json:"trades"`
}

// Backtest replays a stored strategy version over recent history;
// version <= 0 means the latest.
func (s *Service) Backtest(ctx context.Context, id string, version int, p BacktestParams) (*BacktestResult, error) {
	if s.candles == nil {
		return nil, domain.NewStateError(domain.CodeNotReady, "no candle history wired for backtests")
	}

	strat, err := s.Get(id, version)
	if err != nil {
		return nil, err
	}
	def, err := evaluation.ParseDefinition(strat.Definition)
	if err != nil {
		return nil, err
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}

	candles, err := s.candles.GetCandles(ctx, p.Symbol, p.Timeframe, p.Bars)
	if err != nil {
		return nil, err
	}
	if len(candles) < minBacktestBars {
		return nil, domain.NewStateError(domain.CodeNotReady,
			fmt.Sprintf("only %d candles stored for %s %s, need at least %d",
				len(candles), p.Symbol, p.Timeframe, minBacktestBars))
	}

	result, err := runBacktest(ctx, def, candles, p, s.log)
	if err != nil {
		return nil, err
	}
	result.StrategyID = strat.ID
	result.StrategyVersion = strat.Version
	return result, nil
}

// openTrade is the in-flight position of the simulation.
type openTrade struct {
	rule       string
	entryIdx   int
	entryTime  time.Time
	entryPrice float64
	qty        float64
	fees       decimal.Decimal
	cost       decimal.Decimal // entry notional, fee excluded
	stopPrice  float64         // 0 = none
	tpPrice    float64         // 0 = none
}

func runBacktest(ctx context.Context, def *evaluation.Definition, candles []domain.Candle, p BacktestParams, log zerolog.Logger) (*BacktestResult, error) {
	series, err := precompute(candles, def.Indicators())
	if err != nil {
		return nil, err
	}

	src := &backtestSource{candles: candles, series: series}
	state := &backtestState{}
	bot := &domain.Bot{
		ID:              "backtest",
		OwnerID:         "backtest",
		Status:          domain.BotStatusActive,
		StrategyID:      "backtest",
		StrategyVersion: 1,
	}
	ev := evaluation.New(src, nil, state, neutralKnowledge{},
		staticDefinition{def: def}, staticAsset{}, log)

	feeRate := decimal.NewFromInt(p.FeeBps).Div(decimal.NewFromInt(10000))
	cash := p.InitialBalance
	res := &BacktestResult{
		Symbol:         p.Symbol,
		Timeframe:      p.Timeframe,
		Bars:           len(candles),
		From:           candles[0].Timestamp,
		To:             candles[len(candles)-1].Timestamp,
		InitialBalance: p.InitialBalance,
		TotalFees:      decimal.Zero,
		Trades:         make([]BacktestTrade, 0),
	}

	var pos *openTrade
	closeTrade := func(price float64, reason string, ts time.Time) {
		proceeds := decimal.NewFromFloat(pos.qty * price)
		exitFee := proceeds.Mul(feeRate)
		cash = cash.Add(proceeds).Sub(exitFee)

		fees := pos.fees.Add(exitFee)
		pnl := proceeds.Sub(pos.cost).Sub(fees)
		invested := pos.cost.Add(pos.fees)
		pnlPct := 0.0
		if invested.IsPositive() {
			pnlPct = pnl.Div(invested).InexactFloat64() * 100
		}

		res.Trades = append(res.Trades, BacktestTrade{
			EntryRule:  pos.rule,
			EntryTime:  pos.entryTime,
			EntryPrice: pos.entryPrice,
			ExitTime:   ts,
			ExitPrice:  price,
			ExitReason: reason,
			Qty:        pos.qty,
			Fees:       fees,
			PnL:        pnl,
			PnLPct:     pnlPct,
		})
		res.TotalFees = res.TotalFees.Add(fees)
		if pnl.IsPositive() {
			res.Wins++
		} else {
			res.Losses++
		}
		state.closed(pnl.IsPositive())
		pos = nil
	}

	for i := 1; i < len(candles); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src.idx = i
		c := candles[i]

		// Protective exits check the bar's range before rules run; a bar
		// that spans both levels resolves to the stop. The entry bar is
		// skipped: its range precedes the fill at its close.
		if pos != nil && i > pos.entryIdx {
			switch {
			case pos.stopPrice > 0 && c.Low <= pos.stopPrice:
				closeTrade(pos.stopPrice, "stop_loss", c.Timestamp)
			case pos.tpPrice > 0 && c.High >= pos.tpPrice:
				closeTrade(pos.tpPrice, "take_profit", c.Timestamp)
			}
		}

		qty := 0.0
		if pos != nil {
			qty = pos.qty
		}
		state.mark(c.Close, cash.InexactFloat64()+qty*c.Close, pos != nil)
		if dd := state.drawdown(); dd > res.MaxDrawdownPct {
			res.MaxDrawdownPct = dd
		}

		sig, err := ev.Evaluate(ctx, bot, c.Symbol, p.Timeframe, c.Timestamp)
		if err != nil {
			return nil, err
		}
		if sig == nil {
			continue
		}

		switch {
		case sig.Side == domain.SideBuy && pos == nil:
			riskAmount := cash.Mul(decimal.NewFromFloat(p.RiskPerTrade)).
				Mul(decimal.NewFromFloat(sig.Confidence))
			fee := riskAmount.Mul(feeRate)
			q := riskAmount.Sub(fee).InexactFloat64() / c.Close
			if q <= 0 {
				res.SkippedSignals++
				continue
			}
			cost := decimal.NewFromFloat(q * c.Close)
			entryFee := cost.Mul(feeRate)
			cash = cash.Sub(cost).Sub(entryFee)

			pos = &openTrade{
				rule:       sig.PatternKey,
				entryIdx:   i,
				entryTime:  c.Timestamp,
				entryPrice: c.Close,
				qty:        q,
				fees:       entryFee,
				cost:       cost,
			}
			state.entryPrice = c.Close
			if sig.StopLossPct > 0 {
				pos.stopPrice = c.Close * (1 - sig.StopLossPct/100)
			}
			if sig.TakeProfitPct > 0 {
				pos.tpPrice = c.Close * (1 + sig.TakeProfitPct/100)
			}
		case sig.Side == domain.SideSell && pos != nil:
			closeTrade(c.Close, sig.PatternKey, c.Timestamp)
		default:
			// Buy on top of an open position or a sell while flat; the
			// live pipeline rejects both, the simulation just counts them.
			res.SkippedSignals++
		}
	}

	if pos != nil {
		last := candles[len(candles)-1]
		closeTrade(last.Close, "end_of_data", last.Timestamp)
	}

	res.FinalBalance = cash
	res.TotalTrades = len(res.Trades)
	if res.TotalTrades > 0 {
		res.WinRate = float64(res.Wins) / float64(res.TotalTrades)
	}
	if p.InitialBalance.IsPositive() {
		res.TotalReturnPct = cash.Sub(p.InitialBalance).
			Div(p.InitialBalance).InexactFloat64() * 100
	}
	return res, nil
}

// batchSeries is one precomputed indicator output aligned to the candle
// window. Values before warm are talib's zero-filled lookback padding.
type batchSeries struct {
	vals []float64
	warm int
}

// seriesKey matches the indicator cache's output naming, so rationale
// snapshots read the same in backtests and live logs.
func seriesKey(name string, period int) string {
	switch name {
	case "macd", "macd_signal", "macd_hist", "bb_upper", "bb_middle", "bb_lower":
		return name
	default:
		return fmt.Sprintf("%s_%d", name, period)
	}
}

// precompute runs go-talib over the whole window for every indicator
// the definition reads.
func precompute(candles []domain.Candle, reqs []evaluation.Requirement) (map[string]batchSeries, error) {
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	series := make(map[string]batchSeries)
	for _, req := range reqs {
		key := seriesKey(req.Name, req.Period)
		if _, done := series[key]; done {
			continue
		}
		switch req.Name {
		case "sma":
			series[key] = batchSeries{vals: talib.Sma(closes, req.Period), warm: req.Period - 1}
		case "volume_sma":
			series[key] = batchSeries{vals: talib.Sma(volumes, req.Period), warm: req.Period - 1}
		case "ema":
			series[key] = batchSeries{vals: talib.Ema(closes, req.Period), warm: req.Period - 1}
		case "rsi":
			series[key] = batchSeries{vals: talib.Rsi(closes, req.Period), warm: req.Period}
		case "atr":
			series[key] = batchSeries{vals: talib.Atr(highs, lows, closes, req.Period), warm: req.Period}
		case "adx":
			series[key] = batchSeries{vals: talib.Adx(highs, lows, closes, req.Period), warm: 2*req.Period - 1}
		case "macd", "macd_signal", "macd_hist":
			line, signal, hist := talib.Macd(closes, 12, 26, 9)
			warm := 26 + 9 - 2
			series["macd"] = batchSeries{vals: line, warm: warm}
			series["macd_signal"] = batchSeries{vals: signal, warm: warm}
			series["macd_hist"] = batchSeries{vals: hist, warm: warm}
		case "bb_upper", "bb_middle", "bb_lower":
			upper, middle, lower := talib.BBands(closes, 20, 2, 2, talib.SMA)
			series["bb_upper"] = batchSeries{vals: upper, warm: 19}
			series["bb_middle"] = batchSeries{vals: middle, warm: 19}
			series["bb_lower"] = batchSeries{vals: lower, warm: 19}
		default:
			return nil, domain.NewInputError(domain.CodeInvalidInput,
				"indicator "+req.Name+" is not supported in backtests")
		}
	}
	return series, nil
}

// backtestSource serves precomputed indicator values at the simulation
// cursor, implementing the evaluator's indicator view.
type backtestSource struct {
	candles []domain.Candle
	series  map[string]batchSeries
	idx     int
}

func (b *backtestSource) value(name string, period, back int) (float64, error) {
	s, ok := b.series[seriesKey(name, period)]
	if !ok {
		return 0, domain.NewInputError(domain.CodeInvalidInput,
			"indicator "+name+" was not precomputed")
	}
	i := b.idx - back
	if i < s.warm {
		return 0, domain.NewTransientError(domain.CodeNotReady, "series warming up", nil)
	}
	return s.vals[i], nil
}

func (b *backtestSource) Get(_ string, _ domain.Timeframe, name string, period int) (float64, error) {
	return b.value(name, period, 0)
}

func (b *backtestSource) GetPrev(_ string, _ domain.Timeframe, name string, period int) (float64, error) {
	return b.value(name, period, 1)
}

func (b *backtestSource) LastCandle(string, domain.Timeframe) (domain.Candle, bool) {
	return b.candles[b.idx], true
}

func (b *backtestSource) PrevCandle(string, domain.Timeframe) (domain.Candle, bool) {
	if b.idx == 0 {
		return domain.Candle{}, false
	}
	return b.candles[b.idx-1], true
}

func (b *backtestSource) Snapshot(string, domain.Timeframe) map[string]float64 {
	out := make(map[string]float64, len(b.series))
	for key, s := range b.series {
		if b.idx >= s.warm {
			out[key] = s.vals[b.idx]
		}
	}
	return out
}

// backtestState tracks the simulated bot's position and equity so the
// bot-state condition leaves resolve during replay.
type backtestState struct {
	open       bool
	entryPrice float64
	lastClose  float64
	peakEquity float64
	ddPct      float64
	winStreak  int
	lossStreak int
}

func (s *backtestState) mark(close, equity float64, open bool) {
	s.lastClose = close
	s.open = open
	if equity > s.peakEquity {
		s.peakEquity = equity
	}
	if s.peakEquity > 0 {
		s.ddPct = (s.peakEquity - equity) / s.peakEquity * 100
	}
}

func (s *backtestState) closed(win bool) {
	s.open = false
	if win {
		s.winStreak++
		s.lossStreak = 0
	} else {
		s.lossStreak++
		s.winStreak = 0
	}
}

func (s *backtestState) drawdown() float64 { return s.ddPct }

func (s *backtestState) HasOpenPosition(string, string) bool { return s.open }

func (s *backtestState) OpenProfitPct(string, string) (float64, bool) {
	if !s.open || s.entryPrice <= 0 {
		return 0, false
	}
	return (s.lastClose - s.entryPrice) / s.entryPrice * 100, true
}

func (s *backtestState) DrawdownPct(string) float64 { return s.ddPct }

func (s *backtestState) Streak(string) (int, int) { return s.winStreak, s.lossStreak }

// neutralKnowledge gives every pattern a 1.0 modifier; backtests score
// rules on their own merits.
type neutralKnowledge struct{}

func (neutralKnowledge) Current() *knowledge.Snapshot { return nil }

// staticDefinition pins the evaluator to the definition under test.
type staticDefinition struct {
	def *evaluation.Definition
}

func (s staticDefinition) Definition(string, int) (*evaluation.Definition, error) {
	return s.def, nil
}

// staticAsset satisfies symbol lookups without a catalog.
type staticAsset struct{}

func (staticAsset) BySymbol(symbol string) (domain.Asset, bool) {
	return domain.Asset{ID: "backtest:" + symbol, Symbol: symbol, Active: true}, true
}
