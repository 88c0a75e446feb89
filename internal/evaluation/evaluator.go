package evaluation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/knowledge"
	"github.com/quantfold/tradecore/internal/market_regime"
)

// ConfidenceFloor drops signals whose adjusted confidence falls below
// it. Applied after the knowledge-base modifier.
const ConfidenceFloor = 0.70

// IndicatorSource is the slice of the indicator cache the evaluator reads.
type IndicatorSource interface {
	Get(symbol string, timeframe domain.Timeframe, name string, period int) (float64, error)
	GetPrev(symbol string, timeframe domain.Timeframe, name string, period int) (float64, error)
	LastCandle(symbol string, timeframe domain.Timeframe) (domain.Candle, bool)
	PrevCandle(symbol string, timeframe domain.Timeframe) (domain.Candle, bool)
	Snapshot(symbol string, timeframe domain.Timeframe) map[string]float64
}

// RegimeSource answers regime_is conditions.
type RegimeSource interface {
	Current(symbol string, timeframe domain.Timeframe) (market_regime.Tag, bool)
}

// BotStateSource answers the bot-state condition leaves.
type BotStateSource interface {
	HasOpenPosition(botID, symbol string) bool
	OpenProfitPct(botID, symbol string) (float64, bool)
	DrawdownPct(botID string) float64
	Streak(botID string) (wins, losses int)
}

// KnowledgeSource hands out the per-cycle knowledge snapshot.
type KnowledgeSource interface {
	Current() *knowledge.Snapshot
}

// StrategySource resolves a bot's strategy reference to its parsed
// definition. Implementations cache; this is on the tick path.
type StrategySource interface {
	Definition(id string, version int) (*Definition, error)
}

// AssetSource maps symbols to catalog assets.
type AssetSource interface {
	BySymbol(symbol string) (domain.Asset, bool)
}

// ruleState is the firing history of one (bot, rule).
type ruleState struct {
	lastFired time.Time
	day       string
	fires     int
}

// Evaluator runs strategy condition trees for bot ticks.
type Evaluator struct {
	indicators IndicatorSource
	regime     RegimeSource
	botState   BotStateSource
	knowledge  KnowledgeSource
	strategies StrategySource
	assets     AssetSource
	log        zerolog.Logger

	mu    sync.Mutex
	rules map[string]*ruleState
}

// New creates an evaluator. regime and botState may be nil in reduced
// setups (backtests without bot state); their leaves then stay unresolved.
func New(
	indicators IndicatorSource,
	regime RegimeSource,
	botState BotStateSource,
	kb KnowledgeSource,
	strategies StrategySource,
	assets AssetSource,
	log zerolog.Logger,
) *Evaluator {
	return &Evaluator{
		indicators: indicators,
		regime:     regime,
		botState:   botState,
		knowledge:  kb,
		strategies: strategies,
		assets:     assets,
		log:        log.With().Str("component", "evaluator").Logger(),
		rules:      make(map[string]*ruleState),
	}
}

// Evaluate runs one (bot, symbol, timeframe) tick and returns at most
// one signal: the first rule that fires. Exit rules run before entry
// rules while the bot holds an open position on the symbol.
func (e *Evaluator) Evaluate(ctx context.Context, bot *domain.Bot, symbol string, timeframe domain.Timeframe, ts time.Time) (*domain.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	def, err := e.strategies.Definition(bot.StrategyID, bot.StrategyVersion)
	if err != nil {
		return nil, err
	}

	ec := &evalContext{
		symbol:     strings.ToUpper(symbol),
		timeframe:  timeframe,
		ts:         ts,
		botID:      bot.ID,
		indicators: e.indicators,
		regime:     e.regime,
		botState:   e.botState,
	}

	if e.botState != nil && e.botState.HasOpenPosition(bot.ID, ec.symbol) {
		sig, err := e.runRules(ctx, ec, bot, def.ExitRules, ts)
		if sig != nil || err != nil {
			return sig, err
		}
	}
	return e.runRules(ctx, ec, bot, def.EntryRules, ts)
}

func (e *Evaluator) runRules(ctx context.Context, ec *evalContext, bot *domain.Bot, rules []Rule, ts time.Time) (*domain.Signal, error) {
	snap := e.knowledge.Current()

	for i := range rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rule := &rules[i]

		if reason := e.blockedReason(bot.ID, rule, ts); reason != "" {
			e.log.Debug().Str("bot_id", bot.ID).Str("rule", rule.Name).
				Str("reason", reason).Msg("Rule fire suppressed")
			continue
		}

		out, err := rule.Condition.eval(ec)
		if err != nil {
			return nil, err
		}
		if out.unresolved || !out.value {
			continue
		}

		depth := 0.0
		if out.visited > 0 {
			depth = float64(out.resolved) / float64(out.visited)
		}
		base := 0.5 + 0.5*depth

		patternKey := PatternKeyFor(rule.Name)
		modifier := snap.Modifier(patternKey)
		confidence := base * modifier

		if confidence < ConfidenceFloor {
			e.log.Debug().Str("bot_id", bot.ID).Str("rule", rule.Name).
				Float64("base", base).Float64("modifier", modifier).
				Float64("confidence", confidence).
				Msg("Signal dropped below confidence floor")
			continue
		}
		if confidence > 1.0 {
			confidence = 1.0
		}

		asset, ok := e.assets.BySymbol(ec.symbol)
		if !ok {
			return nil, domain.NewInputError(domain.CodeUnknownSymbol,
				"no asset for symbol "+ec.symbol)
		}

		e.markFired(bot.ID, rule, ts)

		orderType := rule.Action.OrderType
		if orderType == "" {
			orderType = domain.OrderTypeMarket
		}

		signal := &domain.Signal{
			ID:            uuid.NewString(),
			BotID:         bot.ID,
			UserID:        bot.OwnerID,
			AssetID:       asset.ID,
			Symbol:        ec.symbol,
			Side:          rule.Action.Side,
			OrderType:     orderType,
			Confidence:    confidence,
			Rationale:     e.rationale(ec, rule.Name, patternKey, modifier),
			PatternKey:    patternKey,
			StopLossPct:   rule.Action.StopLossPct,
			TakeProfitPct: rule.Action.TakeProfitPct,
			Status:        domain.SignalStatusPending,
			CreatedAt:     ts,
		}

		e.log.Info().Str("bot_id", bot.ID).Str("rule", rule.Name).
			Str("symbol", ec.symbol).Str("side", string(signal.Side)).
			Float64("confidence", confidence).Msg("Signal emitted")
		return signal, nil
	}
	return nil, nil
}

// blockedReason reports why a rule may not fire now: "cooldown" inside
// its window, "cap" past its daily executions. Empty when clear.
func (e *Evaluator) blockedReason(botID string, rule *Rule, ts time.Time) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.rules[botID+"|"+rule.Name]
	if !ok {
		return ""
	}
	if rule.CooldownMinutes > 0 && !st.lastFired.IsZero() {
		if ts.Sub(st.lastFired) < time.Duration(rule.CooldownMinutes)*time.Minute {
			return "cooldown"
		}
	}
	if rule.MaxPerDay > 0 && st.day == dayOf(ts) && st.fires >= rule.MaxPerDay {
		return "cap"
	}
	return ""
}

func (e *Evaluator) markFired(botID string, rule *Rule, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := botID + "|" + rule.Name
	st, ok := e.rules[key]
	if !ok {
		st = &ruleState{}
		e.rules[key] = st
	}
	if st.day != dayOf(ts) {
		st.day = dayOf(ts)
		st.fires = 0
	}
	st.lastFired = ts
	st.fires++
}

// ResetDaily clears daily fire counts; the scheduler calls this at the
// UTC day boundary alongside the loss-limit re-arm.
func (e *Evaluator) ResetDaily() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.rules {
		st.day = ""
		st.fires = 0
	}
}

func dayOf(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

// rationale builds the structured explanation attached to a signal:
// "<rule_name> | <indicator snapshot> | KB:<pattern_key>+<modifier>".
func (e *Evaluator) rationale(ec *evalContext, ruleName, patternKey string, modifier float64) string {
	values := ec.indicators.Snapshot(ec.symbol, ec.timeframe)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	if last, ok := ec.indicators.LastCandle(ec.symbol, ec.timeframe); ok {
		parts = append(parts, fmt.Sprintf("close=%.4f", last.Close))
	}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, values[k]))
	}

	return fmt.Sprintf("%s | %s | KB:%s+%.2f", ruleName, strings.Join(parts, " "), patternKey, modifier)
}
