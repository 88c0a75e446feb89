package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/modules/assets"
	"github.com/quantfold/tradecore/internal/modules/bots"
	"github.com/quantfold/tradecore/internal/modules/portfolio"
)

// botRecord tracks the evaluator-visible trade history of one bot:
// win/loss streaks and realized P&L relative to its peak.
type botRecord struct {
	wins   int
	losses int
	total  decimal.Decimal
	peak   decimal.Decimal
}

// botState answers the evaluator's bot-state condition leaves from the
// live registry and portfolio. Streaks and drawdown are rebuilt from
// replayed PositionClosed entries on boot, then kept current by the
// ledger tap.
type botState struct {
	bots      *bots.Registry
	portfolio *portfolio.Store
	assets    *assets.Service

	mu      sync.Mutex
	records map[string]*botRecord
}

func newBotState(registry *bots.Registry, store *portfolio.Store, catalog *assets.Service) *botState {
	return &botState{
		bots:      registry,
		portfolio: store,
		assets:    catalog,
		records:   make(map[string]*botRecord),
	}
}

// noteClosed folds one closed trade into the bot's streak and drawdown
// record. Manual trades carry no bot id and are ignored.
func (b *botState) noteClosed(botID string, pnl decimal.Decimal) {
	if botID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.records[botID]
	if rec == nil {
		rec = &botRecord{}
		b.records[botID] = rec
	}
	if pnl.IsPositive() {
		rec.wins++
		rec.losses = 0
	} else if pnl.IsNegative() {
		rec.losses++
		rec.wins = 0
	}
	rec.total = rec.total.Add(pnl)
	if rec.total.GreaterThan(rec.peak) {
		rec.peak = rec.total
	}
}

// position resolves the bot's holding on a symbol, if any.
func (b *botState) position(botID, symbol string) (tokens, avgCost float64, ok bool) {
	bot, found := b.bots.Get(botID)
	if !found {
		return 0, 0, false
	}
	asset, found := b.assets.GetBySymbol(symbol)
	if !found {
		return 0, 0, false
	}
	pos, found := b.portfolio.Position(bot.OwnerID, asset.ID)
	if !found || pos.BotID != botID || pos.Tokens <= 0 {
		return 0, 0, false
	}
	return pos.Tokens, pos.AvgCost.InexactFloat64(), true
}

// HasOpenPosition implements evaluation.BotStateSource.
func (b *botState) HasOpenPosition(botID, symbol string) bool {
	_, _, ok := b.position(botID, symbol)
	return ok
}

// OpenProfitPct implements evaluation.BotStateSource. The mark is the
// catalog price, which the market feed keeps current from live quotes.
func (b *botState) OpenProfitPct(botID, symbol string) (float64, bool) {
	_, avgCost, ok := b.position(botID, symbol)
	if !ok || avgCost <= 0 {
		return 0, false
	}
	asset, found := b.assets.GetBySymbol(symbol)
	if !found || asset.Price <= 0 {
		return 0, false
	}
	return (asset.Price - avgCost) / avgCost * 100, true
}

// DrawdownPct implements evaluation.BotStateSource: the percentage the
// bot's cumulative realized P&L sits below its peak. Zero until the bot
// has banked a profit.
func (b *botState) DrawdownPct(botID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.records[botID]
	if rec == nil || !rec.peak.IsPositive() {
		return 0
	}
	dd, _ := rec.peak.Sub(rec.total).Div(rec.peak).Float64()
	if dd < 0 {
		return 0
	}
	return dd * 100
}

// Streak implements evaluation.BotStateSource.
func (b *botState) Streak(botID string) (wins, losses int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec := b.records[botID]; rec != nil {
		return rec.wins, rec.losses
	}
	return 0, 0
}
