// Package bots owns the bot registry: lifecycle state, per-bot daily
// counters and rolling performance. Identity and config persist in the
// state database; counters and performance are rebuilt from ledger
// replay, so the registry never trusts its own memory across restarts.
package bots

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
)

// Appender journals lifecycle transitions. The ledger implements it.
type Appender interface {
	Append(data events.EventData)
}

// PnLSource reports a bot's realized P&L for the current UTC day. The
// portfolio store implements it.
type PnLSource func(botID string) decimal.Decimal

// counters is the live per-bot state the registry owns: daily activity
// plus closed-trade aggregates feeding Performance.
type counters struct {
	day            string
	dailyTrades    int
	missedTicks    int64
	evaluations    int64
	signalsEmitted int64
	lastTick       time.Time

	trades    int
	wins      int
	grossWin  decimal.Decimal
	grossLoss decimal.Decimal
	retMean   float64 // Welford over per-trade P&L percent
	retM2     float64
	cumPnL    decimal.Decimal
	peakPnL   decimal.Decimal
	maxDD     decimal.Decimal
}

func newCounters() *counters {
	return &counters{
		grossWin:  decimal.Zero,
		grossLoss: decimal.Zero,
		cumPnL:    decimal.Zero,
		peakPnL:   decimal.Zero,
		maxDD:     decimal.Zero,
	}
}

// Registry is the authority for bot state. Lifecycle commands apply
// under its mutex; the scheduler snapshots active bots at cycle start,
// which is what makes commands take effect at cycle boundaries.
type Registry struct {
	repo   *Repository
	ledger Appender
	bus    *events.Bus
	pnl    PnLSource
	log    zerolog.Logger

	mu       sync.RWMutex
	bots     map[string]*domain.Bot
	counters map[string]*counters
}

// NewRegistry creates the bot registry.
func NewRegistry(repo *Repository, ledger Appender, bus *events.Bus, log zerolog.Logger) *Registry {
	return &Registry{
		repo:     repo,
		ledger:   ledger,
		bus:      bus,
		log:      log.With().Str("component", "bots").Logger(),
		bots:     make(map[string]*domain.Bot),
		counters: make(map[string]*counters),
	}
}

// SetPnLSource wires the daily P&L lookup. Call during wiring, before
// traffic.
func (r *Registry) SetPnLSource(fn PnLSource) { r.pnl = fn }

// Load warms the registry from the state database.
func (r *Registry) Load() error {
	bots, err := r.repo.GetAll()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range bots {
		r.bots[b.ID] = b
	}
	r.log.Info().Int("bots", len(bots)).Msg("Bot registry loaded")
	return nil
}

// Create registers a new draft bot.
func (r *Registry) Create(bot *domain.Bot) error {
	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	if bot.Name == "" {
		return domain.NewInputError(domain.CodeInvalidInput, "bot name required")
	}
	if bot.OwnerID == "" {
		return domain.NewInputError(domain.CodeInvalidInput, "bot owner required")
	}
	bot.Status = domain.BotStatusDraft

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bots[bot.ID]; exists {
		return domain.NewInputError(domain.CodeInvalidInput, "bot "+bot.ID+" already exists")
	}
	if err := r.repo.Upsert(bot); err != nil {
		return err
	}
	cp := clone(bot)
	r.bots[cp.ID] = cp
	r.log.Info().Str("bot_id", cp.ID).Str("owner_id", cp.OwnerID).Msg("Bot created")
	return nil
}

// Get returns a copy of one bot.
func (r *Registry) Get(id string) (domain.Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[id]
	if !ok {
		return domain.Bot{}, false
	}
	cp := clone(b)
	cp.Performance = r.performanceLocked(id)
	return *cp, true
}

// List returns copies of every bot, optionally filtered by status.
func (r *Registry) List(status domain.BotStatus) []domain.Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Bot, 0, len(r.bots))
	for _, b := range r.bots {
		if status != "" && b.Status != status {
			continue
		}
		cp := clone(b)
		cp.Performance = r.performanceLocked(b.ID)
		out = append(out, *cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveBots returns deep copies of every active bot in id order, the
// scheduler's cycle snapshot. Config copies travel with the tasks, so
// mid-cycle updates only apply next cycle.
func (r *Registry) ActiveBots() []domain.Bot {
	return r.List(domain.BotStatusActive)
}

// ActivationParams are the risk overrides accepted at activation. Zero
// values leave the stored config untouched.
type ActivationParams struct {
	RiskLevel       string          `json:"riskLevel"`
	MaxPositionSize float64         `json:"maxPositionSize"`
	MaxDailyTrades  int             `json:"maxDailyTrades"`
	MaxDailyLoss    decimal.Decimal `json:"maxDailyLoss"`
}

// Activate moves a bot to active, applying any risk overrides. Bots
// must carry a deployed strategy and coverage before they can trade.
func (r *Registry) Activate(id string, p ActivationParams) (domain.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[id]
	if !ok {
		return domain.Bot{}, domain.NewInputError(domain.CodeNotFound, "unknown bot "+id)
	}
	if b.Status == domain.BotStatusArchived {
		return domain.Bot{}, domain.NewStateError(domain.CodeBotNotActive, "bot is archived")
	}

	if p.RiskLevel != "" {
		b.Config.RiskLevel = p.RiskLevel
	}
	if p.MaxPositionSize > 0 {
		b.Config.MaxPositionSize = p.MaxPositionSize
	}
	if p.MaxDailyTrades > 0 {
		b.Config.MaxDailyTrades = p.MaxDailyTrades
	}
	if p.MaxDailyLoss.IsPositive() {
		b.Config.MaxDailyLoss = p.MaxDailyLoss
	}

	switch {
	case b.StrategyID == "":
		return domain.Bot{}, domain.NewStateError(domain.CodeNotReady, "bot has no deployed strategy")
	case len(b.Config.Symbols) == 0:
		return domain.Bot{}, domain.NewStateError(domain.CodeNotReady, "bot covers no symbols")
	case len(b.Config.Timeframes) == 0:
		return domain.Bot{}, domain.NewStateError(domain.CodeNotReady, "bot covers no timeframes")
	case b.Config.RiskPerTrade <= 0:
		return domain.Bot{}, domain.NewStateError(domain.CodeNotReady, "risk per trade not set")
	}

	if err := r.transitionLocked(b, domain.BotStatusActive, "operator"); err != nil {
		return domain.Bot{}, err
	}
	return *clone(b), nil
}

// Deactivate archives a bot. Archived bots never trade again; their
// history stays in the ledger.
func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[id]
	if !ok {
		return domain.NewInputError(domain.CodeNotFound, "unknown bot "+id)
	}
	if b.Status == domain.BotStatusArchived {
		return domain.NewStateError(domain.CodeBotNotActive, "bot already archived")
	}
	return r.transitionLocked(b, domain.BotStatusArchived, "operator")
}

// Pause suspends an active bot.
func (r *Registry) Pause(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[id]
	if !ok {
		return domain.NewInputError(domain.CodeNotFound, "unknown bot "+id)
	}
	if b.Status != domain.BotStatusActive {
		return domain.NewStateError(domain.CodeBotNotActive, "bot is not active")
	}
	if reason == "" {
		reason = "operator"
	}
	return r.transitionLocked(b, domain.BotStatusPaused, reason)
}

// Resume reactivates a paused bot.
func (r *Registry) Resume(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[id]
	if !ok {
		return domain.NewInputError(domain.CodeNotFound, "unknown bot "+id)
	}
	if b.Status != domain.BotStatusPaused {
		return domain.NewStateError(domain.CodeBotNotActive, "bot is not paused")
	}
	return r.transitionLocked(b, domain.BotStatusActive, "operator")
}

// PauseAll suspends every active bot, used by the daily loss trip.
// Returns how many were paused.
func (r *Registry) PauseAll(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0)
	for id, b := range r.bots {
		if b.Status == domain.BotStatusActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := r.transitionLocked(r.bots[id], domain.BotStatusPaused, reason); err != nil {
			r.log.Error().Err(err).Str("bot_id", id).Msg("Failed to pause bot")
		}
	}
	return len(ids)
}

// UpdateConfig replaces a bot's config. Running cycles keep their
// snapshot; the change applies from the next cycle.
func (r *Registry) UpdateConfig(id string, config domain.BotConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[id]
	if !ok {
		return domain.NewInputError(domain.CodeNotFound, "unknown bot "+id)
	}
	old := b.Config
	b.Config = config
	if err := r.repo.Upsert(b); err != nil {
		b.Config = old
		return err
	}
	r.log.Info().Str("bot_id", id).Msg("Bot config updated")
	return nil
}

// transitionLocked performs a status change with persistence, ledger
// entry and bus notification. Call with the write lock held.
func (r *Registry) transitionLocked(b *domain.Bot, to domain.BotStatus, reason string) error {
	from := b.Status
	if from == to {
		return nil
	}
	if err := r.repo.UpdateStatus(b.ID, to); err != nil {
		return err
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()

	data := &events.BotStateChangedData{
		BotID:  b.ID,
		Old:    string(from),
		New:    string(to),
		Reason: reason,
	}
	if r.ledger != nil {
		r.ledger.Append(data)
	}
	if r.bus != nil {
		r.bus.Publish("bots", data)
	}
	r.log.Info().Str("bot_id", b.ID).Str("from", string(from)).Str("to", string(to)).
		Str("reason", reason).Msg("Bot state changed")
	return nil
}

// NoteEvaluation counts one evaluator tick for a bot.
func (r *Registry) NoteEvaluation(botID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.countersLocked(botID, at)
	c.evaluations++
	c.lastTick = at
}

// NoteSignal counts one emitted signal.
func (r *Registry) NoteSignal(botID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.countersLocked(botID, at).signalsEmitted++
}

// NoteMissedTicks counts tasks dropped at a cycle deadline.
func (r *Registry) NoteMissedTicks(botID string, n int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.countersLocked(botID, at).missedTicks += int64(n)
}

// NoteTrade counts one placed order against the daily cap.
func (r *Registry) NoteTrade(botID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.countersLocked(botID, at).dailyTrades++
}

// DailyTrades reports today's placed orders for the risk cap check.
func (r *Registry) DailyTrades(botID string, at time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countersLocked(botID, at).dailyTrades
}

// RecordClosedTrade folds one closed position into the bot's rolling
// performance. Fed live by the ledger tap and again during replay.
func (r *Registry) RecordClosedTrade(botID string, pnl decimal.Decimal, pnlPct float64) {
	if botID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.countersLocked(botID, time.Now().UTC())
	c.trades++
	if pnl.IsPositive() {
		c.wins++
		c.grossWin = c.grossWin.Add(pnl)
	} else {
		c.grossLoss = c.grossLoss.Add(pnl.Neg())
	}

	delta := pnlPct - c.retMean
	c.retMean += delta / float64(c.trades)
	c.retM2 += delta * (pnlPct - c.retMean)

	c.cumPnL = c.cumPnL.Add(pnl)
	if c.cumPnL.GreaterThan(c.peakPnL) {
		c.peakPnL = c.cumPnL
	}
	if dd := c.peakPnL.Sub(c.cumPnL); dd.GreaterThan(c.maxDD) {
		c.maxDD = dd
	}
}

// ApplyEntry rebuilds counters from one replayed ledger entry.
func (r *Registry) ApplyEntry(data events.EventData, at time.Time) {
	switch d := data.(type) {
	case *events.OrderPlacedData:
		if d.BotID == "" {
			return
		}
		if at.UTC().Format("2006-01-02") != time.Now().UTC().Format("2006-01-02") {
			return
		}
		r.NoteTrade(d.BotID, at)
	case *events.PositionClosedData:
		r.RecordClosedTrade(d.BotID, d.RealizedPnL, d.PnLPct)
	}
}

// TradingState assembles the live counter view of one bot.
func (r *Registry) TradingState(botID string) (domain.TradingState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[botID]
	if !ok {
		return domain.TradingState{}, false
	}
	c := r.countersLocked(botID, time.Now().UTC())

	ts := domain.TradingState{
		BotID:          botID,
		Status:         b.Status,
		DailyTrades:    c.dailyTrades,
		DailyPnL:       decimal.Zero,
		MissedTicks:    c.missedTicks,
		Evaluations:    c.evaluations,
		SignalsEmitted: c.signalsEmitted,
		LastTick:       c.lastTick,
	}
	if r.pnl != nil {
		ts.DailyPnL = r.pnl(botID)
	}
	return ts, true
}

// ResetDaily zeroes every bot's daily trade counter, run by the
// midnight re-arm job.
func (r *Registry) ResetDaily() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.counters {
		c.dailyTrades = 0
		c.day = time.Now().UTC().Format("2006-01-02")
	}
}

// Stats counts bots by status for the system status endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, b := range r.bots {
		out[string(b.Status)]++
	}
	return out
}

// countersLocked returns the counter row for a bot, rolling the UTC day
// over when it changed. Call with the write lock held.
func (r *Registry) countersLocked(botID string, at time.Time) *counters {
	c, ok := r.counters[botID]
	if !ok {
		c = newCounters()
		c.day = at.UTC().Format("2006-01-02")
		r.counters[botID] = c
	}
	day := at.UTC().Format("2006-01-02")
	if day > c.day {
		c.day = day
		c.dailyTrades = 0
	}
	return c
}

// performanceLocked derives the rolling performance view. Call with a
// lock held.
func (r *Registry) performanceLocked(botID string) domain.BotPerformance {
	c, ok := r.counters[botID]
	if !ok {
		return domain.BotPerformance{TotalPnL: decimal.Zero}
	}

	p := domain.BotPerformance{
		TotalTrades: c.trades,
		TotalPnL:    c.cumPnL,
		MaxDrawdown: c.maxDD.InexactFloat64(),
	}
	if c.trades > 0 {
		p.WinRate = float64(c.wins) / float64(c.trades)
	}
	// Profit factor reads zero until the first losing trade.
	if c.grossLoss.IsPositive() {
		p.ProfitFactor = c.grossWin.Div(c.grossLoss).InexactFloat64()
	}
	if c.trades >= 2 {
		variance := c.retM2 / float64(c.trades-1)
		if sd := math.Sqrt(variance); sd > 0 {
			p.Sharpe = c.retMean / sd
		}
	}
	return p
}

func clone(b *domain.Bot) *domain.Bot {
	cp := *b
	cp.Config.Symbols = append([]string(nil), b.Config.Symbols...)
	cp.Config.Timeframes = append([]domain.Timeframe(nil), b.Config.Timeframes...)
	cp.Fingerprint.StrategyTypes = append([]string(nil), b.Fingerprint.StrategyTypes...)
	cp.Fingerprint.Indicators = append([]string(nil), b.Fingerprint.Indicators...)
	cp.Fingerprint.PreferredRegimes = append([]string(nil), b.Fingerprint.PreferredRegimes...)
	return &cp
}
