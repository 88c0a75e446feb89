// Package portfolio owns position and cash state. Settled order book
// batches flow through ApplyBatch, yield accruals and claims through
// the yield methods, and startup replay rebuilds the same state through
// ApplyEntry. Live mutation and replay share one fill core so a rebuilt
// store is indistinguishable from one that watched every trade happen.
package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
	"github.com/quantfold/tradecore/internal/orderbook"
)

// tokenEpsilon is the dust threshold below which a position counts as
// closed. Matches the order book's zero-quantity cutoff.
const tokenEpsilon = 1e-9

// Appender is the slice of the ledger the store writes through.
type Appender interface {
	Append(data events.EventData)
}

// AssetLookup resolves catalog entries for valuation and allocation.
type AssetLookup func(assetID string) (*domain.Asset, bool)

// HolderSink observes holder-count deltas as positions open from zero
// or close to zero. The asset catalog keeps its holders column current
// through it.
type HolderSink func(assetID string, delta int)

type orderMeta struct {
	signalID   string
	botID      string
	patternKey string
}

// holding wraps the exported position row with attribution and the
// lifetime cost basis used for percentage P&L at close.
type holding struct {
	pos        domain.Position
	costIn     decimal.Decimal // cumulative buy cost since the row opened
	patternKey string
}

type yieldTotals struct {
	earned     decimal.Decimal
	reinvested decimal.Decimal
	claimed    decimal.Decimal
}

// Store is the single authority for positions and account cash. All
// mutation is serialized under one lock, which is what gives per-user
// position updates their ordering guarantee even when books for
// different assets settle in parallel.
type Store struct {
	repo      *AccountRepository
	ledger    Appender
	platform  decimal.Decimal // platform fee rate on realized profit, e.g. 0.10
	log       zerolog.Logger
	assetInfo AssetLookup
	holders   HolderSink

	mu        sync.RWMutex
	positions map[string]map[string]*holding // userID -> assetID -> holding
	accounts  map[string]*domain.Account
	yields    map[string]*yieldTotals
	realized  map[string]decimal.Decimal // lifetime realized P&L per user
	prefs     map[string]bool            // userID/assetID -> reinvest preference
	orders    map[string]orderMeta       // live order attribution
	patterns  map[string]string          // signalID -> patternKey, replay only

	day           string // UTC date the daily counters belong to
	dailyRealized decimal.Decimal
	dailyByBot    map[string]decimal.Decimal
}

// NewStore builds the store. platformFeePct is the percentage of
// positive realized P&L charged at position close (10 means 10%).
func NewStore(repo *AccountRepository, ledger Appender, platformFeePct float64, log zerolog.Logger) *Store {
	return &Store{
		repo:          repo,
		ledger:        ledger,
		platform:      decimal.NewFromFloat(platformFeePct).Div(decimal.NewFromInt(100)),
		log:           log.With().Str("component", "portfolio").Logger(),
		positions:     make(map[string]map[string]*holding),
		accounts:      make(map[string]*domain.Account),
		yields:        make(map[string]*yieldTotals),
		realized:      make(map[string]decimal.Decimal),
		prefs:         make(map[string]bool),
		orders:        make(map[string]orderMeta),
		patterns:      make(map[string]string),
		dailyRealized: decimal.Zero,
		dailyByBot:    make(map[string]decimal.Decimal),
	}
}

// SetAssetLookup wires the catalog resolver. Call during engine wiring,
// before traffic starts.
func (s *Store) SetAssetLookup(fn AssetLookup) { s.assetInfo = fn }

// SetHolderSink wires the holder-count observer. Call during engine
// wiring, before traffic starts.
func (s *Store) SetHolderSink(fn HolderSink) { s.holders = fn }

// LoadAccounts seeds account state and reinvestment preferences from
// the state database. Stored balances are funding seeds; ledger replay
// layers trading activity on top of them. Call before replay so rebuilt
// positions pick up their reinvest flags.
func (s *Store) LoadAccounts() error {
	accounts, err := s.repo.GetAll()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	prefs, err := s.repo.GetReinvestPrefs()
	if err != nil {
		return fmt.Errorf("failed to load reinvest prefs: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range accounts {
		s.accounts[a.UserID] = a
	}
	s.prefs = prefs
	s.log.Info().Int("accounts", len(accounts)).Msg("Accounts loaded")
	return nil
}

// PutAccount upserts an account in the state database and the live map.
func (s *Store) PutAccount(account *domain.Account) error {
	if err := s.repo.Upsert(account); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *account
	s.accounts[account.UserID] = &cp
	return nil
}

// Account returns a copy of one account.
func (s *Store) Account(userID string) (domain.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return domain.Account{}, false
	}
	return *a, true
}

// BalanceOf returns the live cash balance for a user.
func (s *Store) BalanceOf(userID string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return decimal.Zero, false
	}
	return a.Balance, true
}

// Position returns a copy of one position row, false when the user
// holds nothing in the asset.
func (s *Store) Position(userID, assetID string) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.holding(userID, assetID)
	if h == nil {
		return domain.Position{}, false
	}
	return h.pos, true
}

// OpenPositions returns copies of every open position for a user,
// sorted by asset id. The risk pipeline reads it for duplicate,
// correlation and VaR checks.
func (s *Store) OpenPositions(userID string) []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byAsset, ok := s.positions[userID]
	if !ok {
		return nil
	}
	out := make([]domain.Position, 0, len(byAsset))
	for _, h := range byAsset {
		out = append(out, h.pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// TrackOrder records signal attribution for an order before it reaches
// the book, so fills and the eventual close can be tied back to the
// pattern that produced them.
func (s *Store) TrackOrder(orderID, signalID, botID, patternKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[orderID] = orderMeta{signalID: signalID, botID: botID, patternKey: patternKey}
}

// ApplyBatch applies a settled order book batch: fills move tokens and
// cash, every fill and cancel is journaled, and derived entries
// (position open/close, platform fee, auto-claimed yield) land in the
// same ledger order a replay will see them. It runs on book writer
// goroutines and must stay lock-cheap.
func (s *Store) ApplyBatch(batch *orderbook.Batch) {
	if batch == nil || batch.Empty() {
		return
	}
	now := time.Now().UTC()

	byOrder := make(map[string]*domain.Order, len(batch.Orders))
	for i := range batch.Orders {
		byOrder[batch.Orders[i].ID] = &batch.Orders[i]
	}
	// Per-fill remaining is reconstructed by walking fills in match
	// order; batch.Orders only has the final state.
	filled := make(map[string]float64, len(byOrder))
	for _, f := range batch.Fills {
		filled[f.OrderID] += f.Qty
	}
	running := make(map[string]float64, len(byOrder))
	for id, o := range byOrder {
		running[id] = o.FilledQty - filled[id]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range batch.Fills {
		botID := ""
		remaining := 0.0
		if o, ok := byOrder[f.OrderID]; ok {
			botID = o.BotID
			running[f.OrderID] += f.Qty
			remaining = o.Qty - running[f.OrderID]
			if remaining < 0 {
				remaining = 0
			}
		}
		meta := s.orders[f.OrderID]
		if botID == "" {
			botID = meta.botID
		}

		s.ledger.Append(&events.OrderFilledData{
			FillID:    f.ID,
			OrderID:   f.OrderID,
			AssetID:   f.AssetID,
			UserID:    f.UserID,
			BotID:     botID,
			Side:      string(f.Side),
			Qty:       f.Qty,
			Price:     f.Price,
			Fee:       f.Fee,
			Remaining: remaining,
			Synthetic: f.Synthetic,
		})
		at := f.Timestamp
		if at.IsZero() {
			at = now
		}
		derived := s.applyFill(f, botID, meta.patternKey, at, true)
		for _, d := range derived {
			s.ledger.Append(d)
		}
		if remaining <= tokenEpsilon {
			delete(s.orders, f.OrderID)
		}
	}

	for _, c := range batch.Cancels {
		s.ledger.Append(&events.OrderCancelledData{
			OrderID:   c.Order.ID,
			UserID:    c.Order.UserID,
			AssetID:   c.Order.AssetID,
			Reason:    c.Reason,
			FilledQty: c.Order.FilledQty,
		})
		delete(s.orders, c.Order.ID)
	}
}

// ApplyEntry rebuilds state from one replayed ledger entry. Derived
// entries (position markers, fees, claims) arrive as their own rows, so
// the fill core must not re-derive them here.
func (s *Store) ApplyEntry(data events.EventData, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch d := data.(type) {
	case *events.SignalEmittedData:
		if d.PatternKey != "" {
			s.patterns[d.SignalID] = d.PatternKey
		}
	case *events.OrderPlacedData:
		s.orders[d.OrderID] = orderMeta{
			signalID:   d.SignalID,
			botID:      d.BotID,
			patternKey: s.patterns[d.SignalID],
		}
		delete(s.patterns, d.SignalID)
	case *events.OrderFilledData:
		meta := s.orders[d.OrderID]
		fill := domain.Fill{
			ID:        d.FillID,
			OrderID:   d.OrderID,
			AssetID:   d.AssetID,
			UserID:    d.UserID,
			Side:      domain.Side(d.Side),
			Qty:       d.Qty,
			Price:     d.Price,
			Fee:       d.Fee,
			Synthetic: d.Synthetic,
			Timestamp: at,
		}
		s.applyFill(fill, d.BotID, meta.patternKey, at, false)
		if d.Remaining <= tokenEpsilon {
			delete(s.orders, d.OrderID)
		}
	case *events.OrderCancelledData:
		delete(s.orders, d.OrderID)
	case *events.DistributionPaidData:
		s.applyDistribution(d)
	case *events.FeeChargedData:
		// Taker fees travel on fills; anything journaled here is a
		// straight cash debit.
		acct := s.ensureAccount(d.UserID)
		acct.Balance = acct.Balance.Sub(d.Amount)
	}
}

// FinishReplay drops replay-only scratch state and reports what the
// rebuild produced.
func (s *Store) FinishReplay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = make(map[string]string)

	rows := 0
	for _, byAsset := range s.positions {
		rows += len(byAsset)
	}
	s.log.Info().
		Int("positions", rows).
		Int("accounts", len(s.accounts)).
		Int("open_orders_tracked", len(s.orders)).
		Msg("Portfolio state rebuilt from ledger")
}

// applyFill is the shared mutation core for live batches and replay.
// In live mode it also performs the derived effects (platform fee
// debit, auto-claim of pending yield at close, holder-count deltas) and
// returns the ledger entries recording them; replay applies those
// effects from their own entries instead.
func (s *Store) applyFill(f domain.Fill, botID, patternKey string, at time.Time, live bool) []events.EventData {
	acct := s.ensureAccount(f.UserID)
	h := s.holding(f.UserID, f.AssetID)
	notional := f.Notional()

	var derived []events.EventData

	if f.Side == domain.SideBuy {
		cost := notional.Add(f.Fee)
		// Reinvested yield pays with income that never touched the
		// cash balance, but it still counts toward cost basis.
		if !f.Synthetic {
			acct.Balance = acct.Balance.Sub(cost)
		}
		opened := h == nil
		if opened {
			h = s.ensureHolding(f.UserID, f.AssetID)
			h.pos.BotID = botID
			h.pos.OpenedAt = at
			h.patternKey = patternKey
		}
		oldTokens := decimal.NewFromFloat(h.pos.Tokens)
		newTokens := oldTokens.Add(decimal.NewFromFloat(f.Qty))
		h.pos.AvgCost = h.pos.AvgCost.Mul(oldTokens).Add(cost).Div(newTokens)
		h.pos.Tokens += f.Qty
		h.pos.UpdatedAt = at
		h.costIn = h.costIn.Add(cost)

		if opened && live {
			if s.holders != nil {
				s.holders(f.AssetID, 1)
			}
			derived = append(derived, &events.PositionOpenedData{
				UserID:  f.UserID,
				AssetID: f.AssetID,
				BotID:   h.pos.BotID,
				Tokens:  f.Qty,
				AvgCost: h.pos.AvgCost,
			})
		}
		return derived
	}

	// Sell: proceeds net of the taker fee, realized against the
	// running average cost.
	proceeds := notional.Sub(f.Fee)
	if !f.Synthetic {
		acct.Balance = acct.Balance.Add(proceeds)
	}
	if h == nil {
		s.log.Warn().
			Str("user_id", f.UserID).
			Str("asset_id", f.AssetID).
			Float64("qty", f.Qty).
			Msg("Sell fill without a position")
		return derived
	}
	if f.Qty > h.pos.Tokens+tokenEpsilon {
		s.log.Warn().
			Str("user_id", f.UserID).
			Str("asset_id", f.AssetID).
			Float64("qty", f.Qty).
			Float64("held", h.pos.Tokens).
			Msg("Sell fill exceeds held tokens")
	}
	soldCost := h.pos.AvgCost.Mul(decimal.NewFromFloat(f.Qty))
	realized := proceeds.Sub(soldCost)
	h.pos.RealizedPnL = h.pos.RealizedPnL.Add(realized)
	h.pos.Tokens -= f.Qty
	h.pos.UpdatedAt = at
	s.realized[f.UserID] = s.realized[f.UserID].Add(realized)
	s.addDailyRealized(h.pos.BotID, realized, at)

	if h.pos.Tokens > tokenEpsilon {
		return derived
	}

	// Full close. Pending yield is paid out rather than orphaned with
	// the row, then the platform takes its cut of any profit.
	totalRealized := h.pos.RealizedPnL
	pnlPct := 0.0
	if h.costIn.IsPositive() {
		pnlPct = totalRealized.Div(h.costIn).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	if live {
		if h.pos.PendingYield.IsPositive() {
			payout := &events.DistributionPaidData{
				AssetID: f.AssetID,
				UserID:  f.UserID,
				Amount:  h.pos.PendingYield,
				Claimed: true,
			}
			s.applyDistribution(payout)
			derived = append(derived, payout)
		}
		derived = append(derived, &events.PositionClosedData{
			UserID:      f.UserID,
			AssetID:     f.AssetID,
			BotID:       h.pos.BotID,
			Tokens:      f.Qty,
			RealizedPnL: totalRealized,
			PnLPct:      pnlPct,
			PatternKey:  h.patternKey,
		})
		if totalRealized.IsPositive() && s.platform.IsPositive() && !acct.Operator {
			fee := totalRealized.Mul(s.platform)
			acct.Balance = acct.Balance.Sub(fee)
			derived = append(derived, &events.FeeChargedData{
				UserID:  f.UserID,
				AssetID: f.AssetID,
				BotID:   h.pos.BotID,
				Kind:    "platform",
				Amount:  fee,
			})
		}
		if s.holders != nil {
			s.holders(f.AssetID, -1)
		}
	}
	s.removeHolding(f.UserID, f.AssetID)
	return derived
}

func (s *Store) holding(userID, assetID string) *holding {
	byAsset, ok := s.positions[userID]
	if !ok {
		return nil
	}
	return byAsset[assetID]
}

func (s *Store) ensureHolding(userID, assetID string) *holding {
	byAsset, ok := s.positions[userID]
	if !ok {
		byAsset = make(map[string]*holding)
		s.positions[userID] = byAsset
	}
	h, ok := byAsset[assetID]
	if !ok {
		h = &holding{
			pos: domain.Position{
				UserID:      userID,
				AssetID:     assetID,
				AvgCost:     decimal.Zero,
				RealizedPnL: decimal.Zero,
				Reinvest:    s.prefs[userID+"/"+assetID],
			},
			costIn: decimal.Zero,
		}
		byAsset[assetID] = h
	}
	return h
}

func (s *Store) removeHolding(userID, assetID string) {
	byAsset, ok := s.positions[userID]
	if !ok {
		return
	}
	delete(byAsset, assetID)
	if len(byAsset) == 0 {
		delete(s.positions, userID)
	}
}

func (s *Store) ensureAccount(userID string) *domain.Account {
	a, ok := s.accounts[userID]
	if !ok {
		a = &domain.Account{UserID: userID, Balance: decimal.Zero, CreatedAt: time.Now().UTC()}
		s.accounts[userID] = a
	}
	return a
}

func (s *Store) ensureYield(userID string) *yieldTotals {
	y, ok := s.yields[userID]
	if !ok {
		y = &yieldTotals{earned: decimal.Zero, reinvested: decimal.Zero, claimed: decimal.Zero}
		s.yields[userID] = y
	}
	return y
}

// addDailyRealized folds a realized P&L delta into the daily counters,
// rolling them over when the UTC date changes. Replayed fills from
// earlier days never pollute today's trip state.
func (s *Store) addDailyRealized(botID string, realized decimal.Decimal, at time.Time) {
	day := at.UTC().Format("2006-01-02")
	today := time.Now().UTC().Format("2006-01-02")
	if day != today {
		return
	}
	if s.day != today {
		s.day = today
		s.dailyRealized = decimal.Zero
		s.dailyByBot = make(map[string]decimal.Decimal)
	}
	s.dailyRealized = s.dailyRealized.Add(realized)
	if botID != "" {
		s.dailyByBot[botID] = s.dailyByBot[botID].Add(realized)
	}
}

// DailyRealized is today's platform-wide realized P&L, consulted by
// the scheduler's daily loss trip.
func (s *Store) DailyRealized() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.day != time.Now().UTC().Format("2006-01-02") {
		return decimal.Zero
	}
	return s.dailyRealized
}

// BotDailyRealized is today's realized P&L attributed to one bot.
func (s *Store) BotDailyRealized(botID string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.day != time.Now().UTC().Format("2006-01-02") {
		return decimal.Zero
	}
	return s.dailyByBot[botID]
}

// ResetDaily clears the daily P&L counters. The scheduler runs it from
// the midnight re-arm job.
func (s *Store) ResetDaily() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.day = time.Now().UTC().Format("2006-01-02")
	s.dailyRealized = decimal.Zero
	s.dailyByBot = make(map[string]decimal.Decimal)
}

// HolderCounts returns users holding tokens per asset. The engine uses
// it to reset catalog holder counts after replay.
func (s *Store) HolderCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, byAsset := range s.positions {
		for assetID, h := range byAsset {
			if h.pos.Tokens > tokenEpsilon {
				counts[assetID]++
			}
		}
	}
	return counts
}

// Reconcile verifies position invariants after replay: no negative
// balances, no negative token rows, and per-asset totals within total
// supply. Violations mean the ledger and reality disagree; the engine
// refuses to trade on them.
func (s *Store) Reconcile(supply map[string]float64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var problems []string
	perAsset := make(map[string]float64)
	for userID, byAsset := range s.positions {
		for assetID, h := range byAsset {
			if h.pos.Tokens < -tokenEpsilon {
				problems = append(problems, fmt.Sprintf(
					"position %s/%s has negative tokens %.9f", userID, assetID, h.pos.Tokens))
			}
			perAsset[assetID] += h.pos.Tokens
		}
	}
	for assetID, total := range perAsset {
		max, ok := supply[assetID]
		if !ok {
			problems = append(problems, fmt.Sprintf(
				"positions reference unknown asset %s", assetID))
			continue
		}
		if total > max+tokenEpsilon {
			problems = append(problems, fmt.Sprintf(
				"asset %s positions total %.9f exceeds supply %.9f", assetID, total, max))
		}
	}
	centDebt := decimal.NewFromFloat(-0.01)
	for userID, a := range s.accounts {
		if a.Balance.LessThan(centDebt) {
			problems = append(problems, fmt.Sprintf(
				"account %s has negative balance %s", userID, a.Balance))
		}
	}
	sort.Strings(problems)
	return problems
}
