// Package risk is the gate every order passes on its way to a book.
// Signals run a fixed sequence of fail-fast checks, get sized from the
// account balance, are journaled before the matching engine sees them,
// and carry protective exits when the strategy asked for them. Manual
// orders take the short path: brake check, journal, submit.
package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
	"github.com/quantfold/tradecore/internal/orderbook"
)

// Catalog is the slice of the asset service the pipeline reads.
type Catalog interface {
	Get(id string) (*domain.Asset, bool)
	GetBySymbol(symbol string) (*domain.Asset, bool)
	FeeBps(assetID string) int64
}

// Books places orders and answers price/resting-order lookups. The
// order book manager implements it.
type Books interface {
	Submit(ctx context.Context, order domain.Order) (*orderbook.Batch, error)
	Cancel(ctx context.Context, assetID, orderID, reason string) error
	Order(ctx context.Context, assetID, orderID string) (domain.Order, bool)
	Snapshot(assetID string) *orderbook.Snapshot
}

// Accounts is the slice of the portfolio store the pipeline reads and
// notifies.
type Accounts interface {
	Account(userID string) (domain.Account, bool)
	BalanceOf(userID string) (decimal.Decimal, bool)
	OpenPositions(userID string) []domain.Position
	TrackOrder(orderID, signalID, botID, patternKey string)
}

// BotRegistry is the slice of the bot registry the pipeline reads.
type BotRegistry interface {
	Get(id string) (domain.Bot, bool)
	DailyTrades(botID string, at time.Time) int
	NoteTrade(botID string, at time.Time)
}

// Journal is the slice of the ledger the pipeline writes through.
type Journal interface {
	Append(data events.EventData)
	AppendSync(ctx context.Context, data events.EventData) (uint64, error)
	ReserveSignalOrder(ctx context.Context, signalID, orderID string) (string, bool, error)
}

// History supplies daily closes for the correlation estimate.
type History interface {
	DailyCloses(ctx context.Context, symbol string, n int) ([]float64, error)
}

// Volatility supplies the ATR-derived sigma for the VaR estimate. The
// indicator cache implements it.
type Volatility interface {
	Get(symbol string, timeframe domain.Timeframe, name string, period int) (float64, error)
}

// DailyPnL reports a bot's realized P&L for the current UTC day.
type DailyPnL func(botID string) decimal.Decimal

type protectiveKey struct {
	userID  string
	assetID string
}

// Service is the risk and execution pipeline.
type Service struct {
	brake    *Brake
	catalog  Catalog
	books    Books
	accounts Accounts
	bots     BotRegistry
	journal  Journal
	log      zerolog.Logger

	history  History
	vol      Volatility
	dailyPnL DailyPnL

	autoExecute bool
	z           float64 // cached normal quantile for VaRConfidence

	mu         sync.Mutex
	protective map[protectiveKey][]string // resting protective order ids
}

// NewService creates the risk pipeline. autoExecute=false turns it into
// a signal recorder: checks run, nothing reaches a book.
func NewService(
	brake *Brake,
	catalog Catalog,
	books Books,
	accounts Accounts,
	bots BotRegistry,
	journal Journal,
	autoExecute bool,
	log zerolog.Logger,
) *Service {
	return &Service{
		brake:       brake,
		catalog:     catalog,
		books:       books,
		accounts:    accounts,
		bots:        bots,
		journal:     journal,
		autoExecute: autoExecute,
		z:           zScore(VaRConfidence),
		log:         log.With().Str("component", "risk").Logger(),
		protective:  make(map[protectiveKey][]string),
	}
}

// SetHistory wires the daily-close source for the correlation check.
// Without it the check degrades to a logged skip.
func (s *Service) SetHistory(h History) { s.history = h }

// SetVolatility wires the ATR source for the VaR check.
func (s *Service) SetVolatility(v Volatility) { s.vol = v }

// SetDailyPnL wires the bot daily loss lookup.
func (s *Service) SetDailyPnL(fn DailyPnL) { s.dailyPnL = fn }

// Brake exposes the emergency brake to handlers and the engine.
func (s *Service) Brake() *Brake { return s.brake }

// Process runs a signal through the check sequence and, when the
// pipeline executes, places the sized order. A nil order with nil error
// means the signal was recorded without execution (autoExecute off).
func (s *Service) Process(ctx context.Context, signal *domain.Signal) (*domain.Order, error) {
	now := time.Now().UTC()

	bot, asset, err := s.runChecks(ctx, signal, now)
	if err != nil {
		s.reject(signal, err)
		return nil, err
	}

	if !s.autoExecute {
		s.journal.Append(signalData(signal))
		s.log.Info().Str("signal_id", signal.ID).Str("symbol", signal.Symbol).
			Str("side", string(signal.Side)).Msg("Signal recorded, auto-execute off")
		return nil, nil
	}

	basis := s.priceBasis(asset, signal.Side)
	if basis <= 0 {
		err := domain.NewStateError(domain.CodeNotReady, "no price available for "+signal.Symbol)
		s.reject(signal, err)
		return nil, err
	}

	qty, err := s.size(signal, bot, asset, basis)
	if err != nil {
		s.reject(signal, err)
		return nil, err
	}

	if err := s.checkVaR(ctx, signal, bot, qty*basis); err != nil {
		s.reject(signal, err)
		return nil, err
	}

	order := domain.Order{
		ID:        uuid.NewString(),
		SignalID:  signal.ID,
		UserID:    signal.UserID,
		BotID:     signal.BotID,
		AssetID:   signal.AssetID,
		Side:      signal.Side,
		Type:      orderTypeOf(signal),
		Qty:       qty,
		Status:    domain.OrderStatusOpen,
		CreatedAt: now,
	}

	// The (signal -> order) reservation lands before the book is
	// touched; a crash after this point replays into the same order id
	// instead of a double execution.
	winner, inserted, err := s.journal.ReserveSignalOrder(ctx, signal.ID, order.ID)
	if err != nil {
		return nil, domain.NewTransientError(domain.CodeInternal, "signal reservation failed", err)
	}
	if !inserted {
		return s.existingOrder(ctx, signal, winner), nil
	}

	s.journal.Append(signalData(signal))
	if _, err := s.journal.AppendSync(ctx, placedData(&order)); err != nil {
		s.brake.Engage("ledger write failure: "+err.Error(), "fatal_error")
		return nil, domain.NewFatalError(domain.CodeInternal, "order journaling failed", err)
	}

	s.accounts.TrackOrder(order.ID, signal.ID, signal.BotID, signal.PatternKey)
	s.bots.NoteTrade(signal.BotID, now)

	batch, submitErr := s.books.Submit(ctx, order)
	final := order
	if batch != nil && batch.Taker != nil {
		final = *batch.Taker
	}

	s.log.Info().Str("signal_id", signal.ID).Str("order_id", final.ID).
		Str("symbol", signal.Symbol).Str("side", string(final.Side)).
		Float64("qty", final.Qty).Float64("filled", final.FilledQty).
		Str("status", string(final.Status)).Msg("Signal order settled")

	if final.Side == domain.SideBuy && final.FilledQty > 0 {
		s.placeProtective(ctx, signal, &final)
	}
	return &final, submitErr
}

// PlaceManual journals and submits a pre-validated manual order. The
// assets handlers call it after their own trade validation.
func (s *Service) PlaceManual(ctx context.Context, order domain.Order) (*orderbook.Batch, error) {
	if s.brake.Engaged() {
		return nil, domain.NewStateError(domain.CodeBrakeActive, "emergency brake is engaged")
	}
	if _, err := s.journal.AppendSync(ctx, placedData(&order)); err != nil {
		s.brake.Engage("ledger write failure: "+err.Error(), "fatal_error")
		return nil, domain.NewFatalError(domain.CodeInternal, "order journaling failed", err)
	}
	return s.books.Submit(ctx, order)
}

// runChecks is the sequential fail-fast gauntlet. It resolves the bot
// and asset once and hands them back for sizing.
func (s *Service) runChecks(ctx context.Context, signal *domain.Signal, now time.Time) (domain.Bot, *domain.Asset, error) {
	var bot domain.Bot

	// Check 1: emergency brake.
	if s.brake.Engaged() {
		return bot, nil, domain.NewStateError(domain.CodeBrakeActive, "emergency brake is engaged")
	}

	// Check 2: bot state and daily caps.
	bot, ok := s.bots.Get(signal.BotID)
	if !ok {
		return bot, nil, domain.NewInputError(domain.CodeNotFound, "unknown bot "+signal.BotID)
	}
	if bot.Status != domain.BotStatusActive {
		return bot, nil, domain.NewStateError(domain.CodeBotNotActive,
			fmt.Sprintf("bot %s is %s", bot.ID, bot.Status))
	}
	if bot.Config.MaxDailyTrades > 0 && s.bots.DailyTrades(bot.ID, now) >= bot.Config.MaxDailyTrades {
		return bot, nil, domain.NewStateError(domain.CodeCapReached,
			fmt.Sprintf("daily trade cap %d reached", bot.Config.MaxDailyTrades))
	}
	if bot.Config.MaxDailyLoss.IsPositive() && s.dailyPnL != nil {
		if pnl := s.dailyPnL(bot.ID); pnl.LessThanOrEqual(bot.Config.MaxDailyLoss.Neg()) {
			return bot, nil, domain.NewStateError(domain.CodeCapReached,
				"daily loss limit reached: "+pnl.StringFixed(2))
		}
	}

	// Check 3: asset exists and trades.
	asset, ok := s.catalog.Get(signal.AssetID)
	if !ok {
		return bot, nil, domain.NewInputError(domain.CodeUnknownSymbol, "unknown asset "+signal.AssetID)
	}
	if !asset.Active && signal.Side == domain.SideBuy {
		return bot, nil, domain.NewStateError(domain.CodeAssetNotActive, asset.Symbol+" is not trading")
	}

	// Check 4: compliance.
	account, ok := s.accounts.Account(signal.UserID)
	if !ok {
		return bot, nil, domain.NewInputError(domain.CodeNotFound, "unknown account "+signal.UserID)
	}
	if asset.AccreditedOnly && !account.Accredited && signal.Side == domain.SideBuy {
		return bot, nil, domain.NewStateError(domain.CodeComplianceDenied,
			asset.Symbol+" requires an accredited account")
	}

	// Check 5: duplicate exposure.
	positions := s.accounts.OpenPositions(signal.UserID)
	held := findPosition(positions, signal.AssetID)
	switch signal.Side {
	case domain.SideBuy:
		if held != nil && !bot.Config.ScaleIn {
			return bot, nil, domain.NewStateError(domain.CodeDuplicatePosition,
				"position already open in "+asset.Symbol)
		}
	case domain.SideSell:
		if held == nil || held.Tokens <= 0 {
			return bot, nil, domain.NewStateError(domain.CodeInsufficientTokens,
				"no position to exit in "+asset.Symbol)
		}
	}

	// Check 6: correlation cap against open positions.
	if err := s.checkCorrelation(ctx, signal, &bot, positions); err != nil {
		return bot, nil, err
	}

	// Check 7 (VaR) runs after sizing; it needs the planned notional.
	return bot, asset, nil
}

// checkCorrelation rejects buys whose daily returns track an already
// held asset too closely. Pairs with too little shared history are
// skipped: an unmeasurable correlation is not a breached one.
func (s *Service) checkCorrelation(ctx context.Context, signal *domain.Signal, bot *domain.Bot, positions []domain.Position) error {
	if signal.Side != domain.SideBuy || bot.Config.CorrelationLimit <= 0 || len(positions) == 0 {
		return nil
	}
	if s.history == nil {
		s.log.Warn().Str("bot_id", bot.ID).Msg("No history source, correlation check skipped")
		return nil
	}

	candidate, err := s.returnsFor(ctx, signal.Symbol)
	if err != nil || len(candidate) == 0 {
		s.log.Warn().Err(err).Str("symbol", signal.Symbol).
			Msg("No return history for candidate, correlation check skipped")
		return nil
	}

	for i := range positions {
		pos := &positions[i]
		if pos.AssetID == signal.AssetID || pos.Tokens <= 0 {
			continue
		}
		other, ok := s.catalog.Get(pos.AssetID)
		if !ok {
			continue
		}
		held, err := s.returnsFor(ctx, other.Symbol)
		if err != nil || len(held) == 0 {
			s.log.Warn().Err(err).Str("symbol", other.Symbol).
				Msg("No return history for held asset, pair skipped")
			continue
		}
		rho, ok := pairCorrelation(candidate, held)
		if !ok {
			continue
		}
		if math.Abs(rho) > bot.Config.CorrelationLimit {
			return domain.NewStateError(domain.CodeCorrelationLimit,
				fmt.Sprintf("%s correlates %.2f with held %s (limit %.2f)",
					signal.Symbol, rho, other.Symbol, bot.Config.CorrelationLimit))
		}
	}
	return nil
}

// checkVaR rejects buys that would push one-day parametric portfolio
// VaR past the bot's limit. Sigma is ATR(14)/price on the daily series;
// positions without a measurable sigma are excluded with a warning.
func (s *Service) checkVaR(ctx context.Context, signal *domain.Signal, bot domain.Bot, plannedNotional float64) error {
	if signal.Side != domain.SideBuy || !bot.Config.VaRLimit.IsPositive() {
		return nil
	}
	if s.vol == nil {
		s.log.Warn().Str("bot_id", bot.ID).Msg("No volatility source, VaR check skipped")
		return nil
	}

	sigma, err := s.sigmaFor(signal.Symbol)
	if err != nil {
		return domain.NewStateError(domain.CodeNotReady,
			"volatility not ready for "+signal.Symbol)
	}

	type leg struct {
		symbol string
		vaR    float64
	}
	legs := []leg{{symbol: signal.Symbol, vaR: plannedNotional * s.z * sigma}}

	for _, pos := range s.accounts.OpenPositions(signal.UserID) {
		if pos.Tokens <= 0 {
			continue
		}
		asset, ok := s.catalog.Get(pos.AssetID)
		if !ok || asset.Price <= 0 {
			continue
		}
		ps, err := s.sigmaFor(asset.Symbol)
		if err != nil {
			s.log.Warn().Str("symbol", asset.Symbol).Msg("Held asset sigma not ready, excluded from VaR")
			continue
		}
		legs = append(legs, leg{symbol: asset.Symbol, vaR: pos.Tokens * asset.Price * s.z * ps})
	}

	// Pairwise correlation matrix; unmeasurable pairs count as
	// uncorrelated.
	n := len(legs)
	vars := make([]float64, n)
	corr := make([][]float64, n)
	returns := make(map[string][]float64, n)
	for i, l := range legs {
		vars[i] = l.vaR
		corr[i] = make([]float64, n)
		corr[i][i] = 1
		if s.history != nil {
			if r, err := s.returnsFor(ctx, l.symbol); err == nil {
				returns[l.symbol] = r
			}
		}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if legs[i].symbol == legs[j].symbol {
				corr[i][j], corr[j][i] = 1, 1
				continue
			}
			if rho, ok := pairCorrelation(returns[legs[i].symbol], returns[legs[j].symbol]); ok {
				corr[i][j], corr[j][i] = rho, rho
			}
		}
	}

	total := portfolioVaR(vars, corr)
	if decimal.NewFromFloat(total).GreaterThan(bot.Config.VaRLimit) {
		return domain.NewStateError(domain.CodeVaRLimit,
			fmt.Sprintf("portfolio VaR %.2f exceeds limit %s", total, bot.Config.VaRLimit.StringFixed(2)))
	}
	return nil
}

// size turns a signal into a token quantity: the account commits
// balance x riskPerTrade x confidence, the taker fee comes out of that
// committed amount, and the remainder buys tokens at the basis price.
func (s *Service) size(signal *domain.Signal, bot domain.Bot, asset *domain.Asset, basis float64) (float64, error) {
	balance, ok := s.accounts.BalanceOf(signal.UserID)
	if !ok {
		return 0, domain.NewInputError(domain.CodeNotFound, "unknown account "+signal.UserID)
	}

	riskAmount := balance.
		Mul(decimal.NewFromFloat(bot.Config.RiskPerTrade)).
		Mul(decimal.NewFromFloat(signal.Confidence))
	if !riskAmount.IsPositive() {
		return 0, domain.NewStateError(domain.CodeInsufficientBalance,
			"no balance to risk: "+balance.StringFixed(2))
	}

	feeRate := decimal.NewFromInt(s.catalog.FeeBps(asset.ID)).Div(decimal.NewFromInt(10000))
	fee := riskAmount.Mul(feeRate)
	qty := riskAmount.Sub(fee).InexactFloat64() / basis

	if bot.Config.MaxPositionSize > 0 {
		if maxQty := bot.Config.MaxPositionSize / basis; qty > maxQty {
			qty = maxQty
		}
	}
	if signal.Side == domain.SideSell {
		if held := findPosition(s.accounts.OpenPositions(signal.UserID), signal.AssetID); held != nil && qty > held.Tokens {
			qty = held.Tokens
		}
	}
	if qty < asset.MinTrade {
		return 0, domain.NewStateError(domain.CodeBelowMinimum,
			fmt.Sprintf("sized quantity %.6f below minimum trade %.6f", qty, asset.MinTrade))
	}
	return qty, nil
}

// placeProtective attaches the stop-loss and take-profit exits a signal
// asked for, sized to what actually filled. Failures log and move on;
// the entry stands either way.
func (s *Service) placeProtective(ctx context.Context, signal *domain.Signal, entry *domain.Order) {
	if signal.StopLossPct <= 0 && signal.TakeProfitPct <= 0 {
		return
	}
	avg := entry.AvgFillPrice
	if avg <= 0 {
		return
	}

	var ids []string
	if signal.StopLossPct > 0 {
		trigger := avg * (1 - signal.StopLossPct/100)
		if id, err := s.submitExit(ctx, signal, entry, domain.OrderTypeStop, trigger); err != nil {
			s.log.Error().Err(err).Str("order_id", entry.ID).Msg("Stop-loss placement failed")
		} else {
			ids = append(ids, id)
		}
	}
	if signal.TakeProfitPct > 0 {
		limit := avg * (1 + signal.TakeProfitPct/100)
		if id, err := s.submitExit(ctx, signal, entry, domain.OrderTypeLimit, limit); err != nil {
			s.log.Error().Err(err).Str("order_id", entry.ID).Msg("Take-profit placement failed")
		} else {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}

	key := protectiveKey{userID: entry.UserID, assetID: entry.AssetID}
	s.mu.Lock()
	s.protective[key] = append(s.protective[key], ids...)
	s.mu.Unlock()
}

func (s *Service) submitExit(ctx context.Context, signal *domain.Signal, entry *domain.Order, typ domain.OrderType, price float64) (string, error) {
	order := domain.Order{
		ID:        uuid.NewString(),
		SignalID:  signal.ID,
		UserID:    entry.UserID,
		BotID:     entry.BotID,
		AssetID:   entry.AssetID,
		Side:      domain.SideSell,
		Type:      typ,
		Qty:       entry.FilledQty,
		Status:    domain.OrderStatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	switch typ {
	case domain.OrderTypeStop:
		order.StopPrice = &price
	case domain.OrderTypeLimit:
		order.LimitPrice = &price
	}

	s.journal.Append(placedData(&order))
	s.accounts.TrackOrder(order.ID, signal.ID, entry.BotID, signal.PatternKey)
	if _, err := s.books.Submit(ctx, order); err != nil {
		return "", err
	}
	return order.ID, nil
}

// OnPositionClosed cancels leftover protective orders once the position
// they guarded is gone. The engine wires it to PositionClosed ledger
// entries; without it a filled take-profit would leave its stop armed
// against tokens the user no longer holds.
func (s *Service) OnPositionClosed(userID, assetID string) {
	key := protectiveKey{userID: userID, assetID: assetID}
	s.mu.Lock()
	ids := s.protective[key]
	delete(s.protective, key)
	s.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := s.books.Cancel(ctx, assetID, id, orderbook.ReasonPositionClosed); err != nil {
			// Usually already gone: the cancel raced the fill that
			// closed the position.
			s.log.Debug().Err(err).Str("order_id", id).Msg("Protective cancel skipped")
		}
	}
}

// existingOrder resolves an idempotent retry: the signal already
// produced an order, hand back what the book still knows about it.
func (s *Service) existingOrder(ctx context.Context, signal *domain.Signal, orderID string) *domain.Order {
	s.log.Info().Str("signal_id", signal.ID).Str("order_id", orderID).
		Msg("Signal already executed, returning existing order")
	if resting, ok := s.books.Order(ctx, signal.AssetID, orderID); ok {
		return &resting
	}
	return &domain.Order{
		ID:       orderID,
		SignalID: signal.ID,
		UserID:   signal.UserID,
		BotID:    signal.BotID,
		AssetID:  signal.AssetID,
		Side:     signal.Side,
	}
}

func (s *Service) reject(signal *domain.Signal, err error) {
	derr, _ := domain.AsError(err)
	code, msg := domain.CodeInternal, err.Error()
	if derr != nil {
		code, msg = derr.Code, derr.Message
	}
	s.journal.Append(&events.OrderRejectedData{
		SignalID: signal.ID,
		BotID:    signal.BotID,
		UserID:   signal.UserID,
		AssetID:  signal.AssetID,
		Code:     code,
		Message:  msg,
	})
	s.log.Info().Str("signal_id", signal.ID).Str("symbol", signal.Symbol).
		Str("code", code).Str("reason", msg).Msg("Signal rejected")
}

// priceBasis is the executable touch for sizing: book ask for buys, bid
// for sells, catalog mark when the book is empty.
func (s *Service) priceBasis(asset *domain.Asset, side domain.Side) float64 {
	if snap := s.books.Snapshot(asset.ID); snap != nil {
		if side == domain.SideBuy && snap.BestAsk > 0 {
			return snap.BestAsk
		}
		if side == domain.SideSell && snap.BestBid > 0 {
			return snap.BestBid
		}
	}
	return asset.Price
}

func (s *Service) returnsFor(ctx context.Context, symbol string) ([]float64, error) {
	closes, err := s.history.DailyCloses(ctx, symbol, ReturnLookback+1)
	if err != nil {
		return nil, err
	}
	return dailyReturns(closes), nil
}

func (s *Service) sigmaFor(symbol string) (float64, error) {
	atr, err := s.vol.Get(symbol, domain.Timeframe1d, "atr", 14)
	if err != nil {
		return 0, err
	}
	asset, ok := s.catalog.GetBySymbol(symbol)
	if !ok || asset.Price <= 0 {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return atr / asset.Price, nil
}

func findPosition(positions []domain.Position, assetID string) *domain.Position {
	for i := range positions {
		if positions[i].AssetID == assetID {
			return &positions[i]
		}
	}
	return nil
}

func orderTypeOf(signal *domain.Signal) domain.OrderType {
	if signal.OrderType != "" {
		return signal.OrderType
	}
	return domain.OrderTypeMarket
}

func signalData(signal *domain.Signal) *events.SignalEmittedData {
	return &events.SignalEmittedData{
		SignalID:   signal.ID,
		BotID:      signal.BotID,
		UserID:     signal.UserID,
		AssetID:    signal.AssetID,
		Symbol:     signal.Symbol,
		Side:       string(signal.Side),
		Confidence: signal.Confidence,
		Rationale:  signal.Rationale,
		PatternKey: signal.PatternKey,
	}
}

func placedData(o *domain.Order) *events.OrderPlacedData {
	d := &events.OrderPlacedData{
		OrderID:    o.ID,
		SignalID:   o.SignalID,
		UserID:     o.UserID,
		BotID:      o.BotID,
		AssetID:    o.AssetID,
		Side:       string(o.Side),
		OrderType:  string(o.Type),
		Qty:        o.Qty,
		LimitPrice: o.LimitPrice,
		StopPrice:  o.StopPrice,
	}
	if !o.ExpiresAt.IsZero() {
		t := o.ExpiresAt
		d.ExpiresAt = &t
	}
	return d
}
