package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
	"github.com/quantfold/tradecore/internal/orderbook"
)

// --- fakes -----------------------------------------------------------

type fakeCatalog struct {
	assets map[string]*domain.Asset
	fee    int64
}

func (f *fakeCatalog) Get(id string) (*domain.Asset, bool) {
	a, ok := f.assets[id]
	return a, ok
}

func (f *fakeCatalog) GetBySymbol(symbol string) (*domain.Asset, bool) {
	for _, a := range f.assets {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return nil, false
}

func (f *fakeCatalog) FeeBps(string) int64 { return f.fee }

type cancelRec struct {
	assetID, orderID, reason string
}

type fakeBooks struct {
	mu           sync.Mutex
	submitted    []domain.Order
	cancels      []cancelRec
	resting      map[string]domain.Order
	snap         map[string]*orderbook.Snapshot
	fill         bool
	fillPrice    float64
	submitErr    error
	beforeSubmit func()
}

func (f *fakeBooks) Submit(_ context.Context, order domain.Order) (*orderbook.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beforeSubmit != nil {
		f.beforeSubmit()
	}
	f.submitted = append(f.submitted, order)
	taker := order
	if f.submitErr != nil {
		taker.Status = domain.OrderStatusRejected
		return &orderbook.Batch{AssetID: order.AssetID, Taker: &taker}, f.submitErr
	}
	if f.fill {
		taker.FilledQty = order.Qty
		taker.AvgFillPrice = f.fillPrice
		taker.Status = domain.OrderStatusFilled
	}
	return &orderbook.Batch{AssetID: order.AssetID, Taker: &taker}, nil
}

func (f *fakeBooks) Cancel(_ context.Context, assetID, orderID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, cancelRec{assetID, orderID, reason})
	return nil
}

func (f *fakeBooks) Order(_ context.Context, _, orderID string) (domain.Order, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.resting[orderID]
	return o, ok
}

func (f *fakeBooks) Snapshot(assetID string) *orderbook.Snapshot {
	if f.snap == nil {
		return nil
	}
	return f.snap[assetID]
}

func (f *fakeBooks) submittedOrders() []domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Order, len(f.submitted))
	copy(out, f.submitted)
	return out
}

type trackRec struct {
	orderID, signalID, botID, patternKey string
}

type fakeAccounts struct {
	accounts  map[string]domain.Account
	balances  map[string]decimal.Decimal
	positions map[string][]domain.Position
	tracked   []trackRec
}

func (f *fakeAccounts) Account(userID string) (domain.Account, bool) {
	a, ok := f.accounts[userID]
	return a, ok
}

func (f *fakeAccounts) BalanceOf(userID string) (decimal.Decimal, bool) {
	b, ok := f.balances[userID]
	return b, ok
}

func (f *fakeAccounts) OpenPositions(userID string) []domain.Position {
	return f.positions[userID]
}

func (f *fakeAccounts) TrackOrder(orderID, signalID, botID, patternKey string) {
	f.tracked = append(f.tracked, trackRec{orderID, signalID, botID, patternKey})
}

type fakeRegistry struct {
	bots   map[string]domain.Bot
	trades map[string]int
	noted  int
}

func (f *fakeRegistry) Get(id string) (domain.Bot, bool) {
	b, ok := f.bots[id]
	return b, ok
}

func (f *fakeRegistry) DailyTrades(botID string, _ time.Time) int { return f.trades[botID] }

func (f *fakeRegistry) NoteTrade(string, time.Time) { f.noted++ }

type fakeJournal struct {
	mu           sync.Mutex
	entries      []events.EventData
	reservations map[string]string
	seq          uint64
	syncErr      error
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{reservations: make(map[string]string)}
}

func (f *fakeJournal) Append(data events.EventData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, data)
}

func (f *fakeJournal) AppendSync(_ context.Context, data events.EventData) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncErr != nil {
		return 0, f.syncErr
	}
	f.entries = append(f.entries, data)
	f.seq++
	return f.seq, nil
}

func (f *fakeJournal) ReserveSignalOrder(_ context.Context, signalID, orderID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.reservations[signalID]; ok {
		return existing, false, nil
	}
	f.reservations[signalID] = orderID
	return orderID, true, nil
}

func (f *fakeJournal) all() []events.EventData {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.EventData, len(f.entries))
	copy(out, f.entries)
	return out
}

func (f *fakeJournal) lastRejection() *events.OrderRejectedData {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.entries) - 1; i >= 0; i-- {
		if r, ok := f.entries[i].(*events.OrderRejectedData); ok {
			return r
		}
	}
	return nil
}

type fakeHistory struct {
	closes map[string][]float64
}

func (f *fakeHistory) DailyCloses(_ context.Context, symbol string, n int) ([]float64, error) {
	closes, ok := f.closes[symbol]
	if !ok {
		return nil, fmt.Errorf("no history for %s", symbol)
	}
	if len(closes) > n {
		closes = closes[len(closes)-n:]
	}
	return closes, nil
}

type fakeVol struct {
	atr map[string]float64
}

func (f *fakeVol) Get(symbol string, _ domain.Timeframe, _ string, _ int) (float64, error) {
	v, ok := f.atr[symbol]
	if !ok {
		return 0, fmt.Errorf("no atr for %s", symbol)
	}
	return v, nil
}

// --- fixture ---------------------------------------------------------

type fixture struct {
	svc      *Service
	brake    *Brake
	catalog  *fakeCatalog
	books    *fakeBooks
	accounts *fakeAccounts
	registry *fakeRegistry
	journal  *fakeJournal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	catalog := &fakeCatalog{
		fee: 10,
		assets: map[string]*domain.Asset{
			"asset-solar": {ID: "asset-solar", Symbol: "SOLAR", Active: true, Price: 50, MinTrade: 0.01},
			"asset-grid":  {ID: "asset-grid", Symbol: "GRID", Active: true, Price: 20, MinTrade: 0.01},
		},
	}
	books := &fakeBooks{fill: true, fillPrice: 50, resting: make(map[string]domain.Order)}
	accounts := &fakeAccounts{
		accounts:  map[string]domain.Account{"user-1": {UserID: "user-1"}},
		balances:  map[string]decimal.Decimal{"user-1": decimal.RequireFromString("10000")},
		positions: make(map[string][]domain.Position),
	}
	registry := &fakeRegistry{
		trades: make(map[string]int),
		bots: map[string]domain.Bot{
			"bot-1": {
				ID:     "bot-1",
				Status: domain.BotStatusActive,
				Config: domain.BotConfig{
					RiskPerTrade:   0.015,
					MaxDailyTrades: 10,
					MaxDailyLoss:   decimal.RequireFromString("500"),
				},
			},
		},
	}
	journal := newFakeJournal()
	brake := NewBrake(nil, testLogger())

	svc := NewService(brake, catalog, books, accounts, registry, journal, true, testLogger())
	return &fixture{
		svc:      svc,
		brake:    brake,
		catalog:  catalog,
		books:    books,
		accounts: accounts,
		registry: registry,
		journal:  journal,
	}
}

func (f *fixture) bot() domain.Bot { return f.registry.bots["bot-1"] }

func (f *fixture) setBot(b domain.Bot) { f.registry.bots["bot-1"] = b }

func buySignal() *domain.Signal {
	return &domain.Signal{
		ID:         "sig-1",
		BotID:      "bot-1",
		UserID:     "user-1",
		AssetID:    "asset-solar",
		Symbol:     "SOLAR",
		Side:       domain.SideBuy,
		OrderType:  domain.OrderTypeMarket,
		Confidence: 1.0,
		PatternKey: "mre:rsi_oversold:sideways",
		Rationale:  "rsi_dip | rsi14=24.1 | KB:none",
	}
}

func sellSignal() *domain.Signal {
	s := buySignal()
	s.ID = "sig-2"
	s.Side = domain.SideSell
	return s
}

// closesFrom builds a chronological close series that reproduces the
// given simple returns exactly.
func closesFrom(returns []float64) []float64 {
	closes := make([]float64, 0, len(returns)+1)
	price := 100.0
	closes = append(closes, price)
	for _, r := range returns {
		price *= 1 + r
		closes = append(closes, price)
	}
	return closes
}

func repeatPattern(pattern []float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = pattern[i%len(pattern)]
	}
	return out
}

// --- check sequence --------------------------------------------------

func TestProcessRejectsWhenBrakeEngaged(t *testing.T) {
	f := newFixture(t)
	f.brake.Engage("drill", "operator")

	_, err := f.svc.Process(context.Background(), buySignal())

	require.Error(t, err)
	assert.Equal(t, domain.CodeBrakeActive, domain.CodeOf(err))
	assert.Empty(t, f.books.submittedOrders())

	rej := f.journal.lastRejection()
	require.NotNil(t, rej)
	assert.Equal(t, domain.CodeBrakeActive, rej.Code)
	assert.Equal(t, "sig-1", rej.SignalID)
}

func TestProcessRejectsUnknownOrInactiveBot(t *testing.T) {
	f := newFixture(t)

	ghost := buySignal()
	ghost.BotID = "bot-ghost"
	_, err := f.svc.Process(context.Background(), ghost)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))

	bot := f.bot()
	bot.Status = domain.BotStatusPaused
	f.setBot(bot)
	_, err = f.svc.Process(context.Background(), buySignal())
	assert.Equal(t, domain.CodeBotNotActive, domain.CodeOf(err))
}

func TestProcessEnforcesDailyTradeCap(t *testing.T) {
	f := newFixture(t)
	f.registry.trades["bot-1"] = 10 // at the cap already

	_, err := f.svc.Process(context.Background(), buySignal())

	require.Error(t, err)
	assert.Equal(t, domain.CodeCapReached, domain.CodeOf(err))
	assert.Contains(t, err.Error(), "trade cap")
}

func TestProcessEnforcesDailyLossCap(t *testing.T) {
	f := newFixture(t)
	f.svc.SetDailyPnL(func(string) decimal.Decimal {
		return decimal.RequireFromString("-500")
	})

	_, err := f.svc.Process(context.Background(), buySignal())

	require.Error(t, err)
	assert.Equal(t, domain.CodeCapReached, domain.CodeOf(err))
	assert.Contains(t, err.Error(), "loss limit")
}

func TestProcessAssetGates(t *testing.T) {
	f := newFixture(t)

	unknown := buySignal()
	unknown.AssetID = "asset-ghost"
	_, err := f.svc.Process(context.Background(), unknown)
	assert.Equal(t, domain.CodeUnknownSymbol, domain.CodeOf(err))

	f.catalog.assets["asset-solar"].Active = false
	_, err = f.svc.Process(context.Background(), buySignal())
	assert.Equal(t, domain.CodeAssetNotActive, domain.CodeOf(err))

	// Exits from a delisted asset still work.
	f.accounts.positions["user-1"] = []domain.Position{
		{UserID: "user-1", AssetID: "asset-solar", Tokens: 5},
	}
	order, err := f.svc.Process(context.Background(), sellSignal())
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, domain.SideSell, order.Side)
}

func TestProcessComplianceGate(t *testing.T) {
	f := newFixture(t)
	f.catalog.assets["asset-solar"].AccreditedOnly = true

	_, err := f.svc.Process(context.Background(), buySignal())
	require.Error(t, err)
	assert.Equal(t, domain.CodeComplianceDenied, domain.CodeOf(err))

	f.accounts.accounts["user-1"] = domain.Account{UserID: "user-1", Accredited: true}
	_, err = f.svc.Process(context.Background(), buySignal())
	assert.NoError(t, err)
}

func TestProcessDuplicatePositionUnlessScaleIn(t *testing.T) {
	f := newFixture(t)
	f.accounts.positions["user-1"] = []domain.Position{
		{UserID: "user-1", AssetID: "asset-solar", Tokens: 2},
	}

	_, err := f.svc.Process(context.Background(), buySignal())
	require.Error(t, err)
	assert.Equal(t, domain.CodeDuplicatePosition, domain.CodeOf(err))

	bot := f.bot()
	bot.Config.ScaleIn = true
	f.setBot(bot)
	_, err = f.svc.Process(context.Background(), buySignal())
	assert.NoError(t, err)
}

func TestProcessSellNeedsPosition(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Process(context.Background(), sellSignal())

	require.Error(t, err)
	assert.Equal(t, domain.CodeInsufficientTokens, domain.CodeOf(err))
}

// --- correlation and VaR ---------------------------------------------

func TestProcessCorrelationLimit(t *testing.T) {
	f := newFixture(t)
	bot := f.bot()
	bot.Config.CorrelationLimit = 0.8
	f.setBot(bot)
	f.accounts.positions["user-1"] = []domain.Position{
		{UserID: "user-1", AssetID: "asset-grid", Tokens: 100},
	}

	// Identical daily returns: correlation is exactly 1.
	pattern := repeatPattern([]float64{0.02, -0.01, 0.015, -0.005}, 30)
	f.svc.SetHistory(&fakeHistory{closes: map[string][]float64{
		"SOLAR": closesFrom(pattern),
		"GRID":  closesFrom(pattern),
	}})

	_, err := f.svc.Process(context.Background(), buySignal())
	require.Error(t, err)
	assert.Equal(t, domain.CodeCorrelationLimit, domain.CodeOf(err))
	assert.Contains(t, err.Error(), "GRID")
}

func TestProcessCorrelationPassesOrthogonalSeries(t *testing.T) {
	f := newFixture(t)
	bot := f.bot()
	bot.Config.CorrelationLimit = 0.8
	f.setBot(bot)
	f.accounts.positions["user-1"] = []domain.Position{
		{UserID: "user-1", AssetID: "asset-grid", Tokens: 100},
	}

	// Period-2 vs period-4 cycles are close to uncorrelated.
	f.svc.SetHistory(&fakeHistory{closes: map[string][]float64{
		"SOLAR": closesFrom(repeatPattern([]float64{0.01, -0.01}, 30)),
		"GRID":  closesFrom(repeatPattern([]float64{0.01, 0.01, -0.01, -0.01}, 30)),
	}})

	_, err := f.svc.Process(context.Background(), buySignal())
	assert.NoError(t, err)
}

func TestProcessCorrelationSkipsUnmeasurablePairs(t *testing.T) {
	f := newFixture(t)
	bot := f.bot()
	bot.Config.CorrelationLimit = 0.8
	f.setBot(bot)
	f.accounts.positions["user-1"] = []domain.Position{
		{UserID: "user-1", AssetID: "asset-grid", Tokens: 100},
	}

	// Held asset has no history: an unmeasurable correlation does not
	// block the trade.
	f.svc.SetHistory(&fakeHistory{closes: map[string][]float64{
		"SOLAR": closesFrom(repeatPattern([]float64{0.01, -0.01}, 30)),
	}})

	_, err := f.svc.Process(context.Background(), buySignal())
	assert.NoError(t, err)
}

func TestProcessVaRLimit(t *testing.T) {
	f := newFixture(t)
	bot := f.bot()
	bot.Config.VaRLimit = decimal.RequireFromString("10")
	f.setBot(bot)

	// sigma = 2.5/50 = 0.05; planned notional ~149.85 at 99% gives a
	// VaR near 17.4, past the 10 limit.
	f.svc.SetVolatility(&fakeVol{atr: map[string]float64{"SOLAR": 2.5}})

	_, err := f.svc.Process(context.Background(), buySignal())
	require.Error(t, err)
	assert.Equal(t, domain.CodeVaRLimit, domain.CodeOf(err))

	bot.Config.VaRLimit = decimal.RequireFromString("100")
	f.setBot(bot)
	_, err = f.svc.Process(context.Background(), buySignal())
	assert.NoError(t, err)
}

func TestProcessVaRRequiresCandidateSigma(t *testing.T) {
	f := newFixture(t)
	bot := f.bot()
	bot.Config.VaRLimit = decimal.RequireFromString("100")
	f.setBot(bot)
	f.svc.SetVolatility(&fakeVol{atr: map[string]float64{}})

	_, err := f.svc.Process(context.Background(), buySignal())

	require.Error(t, err)
	assert.Equal(t, domain.CodeNotReady, domain.CodeOf(err))
}

func TestProcessVaRAggregatesHeldPositions(t *testing.T) {
	f := newFixture(t)
	bot := f.bot()
	bot.Config.VaRLimit = decimal.RequireFromString("200")
	f.setBot(bot)
	f.accounts.positions["user-1"] = []domain.Position{
		{UserID: "user-1", AssetID: "asset-grid", Tokens: 100},
	}

	// GRID leg alone: 100 tokens x $20 x 2.3263 x 0.05 ~= 232, so the
	// portfolio breaches 200 even though the new order is small.
	f.svc.SetVolatility(&fakeVol{atr: map[string]float64{"SOLAR": 2.5, "GRID": 1.0}})

	_, err := f.svc.Process(context.Background(), buySignal())
	require.Error(t, err)
	assert.Equal(t, domain.CodeVaRLimit, domain.CodeOf(err))

	bot.Config.VaRLimit = decimal.RequireFromString("400")
	f.setBot(bot)
	_, err = f.svc.Process(context.Background(), buySignal())
	assert.NoError(t, err)
}

// --- sizing ----------------------------------------------------------

func TestProcessSizesFromBalanceAndConfidence(t *testing.T) {
	f := newFixture(t)

	order, err := f.svc.Process(context.Background(), buySignal())

	require.NoError(t, err)
	require.NotNil(t, order)
	// 10000 x 1.5% x 1.0 = 150 committed; 10 bps fee leaves 149.85;
	// at $50 that buys 2.997 tokens.
	assert.InDelta(t, 2.997, order.Qty, 1e-9)
	assert.Equal(t, domain.OrderTypeMarket, order.Type)
}

func TestProcessScalesSizeByConfidence(t *testing.T) {
	f := newFixture(t)
	half := buySignal()
	half.Confidence = 0.5

	order, err := f.svc.Process(context.Background(), half)

	require.NoError(t, err)
	assert.InDelta(t, 1.4985, order.Qty, 1e-9)
}

func TestProcessCapsAtMaxPositionSize(t *testing.T) {
	f := newFixture(t)
	bot := f.bot()
	bot.Config.MaxPositionSize = 100 // $100 notional cap at $50 = 2 tokens
	f.setBot(bot)

	order, err := f.svc.Process(context.Background(), buySignal())

	require.NoError(t, err)
	assert.InDelta(t, 2.0, order.Qty, 1e-9)
}

func TestProcessSellCapsAtHolding(t *testing.T) {
	f := newFixture(t)
	f.accounts.positions["user-1"] = []domain.Position{
		{UserID: "user-1", AssetID: "asset-solar", Tokens: 1.25},
	}

	order, err := f.svc.Process(context.Background(), sellSignal())

	require.NoError(t, err)
	assert.InDelta(t, 1.25, order.Qty, 1e-9)
}

func TestProcessRejectsBelowMinimumBeforeReserving(t *testing.T) {
	f := newFixture(t)
	f.accounts.balances["user-1"] = decimal.RequireFromString("10")
	f.catalog.assets["asset-solar"].MinTrade = 1.0

	_, err := f.svc.Process(context.Background(), buySignal())

	require.Error(t, err)
	assert.Equal(t, domain.CodeBelowMinimum, domain.CodeOf(err))
	// A sized-out signal never reaches the reservation table.
	assert.Empty(t, f.journal.reservations)
}

func TestProcessUsesBookTouchForSizing(t *testing.T) {
	f := newFixture(t)
	f.books.snap = map[string]*orderbook.Snapshot{
		"asset-solar": {BestBid: 49, BestAsk: 51},
	}

	order, err := f.svc.Process(context.Background(), buySignal())

	require.NoError(t, err)
	// 149.85 / 51 (ask, not the $50 mark).
	assert.InDelta(t, 149.85/51, order.Qty, 1e-9)
}

// --- execution flow ---------------------------------------------------

func TestProcessRecordsSignalWithoutExecuting(t *testing.T) {
	f := newFixture(t)
	f.svc.autoExecute = false

	order, err := f.svc.Process(context.Background(), buySignal())

	require.NoError(t, err)
	assert.Nil(t, order)
	assert.Empty(t, f.books.submittedOrders())

	entries := f.journal.all()
	require.Len(t, entries, 1)
	emitted, ok := entries[0].(*events.SignalEmittedData)
	require.True(t, ok)
	assert.Equal(t, "sig-1", emitted.SignalID)
	assert.Equal(t, "mre:rsi_oversold:sideways", emitted.PatternKey)
}

func TestProcessJournalsBeforeTouchingBook(t *testing.T) {
	f := newFixture(t)
	journalAtSubmit := -1
	f.books.beforeSubmit = func() { journalAtSubmit = len(f.journal.entries) }

	order, err := f.svc.Process(context.Background(), buySignal())
	require.NoError(t, err)
	require.NotNil(t, order)

	entries := f.journal.all()
	require.Len(t, entries, 2)
	_, ok := entries[0].(*events.SignalEmittedData)
	assert.True(t, ok)
	placed, ok := entries[1].(*events.OrderPlacedData)
	require.True(t, ok)
	assert.Equal(t, order.ID, placed.OrderID)
	assert.Equal(t, "sig-1", placed.SignalID)

	// Both entries were down before Submit ran.
	assert.Equal(t, 2, journalAtSubmit)

	// Reservation, fill tracking and the daily counter all happened.
	assert.Equal(t, order.ID, f.journal.reservations["sig-1"])
	require.Len(t, f.accounts.tracked, 1)
	assert.Equal(t, trackRec{order.ID, "sig-1", "bot-1", "mre:rsi_oversold:sideways"}, f.accounts.tracked[0])
	assert.Equal(t, 1, f.registry.noted)
}

func TestProcessIdempotentRetryReturnsExistingOrder(t *testing.T) {
	f := newFixture(t)
	f.journal.reservations["sig-1"] = "order-prior"
	f.books.resting["order-prior"] = domain.Order{
		ID:      "order-prior",
		UserID:  "user-1",
		AssetID: "asset-solar",
		Side:    domain.SideBuy,
		Status:  domain.OrderStatusOpen,
		Qty:     3,
	}

	order, err := f.svc.Process(context.Background(), buySignal())

	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, "order-prior", order.ID)
	assert.Equal(t, domain.OrderStatusOpen, order.Status)
	// No duplicate execution: nothing journaled, nothing submitted.
	assert.Empty(t, f.journal.all())
	assert.Empty(t, f.books.submittedOrders())
	assert.Zero(t, f.registry.noted)
}

func TestProcessIdempotentRetrySettledOrder(t *testing.T) {
	f := newFixture(t)
	f.journal.reservations["sig-1"] = "order-done"

	order, err := f.svc.Process(context.Background(), buySignal())

	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, "order-done", order.ID)
	assert.Empty(t, f.books.submittedOrders())
}

func TestProcessLedgerFailureEngagesBrake(t *testing.T) {
	f := newFixture(t)
	f.journal.syncErr = errors.New("disk full")

	_, err := f.svc.Process(context.Background(), buySignal())

	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.True(t, f.brake.Engaged())
	assert.Equal(t, "fatal_error", f.brake.State().Source)
	assert.Empty(t, f.books.submittedOrders())
}

func TestProcessZeroFillReturnsRejectedOrder(t *testing.T) {
	f := newFixture(t)
	f.books.fill = false
	f.books.submitErr = domain.NewStateError(domain.CodeInsufficientLiquidity, "no asks")

	order, err := f.svc.Process(context.Background(), buySignal())

	require.Error(t, err)
	assert.Equal(t, domain.CodeInsufficientLiquidity, domain.CodeOf(err))
	require.NotNil(t, order)
	assert.Equal(t, domain.OrderStatusRejected, order.Status)
	// The journaled placement stands; replay reconciles against the
	// rejection recorded by the book.
	assert.Len(t, f.journal.all(), 2)
}

// --- protective orders -------------------------------------------------

func TestProcessPlacesProtectiveExits(t *testing.T) {
	f := newFixture(t)
	sig := buySignal()
	sig.StopLossPct = 5
	sig.TakeProfitPct = 10

	order, err := f.svc.Process(context.Background(), sig)
	require.NoError(t, err)
	require.NotNil(t, order)

	submitted := f.books.submittedOrders()
	require.Len(t, submitted, 3)

	stop := submitted[1]
	assert.Equal(t, domain.OrderTypeStop, stop.Type)
	assert.Equal(t, domain.SideSell, stop.Side)
	require.NotNil(t, stop.StopPrice)
	assert.InDelta(t, 47.5, *stop.StopPrice, 1e-9)
	assert.InDelta(t, order.FilledQty, stop.Qty, 1e-9)

	tp := submitted[2]
	assert.Equal(t, domain.OrderTypeLimit, tp.Type)
	assert.Equal(t, domain.SideSell, tp.Side)
	require.NotNil(t, tp.LimitPrice)
	assert.InDelta(t, 55.0, *tp.LimitPrice, 1e-9)

	// Entry plus both exits were journaled and tracked.
	entries := f.journal.all()
	assert.Len(t, entries, 4) // signal, entry, stop, take-profit
	assert.Len(t, f.accounts.tracked, 3)
}

func TestProcessSkipsProtectiveWhenNotRequested(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Process(context.Background(), buySignal())

	require.NoError(t, err)
	assert.Len(t, f.books.submittedOrders(), 1)
}

func TestProcessSkipsProtectiveOnUnfilledEntry(t *testing.T) {
	f := newFixture(t)
	f.books.fill = false // resting limit, nothing filled yet
	sig := buySignal()
	sig.OrderType = domain.OrderTypeLimit
	sig.StopLossPct = 5

	_, err := f.svc.Process(context.Background(), sig)

	require.NoError(t, err)
	assert.Len(t, f.books.submittedOrders(), 1)
}

func TestOnPositionClosedCancelsProtectives(t *testing.T) {
	f := newFixture(t)
	sig := buySignal()
	sig.StopLossPct = 5
	sig.TakeProfitPct = 10

	_, err := f.svc.Process(context.Background(), sig)
	require.NoError(t, err)

	f.svc.OnPositionClosed("user-1", "asset-solar")

	require.Len(t, f.books.cancels, 2)
	for _, c := range f.books.cancels {
		assert.Equal(t, "asset-solar", c.assetID)
		assert.Equal(t, orderbook.ReasonPositionClosed, c.reason)
	}

	// Second close is a no-op: the registration is gone.
	f.svc.OnPositionClosed("user-1", "asset-solar")
	assert.Len(t, f.books.cancels, 2)
}

func TestOnPositionClosedWithoutProtectives(t *testing.T) {
	f := newFixture(t)
	f.svc.OnPositionClosed("user-1", "asset-solar")
	assert.Empty(t, f.books.cancels)
}

// --- manual orders -----------------------------------------------------

func TestPlaceManualJournalsThenSubmits(t *testing.T) {
	f := newFixture(t)
	order := domain.Order{
		ID:      "order-manual",
		UserID:  "user-1",
		AssetID: "asset-solar",
		Side:    domain.SideBuy,
		Type:    domain.OrderTypeMarket,
		Qty:     2,
	}

	batch, err := f.svc.PlaceManual(context.Background(), order)

	require.NoError(t, err)
	require.NotNil(t, batch)
	entries := f.journal.all()
	require.Len(t, entries, 1)
	placed := entries[0].(*events.OrderPlacedData)
	assert.Equal(t, "order-manual", placed.OrderID)
	assert.Len(t, f.books.submittedOrders(), 1)
}

func TestPlaceManualRespectsBrake(t *testing.T) {
	f := newFixture(t)
	f.brake.Engage("drill", "operator")

	_, err := f.svc.PlaceManual(context.Background(), domain.Order{ID: "order-x"})

	require.Error(t, err)
	assert.Equal(t, domain.CodeBrakeActive, domain.CodeOf(err))
	assert.Empty(t, f.books.submittedOrders())
}

func TestPlaceManualLedgerFailureEngagesBrake(t *testing.T) {
	f := newFixture(t)
	f.journal.syncErr = errors.New("disk full")

	_, err := f.svc.PlaceManual(context.Background(), domain.Order{ID: "order-x"})

	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.True(t, f.brake.Engaged())
	assert.Empty(t, f.books.submittedOrders())
}

// --- rejection journaling ----------------------------------------------

func TestEveryRejectionIsJournaled(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(f *fixture)
		signal *domain.Signal
		code   string
	}{
		{
			name:   "cap reached",
			mutate: func(f *fixture) { f.registry.trades["bot-1"] = 10 },
			signal: buySignal(),
			code:   domain.CodeCapReached,
		},
		{
			name:   "sell without position",
			mutate: func(*fixture) {},
			signal: sellSignal(),
			code:   domain.CodeInsufficientTokens,
		},
		{
			name: "compliance denied",
			mutate: func(f *fixture) {
				f.catalog.assets["asset-solar"].AccreditedOnly = true
			},
			signal: buySignal(),
			code:   domain.CodeComplianceDenied,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.mutate(f)
			_, err := f.svc.Process(context.Background(), tc.signal)
			require.Error(t, err)

			rej := f.journal.lastRejection()
			require.NotNil(t, rej)
			assert.Equal(t, tc.code, rej.Code)
			assert.Equal(t, tc.signal.ID, rej.SignalID)
			assert.Equal(t, tc.signal.BotID, rej.BotID)
		})
	}
}
