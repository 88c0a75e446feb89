package distributions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
	"github.com/quantfold/tradecore/internal/modules/portfolio"
	"github.com/quantfold/tradecore/internal/orderbook"
	testhelpers "github.com/quantfold/tradecore/internal/testing"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

type recordingLedger struct {
	mu      sync.Mutex
	entries []events.EventData
}

func (r *recordingLedger) Append(data events.EventData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, data)
}

func (r *recordingLedger) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, len(r.entries))
	for i, e := range r.entries {
		kinds[i] = string(e.EventType())
	}
	return kinds
}

type fakeCatalog struct {
	due        []*domain.Asset
	advanced   []string
	advanceErr error
}

func (f *fakeCatalog) DueDistributions(time.Time) []*domain.Asset { return f.due }

func (f *fakeCatalog) AdvanceDistribution(assetID string) error {
	if f.advanceErr != nil {
		return f.advanceErr
	}
	f.advanced = append(f.advanced, assetID)
	return nil
}

type fakeSettings struct {
	maxPct float64
	issuer string
}

func (f *fakeSettings) MaxOwnershipPct() float64 { return f.maxPct }
func (f *fakeSettings) IssuerAccountID() string  { return f.issuer }

func newTestStore(t *testing.T) (*portfolio.Store, *recordingLedger) {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, "state")
	t.Cleanup(cleanup)
	led := &recordingLedger{}
	store := portfolio.NewStore(portfolio.NewAccountRepository(db, testLogger()), led, 10, testLogger())
	return store, led
}

func seedHolder(t *testing.T, store *portfolio.Store, userID, assetID string, tokens, price float64, reinvest bool) {
	t.Helper()
	require.NoError(t, store.PutAccount(&domain.Account{
		UserID:  userID,
		Balance: decimal.RequireFromString("1000000"),
	}))
	store.ApplyBatch(&orderbook.Batch{
		AssetID: assetID,
		Fills: []domain.Fill{{
			ID: "seed-" + userID, OrderID: "seed-ord-" + userID,
			AssetID: assetID, UserID: userID, Side: domain.SideBuy,
			Qty: tokens, Price: price, Fee: decimal.Zero,
			Timestamp: time.Now().UTC(),
		}},
	})
	if reinvest {
		require.NoError(t, store.SetReinvest(userID, assetID, true))
	}
}

func weeklyAsset(supply, price float64) *domain.Asset {
	return &domain.Asset{
		ID:          "asset-1",
		Symbol:      "REIT",
		Class:       domain.AssetClassRealEstate,
		TotalSupply: supply,
		Price:       price,
		Active:      true,
		Yield: domain.YieldSchedule{
			AnnualRate:       0.085,
			Frequency:        domain.YieldWeekly,
			NextDistribution: time.Now().UTC().Add(-time.Hour),
		},
	}
}

func TestWeeklyDistributionSplitsByOwnership(t *testing.T) {
	store, led := newTestStore(t)

	// $522,000 market cap at $52.30: period yield 522000 x 8.5% / 52.
	supply := 522000.0 / 52.30
	price := 52.30
	seedHolder(t, store, "user-cash", "asset-1", supply*0.05, price, false)
	seedHolder(t, store, "user-re", "asset-1", supply*0.10, price, true)
	require.NoError(t, store.PutAccount(&domain.Account{UserID: "issuer-1", Balance: decimal.Zero}))

	catalog := &fakeCatalog{due: []*domain.Asset{weeklyAsset(supply, price)}}
	engine := NewEngine(catalog, store, &fakeSettings{issuer: "issuer-1"}, nil, testLogger())

	tokensBefore, _ := store.Position("user-re", "asset-1")
	paid, err := engine.Run(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, paid)
	assert.Equal(t, []string{"asset-1"}, catalog.advanced)

	// 10% owner reinvesting: $85.32 buys 1.631 tokens at $52.30.
	rePos, ok := store.Position("user-re", "asset-1")
	require.True(t, ok)
	assert.InDelta(t, 853.2115*0.10/52.30, rePos.Tokens-tokensBefore.Tokens, 2e-3)
	assert.InDelta(t, 1.631, rePos.Tokens-tokensBefore.Tokens, 2e-3)
	assert.True(t, rePos.PendingYield.IsZero())

	// 5% owner accrues pending yield.
	cashPos, ok := store.Position("user-cash", "asset-1")
	require.True(t, ok)
	assert.InDelta(t, 42.6606, cashPos.PendingYield.InexactFloat64(), 1e-2)

	// The unheld 85% of the float pays the issuer.
	issuerBal, ok := store.BalanceOf("issuer-1")
	require.True(t, ok)
	assert.InDelta(t, 853.2115*0.85, issuerBal.InexactFloat64(), 1e-2)

	// Money trail then token movement for the reinvestor.
	kinds := led.kinds()
	var sawReinvestPair bool
	for i := 0; i+1 < len(kinds); i++ {
		if kinds[i] == "distribution_paid" && kinds[i+1] == "order_filled" {
			sawReinvestPair = true
		}
	}
	assert.True(t, sawReinvestPair, "expected distribution_paid followed by synthetic order_filled, got %v", kinds)
}

func TestOwnershipCapSplitsReinvestment(t *testing.T) {
	store, _ := newTestStore(t)

	// Supply 1000 at $10, 52% annual weekly: period yield exactly $100.
	seedHolder(t, store, "user-at-cap", "asset-1", 100, 10, true)   // exactly 10%
	seedHolder(t, store, "user-room", "asset-1", 99, 10, true)      // fits under the cap
	seedHolder(t, store, "user-split", "asset-1", 99.5, 10, true)   // crosses the cap mid-share
	asset := weeklyAsset(1000, 10)
	asset.Yield.AnnualRate = 0.52

	catalog := &fakeCatalog{due: []*domain.Asset{asset}}
	engine := NewEngine(catalog, store, &fakeSettings{maxPct: 10}, nil, testLogger())

	_, err := engine.Run(context.Background(), time.Now().UTC())
	require.NoError(t, err)

	// At the cap already: the whole $10 share accrues as pending.
	atCap, _ := store.Position("user-at-cap", "asset-1")
	assert.InDelta(t, 100, atCap.Tokens, 1e-9)
	assert.InDelta(t, 10.0, atCap.PendingYield.InexactFloat64(), 1e-9)

	// Room to spare: $9.90 buys 0.99 tokens outright.
	room, _ := store.Position("user-room", "asset-1")
	assert.InDelta(t, 99.99, room.Tokens, 1e-9)
	assert.True(t, room.PendingYield.IsZero())

	// Crossing the cap: tokens up to exactly 10%, the rest pends.
	split, _ := store.Position("user-split", "asset-1")
	assert.InDelta(t, 100, split.Tokens, 1e-9)
	assert.InDelta(t, 4.95, split.PendingYield.InexactFloat64(), 1e-9)
}

func TestNoHoldersPaysIssuerWholePeriod(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.PutAccount(&domain.Account{UserID: "issuer-1", Balance: decimal.Zero}))

	asset := weeklyAsset(1000, 10)
	asset.Yield.AnnualRate = 0.52
	catalog := &fakeCatalog{due: []*domain.Asset{asset}}
	engine := NewEngine(catalog, store, &fakeSettings{issuer: "issuer-1"}, nil, testLogger())

	_, err := engine.Run(context.Background(), time.Now().UTC())
	require.NoError(t, err)

	bal, _ := store.BalanceOf("issuer-1")
	assert.InDelta(t, 100.0, bal.InexactFloat64(), 1e-9)
}

func TestNoIssuerDropsDrift(t *testing.T) {
	store, led := newTestStore(t)

	catalog := &fakeCatalog{due: []*domain.Asset{weeklyAsset(1000, 10)}}
	engine := NewEngine(catalog, store, &fakeSettings{}, nil, testLogger())

	paid, err := engine.Run(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, paid)
	assert.Empty(t, led.kinds())
}

func TestScheduleAdvancesBeforePaying(t *testing.T) {
	store, led := newTestStore(t)
	seedHolder(t, store, "user-1", "asset-1", 100, 10, false)
	ledgerBefore := len(led.kinds())

	catalog := &fakeCatalog{
		due:        []*domain.Asset{weeklyAsset(1000, 10)},
		advanceErr: errors.New("db locked"),
	}
	engine := NewEngine(catalog, store, &fakeSettings{}, nil, testLogger())

	paid, err := engine.Run(context.Background(), time.Now().UTC())
	require.NoError(t, err) // per-asset failures are logged, not fatal to the scan
	assert.Zero(t, paid)

	// No advance means no payout: double-pay is worse than a late one.
	assert.Equal(t, ledgerBefore, len(led.kinds()))
	pos, _ := store.Position("user-1", "asset-1")
	assert.True(t, pos.PendingYield.IsZero())
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	catalog := &fakeCatalog{due: []*domain.Asset{weeklyAsset(1000, 10)}}
	engine := NewEngine(catalog, store, &fakeSettings{}, nil, testLogger())

	paid, err := engine.Run(ctx, time.Now().UTC())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, paid)
	assert.Empty(t, catalog.advanced)
}

func TestSkipsAssetWithoutValuation(t *testing.T) {
	store, led := newTestStore(t)
	seedHolder(t, store, "user-1", "asset-1", 100, 10, false)
	before := len(led.kinds())

	asset := weeklyAsset(1000, 0) // no price
	catalog := &fakeCatalog{due: []*domain.Asset{asset}}
	engine := NewEngine(catalog, store, &fakeSettings{}, nil, testLogger())

	paid, err := engine.Run(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, paid)

	// Schedule still advances so a mispriced asset cannot wedge the scan.
	assert.Equal(t, []string{"asset-1"}, catalog.advanced)
	assert.Equal(t, before, len(led.kinds()))
}
