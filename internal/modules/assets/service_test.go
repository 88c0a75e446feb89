package assets

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/orderbook"
	testhelpers "github.com/quantfold/tradecore/internal/testing"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, "state")
	t.Cleanup(cleanup)
	return NewService(NewRepository(db, testLogger()), 10, testLogger())
}

func testAsset(id, symbol string) *domain.Asset {
	return &domain.Asset{
		ID:          id,
		Symbol:      symbol,
		Name:        symbol + " Fund",
		Class:       domain.AssetClassRealEstate,
		MinInvest:   decimal.RequireFromString("100"),
		MinTrade:    0.1,
		Decimals:    8,
		TotalSupply: 10000,
		Price:       50,
		NAV:         50,
		Active:      true,
	}
}

func TestCreateAndLookup(t *testing.T) {
	svc := newTestService(t)

	a := testAsset("asset-1", "mre")
	require.NoError(t, svc.Create(a))

	got, ok := svc.Get("asset-1")
	require.True(t, ok)
	assert.Equal(t, "MRE", got.Symbol, "symbols normalize to upper case")

	bySym, ok := svc.GetBySymbol("mre")
	require.True(t, ok)
	assert.Equal(t, "asset-1", bySym.ID)

	_, ok = svc.Get("ghost")
	assert.False(t, ok)
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name   string
		mutate func(*domain.Asset)
	}{
		{"missing symbol", func(a *domain.Asset) { a.Symbol = "" }},
		{"missing name", func(a *domain.Asset) { a.Name = "" }},
		{"unknown class", func(a *domain.Asset) { a.Class = "derivative" }},
		{"zero price", func(a *domain.Asset) { a.Price = 0 }},
		{"zero supply", func(a *domain.Asset) { a.TotalSupply = 0 }},
		{"negative min trade", func(a *domain.Asset) { a.MinTrade = -1 }},
		{"bad yield frequency", func(a *domain.Asset) {
			a.Yield = domain.YieldSchedule{AnnualRate: 0.05, Frequency: "fortnightly"}
		}},
		{"zero yield rate", func(a *domain.Asset) {
			a.Yield = domain.YieldSchedule{AnnualRate: 0, Frequency: domain.YieldWeekly}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testAsset("asset-x", "BAD")
			tt.mutate(a)
			err := svc.Create(a)
			require.Error(t, err)
			assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))
		})
	}
}

func TestCreateRejectsDuplicateSymbol(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Create(testAsset("asset-1", "MRE")))

	err := svc.Create(testAsset("asset-2", "MRE"))
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))
}

func TestLoadWarmsCacheFromRepository(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "state")
	t.Cleanup(cleanup)
	repo := NewRepository(db, testLogger())

	first := NewService(repo, 10, testLogger())
	a := testAsset("asset-1", "MRE")
	a.Yield = domain.YieldSchedule{AnnualRate: 0.085, Frequency: domain.YieldWeekly}
	require.NoError(t, first.Create(a))

	second := NewService(repo, 10, testLogger())
	require.NoError(t, second.Load())

	got, ok := second.Get("asset-1")
	require.True(t, ok)
	assert.Equal(t, "MRE", got.Symbol)
	assert.Equal(t, domain.YieldWeekly, got.Yield.Frequency)
	assert.InDelta(t, 0.085, got.Yield.AnnualRate, 1e-12)
	assert.False(t, got.Yield.NextDistribution.IsZero(), "schedule set at create")
}

func TestListFilters(t *testing.T) {
	svc := newTestService(t)

	re := testAsset("asset-re", "MRE")
	re.Jurisdiction = "US"
	re.Yield = domain.YieldSchedule{AnnualRate: 0.085, Frequency: domain.YieldWeekly}
	require.NoError(t, svc.Create(re))

	bond := testAsset("asset-bd", "GBND")
	bond.Class = domain.AssetClassBond
	bond.Price = 101
	bond.Jurisdiction = "DE"
	bond.Yield = domain.YieldSchedule{AnnualRate: 0.04, Frequency: domain.YieldQuarterly}
	require.NoError(t, svc.Create(bond))

	crypto := testAsset("asset-cr", "TBTC")
	crypto.Class = domain.AssetClassCrypto
	crypto.Price = 43000
	crypto.Active = false
	require.NoError(t, svc.Create(crypto))

	all := svc.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "GBND", all[0].Symbol, "ordered by symbol")

	assert.Len(t, svc.List(Filter{Class: domain.AssetClassBond}), 1)
	assert.Len(t, svc.List(Filter{MinYield: 0.05}), 1)
	assert.Len(t, svc.List(Filter{MaxPrice: 200}), 2)
	assert.Len(t, svc.List(Filter{Jurisdiction: "us"}), 1)
	assert.Len(t, svc.List(Filter{ActiveOnly: true}), 2)
}

func TestFeeBpsOverride(t *testing.T) {
	svc := newTestService(t)

	plain := testAsset("asset-1", "MRE")
	require.NoError(t, svc.Create(plain))

	override := 25
	custom := testAsset("asset-2", "GBND")
	custom.FeeBpsOverride = &override
	require.NoError(t, svc.Create(custom))

	assert.Equal(t, int64(10), svc.FeeBps("asset-1"))
	assert.Equal(t, int64(25), svc.FeeBps("asset-2"))
	assert.Equal(t, int64(10), svc.FeeBps("ghost"), "unknown assets get the default")
}

func TestApplyBatchUpdatesTradeStats(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Create(testAsset("asset-1", "MRE")))

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	svc.ApplyBatch(&orderbook.Batch{
		AssetID: "asset-1",
		Trades: []orderbook.Trade{
			{Price: 50, Qty: 10, Taker: domain.SideBuy, Timestamp: base},
			{Price: 60, Qty: 2, Taker: domain.SideBuy, Timestamp: base.Add(time.Hour)},
		},
	})

	a, ok := svc.Get("asset-1")
	require.True(t, ok)
	assert.Equal(t, 60.0, a.Price, "last print wins")
	assert.Equal(t, 60.0, a.ATH)
	assert.Equal(t, 50.0, a.ATL)
	assert.InDelta(t, 620.0, a.Volume24h, 1e-9)

	// Stats are write-through.
	row, err := svc.repo.Get("asset-1")
	require.NoError(t, err)
	assert.Equal(t, 60.0, row.Price)
	assert.InDelta(t, 620.0, row.Volume24h, 1e-9)
}

func TestVolumeWindowDropsOldBuckets(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Create(testAsset("asset-1", "MRE")))

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	svc.ApplyBatch(&orderbook.Batch{
		AssetID: "asset-1",
		Trades:  []orderbook.Trade{{Price: 50, Qty: 10, Timestamp: base}},
	})
	svc.ApplyBatch(&orderbook.Batch{
		AssetID: "asset-1",
		Trades:  []orderbook.Trade{{Price: 55, Qty: 1, Timestamp: base.Add(25 * time.Hour)}},
	})

	a, _ := svc.Get("asset-1")
	assert.InDelta(t, 55.0, a.Volume24h, 1e-9, "first trade aged out of the window")
}

func TestMarkPriceAndFlush(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Create(testAsset("asset-1", "MRE")))

	svc.MarkPrice("MRE", 52.5)
	svc.MarkPrice("GHOST", 99)
	svc.MarkPrice("MRE", -1)

	a, _ := svc.Get("asset-1")
	assert.Equal(t, 52.5, a.Price)

	// Marks are memory-only until flushed.
	row, err := svc.repo.Get("asset-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, row.Price)

	assert.Equal(t, 1, svc.FlushStats())
	row, err = svc.repo.Get("asset-1")
	require.NoError(t, err)
	assert.Equal(t, 52.5, row.Price)

	assert.Equal(t, 0, svc.FlushStats(), "nothing dirty after flush")
}

func TestHolderAccounting(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Create(testAsset("asset-1", "MRE")))

	svc.AdjustHolders("asset-1", 1)
	svc.AdjustHolders("asset-1", 1)
	svc.AdjustHolders("asset-1", -1)

	a, _ := svc.Get("asset-1")
	assert.Equal(t, 1, a.Holders)

	svc.AdjustHolders("asset-1", -5)
	a, _ = svc.Get("asset-1")
	assert.Equal(t, 0, a.Holders, "clamped at zero")

	svc.ResetHolders(map[string]int{"asset-1": 7})
	a, _ = svc.Get("asset-1")
	assert.Equal(t, 7, a.Holders)

	row, err := svc.repo.Get("asset-1")
	require.NoError(t, err)
	assert.Equal(t, 7, row.Holders)

	svc.ResetHolders(map[string]int{})
	a, _ = svc.Get("asset-1")
	assert.Equal(t, 0, a.Holders, "assets absent from the replay count drop to zero")
}

func TestDistributionSchedule(t *testing.T) {
	svc := newTestService(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	due := testAsset("asset-due", "MRE")
	due.Yield = domain.YieldSchedule{
		AnnualRate:       0.085,
		Frequency:        domain.YieldWeekly,
		NextDistribution: now.Add(-time.Hour),
	}
	require.NoError(t, svc.Create(due))

	future := testAsset("asset-later", "GBND")
	future.Yield = domain.YieldSchedule{
		AnnualRate:       0.04,
		Frequency:        domain.YieldQuarterly,
		NextDistribution: now.Add(48 * time.Hour),
	}
	require.NoError(t, svc.Create(future))

	noYield := testAsset("asset-none", "TBTC")
	require.NoError(t, svc.Create(noYield))

	inactive := testAsset("asset-off", "XOFF")
	inactive.Active = false
	inactive.Yield = domain.YieldSchedule{
		AnnualRate:       0.06,
		Frequency:        domain.YieldMonthly,
		NextDistribution: now.Add(-time.Hour),
	}
	require.NoError(t, svc.Create(inactive))

	dueList := svc.DueDistributions(now)
	require.Len(t, dueList, 1)
	assert.Equal(t, "asset-due", dueList[0].ID)

	require.NoError(t, svc.AdvanceDistribution("asset-due"))
	a, _ := svc.Get("asset-due")
	wantNext := now.Add(-time.Hour).Add(distributionPeriod(domain.YieldWeekly))
	assert.Equal(t, wantNext, a.Yield.NextDistribution,
		"next payout anchors on the previous due time")
	assert.Empty(t, svc.DueDistributions(now))
}

func TestSetActive(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Create(testAsset("asset-1", "MRE")))

	require.NoError(t, svc.SetActive("asset-1", false))
	a, _ := svc.Get("asset-1")
	assert.False(t, a.Active)

	err := svc.SetActive("ghost", false)
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

func TestSymbolsAndSupplies(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Create(testAsset("asset-1", "MRE")))
	b := testAsset("asset-2", "GBND")
	b.TotalSupply = 500
	require.NoError(t, svc.Create(b))

	assert.Equal(t, []string{"GBND", "MRE"}, svc.Symbols())
	assert.Equal(t, map[string]float64{"asset-1": 10000, "asset-2": 500}, svc.Supplies())
}
