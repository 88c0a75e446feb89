package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
	"github.com/quantfold/tradecore/internal/orderbook"
)

func TestCreditAndClaimYield(t *testing.T) {
	s, led := newTestStore(t)
	seedAccount(t, s, "user-1", "1000", false)
	s.ApplyBatch(singleFillBatch(fill("user-1", "asset-1", domain.SideBuy, 10, 50, "0.5"), ""))

	s.CreditYield("user-1", "asset-1", decimal.RequireFromString("85.32"))

	pos, _ := s.Position("user-1", "asset-1")
	assert.True(t, decimal.RequireFromString("85.32").Equal(pos.PendingYield))

	balBefore, _ := s.BalanceOf("user-1")
	amount, err := s.Claim("user-1", "asset-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("85.32").Equal(amount))

	balAfter, _ := s.BalanceOf("user-1")
	assert.True(t, balBefore.Add(amount).Equal(balAfter))

	pos, _ = s.Position("user-1", "asset-1")
	assert.True(t, pos.PendingYield.IsZero())

	// Second claim finds nothing.
	_, err = s.Claim("user-1", "asset-1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeNoYield, domain.CodeOf(err))

	entries := led.all()
	last := entries[len(entries)-1].(*events.DistributionPaidData)
	assert.True(t, last.Claimed)
	assert.True(t, decimal.RequireFromString("85.32").Equal(last.Amount))
}

func TestClaimWithoutPosition(t *testing.T) {
	s, _ := newTestStore(t)
	seedAccount(t, s, "user-1", "1000", false)

	_, err := s.Claim("user-1", "asset-1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeNoYield, domain.CodeOf(err))
}

func TestCreditYieldWithoutRowPaysCash(t *testing.T) {
	s, _ := newTestStore(t)
	seedAccount(t, s, "user-1", "1000", false)

	// Holder scan raced a full exit: the row is gone by credit time.
	s.CreditYield("user-1", "asset-1", decimal.RequireFromString("12.34"))

	balance, _ := s.BalanceOf("user-1")
	assert.True(t, decimal.RequireFromString("1012.34").Equal(balance), "got %s", balance)

	view, err := s.Portfolio("user-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.34").Equal(view.Yield.Earned))
	assert.True(t, view.Yield.Pending.IsZero())
}

func TestReinvestmentTrail(t *testing.T) {
	s, led := newTestStore(t)
	seedAccount(t, s, "user-1", "100000", false)
	s.ApplyBatch(singleFillBatch(fill("user-1", "asset-1", domain.SideBuy, 1000, 52.30, "52.3"), ""))
	before, _ := s.BalanceOf("user-1")

	// The distribution engine journals the money trail, then pushes the
	// token movement through the same batch path the books use.
	s.RecordReinvestment("user-1", "asset-1", decimal.RequireFromString("85.32"), 1.631, 52.30)
	s.ApplyBatch(&orderbook.Batch{
		AssetID: "asset-1",
		Fills: []domain.Fill{{
			ID: "f-synth", AssetID: "asset-1", UserID: "user-1",
			Side: domain.SideBuy, Qty: 1.631, Price: 52.30,
			Fee: decimal.Zero, Synthetic: true, Timestamp: time.Now().UTC(),
		}},
	})

	after, _ := s.BalanceOf("user-1")
	assert.True(t, before.Equal(after))

	pos, _ := s.Position("user-1", "asset-1")
	assert.InDelta(t, 1001.631, pos.Tokens, 1e-9)
	assert.True(t, pos.PendingYield.IsZero(), "reinvested yield never pends")

	view, err := s.Portfolio("user-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("85.32").Equal(view.Yield.Earned))
	assert.True(t, decimal.RequireFromString("85.32").Equal(view.Yield.Reinvested))

	kinds := led.kinds()
	assert.Equal(t, "distribution_paid", kinds[len(kinds)-2])
	assert.Equal(t, "order_filled", kinds[len(kinds)-1])
}

func TestPendingYieldPaysOutOnClose(t *testing.T) {
	s, led := newTestStore(t)
	seedAccount(t, s, "user-1", "1000", false)

	s.ApplyBatch(singleFillBatch(fill("user-1", "asset-1", domain.SideBuy, 10, 50, "0"), ""))
	s.CreditYield("user-1", "asset-1", decimal.RequireFromString("20"))
	s.ApplyBatch(singleFillBatch(fill("user-1", "asset-1", domain.SideSell, 10, 50, "0"), ""))

	// 1000 - 500 + 20 + 500 = 1020; flat sale, no platform fee.
	balance, _ := s.BalanceOf("user-1")
	assert.True(t, decimal.RequireFromString("1020").Equal(balance), "got %s", balance)

	var payout *events.DistributionPaidData
	for _, e := range led.all() {
		if d, ok := e.(*events.DistributionPaidData); ok && d.Claimed {
			payout = d
		}
	}
	require.NotNil(t, payout, "close journals the forced claim")
	assert.True(t, decimal.RequireFromString("20").Equal(payout.Amount))

	view, err := s.Portfolio("user-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("20").Equal(view.Yield.Claimed))
}

func TestHoldersOfListsCurrentHolders(t *testing.T) {
	s, _ := newTestStore(t)
	seedAccount(t, s, "carol", "10000", false)
	seedAccount(t, s, "alice", "10000", false)
	seedAccount(t, s, "bob", "10000", false)

	s.ApplyBatch(singleFillBatch(fill("carol", "asset-1", domain.SideBuy, 30, 10, "0"), ""))
	s.ApplyBatch(singleFillBatch(fill("alice", "asset-1", domain.SideBuy, 10, 10, "0"), ""))
	s.ApplyBatch(singleFillBatch(fill("bob", "asset-1", domain.SideBuy, 20, 10, "0"), ""))
	s.ApplyBatch(singleFillBatch(fill("bob", "asset-1", domain.SideSell, 20, 10, "0"), ""))

	require.NoError(t, s.SetReinvest("alice", "asset-1", true))

	holders := s.HoldersOf("asset-1")
	require.Len(t, holders, 2)
	assert.Equal(t, "alice", holders[0].UserID)
	assert.True(t, holders[0].Reinvest)
	assert.Equal(t, "carol", holders[1].UserID)
	assert.False(t, holders[1].Reinvest)
	assert.Equal(t, 30.0, holders[1].Tokens)

	assert.Empty(t, s.HoldersOf("asset-2"))
}

func TestReinvestPreferenceSurvivesRestart(t *testing.T) {
	s, _ := newTestStore(t)
	seedAccount(t, s, "user-1", "1000", false)
	require.NoError(t, s.SetReinvest("user-1", "asset-1", true))

	// A fresh store over the same state DB picks the preference up for
	// positions rebuilt from replay.
	fresh := NewStore(s.repo, &recordingLedger{}, 10, testLogger())
	require.NoError(t, fresh.LoadAccounts())
	fresh.ApplyEntry(&events.OrderFilledData{
		FillID: "f1", OrderID: "o1", AssetID: "asset-1", UserID: "user-1",
		Side: "buy", Qty: 10, Price: 10, Fee: decimal.Zero,
	}, time.Now().UTC())

	pos, ok := fresh.Position("user-1", "asset-1")
	require.True(t, ok)
	assert.True(t, pos.Reinvest)
}

func TestSetReinvestRequiresNothingOpen(t *testing.T) {
	s, _ := newTestStore(t)
	seedAccount(t, s, "user-1", "1000", false)

	// Preference can be stored before the first buy.
	require.NoError(t, s.SetReinvest("user-1", "asset-1", true))

	s.ApplyBatch(singleFillBatch(fill("user-1", "asset-1", domain.SideBuy, 10, 10, "0"), ""))
	pos, ok := s.Position("user-1", "asset-1")
	require.True(t, ok)
	assert.True(t, pos.Reinvest)
}
