package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTimeframeDuration(t *testing.T) {
	tests := []struct {
		tf   Timeframe
		want time.Duration
	}{
		{Timeframe1m, time.Minute},
		{Timeframe5m, 5 * time.Minute},
		{Timeframe15m, 15 * time.Minute},
		{Timeframe1h, time.Hour},
		{Timeframe4h, 4 * time.Hour},
		{Timeframe1d, 24 * time.Hour},
		{Timeframe("7w"), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.tf), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tf.Duration())
		})
	}
}

func TestYieldFrequencyPeriodsPerYear(t *testing.T) {
	tests := []struct {
		freq YieldFrequency
		want int
	}{
		{YieldDaily, 365},
		{YieldWeekly, 52},
		{YieldMonthly, 12},
		{YieldQuarterly, 4},
		{YieldAnnually, 1},
		{YieldFrequency("biweekly"), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.freq), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.freq.PeriodsPerYear())
		})
	}
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestOrderRemainingAndExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	order := Order{
		Qty:       10,
		FilledQty: 4,
		ExpiresAt: now.Add(7 * 24 * time.Hour),
	}
	assert.InDelta(t, 6.0, order.RemainingQty(), 1e-9)
	assert.False(t, order.Expired(now))
	assert.False(t, order.Expired(now.Add(7*24*time.Hour)))
	assert.True(t, order.Expired(now.Add(7*24*time.Hour+time.Second)))

	market := Order{Qty: 1}
	assert.False(t, market.Expired(now.Add(1000*time.Hour)), "orders without expiry never expire")
}

func TestPositionValuation(t *testing.T) {
	p := Position{
		Tokens:  5,
		AvgCost: decimal.NewFromFloat(100),
	}
	assert.True(t, p.MarketValue(102).Equal(decimal.NewFromFloat(510)))
	assert.True(t, p.UnrealizedPnL(102).Equal(decimal.NewFromFloat(10)))
	assert.True(t, p.UnrealizedPnL(98).Equal(decimal.NewFromFloat(-10)))
}

func TestAssetMarketCap(t *testing.T) {
	a := Asset{TotalSupply: 10000, Price: 52.30}
	assert.InDelta(t, 523000.0, a.MarketCap(), 1e-6)
}
