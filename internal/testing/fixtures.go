package testing

import (
	"fmt"
	"math"
	"time"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/shopspring/decimal"
)

// NewAssetFixtures returns a set of test assets covering the supported classes.
func NewAssetFixtures() []*domain.Asset {
	now := time.Now().UTC()
	return []*domain.Asset{
		{
			ID:           "asset-aapl",
			Symbol:       "AAPL",
			Name:         "Apple Inc.",
			Class:        domain.AssetClassStock,
			MinInvest:    decimal.NewFromInt(10),
			MinTrade:     0.01,
			Decimals:     8,
			TotalSupply:  1_000_000,
			Price:        175.0,
			NAV:          175.0,
			Holders:      1200,
			Jurisdiction: "US",
			Active:       true,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		{
			ID:          "asset-btc",
			Symbol:      "BTC-USD",
			Name:        "Bitcoin",
			Class:       domain.AssetClassCrypto,
			MinInvest:   decimal.NewFromInt(5),
			MinTrade:    0.0001,
			Decimals:    8,
			TotalSupply: 21_000_000,
			Price:       64_250.0,
			NAV:         64_250.0,
			Holders:     5400,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:        "asset-eurusd",
			Symbol:    "EUR-USD",
			Name:      "Euro / US Dollar",
			Class:     domain.AssetClassForex,
			MinInvest: decimal.NewFromInt(100),
			MinTrade:  1,
			Decimals:  5,
			Price:     1.0850,
			NAV:       1.0850,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:             "asset-tower",
			Symbol:         "TOWER",
			Name:           "Midtown Tower REIT",
			Class:          domain.AssetClassRealEstate,
			MinInvest:      decimal.NewFromInt(50),
			MinTrade:       0.1,
			Decimals:       8,
			TotalSupply:    10_000,
			Price:          52.30,
			NAV:            52.20,
			Holders:        310,
			AccreditedOnly: true,
			Jurisdiction:   "US",
			Active:         true,
			Yield: domain.YieldSchedule{
				Frequency:  domain.YieldWeekly,
				AnnualRate: 0.085,
			},
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// NewAssetFixture returns a single active stock asset for simple tests.
func NewAssetFixture(symbol string) *domain.Asset {
	now := time.Now().UTC()
	return &domain.Asset{
		ID:          "asset-" + symbol,
		Symbol:      symbol,
		Name:        symbol + " Test Asset",
		Class:       domain.AssetClassStock,
		MinInvest:   decimal.NewFromInt(10),
		MinTrade:    0.01,
		Decimals:    8,
		TotalSupply: 1_000_000,
		Price:       100.0,
		NAV:         100.0,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewBotFixture returns an active bot wired to the given strategy.
func NewBotFixture(id, ownerID, strategyID string) *domain.Bot {
	now := time.Now().UTC()
	return &domain.Bot{
		ID:              id,
		OwnerID:         ownerID,
		Name:            "Test Bot " + id,
		Status:          domain.BotStatusActive,
		StrategyID:      strategyID,
		StrategyVersion: 1,
		Config: domain.BotConfig{
			Symbols:          []string{"AAPL"},
			Timeframes:       []domain.Timeframe{domain.Timeframe1h},
			RiskLevel:        "balanced",
			RiskPerTrade:     0.015,
			MaxPositionSize:  1000,
			MaxDailyTrades:   20,
			MaxDailyLoss:     decimal.NewFromInt(500),
			CorrelationLimit: 0.8,
			VaRLimit:         decimal.NewFromInt(2000),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewCandleSeries generates a deterministic OHLCV series for indicator tests.
// The series is a gentle sine wave around the base price so crossing
// conditions fire at predictable points.
func NewCandleSeries(symbol string, timeframe domain.Timeframe, n int, base float64) []domain.Candle {
	candles := make([]domain.Candle, 0, n)
	step := timeframe.Duration()
	start := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		drift := math.Sin(float64(i)/9.0) * base * 0.02
		open := base + drift
		close := base + math.Sin(float64(i+1)/9.0)*base*0.02
		high := math.Max(open, close) + base*0.003
		low := math.Min(open, close) - base*0.003
		candles = append(candles, domain.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: start.Add(time.Duration(i) * step),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    10_000 + float64(i%7)*1_500,
		})
	}
	return candles
}

// NewQuoteFixture returns a quote for a symbol at the given price with a
// one-cent spread.
func NewQuoteFixture(provider, symbol string, last float64) domain.Quote {
	return domain.Quote{
		Provider:  provider,
		Symbol:    symbol,
		Bid:       last - 0.005,
		Ask:       last + 0.005,
		Last:      last,
		Volume:    25_000,
		Timestamp: time.Now().UTC(),
	}
}

// NewSignalFixture returns a pending buy signal from the given bot.
func NewSignalFixture(id, botID, userID, assetID string) *domain.Signal {
	return &domain.Signal{
		ID:         id,
		BotID:      botID,
		UserID:     userID,
		AssetID:    assetID,
		Symbol:     "AAPL",
		Side:       domain.SideBuy,
		Confidence: 0.85,
		Rationale:  fmt.Sprintf("test_rule | RSI(14)=28.0 | KB:%s+1.00", "AAPL|1h|rsi_oversold"),
		PatternKey: "AAPL|1h|rsi_oversold",
		Status:     domain.SignalStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}
