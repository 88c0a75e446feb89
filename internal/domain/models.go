// Package domain provides core domain models and types.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass categorizes tokenized assets for market-hours and filtering.
type AssetClass string

const (
	AssetClassStock      AssetClass = "stock"
	AssetClassCrypto     AssetClass = "crypto"
	AssetClassForex      AssetClass = "forex"
	AssetClassCommodity  AssetClass = "commodity"
	AssetClassRealEstate AssetClass = "real_estate"
	AssetClassBond       AssetClass = "bond"
)

// Side is the direction of a signal, order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop:
		return true
	}
	return false
}

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// SignalStatus tracks a signal through the risk pipeline.
type SignalStatus string

const (
	SignalStatusPending  SignalStatus = "pending"
	SignalStatusApproved SignalStatus = "approved"
	SignalStatusRejected SignalStatus = "rejected"
	SignalStatusFilled   SignalStatus = "filled"
	SignalStatusExpired  SignalStatus = "expired"
)

// BotStatus is the lifecycle state of a bot.
type BotStatus string

const (
	BotStatusDraft         BotStatus = "draft"
	BotStatusPendingReview BotStatus = "pending_review"
	BotStatusActive        BotStatus = "active"
	BotStatusPaused        BotStatus = "paused"
	BotStatusArchived      BotStatus = "archived"
)

// Timeframe is a candle interval identifier.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the wall-clock span of one candle of this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether the timeframe is one of the supported intervals.
func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// YieldFrequency is how often an asset distributes yield.
type YieldFrequency string

const (
	YieldDaily     YieldFrequency = "daily"
	YieldWeekly    YieldFrequency = "weekly"
	YieldMonthly   YieldFrequency = "monthly"
	YieldQuarterly YieldFrequency = "quarterly"
	YieldAnnually  YieldFrequency = "annually"
)

// PeriodsPerYear returns the number of distribution periods in one year.
func (f YieldFrequency) PeriodsPerYear() int {
	switch f {
	case YieldDaily:
		return 365
	case YieldWeekly:
		return 52
	case YieldMonthly:
		return 12
	case YieldQuarterly:
		return 4
	case YieldAnnually:
		return 1
	default:
		return 0
	}
}

// YieldSchedule describes an asset's distribution plan.
type YieldSchedule struct {
	AnnualRate       float64        `json:"annual_rate"`
	Frequency        YieldFrequency `json:"frequency"`
	NextDistribution time.Time      `json:"next_distribution"`
}

// Asset is a tokenized accounting entity with fractional ownership.
// Cash-denominated minima use decimal; prices and token quantities are floats.
type Asset struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Name           string          `json:"name"`
	Class          AssetClass      `json:"class"`
	MinInvest      decimal.Decimal `json:"min_invest"`
	MinTrade       float64         `json:"min_trade"` // minimum token quantity per order
	Decimals       int             `json:"decimals"`
	TotalSupply    float64         `json:"total_supply"`
	Price          float64         `json:"price"`
	NAV            float64         `json:"nav"`
	Holders        int             `json:"holders"`
	Volume24h      float64         `json:"volume_24h"` // notional traded in the last day
	ATH            float64         `json:"ath"`
	ATL            float64         `json:"atl"`
	FeeBpsOverride *int            `json:"fee_bps_override,omitempty"`
	AccreditedOnly bool            `json:"accredited_only"`
	Jurisdiction   string          `json:"jurisdiction"`
	Active         bool            `json:"active"`
	Yield          YieldSchedule   `json:"yield"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MarketCap returns total supply valued at the current price.
func (a *Asset) MarketCap() float64 {
	return a.TotalSupply * a.Price
}

// Quote is a point-in-time price snapshot from one provider.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    float64   `json:"volume"`
	Provider  string    `json:"provider"`
	Timestamp time.Time `json:"timestamp"`
}

// AggregatedQuote merges quotes from several providers: best bid is the
// maximum bid, best ask the minimum ask, last is averaged.
type AggregatedQuote struct {
	Symbol    string    `json:"symbol"`
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	AvgLast   float64   `json:"avg_last"`
	Sources   []string  `json:"sources"`
	Timestamp time.Time `json:"timestamp"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is a user's holding in one asset. AvgCost is the running
// weighted-average cost per token; realized P&L and pending yield are cash.
type Position struct {
	UserID       string          `json:"user_id"`
	AssetID      string          `json:"asset_id"`
	BotID        string          `json:"bot_id,omitempty"` // bot that opened it, empty for manual trades
	Tokens       float64         `json:"tokens"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	PendingYield decimal.Decimal `json:"pending_yield"`
	Reinvest     bool            `json:"reinvest"`
	OpenedAt     time.Time       `json:"opened_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MarketValue values the position at the given price.
func (p *Position) MarketValue(price float64) decimal.Decimal {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(p.Tokens))
}

// UnrealizedPnL is market value minus cost at the given price.
func (p *Position) UnrealizedPnL(price float64) decimal.Decimal {
	tokens := decimal.NewFromFloat(p.Tokens)
	return decimal.NewFromFloat(price).Sub(p.AvgCost).Mul(tokens)
}

// BotConfig is the risk envelope and coverage of one bot. A copy travels
// with every scheduled task so config changes apply at cycle boundaries.
type BotConfig struct {
	Symbols          []string        `json:"symbols"`
	Timeframes       []Timeframe     `json:"timeframes"`
	RiskLevel        string          `json:"risk_level"`
	RiskPerTrade     float64         `json:"risk_per_trade"` // fraction of balance, e.g. 0.015
	MaxPositionSize  float64         `json:"max_position_size"`
	MaxDailyTrades   int             `json:"max_daily_trades"`
	MaxDailyLoss     decimal.Decimal `json:"max_daily_loss"`
	CorrelationLimit float64         `json:"correlation_limit"`
	VaRLimit         decimal.Decimal `json:"var_limit"`
	ScaleIn          bool            `json:"scale_in"`
}

// BotPerformance is rolling performance, updated from closed trades.
type BotPerformance struct {
	WinRate      float64         `json:"win_rate"`
	ProfitFactor float64         `json:"profit_factor"`
	Sharpe       float64         `json:"sharpe"`
	MaxDrawdown  float64         `json:"max_drawdown"`
	TotalTrades  int             `json:"total_trades"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
}

// BotFingerprint summarizes what a bot trades and how, for cataloguing.
type BotFingerprint struct {
	StrategyTypes    []string `json:"strategy_types"`
	Indicators       []string `json:"indicators"`
	RiskProfile      string   `json:"risk_profile"`
	PreferredRegimes []string `json:"preferred_regimes"`
}

// Bot is a configured automation running one strategy version.
// Strategy is referenced by id+version, never by pointer.
type Bot struct {
	ID              string         `json:"id"`
	OwnerID         string         `json:"owner_id"`
	Name            string         `json:"name"`
	Status          BotStatus      `json:"status"`
	StrategyID      string         `json:"strategy_id"`
	StrategyVersion int            `json:"strategy_version"`
	Config          BotConfig      `json:"config"`
	Performance     BotPerformance `json:"performance"`
	Fingerprint     BotFingerprint `json:"fingerprint"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Strategy is one stored version of a user-authored strategy. A
// deployed version is immutable; edits to it produce the next version.
// The definition is the evaluator's condition-tree JSON, kept opaque
// here so the builder and evaluator own its schema.
type Strategy struct {
	ID          string          `json:"id"`
	Version     int             `json:"version"`
	UserID      string          `json:"user_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition"`
	Deployed    bool            `json:"deployed"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Signal is the evaluator's output for one (bot, symbol, tick).
// StopLossPct/TakeProfitPct, when set, have protective orders attached
// after the entry fills.
type Signal struct {
	ID            string       `json:"id"`
	BotID         string       `json:"bot_id"`
	UserID        string       `json:"user_id"`
	AssetID       string       `json:"asset_id"`
	Symbol        string       `json:"symbol"`
	Side          Side         `json:"side"`
	OrderType     OrderType    `json:"order_type,omitempty"` // defaults to market
	Confidence    float64      `json:"confidence"`
	Rationale     string       `json:"rationale"`
	PatternKey    string       `json:"pattern_key"`
	StopLossPct   float64      `json:"stop_loss_pct,omitempty"`
	TakeProfitPct float64      `json:"take_profit_pct,omitempty"`
	Status        SignalStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Order is an intention to trade, placed on the book by the risk pipeline.
type Order struct {
	ID           string      `json:"id"`
	SignalID     string      `json:"signal_id,omitempty"`
	UserID       string      `json:"user_id"`
	BotID        string      `json:"bot_id,omitempty"`
	AssetID      string      `json:"asset_id"`
	Side         Side        `json:"side"`
	Type         OrderType   `json:"type"`
	Qty          float64     `json:"qty"`
	LimitPrice   *float64    `json:"limit_price,omitempty"`
	StopPrice    *float64    `json:"stop_price,omitempty"`
	FilledQty    float64     `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Status       OrderStatus `json:"status"`
	ArrivalSeq   uint64      `json:"arrival_seq"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at,omitempty"`
}

// RemainingQty is the unfilled remainder.
func (o *Order) RemainingQty() float64 {
	return o.Qty - o.FilledQty
}

// Account is a user's cash account. The stored balance is the funding
// seed; the live balance is seed plus replayed ledger activity.
// Operator accounts are exempt from platform fees.
type Account struct {
	UserID       string          `json:"user_id"`
	Balance      decimal.Decimal `json:"balance"`
	Accredited   bool            `json:"accredited"`
	Operator     bool            `json:"operator"`
	Jurisdiction string          `json:"jurisdiction"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Expired reports whether the order has passed its expiry.
func (o *Order) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// Fill is an immutable settlement record against the book. Synthetic fills
// come from yield reinvestment (primary market, zero fee).
type Fill struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	AssetID   string          `json:"asset_id"`
	UserID    string          `json:"user_id"`
	Side      Side            `json:"side"`
	Qty       float64         `json:"qty"`
	Price     float64         `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Synthetic bool            `json:"synthetic"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notional is qty x price as cash.
func (f *Fill) Notional() decimal.Decimal {
	return decimal.NewFromFloat(f.Qty * f.Price)
}

// DistributionEvent summarizes one yield distribution for an asset.
type DistributionEvent struct {
	AssetID    string          `json:"asset_id"`
	TotalYield decimal.Decimal `json:"total_yield"`
	Holders    int             `json:"holders"`
	Reinvested int             `json:"reinvested"`
	Timestamp  time.Time       `json:"timestamp"`
}

// TradingState is the live counter view of one bot, served by the
// trading-state endpoint and used by the daily-cap risk check.
type TradingState struct {
	BotID          string          `json:"bot_id"`
	Status         BotStatus       `json:"status"`
	DailyTrades    int             `json:"daily_trades"`
	DailyPnL       decimal.Decimal `json:"daily_pnl"`
	MissedTicks    int64           `json:"missed_ticks"`
	Evaluations    int64           `json:"evaluations"`
	SignalsEmitted int64           `json:"signals_emitted"`
	LastTick       time.Time       `json:"last_tick"`
}
