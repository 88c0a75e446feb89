package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventData is the interface that all event payload types implement.
// The same types are serialized into the ledger, so every field a
// replay needs must live here, not in ambient state.
type EventData interface {
	// EventType returns the event type this payload belongs to.
	EventType() EventType
}

// QuoteReceivedData is published for every accepted provider quote.
type QuoteReceivedData struct {
	Symbol   string  `json:"symbol"`
	Provider string  `json:"provider"`
	Bid      float64 `json:"bid"`
	Ask      float64 `json:"ask"`
	Last     float64 `json:"last"`
	Volume   float64 `json:"volume"`
}

func (d *QuoteReceivedData) EventType() EventType { return QuoteReceived }

// CandleClosedData is published when a candle interval completes.
type CandleClosedData struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	ClosedAt  time.Time `json:"closed_at"`
}

func (d *CandleClosedData) EventType() EventType { return CandleClosed }

// IndicatorsUpdatedData carries the refreshed indicator snapshot for one
// (symbol, timeframe) after a candle update.
type IndicatorsUpdatedData struct {
	Symbol    string             `json:"symbol"`
	Timeframe string             `json:"timeframe"`
	Values    map[string]float64 `json:"values"` // keyed by indicator name, e.g. "rsi_14"
	Stale     bool               `json:"stale"`
}

func (d *IndicatorsUpdatedData) EventType() EventType { return IndicatorsUpdated }

// RegimeChangedData is published when the market regime classification
// flips for a (symbol, timeframe).
type RegimeChangedData struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Old       string `json:"old"`
	New       string `json:"new"`
}

func (d *RegimeChangedData) EventType() EventType { return RegimeChanged }

// ProviderStateChangedData tracks provider connect/disconnect cycles.
type ProviderStateChangedData struct {
	Provider  string `json:"provider"`
	Connected bool   `json:"connected"`
	Attempt   int    `json:"attempt,omitempty"` // reconnect attempt counter, 0 on first connect
	Reason    string `json:"reason,omitempty"`
}

func (d *ProviderStateChangedData) EventType() EventType { return ProviderStateChanged }

// SignalEmittedData records a strategy match before risk checks.
type SignalEmittedData struct {
	SignalID   string  `json:"signal_id"`
	BotID      string  `json:"bot_id"`
	UserID     string  `json:"user_id"`
	AssetID    string  `json:"asset_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
	PatternKey string  `json:"pattern_key"`
}

func (d *SignalEmittedData) EventType() EventType { return SignalEmitted }

// OrderPlacedData records an order accepted by the risk pipeline. It
// carries the full order parameters so open orders can be rebuilt on
// replay.
type OrderPlacedData struct {
	OrderID    string     `json:"order_id"`
	SignalID   string     `json:"signal_id,omitempty"`
	UserID     string     `json:"user_id"`
	BotID      string     `json:"bot_id,omitempty"`
	AssetID    string     `json:"asset_id"`
	Side       string     `json:"side"`
	OrderType  string     `json:"order_type"`
	Qty        float64    `json:"qty"`
	LimitPrice *float64   `json:"limit_price,omitempty"`
	StopPrice  *float64   `json:"stop_price,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (d *OrderPlacedData) EventType() EventType { return OrderPlaced }

// OrderRejectedData records a risk pipeline rejection.
type OrderRejectedData struct {
	SignalID string `json:"signal_id,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	UserID   string `json:"user_id"`
	AssetID  string `json:"asset_id"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (d *OrderRejectedData) EventType() EventType { return OrderRejected }

// OrderFilledData records one fill against the book. Synthetic fills
// come from yield reinvestment and bypass the book.
type OrderFilledData struct {
	FillID    string          `json:"fill_id"`
	OrderID   string          `json:"order_id"`
	AssetID   string          `json:"asset_id"`
	UserID    string          `json:"user_id"`
	BotID     string          `json:"bot_id,omitempty"`
	Side      string          `json:"side"`
	Qty       float64         `json:"qty"`
	Price     float64         `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Remaining float64         `json:"remaining"`
	Synthetic bool            `json:"synthetic,omitempty"`
}

func (d *OrderFilledData) EventType() EventType { return OrderFilled }

// OrderCancelledData records an order leaving the book unfilled or
// partially filled.
type OrderCancelledData struct {
	OrderID   string  `json:"order_id"`
	UserID    string  `json:"user_id"`
	AssetID   string  `json:"asset_id"`
	Reason    string  `json:"reason"` // "user", "expired", "insufficient_liquidity"
	FilledQty float64 `json:"filled_qty"`
}

func (d *OrderCancelledData) EventType() EventType { return OrderCancelled }

// PositionOpenedData records a position going from zero to non-zero.
type PositionOpenedData struct {
	UserID  string          `json:"user_id"`
	AssetID string          `json:"asset_id"`
	BotID   string          `json:"bot_id,omitempty"`
	Tokens  float64         `json:"tokens"`
	AvgCost decimal.Decimal `json:"avg_cost"`
}

func (d *PositionOpenedData) EventType() EventType { return PositionOpened }

// PositionClosedData records a position returning to zero. PnLPct feeds
// the knowledge base keyed by PatternKey.
type PositionClosedData struct {
	UserID      string          `json:"user_id"`
	AssetID     string          `json:"asset_id"`
	BotID       string          `json:"bot_id,omitempty"`
	Tokens      float64         `json:"tokens"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	PnLPct      float64         `json:"pnl_pct"`
	PatternKey  string          `json:"pattern_key,omitempty"`
}

func (d *PositionClosedData) EventType() EventType { return PositionClosed }

// DistributionPaidData records one holder's share of a yield period.
// Claimed marks the later withdrawal of accrued yield into cash; the
// original accrual entry has Claimed=false. Drift marks the period
// remainder paid to the issuer account, which never touches a position.
type DistributionPaidData struct {
	AssetID    string          `json:"asset_id"`
	UserID     string          `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	Reinvested bool            `json:"reinvested"`
	Claimed    bool            `json:"claimed,omitempty"`
	Drift      bool            `json:"drift,omitempty"`
	Tokens     float64         `json:"tokens,omitempty"` // tokens bought when reinvested
	Price      float64         `json:"price,omitempty"`  // reinvestment price
}

func (d *DistributionPaidData) EventType() EventType { return DistributionPaid }

// FeeChargedData records a fee debit outside of fills (platform fee on
// realized profit). Taker fees travel on OrderFilledData.
type FeeChargedData struct {
	UserID  string          `json:"user_id"`
	AssetID string          `json:"asset_id,omitempty"`
	BotID   string          `json:"bot_id,omitempty"`
	Kind    string          `json:"kind"` // "taker", "platform"
	Amount  decimal.Decimal `json:"amount"`
}

func (d *FeeChargedData) EventType() EventType { return FeeCharged }

// BotStateChangedData records bot lifecycle transitions.
type BotStateChangedData struct {
	BotID  string `json:"bot_id"`
	Old    string `json:"old"`
	New    string `json:"new"`
	Reason string `json:"reason,omitempty"`
}

func (d *BotStateChangedData) EventType() EventType { return BotStateChanged }

// BrakeChangedData is published on emergency brake transitions. The
// event type depends on direction, so Engaged selects it.
type BrakeChangedData struct {
	Engaged bool   `json:"engaged"`
	Reason  string `json:"reason,omitempty"`
	Source  string `json:"source"` // "operator", "fatal_error", "reconciliation"
}

func (d *BrakeChangedData) EventType() EventType {
	if d.Engaged {
		return BrakeEngaged
	}
	return BrakeReleased
}

// DailyLossTrippedData is published when platform-wide daily realized
// losses cross the configured limit.
type DailyLossTrippedData struct {
	Loss  decimal.Decimal `json:"loss"`
	Limit decimal.Decimal `json:"limit"`
}

func (d *DailyLossTrippedData) EventType() EventType { return DailyLossTripped }

// SettingsChangedData records an operator settings update.
type SettingsChangedData struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

func (d *SettingsChangedData) EventType() EventType { return SettingsChanged }

// JobStatusData carries scheduler job lifecycle events. The event type
// is determined by the Status field.
type JobStatusData struct {
	JobName  string  `json:"job_name"`
	Status   string  `json:"status"` // "started", "completed", "failed"
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"duration,omitempty"` // seconds
}

func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	default:
		return JobStarted
	}
}

// DecodeData unmarshals a raw payload into the concrete type for an
// event type. The ledger uses this to rebuild state during replay.
func DecodeData(t EventType, raw []byte) (EventData, error) {
	var data EventData
	switch t {
	case QuoteReceived:
		data = &QuoteReceivedData{}
	case CandleClosed:
		data = &CandleClosedData{}
	case IndicatorsUpdated:
		data = &IndicatorsUpdatedData{}
	case RegimeChanged:
		data = &RegimeChangedData{}
	case ProviderStateChanged:
		data = &ProviderStateChangedData{}
	case SignalEmitted:
		data = &SignalEmittedData{}
	case OrderPlaced:
		data = &OrderPlacedData{}
	case OrderRejected:
		data = &OrderRejectedData{}
	case OrderFilled:
		data = &OrderFilledData{}
	case OrderCancelled:
		data = &OrderCancelledData{}
	case PositionOpened:
		data = &PositionOpenedData{}
	case PositionClosed:
		data = &PositionClosedData{}
	case DistributionPaid:
		data = &DistributionPaidData{}
	case FeeCharged:
		data = &FeeChargedData{}
	case BotStateChanged:
		data = &BotStateChangedData{}
	case BrakeEngaged, BrakeReleased:
		data = &BrakeChangedData{}
	case DailyLossTripped:
		data = &DailyLossTrippedData{}
	case SettingsChanged:
		data = &SettingsChangedData{}
	case JobStarted, JobCompleted, JobFailed:
		data = &JobStatusData{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", t)
	}

	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return data, nil
}

// MarshalJSON serializes the event with its payload inline.
func (e *Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON deserializes an event, decoding the payload into its
// concrete type based on the event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.Data) > 0 {
		decoded, err := DecodeData(aux.Type, aux.Data)
		if err != nil {
			return err
		}
		e.Data = decoded
	}

	return nil
}
