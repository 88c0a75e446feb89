package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrakeChangedDataEventType(t *testing.T) {
	engaged := &BrakeChangedData{Engaged: true, Source: "operator"}
	assert.Equal(t, BrakeEngaged, engaged.EventType())

	released := &BrakeChangedData{Engaged: false, Source: "operator"}
	assert.Equal(t, BrakeReleased, released.EventType())
}

func TestJobStatusDataEventType(t *testing.T) {
	tests := []struct {
		status string
		want   EventType
	}{
		{"started", JobStarted},
		{"completed", JobCompleted},
		{"failed", JobFailed},
		{"", JobStarted},
	}
	for _, tt := range tests {
		data := &JobStatusData{JobName: "yield_distribution", Status: tt.status}
		assert.Equal(t, tt.want, data.EventType())
	}
}

func TestDecodeDataOrderPlaced(t *testing.T) {
	limit := 101.50
	expires := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)
	original := &OrderPlacedData{
		OrderID:    "ord-1",
		SignalID:   "sig-1",
		UserID:     "user-1",
		BotID:      "bot-1",
		AssetID:    "asset-aapl",
		Side:       "buy",
		OrderType:  "limit",
		Qty:        10,
		LimitPrice: &limit,
		ExpiresAt:  &expires,
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	decoded, err := DecodeData(OrderPlaced, raw)
	require.NoError(t, err)

	placed, ok := decoded.(*OrderPlacedData)
	require.True(t, ok)
	assert.Equal(t, original.OrderID, placed.OrderID)
	require.NotNil(t, placed.LimitPrice)
	assert.Equal(t, limit, *placed.LimitPrice)
	assert.Nil(t, placed.StopPrice)
	require.NotNil(t, placed.ExpiresAt)
	assert.True(t, expires.Equal(*placed.ExpiresAt))
}

func TestDecodeDataOrderFilledKeepsDecimalFee(t *testing.T) {
	original := &OrderFilledData{
		FillID:  "fill-1",
		OrderID: "ord-1",
		AssetID: "asset-aapl",
		UserID:  "user-1",
		Side:    "buy",
		Qty:     5,
		Price:   101.0,
		Fee:     decimal.RequireFromString("0.505"),
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	decoded, err := DecodeData(OrderFilled, raw)
	require.NoError(t, err)

	filled := decoded.(*OrderFilledData)
	assert.True(t, filled.Fee.Equal(decimal.RequireFromString("0.505")),
		"fee must survive the round trip exactly, got %s", filled.Fee)
}

func TestDecodeDataBrakeVariants(t *testing.T) {
	raw := []byte(`{"engaged":true,"source":"fatal_error","reason":"ledger io"}`)

	decoded, err := DecodeData(BrakeEngaged, raw)
	require.NoError(t, err)
	brake := decoded.(*BrakeChangedData)
	assert.True(t, brake.Engaged)
	assert.Equal(t, "fatal_error", brake.Source)

	// Same payload type serves both directions
	decoded, err = DecodeData(BrakeReleased, []byte(`{"engaged":false,"source":"operator"}`))
	require.NoError(t, err)
	assert.False(t, decoded.(*BrakeChangedData).Engaged)
}

func TestDecodeDataUnknownType(t *testing.T) {
	_, err := DecodeData(EventType("bogus"), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestDecodeDataMalformedPayload(t *testing.T) {
	_, err := DecodeData(OrderFilled, []byte(`{"qty":"not a number"}`))
	require.Error(t, err)
}

func TestEventJSONRoundTrip(t *testing.T) {
	event := &Event{
		Type:      PositionClosed,
		Module:    "orderbook",
		Timestamp: time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC),
		Data: &PositionClosedData{
			UserID:      "user-1",
			AssetID:     "asset-aapl",
			BotID:       "bot-1",
			Tokens:      10,
			RealizedPnL: decimal.RequireFromString("42.50"),
			PnLPct:      2.4,
			PatternKey:  "AAPL|1h|rsi_oversold",
		},
	}

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, PositionClosed, decoded.Type)
	assert.Equal(t, "orderbook", decoded.Module)

	closed, ok := decoded.Data.(*PositionClosedData)
	require.True(t, ok, "payload should decode to its concrete type")
	assert.Equal(t, "AAPL|1h|rsi_oversold", closed.PatternKey)
	assert.True(t, closed.RealizedPnL.Equal(decimal.RequireFromString("42.50")))
}

func TestEventJSONRoundTripNilData(t *testing.T) {
	event := &Event{Type: BrakeEngaged, Module: "risk", Timestamp: time.Now().UTC()}

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, BrakeEngaged, decoded.Type)
}
