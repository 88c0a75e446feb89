package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/modules/assets"
	"github.com/quantfold/tradecore/internal/orderbook"
	testhelpers "github.com/quantfold/tradecore/internal/testing"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

type fakeAccounts struct {
	balance decimal.Decimal
	tokens  float64
}

func (f *fakeAccounts) Account(userID string) (domain.Account, bool) {
	if userID != "user-1" {
		return domain.Account{}, false
	}
	return domain.Account{UserID: userID, Balance: f.balance}, true
}

func (f *fakeAccounts) Position(userID, assetID string) (domain.Position, bool) {
	if f.tokens <= 0 {
		return domain.Position{}, false
	}
	return domain.Position{UserID: userID, AssetID: assetID, Tokens: f.tokens}, true
}

type fakePlacer struct {
	lastOrder domain.Order
	err       error
}

func (p *fakePlacer) PlaceManual(_ context.Context, order domain.Order) (*orderbook.Batch, error) {
	p.lastOrder = order
	if p.err != nil {
		return nil, p.err
	}
	filled := order
	filled.FilledQty = order.Qty
	filled.AvgFillPrice = 50
	filled.Status = domain.OrderStatusFilled
	return &orderbook.Batch{
		AssetID: order.AssetID,
		Taker:   &filled,
		Fills: []domain.Fill{{
			ID: "f1", OrderID: order.ID, AssetID: order.AssetID, UserID: order.UserID,
			Side: order.Side, Qty: order.Qty, Price: 50,
			Fee: decimal.RequireFromString("1"), Timestamp: time.Now().UTC(),
		}},
		Orders: []domain.Order{filled},
	}, nil
}

func setupTestHandler(t *testing.T) (*Handler, *fakePlacer) {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, "state")
	t.Cleanup(cleanup)

	svc := assets.NewService(assets.NewRepository(db, testLogger()), 10, testLogger())
	require.NoError(t, svc.Create(&domain.Asset{
		ID:          "asset-1",
		Symbol:      "MRE",
		Name:        "Metro Real Estate Fund",
		Class:       domain.AssetClassRealEstate,
		MinInvest:   decimal.RequireFromString("100"),
		MinTrade:    0.1,
		Decimals:    8,
		TotalSupply: 10000,
		Price:       50,
		NAV:         50,
		Active:      true,
	}))
	svc.SetAccountSource(&fakeAccounts{balance: decimal.RequireFromString("10000"), tokens: 50})

	placer := &fakePlacer{}
	return NewHandler(svc, placer, testLogger()), placer
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(body).Decode(&response))
	data, ok := response["data"].(map[string]interface{})
	require.True(t, ok, "response missing data envelope")
	return data
}

func TestHandleListAssets(t *testing.T) {
	handler, _ := setupTestHandler(t)

	req := httptest.NewRequest("GET", "/assets?class=real_estate", nil)
	w := httptest.NewRecorder()
	handler.HandleListAssets(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w.Body)
	assert.Equal(t, 1.0, data["count"])

	req = httptest.NewRequest("GET", "/assets?class=bond", nil)
	w = httptest.NewRecorder()
	handler.HandleListAssets(w, req)
	data = decodeEnvelope(t, w.Body)
	assert.Equal(t, 0.0, data["count"])

	req = httptest.NewRequest("GET", "/assets?maxPrice=nonsense", nil)
	w = httptest.NewRecorder()
	handler.HandleListAssets(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetAsset(t *testing.T) {
	handler, _ := setupTestHandler(t)

	req := httptest.NewRequest("GET", "/assets/asset-1", nil)
	w := httptest.NewRecorder()
	handler.HandleGetAsset(w, req, "asset-1")

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w.Body)
	asset, ok := data["asset"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "MRE", asset["symbol"])

	req = httptest.NewRequest("GET", "/assets/ghost", nil)
	w = httptest.NewRecorder()
	handler.HandleGetAsset(w, req, "ghost")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleBuy(t *testing.T) {
	handler, placer := setupTestHandler(t)

	body := bytes.NewBufferString(`{"userId": "user-1", "amount": "1001"}`)
	req := httptest.NewRequest("POST", "/assets/asset-1/buy", body)
	w := httptest.NewRecorder()
	handler.HandleBuy(w, req, "asset-1")

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w.Body)

	order, ok := data["order"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "filled", order["status"])
	assert.Equal(t, "buy", order["side"])

	fills, ok := data["fills"].([]interface{})
	require.True(t, ok)
	require.Len(t, fills, 1)

	assert.Equal(t, domain.SideBuy, placer.lastOrder.Side)
	assert.InDelta(t, 20.0, placer.lastOrder.Qty, 1e-9)
}

func TestHandleBuyRejected(t *testing.T) {
	handler, _ := setupTestHandler(t)

	// Amount beyond the account balance never reaches the book.
	body := bytes.NewBufferString(`{"userId": "user-1", "amount": "99999"}`)
	req := httptest.NewRequest("POST", "/assets/asset-1/buy", body)
	w := httptest.NewRecorder()
	handler.HandleBuy(w, req, "asset-1")

	require.Equal(t, http.StatusConflict, w.Code)
	var errResp map[string]map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&errResp))
	assert.Equal(t, "INSUFFICIENT_BALANCE", errResp["error"]["code"])
}

func TestHandleBuyBrakeEngaged(t *testing.T) {
	handler, placer := setupTestHandler(t)
	placer.err = domain.NewStateError(domain.CodeBrakeActive, "emergency brake engaged")

	body := bytes.NewBufferString(`{"userId": "user-1", "amount": "1001"}`)
	req := httptest.NewRequest("POST", "/assets/asset-1/buy", body)
	w := httptest.NewRecorder()
	handler.HandleBuy(w, req, "asset-1")

	require.Equal(t, http.StatusConflict, w.Code)
	var errResp map[string]map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&errResp))
	assert.Equal(t, "BRAKE_ACTIVE", errResp["error"]["code"])
}

func TestHandleSell(t *testing.T) {
	handler, placer := setupTestHandler(t)

	body := bytes.NewBufferString(`{"userId": "user-1", "quantity": 20}`)
	req := httptest.NewRequest("POST", "/assets/asset-1/sell", body)
	w := httptest.NewRecorder()
	handler.HandleSell(w, req, "asset-1")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.SideSell, placer.lastOrder.Side)
	assert.Equal(t, 20.0, placer.lastOrder.Qty)

	body = bytes.NewBufferString(`{"userId": "user-1", "quantity": 500}`)
	req = httptest.NewRequest("POST", "/assets/asset-1/sell", body)
	w = httptest.NewRecorder()
	handler.HandleSell(w, req, "asset-1")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleBuyBadBody(t *testing.T) {
	handler, _ := setupTestHandler(t)

	req := httptest.NewRequest("POST", "/assets/asset-1/buy", bytes.NewBufferString(`{`))
	w := httptest.NewRecorder()
	handler.HandleBuy(w, req, "asset-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouteIntegration(t *testing.T) {
	handler, _ := setupTestHandler(t)
	r := chi.NewRouter()
	handler.RegisterRoutes(r)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{
			name:       "list assets",
			method:     "GET",
			path:       "/assets",
			wantStatus: http.StatusOK,
		},
		{
			name:       "asset detail",
			method:     "GET",
			path:       "/assets/asset-1",
			wantStatus: http.StatusOK,
		},
		{
			name:       "asset detail unknown",
			method:     "GET",
			path:       "/assets/ghost",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "buy",
			method:     "POST",
			path:       "/assets/asset-1/buy",
			body:       `{"userId": "user-1", "amount": "500"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "sell",
			method:     "POST",
			path:       "/assets/asset-1/sell",
			body:       `{"userId": "user-1", "quantity": 10}`,
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body *bytes.Buffer
			if tt.body != "" {
				body = bytes.NewBufferString(tt.body)
			} else {
				body = &bytes.Buffer{}
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}
