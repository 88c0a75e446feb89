package handlers

import (
	"bytes"
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
	"github.com/quantfold/tradecore/internal/events"
	"github.com/quantfold/tradecore/internal/modules/portfolio"
	"github.com/quantfold/tradecore/internal/orderbook"
	testhelpers "github.com/quantfold/tradecore/internal/testing"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

type noopLedger struct{}

func (noopLedger) Append(events.EventData) {}

func setupTestStore(t *testing.T) *portfolio.Store {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, "state")
	t.Cleanup(cleanup)

	repo := portfolio.NewAccountRepository(db, testLogger())
	store := portfolio.NewStore(repo, noopLedger{}, 10, testLogger())
	store.SetAssetLookup(func(assetID string) (*domain.Asset, bool) {
		if assetID != "asset-1" {
			return nil, false
		}
		return &domain.Asset{
			ID: "asset-1", Symbol: "MRE", Class: domain.AssetClassRealEstate, Price: 55,
		}, true
	})

	require.NoError(t, store.PutAccount(&domain.Account{
		UserID:  "user-1",
		Balance: decimal.RequireFromString("10000"),
	}))
	store.ApplyBatch(&orderbook.Batch{
		AssetID: "asset-1",
		Fills: []domain.Fill{{
			ID: "f1", OrderID: "o1", AssetID: "asset-1", UserID: "user-1",
			Side: domain.SideBuy, Qty: 100, Price: 50,
			Fee: decimal.RequireFromString("5"), Timestamp: time.Now().UTC(),
		}},
		Orders: []domain.Order{{
			ID: "o1", UserID: "user-1", AssetID: "asset-1",
			Side: domain.SideBuy, Type: domain.OrderTypeMarket,
			Qty: 100, FilledQty: 100, AvgFillPrice: 50,
			Status: domain.OrderStatusFilled,
		}},
	})
	store.CreditYield("user-1", "asset-1", decimal.RequireFromString("85.32"))
	return store
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(body).Decode(&response))
	data, ok := response["data"].(map[string]interface{})
	require.True(t, ok, "response missing data envelope")
	return data
}

func TestHandleGetPortfolio(t *testing.T) {
	handler := NewHandler(setupTestStore(t), testLogger())

	req := httptest.NewRequest("GET", "/portfolio/user-1", nil)
	w := httptest.NewRecorder()
	handler.HandleGetPortfolio(w, req, "user-1")

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w.Body)

	assert.Equal(t, "user-1", data["user_id"])
	positions, ok := data["positions"].([]interface{})
	require.True(t, ok)
	require.Len(t, positions, 1)

	pos := positions[0].(map[string]interface{})
	assert.Equal(t, "asset-1", pos["asset_id"])
	assert.Equal(t, "MRE", pos["symbol"])
	assert.Equal(t, 100.0, pos["tokens"])
	assert.Equal(t, "85.32", pos["pending_yield"])

	allocation, ok := data["allocation"].([]interface{})
	require.True(t, ok)
	require.Len(t, allocation, 1)
	assert.Equal(t, "real_estate", allocation[0].(map[string]interface{})["class"])
	assert.InDelta(t, 100, allocation[0].(map[string]interface{})["pct"], 0.001)
}

func TestHandleGetPortfolioNotFound(t *testing.T) {
	handler := NewHandler(setupTestStore(t), testLogger())

	req := httptest.NewRequest("GET", "/portfolio/ghost", nil)
	w := httptest.NewRecorder()
	handler.HandleGetPortfolio(w, req, "ghost")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleClaimYield(t *testing.T) {
	handler := NewHandler(setupTestStore(t), testLogger())

	body := bytes.NewBufferString(`{"assetId": "asset-1"}`)
	req := httptest.NewRequest("POST", "/portfolio/user-1/claim", body)
	w := httptest.NewRecorder()
	handler.HandleClaimYield(w, req, "user-1")

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w.Body)
	assert.Equal(t, "85.32", data["claimed"])

	// Nothing left to claim.
	body = bytes.NewBufferString(`{"assetId": "asset-1"}`)
	req = httptest.NewRequest("POST", "/portfolio/user-1/claim", body)
	w = httptest.NewRecorder()
	handler.HandleClaimYield(w, req, "user-1")

	assert.Equal(t, http.StatusConflict, w.Code)
	var errResp map[string]map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&errResp))
	assert.Equal(t, "NO_YIELD", errResp["error"]["code"])
}

func TestHandleClaimYieldBadRequest(t *testing.T) {
	handler := NewHandler(setupTestStore(t), testLogger())

	req := httptest.NewRequest("POST", "/portfolio/user-1/claim", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	handler.HandleClaimYield(w, req, "user-1")

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSetReinvest(t *testing.T) {
	store := setupTestStore(t)
	handler := NewHandler(store, testLogger())

	body := bytes.NewBufferString(`{"assetId": "asset-1", "reinvest": true}`)
	req := httptest.NewRequest("PUT", "/portfolio/user-1/reinvest", body)
	w := httptest.NewRecorder()
	handler.HandleSetReinvest(w, req, "user-1")

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w.Body)
	assert.Equal(t, true, data["reinvest"])

	pos, ok := store.Position("user-1", "asset-1")
	require.True(t, ok)
	assert.True(t, pos.Reinvest)
}

func TestRouteIntegration(t *testing.T) {
	handler := NewHandler(setupTestStore(t), testLogger())
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
			name:       "get portfolio",
			method:     "GET",
			path:       "/portfolio/user-1",
			wantStatus: http.StatusOK,
		},
		{
			name:       "get portfolio unknown user",
			method:     "GET",
			path:       "/portfolio/ghost",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "claim yield",
			method:     "POST",
			path:       "/portfolio/user-1/claim",
			body:       `{"assetId": "asset-1"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "set reinvest",
			method:     "PUT",
			path:       "/portfolio/user-1/reinvest",
			body:       `{"assetId": "asset-1", "reinvest": true}`,
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
