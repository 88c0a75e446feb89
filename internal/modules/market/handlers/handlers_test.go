package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/marketdata"
)

type fakeQuoter struct {
	quotes  map[string]domain.Quote
	candles map[string][]domain.Candle
	err     error
}

func (f *fakeQuoter) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	if f.err != nil {
		return domain.Quote{}, f.err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return domain.Quote{}, domain.NewTransientError(domain.CodeNoProvider, "no provider has "+symbol, nil)
	}
	return q, nil
}

func (f *fakeQuoter) GetQuoteFrom(ctx context.Context, provider, symbol string) (domain.Quote, error) {
	q, err := f.GetQuote(ctx, symbol)
	if err != nil {
		return domain.Quote{}, err
	}
	q.Provider = provider
	return q, nil
}

func (f *fakeQuoter) GetAggregated(ctx context.Context, symbol string) (marketdata.AggregatedQuote, error) {
	q, err := f.GetQuote(ctx, symbol)
	if err != nil {
		return marketdata.AggregatedQuote{}, err
	}
	return marketdata.AggregatedQuote{
		Symbol:    symbol,
		Bid:       q.Bid,
		Ask:       q.Ask,
		Last:      q.Last,
		Sources:   []string{"sim"},
		Timestamp: q.Timestamp,
	}, nil
}

func (f *fakeQuoter) GetCandles(_ context.Context, symbol string, _ domain.Timeframe, limit int) ([]domain.Candle, error) {
	if f.err != nil {
		return nil, f.err
	}
	series := f.candles[symbol]
	if len(series) > limit {
		series = series[:limit]
	}
	return series, nil
}

func newTestRouter(q Quoter) *chi.Mux {
	h := NewHandler(q, zerolog.New(nil).Level(zerolog.Disabled))
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestHandleQuote(t *testing.T) {
	quoter := &fakeQuoter{quotes: map[string]domain.Quote{
		"EURUSD": {Symbol: "EURUSD", Bid: 1.0840, Ask: 1.0842, Last: 1.0841, Provider: "sim", Timestamp: time.Now()},
	}}
	router := newTestRouter(quoter)

	req := httptest.NewRequest(http.MethodGet, "/market/quote/EURUSD", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data domain.Quote `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "EURUSD", resp.Data.Symbol)
	assert.Equal(t, 1.0842, resp.Data.Ask)
}

func TestHandleQuoteAggregated(t *testing.T) {
	quoter := &fakeQuoter{quotes: map[string]domain.Quote{
		"BTC": {Symbol: "BTC", Bid: 64000, Ask: 64010, Last: 64005},
	}}
	router := newTestRouter(quoter)

	req := httptest.NewRequest(http.MethodGet, "/market/quote/BTC?aggregated=true", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data marketdata.AggregatedQuote `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"sim"}, resp.Data.Sources)
}

func TestHandleQuoteNoProvider(t *testing.T) {
	router := newTestRouter(&fakeQuoter{})

	req := httptest.NewRequest(http.MethodGet, "/market/quote/UNKNOWN", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var resp struct {
		Error struct {
			Code      string `json:"code"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, &resp))
	assert.Equal(t, domain.CodeNoProvider, resp.Error.Code)
	assert.True(t, resp.Error.Retryable)
}

func TestHandleQuotesBatch(t *testing.T) {
	quoter := &fakeQuoter{quotes: map[string]domain.Quote{
		"AAPL": {Symbol: "AAPL", Last: 231.5},
	}}
	router := newTestRouter(quoter)

	body := `{"symbols": ["AAPL", "MISSING"]}`
	req := httptest.NewRequest(http.MethodPost, "/market/quotes", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Quotes map[string]json.RawMessage `json:"quotes"`
			Count  int                        `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.Count)
	assert.Contains(t, string(resp.Data.Quotes["MISSING"]), domain.CodeNoProvider)
}

func TestHandleQuotesBatchValidation(t *testing.T) {
	router := newTestRouter(&fakeQuoter{})

	tests := []struct {
		name string
		body string
	}{
		{name: "empty symbols", body: `{"symbols": []}`},
		{name: "malformed", body: `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/market/quotes", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleHistory(t *testing.T) {
	candles := make([]domain.Candle, 5)
	for i := range candles {
		candles[i] = domain.Candle{Symbol: "AAPL", Timeframe: domain.Timeframe1h, Close: 230 + float64(i)}
	}
	quoter := &fakeQuoter{candles: map[string][]domain.Candle{"AAPL": candles}}
	router := newTestRouter(quoter)

	req := httptest.NewRequest(http.MethodGet, "/market/history/AAPL?timeframe=1h&limit=3", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Candles []domain.Candle `json:"candles"`
			Count   int             `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Data.Count)
}

func TestHandleHistoryValidation(t *testing.T) {
	router := newTestRouter(&fakeQuoter{})

	tests := []struct {
		name string
		url  string
	}{
		{name: "bad timeframe", url: "/market/history/AAPL?timeframe=2w"},
		{name: "bad limit", url: "/market/history/AAPL?limit=0"},
		{name: "limit too large", url: "/market/history/AAPL?limit=100000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}
