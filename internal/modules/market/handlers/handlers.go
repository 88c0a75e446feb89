// Package handlers exposes the market data aggregator over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/marketdata"
)

// batchLimit bounds POST /market/quotes so one request cannot pin every
// provider token bucket at once.
const batchLimit = 50

// Quoter is the slice of the aggregator the market endpoints read.
type Quoter interface {
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
	GetQuoteFrom(ctx context.Context, provider, symbol string) (domain.Quote, error)
	GetAggregated(ctx context.Context, symbol string) (marketdata.AggregatedQuote, error)
	GetCandles(ctx context.Context, symbol string, timeframe domain.Timeframe, limit int) ([]domain.Candle, error)
}

// Handler serves the market data endpoints.
type Handler struct {
	quoter Quoter
	log    zerolog.Logger
}

// NewHandler creates a market data handler.
func NewHandler(quoter Quoter, log zerolog.Logger) *Handler {
	return &Handler{
		quoter: quoter,
		log:    log.With().Str("handler", "market").Logger(),
	}
}

// HandleQuote handles GET /api/market/quote/{symbol}. With ?provider= it
// pulls from that provider only; with ?aggregated=true it merges all
// providers; otherwise it serves the first provider that answers.
func (h *Handler) HandleQuote(w http.ResponseWriter, r *http.Request, symbol string) {
	if symbol == "" {
		http.Error(w, "Missing symbol", http.StatusBadRequest)
		return
	}

	if r.URL.Query().Get("aggregated") == "true" {
		agg, err := h.quoter.GetAggregated(r.Context(), symbol)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, agg)
		return
	}

	var (
		quote domain.Quote
		err   error
	)
	if provider := r.URL.Query().Get("provider"); provider != "" {
		quote, err = h.quoter.GetQuoteFrom(r.Context(), provider, symbol)
	} else {
		quote, err = h.quoter.GetQuote(r.Context(), symbol)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, quote)
}

type batchRequest struct {
	Symbols []string `json:"symbols"`
}

// HandleQuotes handles POST /api/market/quotes: a batch lookup. Symbols
// that fail resolve to an error entry rather than failing the batch.
func (h *Handler) HandleQuotes(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Symbols) == 0 {
		http.Error(w, "No symbols requested", http.StatusBadRequest)
		return
	}
	if len(req.Symbols) > batchLimit {
		http.Error(w, "Too many symbols, max "+strconv.Itoa(batchLimit), http.StatusBadRequest)
		return
	}

	quotes := make(map[string]interface{}, len(req.Symbols))
	for _, symbol := range req.Symbols {
		quote, err := h.quoter.GetQuote(r.Context(), symbol)
		if err != nil {
			quotes[symbol] = map[string]interface{}{"error": domain.CodeOf(err)}
			continue
		}
		quotes[symbol] = quote
	}
	h.writeJSON(w, map[string]interface{}{
		"quotes": quotes,
		"count":  len(quotes),
	})
}

// HandleHistory handles GET /api/market/history/{symbol}?timeframe=&limit=.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request, symbol string) {
	if symbol == "" {
		http.Error(w, "Missing symbol", http.StatusBadRequest)
		return
	}

	timeframe := domain.Timeframe(r.URL.Query().Get("timeframe"))
	if timeframe == "" {
		timeframe = domain.Timeframe1d
	}
	if !timeframe.Valid() {
		http.Error(w, "Invalid timeframe", http.StatusBadRequest)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	candles, err := h.quoter.GetCandles(r.Context(), symbol, timeframe, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"candles":   candles,
		"count":     len(candles),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	derr, ok := domain.AsError(err)
	if !ok {
		derr = domain.NewFatalError(domain.CodeInternal, "internal error", err)
	}
	status := derr.HTTPStatus()
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	h.writeJSONStatus(w, status, map[string]interface{}{"error": derr})
}

func (h *Handler) writeJSON(w http.ResponseWriter, data interface{}) {
	h.writeJSONStatus(w, http.StatusOK, data)
}

func (h *Handler) writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}
