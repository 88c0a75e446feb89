// Package handlers provides HTTP handlers for the asset catalog and
// manual trading.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/modules/assets"
	"github.com/quantfold/tradecore/internal/orderbook"
)

// OrderPlacer executes a validated manual order: brake check, ledger
// journaling and book submission. The risk pipeline implements it.
type OrderPlacer interface {
	PlaceManual(ctx context.Context, order domain.Order) (*orderbook.Batch, error)
}

// Handler handles asset HTTP requests.
type Handler struct {
	svc    *assets.Service
	trader OrderPlacer
	log    zerolog.Logger
}

// NewHandler creates a new assets handler.
func NewHandler(svc *assets.Service, trader OrderPlacer, log zerolog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		trader: trader,
		log:    log.With().Str("handler", "assets").Logger(),
	}
}

// HandleListAssets handles GET /api/assets with optional filters.
func (h *Handler) HandleListAssets(w http.ResponseWriter, r *http.Request) {
	filter := assets.Filter{
		Class:        domain.AssetClass(r.URL.Query().Get("class")),
		Jurisdiction: r.URL.Query().Get("jurisdiction"),
	}
	if v := r.URL.Query().Get("minYield"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "Invalid minYield", http.StatusBadRequest)
			return
		}
		filter.MinYield = f
	}
	if v := r.URL.Query().Get("maxPrice"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "Invalid maxPrice", http.StatusBadRequest)
			return
		}
		filter.MaxPrice = f
	}
	if v := r.URL.Query().Get("active"); v == "true" {
		filter.ActiveOnly = true
	}

	list := h.svc.List(filter)
	response := map[string]interface{}{
		"data": map[string]interface{}{
			"assets": list,
			"count":  len(list),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	writeJSON(w, response)
}

// HandleGetAsset handles GET /api/assets/{id}: the catalog entry plus
// book depth and recent prints.
func (h *Handler) HandleGetAsset(w http.ResponseWriter, r *http.Request, assetID string) {
	detail, err := h.svc.GetDetail(assetID)
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"data": detail,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	writeJSON(w, response)
}

// HandleBuy handles POST /api/assets/{id}/buy.
func (h *Handler) HandleBuy(w http.ResponseWriter, r *http.Request, assetID string) {
	var req assets.BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "invalid request body: userId and amount required", http.StatusBadRequest)
		return
	}

	order, err := h.svc.BuyOrder(assetID, req)
	if err != nil {
		h.log.Debug().Err(err).Str("asset_id", assetID).Str("user_id", req.UserID).
			Msg("Buy rejected")
		writeError(w, err)
		return
	}
	h.placeAndRespond(w, r, order)
}

// HandleSell handles POST /api/assets/{id}/sell.
func (h *Handler) HandleSell(w http.ResponseWriter, r *http.Request, assetID string) {
	var req assets.SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "invalid request body: userId and quantity required", http.StatusBadRequest)
		return
	}

	order, err := h.svc.SellOrder(assetID, req)
	if err != nil {
		h.log.Debug().Err(err).Str("asset_id", assetID).Str("user_id", req.UserID).
			Msg("Sell rejected")
		writeError(w, err)
		return
	}
	h.placeAndRespond(w, r, order)
}

func (h *Handler) placeAndRespond(w http.ResponseWriter, r *http.Request, order *domain.Order) {
	batch, err := h.trader.PlaceManual(r.Context(), *order)
	if err != nil {
		h.log.Info().Err(err).Str("order_id", order.ID).Msg("Manual order rejected")
		writeError(w, err)
		return
	}

	final := *order
	if batch.Taker != nil {
		final = *batch.Taker
	}
	fills := make([]domain.Fill, 0, len(batch.Fills))
	for _, f := range batch.Fills {
		if f.OrderID == final.ID {
			fills = append(fills, f)
		}
	}

	h.log.Info().Str("order_id", final.ID).Str("asset_id", final.AssetID).
		Str("side", string(final.Side)).Str("status", string(final.Status)).
		Float64("filled_qty", final.FilledQty).Msg("Manual order settled")

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"order": final,
			"fills": fills,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	writeJSON(w, response)
}

func writeError(w http.ResponseWriter, err error) {
	if derr, ok := domain.AsError(err); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(derr.HTTPStatus())
		json.NewEncoder(w).Encode(map[string]interface{}{"error": derr})
		return
	}
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
