package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/modules/portfolio"
)

// Handler serves portfolio views and yield operations.
type Handler struct {
	store *portfolio.Store
	log   zerolog.Logger
}

// NewHandler creates a new portfolio handler.
func NewHandler(store *portfolio.Store, log zerolog.Logger) *Handler {
	return &Handler{
		store: store,
		log:   log.With().Str("handler", "portfolio").Logger(),
	}
}

// HandleGetPortfolio returns a user's positions, allocation by class
// and yield summary.
func (h *Handler) HandleGetPortfolio(w http.ResponseWriter, r *http.Request, userID string) {
	view, err := h.store.Portfolio(userID)
	if err != nil {
		h.log.Debug().Err(err).Str("user_id", userID).Msg("Portfolio lookup failed")
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"data": view,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	writeJSON(w, response)
}

type claimRequest struct {
	AssetID string `json:"assetId"`
}

// HandleClaimYield pays out pending yield on one position.
func (h *Handler) HandleClaimYield(w http.ResponseWriter, r *http.Request, userID string) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssetID == "" {
		http.Error(w, "invalid request body: assetId required", http.StatusBadRequest)
		return
	}

	amount, err := h.store.Claim(userID, req.AssetID)
	if err != nil {
		h.log.Debug().Err(err).Str("user_id", userID).Str("asset_id", req.AssetID).Msg("Claim rejected")
		writeError(w, err)
		return
	}

	h.log.Info().Str("user_id", userID).Str("asset_id", req.AssetID).
		Str("amount", amount.String()).Msg("Yield claimed")

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"userId":  userID,
			"assetId": req.AssetID,
			"claimed": amount,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	writeJSON(w, response)
}

type reinvestRequest struct {
	AssetID  string `json:"assetId"`
	Reinvest bool   `json:"reinvest"`
}

// HandleSetReinvest stores the yield reinvestment preference for a
// (user, asset) pair.
func (h *Handler) HandleSetReinvest(w http.ResponseWriter, r *http.Request, userID string) {
	var req reinvestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssetID == "" {
		http.Error(w, "invalid request body: assetId required", http.StatusBadRequest)
		return
	}

	if err := h.store.SetReinvest(userID, req.AssetID, req.Reinvest); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Str("asset_id", req.AssetID).
			Msg("Failed to set reinvest preference")
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"userId":   userID,
			"assetId":  req.AssetID,
			"reinvest": req.Reinvest,
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
