// Package handlers serves market hours status over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/modules/market_hours"
)

// Handler serves market hours endpoints.
type Handler struct {
	svc *market_hours.Service
	log zerolog.Logger
}

// NewHandler creates a market hours handler.
func NewHandler(svc *market_hours.Service, log zerolog.Logger) *Handler {
	return &Handler{
		svc: svc,
		log: log.With().Str("handler", "market_hours").Logger(),
	}
}

// HandleStatus handles GET /api/market-hours/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	h.writeJSON(w, map[string]interface{}{
		"timestamp": now.Format(time.RFC3339),
		"markets":   h.svc.All(now),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
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
