// Package handlers exposes operator settings over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/modules/settings"
)

// Handler serves the settings endpoints.
type Handler struct {
	svc *settings.Service
	log zerolog.Logger
}

// NewHandler creates a settings handler.
func NewHandler(svc *settings.Service, log zerolog.Logger) *Handler {
	return &Handler{
		svc: svc,
		log: log.With().Str("handler", "settings").Logger(),
	}
}

// HandleGetSettings handles GET /api/settings.
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	all, err := h.svc.All()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load settings")
		http.Error(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"settings": all,
		"keys":     settings.Keys(),
	})
}

// HandleUpdateSettings handles PUT /api/settings with a flat
// {key: value} document. All keys are validated before any is written,
// so a request either applies fully or not at all.
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req) == 0 {
		h.writeError(w, domain.NewInputError(domain.CodeInvalidInput, "no settings in request"))
		return
	}

	for key, value := range req {
		if err := settings.ValidateSetting(key, value); err != nil {
			h.writeError(w, err)
			return
		}
	}
	for key, value := range req {
		if err := h.svc.Update(key, value); err != nil {
			h.writeError(w, err)
			return
		}
	}

	all, err := h.svc.All()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to reload settings")
		http.Error(w, "Failed to reload settings", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"settings": all,
		"updated":  len(req),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	derr, ok := domain.AsError(err)
	if !ok {
		derr = domain.NewFatalError(domain.CodeInternal, "internal error", err)
	}
	h.writeJSON(w, derr.HTTPStatus(), map[string]interface{}{"error": derr})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
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
