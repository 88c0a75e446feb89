// Package handlers exposes the emergency brake over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/modules/risk"
)

// ReleaseConfirmation is the exact phrase a release request must carry.
// Releasing the brake resumes live trading, so a bare POST is not enough.
const ReleaseConfirmation = "RELEASE_EMERGENCY_BRAKE"

// Handler serves the emergency endpoints.
type Handler struct {
	brake *risk.Brake
	log   zerolog.Logger
}

// NewHandler creates an emergency handler.
func NewHandler(brake *risk.Brake, log zerolog.Logger) *Handler {
	return &Handler{
		brake: brake,
		log:   log.With().Str("handler", "emergency").Logger(),
	}
}

type brakeRequest struct {
	Reason string `json:"reason"`
}

type releaseRequest struct {
	Confirmation string `json:"confirmation"`
}

// HandleBrake engages the emergency brake. Idempotent: engaging an
// engaged brake reports the existing state.
func (h *Handler) HandleBrake(w http.ResponseWriter, r *http.Request) {
	var req brakeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual operator stop"
	}

	changed := h.brake.Engage(req.Reason, "operator")
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"engaged": true,
		"changed": changed,
		"state":   h.brake.State(),
	})
}

// HandleRelease disengages the brake. The request must carry the exact
// confirmation phrase; anything else is a 400 and the brake stays on.
func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Confirmation != ReleaseConfirmation {
		h.log.Warn().Msg("Brake release rejected: bad confirmation")
		h.writeError(w, domain.NewInputError(domain.CodeInvalidInput,
			"release requires confirmation phrase "+ReleaseConfirmation))
		return
	}

	changed := h.brake.Release()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"engaged": false,
		"changed": changed,
		"state":   h.brake.State(),
	})
}

// HandleState reports the brake state without touching it.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.brake.State())
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
