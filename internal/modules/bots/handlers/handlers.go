// Package handlers provides HTTP handlers for bot management.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/modules/bots"
)

// Handler handles bot HTTP requests.
type Handler struct {
	registry *bots.Registry
	log      zerolog.Logger
}

// NewHandler creates a new bots handler.
func NewHandler(registry *bots.Registry, log zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		log:      log.With().Str("handler", "bots").Logger(),
	}
}

type createBotRequest struct {
	Name        string                `json:"name"`
	OwnerID     string                `json:"ownerId"`
	StrategyID  string                `json:"strategyId"`
	Config      domain.BotConfig      `json:"config"`
	Fingerprint domain.BotFingerprint `json:"fingerprint"`
}

// HandleCreateBot handles POST /api/bots.
func (h *Handler) HandleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bot := &domain.Bot{
		Name:        req.Name,
		OwnerID:     req.OwnerID,
		StrategyID:  req.StrategyID,
		Config:      req.Config,
		Fingerprint: req.Fingerprint,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := h.registry.Create(bot); err != nil {
		writeError(w, err)
		return
	}

	created, _ := h.registry.Get(bot.ID)
	response := map[string]interface{}{
		"data": created,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	writeJSON(w, response)
}

// HandleListBots handles GET /api/bots with an optional status filter.
func (h *Handler) HandleListBots(w http.ResponseWriter, r *http.Request) {
	status := domain.BotStatus(r.URL.Query().Get("status"))
	list := h.registry.List(status)

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"bots":  list,
			"count": len(list),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	writeJSON(w, response)
}

// HandleGetBot handles GET /api/bots/{id}.
func (h *Handler) HandleGetBot(w http.ResponseWriter, r *http.Request, botID string) {
	bot, ok := h.registry.Get(botID)
	if !ok {
		writeError(w, domain.NewInputError(domain.CodeNotFound, "unknown bot "+botID))
		return
	}

	response := map[string]interface{}{
		"data": bot,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	writeJSON(w, response)
}

// HandleActivate handles POST /api/bots/{id}/activate. The body carries
// optional risk overrides; an empty body activates with stored config.
func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request, botID string) {
	var params bots.ActivationParams
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	bot, err := h.registry.Activate(botID, params)
	if err != nil {
		h.log.Debug().Err(err).Str("bot_id", botID).Msg("Activation rejected")
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"data": bot,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	writeJSON(w, response)
}

// HandleDeactivate handles POST /api/bots/{id}/deactivate.
func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request, botID string) {
	if err := h.registry.Deactivate(botID); err != nil {
		writeError(w, err)
		return
	}
	h.respondStatus(w, botID)
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

// HandlePause handles POST /api/bots/{id}/pause.
func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request, botID string) {
	var req pauseRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if err := h.registry.Pause(botID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	h.respondStatus(w, botID)
}

// HandleResume handles POST /api/bots/{id}/resume.
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request, botID string) {
	if err := h.registry.Resume(botID); err != nil {
		writeError(w, err)
		return
	}
	h.respondStatus(w, botID)
}

// HandleUpdateConfig handles PUT /api/bots/{id}/config.
func (h *Handler) HandleUpdateConfig(w http.ResponseWriter, r *http.Request, botID string) {
	var config domain.BotConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.registry.UpdateConfig(botID, config); err != nil {
		writeError(w, err)
		return
	}

	bot, _ := h.registry.Get(botID)
	response := map[string]interface{}{
		"data": bot,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	writeJSON(w, response)
}

// HandleTradingState handles GET /api/bots/{id}/trading-state.
func (h *Handler) HandleTradingState(w http.ResponseWriter, r *http.Request, botID string) {
	state, ok := h.registry.TradingState(botID)
	if !ok {
		writeError(w, domain.NewInputError(domain.CodeNotFound, "unknown bot "+botID))
		return
	}

	response := map[string]interface{}{
		"data": state,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	writeJSON(w, response)
}

func (h *Handler) respondStatus(w http.ResponseWriter, botID string) {
	bot, _ := h.registry.Get(botID)
	response := map[string]interface{}{
		"data": map[string]interface{}{
			"botId":  botID,
			"status": bot.Status,
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
