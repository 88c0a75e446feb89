// Package handlers provides HTTP handlers for the strategy builder.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/modules/strategies"
	"github.com/quantfold/tradecore/pkg/embedded"
)

// Handler handles strategy builder HTTP requests.
type Handler struct {
	svc *strategies.Service
	log zerolog.Logger
}

// NewHandler creates a new strategies handler.
func NewHandler(svc *strategies.Service, log zerolog.Logger) *Handler {
	return &Handler{
		svc: svc,
		log: log.With().Str("handler", "strategies").Logger(),
	}
}

type builderRequest struct {
	UserID      string          `json:"userId"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Definition  json.RawMessage `json:"definition"`
}

// HandleCreate handles POST /api/strategies/builder.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req builderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	strat, err := h.svc.Create(req.UserID, req.Name, req.Description, req.Definition)
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, strat)
}

// HandleList handles GET /api/strategies/builder with an optional owner
// filter.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.URL.Query().Get("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, map[string]interface{}{
		"strategies": list,
		"count":      len(list),
	})
}

// HandleGet handles GET /api/strategies/builder/{id}; ?version= selects
// an old version, default latest.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request, id string) {
	version, ok := versionParam(w, r)
	if !ok {
		return
	}
	strat, err := h.svc.Get(id, version)
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, strat)
}

// HandleUpdate handles PUT /api/strategies/builder/{id}. Updating a
// deployed strategy creates the next version.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	var req builderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	strat, err := h.svc.Update(id, req.Name, req.Description, req.Definition)
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, strat)
}

// HandleDelete handles DELETE /api/strategies/builder/{id}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.svc.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	respond(w, map[string]interface{}{
		"strategyId": id,
		"deleted":    true,
	})
}

type versionRequest struct {
	Version int `json:"version"`
}

// HandleValidate handles POST /api/strategies/builder/{id}/validate.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request, id string) {
	var req versionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	report, err := h.svc.Validate(id, req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, report)
}

// HandleDeploy handles POST /api/strategies/builder/{id}/deploy.
func (h *Handler) HandleDeploy(w http.ResponseWriter, r *http.Request, id string) {
	var req versionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	strat, err := h.svc.Deploy(id, req.Version)
	if err != nil {
		h.log.Debug().Err(err).Str("strategy_id", id).Msg("Deploy rejected")
		writeError(w, err)
		return
	}
	respond(w, strat)
}

type backtestRequest struct {
	Version        int              `json:"version"`
	Symbol         string           `json:"symbol"`
	Timeframe      domain.Timeframe `json:"timeframe"`
	Bars           int              `json:"bars"`
	InitialBalance decimal.Decimal  `json:"initialBalance"`
	RiskPerTrade   float64          `json:"riskPerTrade"`
	FeeBps         int64            `json:"feeBps"`
}

// HandleBacktest handles POST /api/strategies/builder/{id}/backtest.
func (h *Handler) HandleBacktest(w http.ResponseWriter, r *http.Request, id string) {
	var req backtestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.svc.Backtest(r.Context(), id, req.Version, strategies.BacktestParams{
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		Bars:           req.Bars,
		InitialBalance: req.InitialBalance,
		RiskPerTrade:   req.RiskPerTrade,
		FeeBps:         req.FeeBps,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, result)
}

// HandleTemplates handles GET /api/strategies/templates.
func (h *Handler) HandleTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := embedded.Templates()
	if err != nil {
		h.log.Error().Err(err).Msg("Embedded templates failed to load")
		writeError(w, err)
		return
	}
	respond(w, map[string]interface{}{
		"templates": templates,
		"count":     len(templates),
	})
}

// versionParam reads ?version=; absent means 0 (latest). A malformed
// value is reported, not silently treated as latest.
func versionParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("version")
	if raw == "" {
		return 0, true
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, domain.NewInputError(domain.CodeInvalidInput, "invalid version "+raw))
		return 0, false
	}
	return version, true
}

func respond(w http.ResponseWriter, data interface{}) {
	writeJSON(w, map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
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
