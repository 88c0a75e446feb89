// Package handlers provides HTTP handlers for ledger queries.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/modules/ledger"
)

// Handler handles ledger HTTP requests
type Handler struct {
	ledger *ledger.Log
	log    zerolog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(l *ledger.Log, log zerolog.Logger) *Handler {
	return &Handler{
		ledger: l,
		log:    log.With().Str("handler", "ledger").Logger(),
	}
}

// HandleGetEntries handles GET /api/ledger/entries
func (h *Handler) HandleGetEntries(w http.ResponseWriter, r *http.Request) {
	limit := 100 // default
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}
	kind := r.URL.Query().Get("kind")

	var entries []ledger.Entry
	var err error
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		after, parseErr := strconv.ParseUint(afterStr, 10, 64)
		if parseErr != nil {
			http.Error(w, "Invalid after sequence", http.StatusBadRequest)
			return
		}
		entries, err = h.ledger.EntriesAfter(r.Context(), after, limit)
	} else {
		entries, err = h.ledger.Entries(r.Context(), kind, limit)
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query ledger entries")
		http.Error(w, "Failed to query ledger entries", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"entries": entries,
			"count":   len(entries),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleGetEntryBySeq handles GET /api/ledger/entries/{seq}
func (h *Handler) HandleGetEntryBySeq(w http.ResponseWriter, r *http.Request, seqStr string) {
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil || seq == 0 {
		http.Error(w, "Invalid entry sequence", http.StatusBadRequest)
		return
	}

	entries, err := h.ledger.EntriesAfter(r.Context(), seq-1, 1)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query ledger entry")
		http.Error(w, "Failed to query ledger entry", http.StatusInternalServerError)
		return
	}
	if len(entries) == 0 || entries[0].Seq != seq {
		http.Error(w, "Entry not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"data": entries[0],
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleGetSignalOrders handles GET /api/ledger/signal-orders
func (h *Handler) HandleGetSignalOrders(w http.ResponseWriter, r *http.Request) {
	limit := 100 // default
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	rows, err := h.ledger.SignalOrders(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query signal orders")
		http.Error(w, "Failed to query signal orders", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"signal_orders": rows,
			"count":         len(rows),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleGetSignalOrder handles GET /api/ledger/signal-orders/{signalId}
func (h *Handler) HandleGetSignalOrder(w http.ResponseWriter, r *http.Request, signalID string) {
	orderID, ok, err := h.ledger.GetSignalOrder(r.Context(), signalID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query signal order")
		http.Error(w, "Failed to query signal order", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Signal not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"signal_id": signalID,
			"order_id":  orderID,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleGetStats handles GET /api/ledger/stats
func (h *Handler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	last, err := h.ledger.LastSeq(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query ledger stats")
		http.Error(w, "Failed to query ledger stats", http.StatusInternalServerError)
		return
	}
	stats := h.ledger.Stats()

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"last_seq": last,
			"appended": stats.Appended,
			"failed":   stats.Failed,
			"queued":   stats.Queued,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	h.writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
