package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all ledger routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/entries", h.HandleGetEntries)
		r.Get("/entries/{seq}", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetEntryBySeq(w, r, chi.URLParam(r, "seq"))
		})

		r.Get("/signal-orders", h.HandleGetSignalOrders)
		r.Get("/signal-orders/{signalId}", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetSignalOrder(w, r, chi.URLParam(r, "signalId"))
		})

		r.Get("/stats", h.HandleGetStats)
	})
}
