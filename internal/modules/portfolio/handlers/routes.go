package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers portfolio endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/portfolio", func(r chi.Router) {
		r.Get("/{userId}", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetPortfolio(w, r, chi.URLParam(r, "userId"))
		})
		r.Post("/{userId}/claim", func(w http.ResponseWriter, r *http.Request) {
			h.HandleClaimYield(w, r, chi.URLParam(r, "userId"))
		})
		r.Put("/{userId}/reinvest", func(w http.ResponseWriter, r *http.Request) {
			h.HandleSetReinvest(w, r, chi.URLParam(r, "userId"))
		})
	})
}
