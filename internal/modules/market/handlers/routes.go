package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the market data endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/market", func(r chi.Router) {
		r.Get("/quote/{symbol}", func(w http.ResponseWriter, req *http.Request) {
			h.HandleQuote(w, req, chi.URLParam(req, "symbol"))
		})
		r.Post("/quotes", h.HandleQuotes)
		r.Get("/history/{symbol}", func(w http.ResponseWriter, req *http.Request) {
			h.HandleHistory(w, req, chi.URLParam(req, "symbol"))
		})
	})
}
