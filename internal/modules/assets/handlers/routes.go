package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers asset routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/assets", func(r chi.Router) {
		r.Get("/", h.HandleListAssets)
		r.Get("/{assetId}", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetAsset(w, r, chi.URLParam(r, "assetId"))
		})
		r.Post("/{assetId}/buy", func(w http.ResponseWriter, r *http.Request) {
			h.HandleBuy(w, r, chi.URLParam(r, "assetId"))
		})
		r.Post("/{assetId}/sell", func(w http.ResponseWriter, r *http.Request) {
			h.HandleSell(w, r, chi.URLParam(r, "assetId"))
		})
	})
}
