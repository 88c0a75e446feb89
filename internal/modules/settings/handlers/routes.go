package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the settings endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/settings", func(r chi.Router) {
		r.Get("/", h.HandleGetSettings)
		r.Put("/", h.HandleUpdateSettings)
	})
}
