package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the emergency endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/emergency", func(r chi.Router) {
		r.Post("/brake", h.HandleBrake)
		r.Post("/release", h.HandleRelease)
		r.Get("/state", h.HandleState)
	})
}
