package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers bot management routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/bots", func(r chi.Router) {
		r.Post("/", h.HandleCreateBot)
		r.Get("/", h.HandleListBots)
		r.Get("/{botId}", func(w http.ResponseWriter, req *http.Request) {
			h.HandleGetBot(w, req, chi.URLParam(req, "botId"))
		})
		r.Post("/{botId}/activate", func(w http.ResponseWriter, req *http.Request) {
			h.HandleActivate(w, req, chi.URLParam(req, "botId"))
		})
		r.Post("/{botId}/deactivate", func(w http.ResponseWriter, req *http.Request) {
			h.HandleDeactivate(w, req, chi.URLParam(req, "botId"))
		})
		r.Post("/{botId}/pause", func(w http.ResponseWriter, req *http.Request) {
			h.HandlePause(w, req, chi.URLParam(req, "botId"))
		})
		r.Post("/{botId}/resume", func(w http.ResponseWriter, req *http.Request) {
			h.HandleResume(w, req, chi.URLParam(req, "botId"))
		})
		r.Put("/{botId}/config", func(w http.ResponseWriter, req *http.Request) {
			h.HandleUpdateConfig(w, req, chi.URLParam(req, "botId"))
		})
		r.Get("/{botId}/trading-state", func(w http.ResponseWriter, req *http.Request) {
			h.HandleTradingState(w, req, chi.URLParam(req, "botId"))
		})
	})
}
