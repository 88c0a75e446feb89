package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the strategy builder and template routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/strategies", func(r chi.Router) {
		r.Get("/templates", h.HandleTemplates)

		r.Route("/builder", func(r chi.Router) {
			r.Post("/", h.HandleCreate)
			r.Get("/", h.HandleList)
			r.Get("/{strategyId}", func(w http.ResponseWriter, req *http.Request) {
				h.HandleGet(w, req, chi.URLParam(req, "strategyId"))
			})
			r.Put("/{strategyId}", func(w http.ResponseWriter, req *http.Request) {
				h.HandleUpdate(w, req, chi.URLParam(req, "strategyId"))
			})
			r.Delete("/{strategyId}", func(w http.ResponseWriter, req *http.Request) {
				h.HandleDelete(w, req, chi.URLParam(req, "strategyId"))
			})
			r.Post("/{strategyId}/validate", func(w http.ResponseWriter, req *http.Request) {
				h.HandleValidate(w, req, chi.URLParam(req, "strategyId"))
			})
			r.Post("/{strategyId}/backtest", func(w http.ResponseWriter, req *http.Request) {
				h.HandleBacktest(w, req, chi.URLParam(req, "strategyId"))
			})
			r.Post("/{strategyId}/deploy", func(w http.ResponseWriter, req *http.Request) {
				h.HandleDeploy(w, req, chi.URLParam(req, "strategyId"))
			})
		})
	})
}
