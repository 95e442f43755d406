package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/classes", h.Classes)
	r.Post("/predict", h.Predict)

	r.Post("/retrain", h.Retrain)
	r.Get("/retrain/runs", h.ListRuns)
	r.Post("/model/reload", h.ReloadModel)
	r.Get("/insights", h.Insights)

	return r
}
