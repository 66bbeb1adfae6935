package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type RouterOptions struct {
	RateLimiter *RateLimiter
}

func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	if opts.RateLimiter != nil {
		r.Use(opts.RateLimiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/decisions", h.Decisions)
		r.Get("/journal", h.Journal)
		r.Get("/targets/{target}", h.Target)
		r.Post("/targets/{target}/actor", h.RotateActor)
		r.Get("/incidents/{entry_id}", h.Incident)
		r.Get("/health", h.Health)
		r.Get("/verify", h.Verify)
	})
	return r
}
