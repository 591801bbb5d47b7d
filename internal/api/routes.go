package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(h.logger))
	r.Use(RecoveryMiddleware(h.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.tokens, h.logger))
			r.Get("/whoami", h.WhoAmI)

			r.Route("/tables/{table}", func(r chi.Router) {
				r.Use(tableCtx)
				// The feed is long-lived and stays outside the request timeout.
				r.Get("/feed", h.Feed)

				r.Group(func(r chi.Router) {
					r.Use(middleware.Timeout(30 * time.Second))
					r.Get("/records", h.ListRecords)
					r.Get("/records/{id}", h.GetRecord)
					r.Put("/records/{id}", h.PutRecord)
					r.With(middleware.Throttle(64)).Delete("/records/{id}", h.DeleteRecord)
				})
			})
		})
	})

	return r
}
