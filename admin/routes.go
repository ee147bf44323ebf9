package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/fanin/telemetry"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers the admin API under /admin and Prometheus metrics at /metrics
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	r.Route("/subscriptions", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/", handlers.handleListSubscriptions)
		r.Get("/{registrationID}", handlers.handleGetSubscription)
		r.Delete("/{registrationID}", handlers.handleCloseSubscription)
	})

	r.With(AuthMiddleware).Get("/agents", handlers.handleAgents)
	r.With(AuthMiddleware).Get("/events", handlers.handleEvents)

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/subscriptions")
}
