/**
 * @description
 * HTTP router setup for the netting-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions carries the security and instrumentation settings of the router.
type RouterOptions struct {
	// Auth guards user routes when set; without it the acting user comes from the request body.
	Auth           *JWKSAuthenticator
	InternalAPIKey string
	AllowedOrigins []string
	// Registry enables request metrics and the /metrics endpoint when set.
	Registry *prometheus.Registry
}

// NewRouter creates a new Chi router and registers the netting routes.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	if opts.Registry != nil {
		r.Use(NewHTTPMetrics(opts.Registry).Middleware)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	userAuth := func(next http.Handler) http.Handler { return next }
	if opts.Auth != nil {
		userAuth = opts.Auth.Middleware
	}
	internalAuth := InternalAuthMiddleware(opts.InternalAPIKey)

	r.Get("/health", h.handleHealth)
	if opts.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/transfers", func(r chi.Router) {
		r.Post("/estimate", h.handleEstimateTransfer)
		r.Get("/corridors/available", h.handleListCorridors)

		r.Group(func(r chi.Router) {
			r.Use(userAuth)
			r.Post("/", h.handleCreateTransfer)
			r.Get("/user/{userID}", h.handleListUserTransfers)
			r.Get("/{transferID}", h.handleGetTransfer)
			r.Post("/{transferID}/cancel", h.handleCancelTransfer)
		})
	})

	r.Route("/matching", func(r chi.Router) {
		r.With(internalAuth).Post("/{matchID}/confirm", h.handleConfirmMatch)

		r.Group(func(r chi.Router) {
			r.Use(userAuth)
			r.Get("/proposals/{transferID}", h.handleListProposals)
			r.Post("/{matchID}/accept", h.handleAcceptMatch)
			r.Post("/{matchID}/reject", h.handleRejectMatch)
			r.Get("/{matchID}/status", h.handleMatchStatus)
		})
	})

	r.Route("/rates", func(r chi.Router) {
		r.Get("/", h.handleListRates)
		r.Get("/history/{from}/{to}", h.handleRateHistory)
		r.Get("/{from}/{to}", h.handleGetRate)
		r.With(internalAuth).Post("/update", h.handleUpdateRate)
	})

	r.With(internalAuth).Get("/ledger/verify", h.handleVerifyLedger)

	return r
}
