/**
 * @description
 * This file sets up the HTTP router for the claim-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ClaimRoutes creates and returns a new router for the claim service.
func ClaimRoutes(h *ClaimHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require claimant authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Get("/drops/{dropID}", h.GetDropHandler)
		r.Post("/drops/{dropID}/claim", h.ClaimDropHandler)
		r.Get("/me/stats", h.MyStatsHandler)
		r.Get("/me/claims", h.MyClaimsHandler)
	})

	// Operator endpoints behind the internal API key.
	r.Route("/admin", func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/drops", h.CreateDropHandler)
		r.Post("/drops/schedule-daily", h.ScheduleDailyDropHandler)
		r.Get("/drops", h.ListDropsHandler)
		r.Patch("/drops/{dropID}", h.UpdateDropRewardHandler)
		r.Post("/drops/{dropID}/cancel", h.CancelDropHandler)
		r.Get("/transactions/{txID}", h.GetTransactionHandler)
		r.Post("/transactions/{txID}/retry", h.RetryTransactionHandler)
		r.Get("/stats", h.StatsHandler)
	})

	return r
}
