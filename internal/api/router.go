/**
 * @description
 * This file sets up the HTTP router for the escrow-service. It defines the API
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

// TransferRoutes creates and returns a new router for the escrow service.
func TransferRoutes(h *TransferHandlers, jwksURL, internalAPIKey string) http.Handler {
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

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Post("/transfers", h.InitiateTransferHandler)
		r.Get("/transfers", h.ListTransfersHandler)
		r.Get("/transfers/{transferID}", h.GetTransferHandler)
		r.Get("/transfers/{transferID}/events", h.ListTransferEventsHandler)

		r.Post("/transfers/{transferID}/accept", h.AcceptTransferHandler)
		r.Post("/transfers/{transferID}/decline", h.DeclineTransferHandler)
		r.Post("/transfers/{transferID}/cancel", h.CancelTransferHandler)
		r.Post("/transfers/{transferID}/complete", h.CompleteTransferHandler)
	})

	// Operator endpoints guarded by the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))

		r.Post("/internal/reconcile", h.ReconcileHandler)
		r.Get("/internal/transfers/{transferID}/conservation", h.ConservationHandler)
	})

	return r
}
