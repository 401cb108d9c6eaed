/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Timeout:    Cancels the request context after 30s
  5. CORS:       Cross-origin requests for the merchant dashboard

ROUTE GROUPS:
  /api/businesses/{businessID}/*  Reward systems, events, codes, reports
  /api/users/{userID}/*           Ledger reads
  /api/codes/*                    Claim and inspect codes
  /api/transactions/*             Log reads
  /api/admin/*                    Manual housekeeping
  /healthz                        Liveness and store connectivity

SECURITY NOTE:
  No authentication middleware. Deploy behind an authenticating gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/businesses/{businessID}", func(r chi.Router) {
			r.Route("/reward-systems", func(r chi.Router) {
				r.Get("/", h.ListRewardSystems)
				r.Post("/", h.CreateRewardSystem)
				r.Get("/{id}", h.GetRewardSystem)
				r.Put("/{id}", h.UpdateRewardSystem)
				r.Delete("/{id}", h.DeactivateRewardSystem)
			})
			r.Post("/accruals", h.Accrue)
			r.Post("/subtractions", h.Subtract)
			r.Post("/redemptions", h.Redeem)
			r.Post("/codes", h.GenerateCode)
			r.Get("/report", h.GetReport)
		})

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/ledger", h.GetLedger)
			r.Get("/ledger/{businessID}", h.GetBusinessBalance)
		})

		r.Route("/codes", func(r chi.Router) {
			r.Post("/claim", h.ClaimCode)
			r.Get("/{code}", h.GetCode)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Get("/{id}", h.GetTransaction)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/codes/purge", h.PurgeCodes)
		})
	})

	return r
}
