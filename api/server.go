/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/users/*      Owner registration and account listing
  /api/accounts/*   Account lifecycle, operations, history, analytics
  /healthz          Liveness probe
  /metrics          Prometheus exposition (when a collector is wired)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. metricsHandler
// is optional; nil skips the /metrics endpoint.
func NewRouter(h *Handler, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}/accounts", h.ListUserAccounts)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.OpenAccount)
			r.Get("/{id}", h.GetAccount)
			r.Post("/{id}/close", h.CloseAccount)
			r.Post("/{id}/deposit", h.Deposit)
			r.Post("/{id}/withdraw", h.Withdraw)
			r.Post("/{id}/transfer", h.Transfer)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/summary", h.GetSummary)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	return r
}
