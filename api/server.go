/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client address behind the POS gateway
  3. RequestLogger: zap request log + HTTP metrics
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests from POS frontends

ROUTE GROUPS:
  /health                              Liveness + store ping
  /metrics                             Prometheus scrape endpoint
  /api/scenarios                       Demo scenario catalog
  /api/businesses/{businessID}/*       Customers and ledger operations

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Request logging
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig carries the cross-cutting pieces of the router.
type RouterConfig struct {
	AllowedOrigins []string
	Logger         *zap.Logger
	Requests       RequestObserver
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger, cfg.Requests))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		if h.EnableScenarios {
			r.Get("/scenarios", h.ListScenarios)
		}

		r.Route("/businesses/{businessID}", func(r chi.Router) {
			// Customer routes
			r.Route("/customers", func(r chi.Router) {
				r.Get("/", h.ListCustomers)
				r.Post("/", h.CreateCustomer)
				r.Get("/{identifier}", h.GetCustomer)
				r.Get("/{identifier}/reconcile", h.ReconcileCustomer)
			})

			// Ledger routes
			r.Post("/purchases", h.RecordPurchase)
			r.Post("/redemptions", h.RecordRedemption)
			r.Get("/transactions", h.ListTransactions)

			if h.EnableScenarios {
				r.Post("/scenarios/load", h.LoadScenario)
			}
		})
	})

	return r
}
