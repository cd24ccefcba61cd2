/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. AccessLog:  Structured request logging (zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/skus/*          SKU master data and layers
  /api/receivings      Inbound stock
  /api/issues          Issue / standalone waste
  /api/adjustments     Stock-count corrections
  /api/work-orders/*   Manufacturing
  /api/movements/*     Ledger listing and reversal
  /api/inventory/*     Summary and KPIs
  /api/integrity/*     Invariant checks and the last scheduled sweep
  /api/scenarios/*     Demo scenarios
  /metrics             Prometheus
  /healthz             Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
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
	"go.uber.org/zap"
)

// RouterOptions carries the cross-cutting pieces of the router.
type RouterOptions struct {
	CORSOrigins []string
	Gatherer    prometheus.Gatherer // nil disables /metrics
	Scheduler   *IntegrityScheduler // nil disables the sweep routes
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(AccessLog(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/skus", func(r chi.Router) {
			r.Get("/", h.ListSKUs)
			r.Post("/", h.CreateSKU)
			r.Get("/{id}", h.GetSKU)
			r.Get("/{id}/layers", h.GetLayers)
			r.Post("/{id}/active", h.SetSKUActive)
		})

		r.Post("/receivings", h.CreateReceiving)
		r.Post("/issues", h.CreateIssue)
		r.Post("/adjustments", h.CreateAdjustment)

		r.Route("/work-orders", func(r chi.Router) {
			r.Post("/", h.ProcessWorkOrder)
			r.Post("/preview", h.PreviewWorkOrder)
		})

		r.Route("/movements", func(r chi.Router) {
			r.Get("/", h.ListMovements)
			r.Delete("/{id}", h.DeleteMovement)
		})

		r.Route("/inventory", func(r chi.Router) {
			r.Get("/summary", h.InventorySummary)
			r.Get("/kpis", h.KPIs)
		})

		r.Route("/integrity", func(r chi.Router) {
			if opts.Scheduler != nil {
				r.Get("/", opts.Scheduler.LastSweep)
				r.Post("/sweep", opts.Scheduler.RunSweep)
			}
			r.Get("/{sku}", h.CheckIntegrity)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// AccessLog logs one line per request.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", requestID(r)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
