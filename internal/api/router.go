package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/roundup-engine/internal/metrics"
)

// NewRouter mounts the API, health, metrics and WebSocket endpoints. A nil
// ws handler leaves /api/v1/ws unrouted.
func NewRouter(h *Handler, ws http.HandlerFunc) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware(routePattern))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"roundup-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if ws != nil {
			r.Get("/ws", ws)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			h.Routes(r)
		})
	})
	return r
}

// Routes registers the per-user operations on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/cashback", h.RecordCashback)
		r.Post("/cashback/sync", h.SyncCashback)
		r.Get("/cashback/undeposited", h.ListUndeposited)

		r.Post("/deposits", h.InitiateDeposit)
		r.Get("/deposits", h.ListDeposits)
		r.Post("/deposits/{transferID}/refresh", h.RefreshDeposit)

		r.Post("/investments", h.Invest)
		r.Get("/investments", h.ListInvestments)
		r.Post("/investments/{investmentID}/refresh", h.RefreshInvestment)

		r.Post("/valuation/recompute", h.RecomputeValuation)
		r.Get("/valuation", h.GetValuation)
	})
}

// routePattern labels request metrics with the matched chi pattern so user
// ids never become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
