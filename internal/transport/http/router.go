// Package httptransport is the thin HTTP layer. Handlers decode, delegate to
// domain services and encode; no business logic lives here.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veridoc/internal/platform/metrics"
	"veridoc/internal/platform/middleware"
	"veridoc/internal/transport/http/shared"
)

// RouterDeps carries everything the router needs to wire the API surface.
type RouterDeps struct {
	Documents *DocumentsHandler
	Sessions  *SessionsHandler
	Validator middleware.JWTValidator
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Timeout   time.Duration
}

// NewRouter builds the chi router with the full middleware chain.
func NewRouter(deps RouterDeps) http.Handler {
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Timeout(deps.Timeout))
	r.Use(middleware.Device)
	if deps.Metrics != nil {
		r.Use(middleware.LatencyMiddleware(deps.Metrics))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		shared.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.RequireAuth(deps.Validator, deps.Logger))
		deps.Documents.Register(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.ContentTypeJSON)
		// Session confirmation must work for bearer-token participants who
		// have no account, so auth is optional here and identity is resolved
		// per request.
		r.Use(middleware.OptionalAuth(deps.Validator, deps.Logger))
		deps.Sessions.Register(r)
	})

	return r
}
