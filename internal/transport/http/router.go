// Package httptransport assembles the engine's HTTP surface: the shared
// middleware chain, health and metrics endpoints, and the per-subsystem
// handlers. No business logic lives here.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"idvault/internal/platform/middleware"
)

// SubsystemHandler is what every subsystem handler package exposes.
type SubsystemHandler interface {
	Register(r chi.Router)
}

const requestTimeout = 30 * time.Second

// NewRouter wires the middleware chain and mounts every subsystem handler.
func NewRouter(logger *slog.Logger, handlers ...SubsystemHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(middleware.Principal)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	for _, h := range handlers {
		h.Register(r)
	}
	return r
}
