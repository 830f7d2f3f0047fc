package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"visitorid/internal/platform/metrics"
	"visitorid/pkg/platform/middleware/metadata"
	"visitorid/pkg/platform/middleware/requestid"
	"visitorid/pkg/platform/middleware/requesttime"
)

// NewRouter mounts the visitor API under /v1 with the request-scoped
// middleware, plus health and metrics endpoints.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(middleware.Recoverer)
	r.Use(countRequests(h.metrics))

	r.Get("/healthz", h.HandleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Route("/v1", h.Register)
	return r
}

// countRequests counts responses by route pattern and status class.
func countRequests(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.IncrementRequest(route, strconv.Itoa(status/100)+"xx")
		})
	}
}
