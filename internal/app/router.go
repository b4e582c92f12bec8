// Package app wires the orchestrator's components and exposes startup
// helpers: the ambient HTTP surface, readiness probes, and reconciler
// supervisors. The submit/poll/deliver pipeline itself lives in
// internal/engine; this package only boots and connects it.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	httpserver "github.com/kie-forge/genorchestrator/internal/adapter/httpserver"
	"github.com/kie-forge/genorchestrator/internal/config"
	"github.com/kie-forge/genorchestrator/internal/observability"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the orchestrator's ambient HTTP surface: liveness,
// readiness, and metrics, behind the same middleware stack the teacher
// applies to its public API. There are no mutating routes here — job
// submission is driven by the chat transport collaborator directly
// invoking the Job Engine, not by HTTP.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Get("/healthz", srv.HealthzHandler())
		wr.Get("/readyz", srv.ReadyzHandler())
		wr.Get("/metrics", srv.MetricsHandler().ServeHTTP)
	})

	return httpserver.SecurityHeaders(r)
}
