// Package httpserver exposes the orchestrator's ambient HTTP surface:
// liveness, readiness, and metrics. The generation submit API itself is
// chat-transport-facing and explicitly out of scope (spec §1); this
// package only carries the ops-facing probes every teacher-style service
// ships.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Server bundles the readiness checks the ambient HTTP surface reports.
type Server struct {
	checks []Check
}

// NewServer builds a Server from a set of named readiness checks.
func NewServer(checks ...Check) *Server {
	return &Server{checks: checks}
}

// HealthzHandler reports liveness: the process is running and serving.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadyzHandler runs every registered check and reports 200 only if all
// pass; a failing check is reported by name so operators can see which
// dependency degraded.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]string, len(s.checks))
		ok := true
		for _, c := range s.checks {
			if err := c.Fn(r.Context()); err != nil {
				results[c.Name] = err.Error()
				ok = false
			} else {
				results[c.Name] = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": ok, "checks": results})
	}
}

// MetricsHandler serves the Prometheus registry.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.Handler()
}
