// Package admin serves the replicator's metrics and health endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isometry/ldap-replicator/internal/ldap"
)

// HealthReporter reports whether each replica currently holds a bound session.
type HealthReporter interface {
	Health() map[string]bool
}

// HealthFunc adapts a function to HealthReporter.
type HealthFunc func() map[string]bool

// Health calls f.
func (f HealthFunc) Health() map[string]bool {
	return f()
}

// Server is the admin HTTP server.
type Server struct {
	listen     string
	router     chi.Router
	httpServer *http.Server
}

// NewServer creates an admin server for listen. Metrics are gathered from
// gatherer; health from health.
func NewServer(ctx context.Context, listen string, gatherer prometheus.Gatherer, health HealthReporter) *Server {
	s := &Server{
		listen: listen,
		router: chi.NewRouter(),
	}
	s.setupRoutes(ctx, gatherer, health)
	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(ctx context.Context, gatherer prometheus.Gatherer, health HealthReporter) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger(ctx))

	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router.Get("/healthz", healthHandler(ctx, health))
}

// Start serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	tflog.SubsystemInfo(ctx, ldap.SubsystemAdmin, "Starting admin server", map[string]any{
		"address": s.listen,
	})

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

// healthHandler returns 200 with the bound state of every replica, or 503
// when none is bound.
func healthHandler(ctx context.Context, health HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := map[string]bool{}
		if health != nil {
			states = health.Health()
		}

		status := http.StatusServiceUnavailable
		for _, bound := range states {
			if bound {
				status = http.StatusOK
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(states); err != nil {
			tflog.SubsystemWarn(ctx, ldap.SubsystemAdmin, "Failed to write health response", map[string]any{
				"error": err.Error(),
			})
		}
	}
}

func requestLogger(ctx context.Context) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			tflog.SubsystemDebug(ctx, ldap.SubsystemAdmin, "Admin request", map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"remote_addr": r.RemoteAddr,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}
