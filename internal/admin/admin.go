// Package admin serves the operational HTTP endpoints: Prometheus metrics
// and a liveness probe.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds how long in-flight admin requests may run on exit.
const shutdownTimeout = 5 * time.Second

// HealthFunc reports whether the service is healthy.
type HealthFunc func(ctx context.Context) error

// Server is the admin HTTP server.
type Server struct {
	addr   string
	health HealthFunc
	server *http.Server
}

// New creates an admin server listening on addr. health may be nil.
func New(addr string, health HealthFunc) *Server {
	s := &Server{addr: addr, health: health}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes returns the admin router.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return router
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown failed", "error", err)
		}
	}()

	slog.Info("admin server listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			slog.Warn("health check failed", "error", err)
			status, code = err.Error(), http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("admin request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
