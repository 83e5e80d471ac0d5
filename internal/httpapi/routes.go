// Package httpapi wires the Dispatch Engine's request routes together with
// the gateway's operational endpoints (health, metrics) into one
// http.Handler.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llmgate/keygateway/internal/config"
	"github.com/llmgate/keygateway/internal/dispatch"
	"github.com/llmgate/keygateway/internal/repository"
)

// Server bundles the pieces needed to build the gateway's root handler.
type Server struct {
	cfgManager *config.Manager
	dispatcher *dispatch.Dispatcher
	repo       repository.Repository
	logger     *slog.Logger
}

// New constructs a Server ready to build a Handler.
func New(cfgManager *config.Manager, dispatcher *dispatch.Dispatcher, repo repository.Repository, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfgManager: cfgManager, dispatcher: dispatcher, repo: repo, logger: logger}
}

// Handler builds the root mux: dispatch routes, /healthz, and /metrics when
// enabled.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.dispatcher.Routes(mux)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	cfg := s.cfgManager.Get()
	if cfg.Gateway.Metrics.Enabled {
		path := cfg.Gateway.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}

	return requestLogging(s.logger, mux)
}

// handleHealthz reports 200 when the repository is reachable, 503 otherwise.
// It never checks upstream provider health — that's the Probe Engine's job,
// reflected asynchronously through key pool state, not this endpoint.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.repo.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// requestLogging logs one line per request at Info level, matching the
// structured slog usage the rest of the gateway follows.
func requestLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (s *statusCapture) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusCapture) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
