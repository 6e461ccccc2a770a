// Package server provides the HTTP status API of the consolidation service.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/config"
)

// HealthChecker is an infrastructure dependency that can report its health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server represents the main HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	recommendations *RecommendationHandler
	hosts           *HostHandler
	stream          *StreamHub
	gatherer        prometheus.Gatherer

	// Infrastructure reported by /ready, by component name.
	components map[string]HealthChecker
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithRecommendations serves the recommendation and cycle endpoints.
func WithRecommendations(h *RecommendationHandler) ServerOption {
	return func(s *Server) {
		s.recommendations = h
	}
}

// WithHosts serves the host status endpoints.
func WithHosts(h *HostHandler) ServerOption {
	return func(s *Server) {
		s.hosts = h
	}
}

// WithStream serves the websocket cycle stream.
func WithStream(hub *StreamHub) ServerOption {
	return func(s *Server) {
		s.stream = hub
	}
}

// WithMetrics exposes the metrics of gatherer on /metrics.
func WithMetrics(gatherer prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithComponent adds a dependency to the readiness check.
func WithComponent(name string, c HealthChecker) ServerOption {
	return func(s *Server) {
		s.components[name] = c
	}
}

// New creates a new server instance.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) *Server {
	mux := http.NewServeMux()

	s := &Server{
		config:     cfg,
		logger:     logger.With(zap.String("component", "http")),
		mux:        mux,
		components: make(map[string]HealthChecker),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	handler := s.setupMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)

	s.mux.HandleFunc("/api/v1/info", s.infoHandler)

	if s.gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.recommendations != nil {
		s.recommendations.RegisterRoutes(s.mux)
	}
	if s.hosts != nil {
		s.hosts.RegisterRoutes(s.mux)
	}
	if s.stream != nil {
		s.stream.RegisterRoutes(s.mux)
	}

	s.logger.Info("All routes registered")
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// setupMiddleware configures middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400, // 24 hours
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Skip logging for probes and scrapes
		switch r.URL.Path {
		case "/health", "/healthz", "/ready", "/live", "/metrics":
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "consolidation"}, s.logger)
}

// readyHandler checks every registered infrastructure component.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	for name, c := range s.components {
		if err := c.Health(ctx); err != nil {
			ready = false
			details[name] = "unhealthy"
			s.logger.Warn("Component unhealthy", zap.String("component", name), zap.Error(err))
		} else {
			details[name] = "healthy"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "components": details}, s.logger)
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true}, s.logger)
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "consolidation",
		"api_version": "v1",
		"description": "VM consolidation planner",
		"detector":    s.config.Detector.Kind,
		"placement":   s.config.Scheduler.PlacementStrategy,
		"selection":   s.config.Selection.Policy,
		"automation":  s.config.DRS.AutomationLevel,
		"infrastructure": map[string]bool{
			"postgres": s.config.Database.Enabled,
			"redis":    s.config.Redis.Enabled,
			"etcd":     s.config.Etcd.Enabled,
		},
	}, s.logger)
}

// Run starts the HTTP server and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server", zap.String("address", s.config.Server.Address()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	if s.stream != nil {
		s.stream.Close()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
