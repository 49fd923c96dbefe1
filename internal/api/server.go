// Package api provides the HTTP upload API of the Fridge-tag parser.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/resident-x/go-fridgetag/internal/config"
	"github.com/resident-x/go-fridgetag/internal/domain"
	"github.com/resident-x/go-fridgetag/internal/parser"
)

const serviceName = "Berlinger Fridge-tag Parser API"

// Server represents the HTTP API server that accepts export uploads.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	handler   http.Handler
	parser    *parser.Parser
	publisher domain.MessagePublisher
	cache     *lru.Cache
	limiter   *rate.Limiter
	metrics   *Metrics
	logger    zerolog.Logger
	startTime time.Time
	version   string

	parses   atomic.Int64
	failures atomic.Int64
	hits     atomic.Int64
}

// NewServer creates a new HTTP API server. A nil publisher disables publishing.
func NewServer(cfg *config.Config, p *parser.Parser, publisher domain.MessagePublisher, version string) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if p == nil {
		return nil, fmt.Errorf("parser is required")
	}

	s := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		parser:    p,
		publisher: publisher,
		metrics:   NewMetrics(),
		logger:    log.With().Str("component", "api").Logger(),
		startTime: time.Now(),
		version:   version,
	}

	if cfg.API.CacheSize > 0 {
		cache, err := lru.New(cfg.API.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create result cache: %w", err)
		}
		s.cache = cache
	}

	if cfg.API.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.API.RateLimit), cfg.API.RateBurst)
	}

	s.setupRoutes()

	s.handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
	)(handlers.CORS(
		handlers.AllowedOrigins(cfg.API.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
	)(s.router))

	return s, nil
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	s.router.Handle("/", s.metrics.WrapHandler("root", http.HandlerFunc(s.handleRoot))).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	// Path kept for clients of the first upload API
	s.router.Handle("/parse-fridgetag/", s.metrics.WrapHandler("parse", s.limit(http.HandlerFunc(s.handleParse)))).
		Methods(http.MethodPost)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Handle("/status", s.metrics.WrapHandler("status", http.HandlerFunc(s.handleStatus))).Methods(http.MethodGet)
	api.Handle("/parse", s.metrics.WrapHandler("parse", s.limit(http.HandlerFunc(s.handleParse)))).Methods(http.MethodPost)
}

// Handler returns the router wrapped in the server middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleRoot returns service information.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	devices := make([]string, 0, len(domain.SupportedModels))
	for _, m := range domain.SupportedModels {
		devices = append(devices, string(m))
	}

	s.writeJSON(w, map[string]interface{}{
		"message":           serviceName + " is running",
		"service":           "Temperature monitoring data parser for cold chain integration",
		"supported_devices": devices,
		"version":           s.version,
	}, http.StatusOK)
}

// handleStatus returns server status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":     "ok",
		"version":    s.version,
		"uptime":     time.Since(s.startTime).String(),
		"parses":     s.parses.Load(),
		"failures":   s.failures.Load(),
		"cacheHits":  s.hits.Load(),
		"validation": s.parser.GetValidationStatistics(),
	}
	if s.cache != nil {
		status["cacheEntries"] = s.cache.Len()
	}

	s.writeJSON(w, status, http.StatusOK)
}

// limit rejects requests beyond the configured upload rate.
func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.metrics.RateLimited()
			s.writeError(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, map[string]interface{}{"success": false, "error": message}, statusCode)
}

// recoveryLogger routes recovered panics to zerolog.
type recoveryLogger struct {
	logger zerolog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error().Msg(fmt.Sprint(v...))
}
