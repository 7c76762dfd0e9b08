// Package api exposes the ops surface: health, per-stop poll status, and
// Prometheus metrics. Subscribers interact over Telegram, not here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spb-transit/arrival-bot/internal/scheduler"
)

// Config contains ops server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MetricsEnabled mounts the Prometheus endpoint.
	MetricsEnabled  bool
	MetricsEndpoint string
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     2 * time.Minute,
		MetricsEnabled:  true,
		MetricsEndpoint: "/metrics",
	}
}

// HealthSource reports per-stop poll state; the scheduler satisfies it.
type HealthSource interface {
	Health() []scheduler.StopHealth
}

// FeedSource reports whether the static feed is loaded; the GTFS store
// satisfies it.
type FeedSource interface {
	Loaded() bool
}

// Server is the ops HTTP server.
type Server struct {
	config  Config
	health  HealthSource
	feed    FeedSource
	logger  zerolog.Logger
	started time.Time
}

// NewServer creates an ops server over the given sources.
func NewServer(config Config, health HealthSource, feed FeedSource) *Server {
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.MetricsEndpoint == "" {
		config.MetricsEndpoint = def.MetricsEndpoint
	}

	return &Server{
		config:  config,
		health:  health,
		feed:    feed,
		logger:  log.With().Str("component", "api").Logger(),
		started: time.Now(),
	}
}

// Router builds the chi router. Split out so tests can drive handlers
// without binding a port.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/status", s.handleStatus)

	if s.config.MetricsEnabled {
		r.Handle(s.config.MetricsEndpoint, promhttp.Handler())
	}

	return r
}

// Start serves until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Msg("Ops server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info().Msg("Ops server stopped")
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	UptimeSeconds int64                  `json:"uptime_seconds"`
	FeedLoaded    bool                   `json:"feed_loaded"`
	Stops         []scheduler.StopHealth `json:"stops"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Stops:         []scheduler.StopHealth{},
	}
	if s.feed != nil {
		resp.FeedLoaded = s.feed.Loaded()
	}
	if s.health != nil {
		if stops := s.health.Health(); stops != nil {
			resp.Stops = stops
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Response encoding failed")
	}
}
