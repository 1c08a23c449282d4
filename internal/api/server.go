// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api serves the operational HTTP surface of the daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/snipey/internal/api/middleware"
	"github.com/ManuGH/snipey/internal/health"
	xglog "github.com/ManuGH/snipey/internal/log"
)

// Config configures the HTTP server.
type Config struct {
	ListenAddr string
	RateLimit  int
	RateWindow time.Duration
	Tracing    bool
}

// StatusFunc assembles the /api/v1/status document.
type StatusFunc func(ctx context.Context) (Status, error)

// Server is the operational HTTP server.
type Server struct {
	cfg    Config
	health *health.Manager
	status StatusFunc
	router chi.Router
	logger zerolog.Logger

	// ready is closed once the listener is bound; addr is valid after that.
	ready chan struct{}
	addr  string
}

// New creates a Server. status may be nil.
func New(cfg Config, hm *health.Manager, status StatusFunc) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	s := &Server{
		cfg:    cfg,
		health: hm,
		status: status,
		logger: xglog.WithComponent("api"),
		ready:  make(chan struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Metrics)
	if s.cfg.Tracing {
		r.Use(middleware.Tracing("snipey.api"))
	}
	r.Use(middleware.AccessLog)

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.cfg.RateLimit, s.cfg.RateWindow))
		r.Get("/status", s.handleStatus)
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Addr blocks until Run has tried to listen and returns the bound address,
// or "" when listening failed.
func (s *Server) Addr() string {
	<-s.ready
	return s.addr
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		close(s.ready)
		return err
	}
	s.addr = ln.Addr().String()
	close(s.ready)

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info().
		Str(xglog.FieldEvent, "api.listening").
		Str("addr", s.addr).
		Msg("operational API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, r, http.StatusServiceUnavailable, "status_unavailable", errors.New("status source not configured"))
		return
	}
	st, err := s.status(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "status_failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := xglog.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).Str(xglog.FieldEvent, "api.encode_error").Msg("failed to encode response")
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind string, err error) {
	body := errorBody{Error: kind, RequestID: xglog.RequestIDFromContext(r.Context())}
	if err != nil {
		body.Detail = err.Error()
	}
	writeJSON(w, r, code, body)
}
