// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package server exposes the governance API over HTTP: action submission,
// snapshot and mode reads, the suspension review surface, and agent
// lifecycle. All mutating routes pass the bearer-token authority check.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warden-dev/warden/internal/governor"
	"github.com/warden-dev/warden/internal/mode"
	"github.com/warden-dev/warden/internal/registry"
	"github.com/warden-dev/warden/internal/scoring"
	"github.com/warden-dev/warden/internal/snapshot"
	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/suspension"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
	"github.com/warden-dev/warden/pkg/health"
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr   string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Tokens maps bearer tokens to identities. Empty means local mode:
	// every request runs as an anonymous root identity.
	Tokens map[string]registry.Identity
	// RateLimit bounds per-IP request rates. Zero disables limiting.
	RateLimit RateLimitConfig
}

// Core bundles the governance services the API fronts.
type Core struct {
	Snapshots   *snapshot.Service
	Engine      *scoring.Engine
	Modes       *mode.Controller
	Governor    *governor.Governor
	Suspensions *suspension.Workflow
	Registry    *registry.Registry
	// Prometheus is the registry backing /metrics. Nil disables the route.
	Prometheus *prometheus.Registry
}

// Server wraps a chi router with a huma API over the governance core.
type Server struct {
	router chi.Router
	api    huma.API
	cfg    Config
	core   *Core
	log    *slog.Logger
	done   chan struct{}
}

// New creates a Server with chi router, huma API, health and metrics
// endpoints, auth, and CORS.
func New(cfg Config, core *Core, log *slog.Logger) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, wardenerr.New(wardenerr.CodeServerConfigInvalid, "listen address is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	done := make(chan struct{})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(rateLimitMiddleware(cfg.RateLimit, done))
	r.Use(authMiddleware(cfg.Tokens, log))

	humaConfig := huma.DefaultConfig("Warden Governance Core", "0.1.0")
	humaConfig.Info.Description = "Runtime governance API for autonomous agents"
	api := humachi.New(r, humaConfig)

	srv := &Server{
		router: r,
		api:    api,
		cfg:    cfg,
		core:   core,
		log:    log,
		done:   done,
	}

	srv.registerHealth()
	srv.registerRoutes()

	if core != nil && core.Prometheus != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(core.Prometheus, promhttp.HandlerOpts{}))
	}

	return srv, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// API returns the huma API for registering additional operations.
func (s *Server) API() huma.API {
	return s.api
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer close(s.done)

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeServerStartFailure, "listening on %s", s.cfg.ListenAddr)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info("governance API listening", "addr", s.cfg.ListenAddr)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeServerShutdownFailure, "shutting down")
	}

	return <-errCh
}

// HealthResponse wraps the health check response.
type HealthResponse struct {
	Body health.Report
}

func (s *Server) registerHealth() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, func(ctx context.Context, _ *struct{}) (*HealthResponse, error) {
		return &HealthResponse{Body: s.healthReport(ctx)}, nil
	})
}

// healthReport probes the governance core. A stale snapshot or an unreadable
// mode log degrades readiness; the endpoint itself always answers.
func (s *Server) healthReport(ctx context.Context) health.Report {
	if s.core == nil {
		return health.NewReport(health.Check{Name: "core", Status: health.StatusFailing, Detail: "not wired"})
	}

	snapCheck := health.Check{Name: "snapshot", Status: health.StatusOK}
	if _, err := s.core.Snapshots.Current(ctx); err != nil {
		snapCheck.Status = health.StatusFailing
		snapCheck.Detail = err.Error()
	}

	modeCheck := health.Check{Name: "mode", Status: health.StatusOK}
	if rec, err := s.core.Modes.Current(ctx); err != nil {
		modeCheck.Status = health.StatusFailing
		modeCheck.Detail = err.Error()
	} else {
		modeCheck.Detail = rec.Level.String()
		if rec.Level.MoreRestrictiveThan(store.ModeElevated) {
			modeCheck.Status = health.StatusDegraded
		}
	}

	return health.NewReport(snapCheck, modeCheck)
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
