package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server is the HTTP API of the control plane plus the gRPC health service
type Server struct {
	router   chi.Router
	cfg      config.ServerConfig
	manager  *manager.Manager
	health   *HealthServer
	webhooks *limiter
	logger   zerolog.Logger

	http *http.Server
	grpc *grpc.Server
}

// NewServer wires the routes. components feeds /health, /ready and the
// gRPC health service.
func NewServer(mgr *manager.Manager, components *metrics.Components, cfg config.ServerConfig) *Server {
	logger := log.WithComponent("api")
	s := &Server{
		router:   chi.NewRouter(),
		cfg:      cfg,
		manager:  mgr,
		health:   NewHealthServer(components),
		webhooks: newLimiter(cfg.WebhookRate, cfg.WebhookBurst),
		logger:   logger,
		grpc: grpc.NewServer(
			grpc.ChainUnaryInterceptor(UnaryLogger(logger)),
			grpc.ChainStreamInterceptor(StreamLogger(logger)),
		),
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health.grpc)

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(instrument)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", metrics.Handler())
	s.router.Get("/health", s.health.Health)
	s.router.Get("/ready", s.health.Ready)
	s.router.Get("/livez", s.health.Live)

	webhooks := NewWebhooks(s.manager)
	s.router.Route("/webhooks/orchestrator", func(r chi.Router) {
		r.Use(s.webhooks.rateLimit)
		r.Use(requireSecret(s.cfg.WebhookSecret))
		r.Post("/failover", webhooks.Failover)
		r.Post("/recovery", webhooks.Recovery)
	})

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(requireOwner)

		clusters := NewClusters(s.manager)
		r.Get("/clusters", clusters.List)
		r.Post("/clusters", clusters.Create)
		r.Route("/clusters/{id}", func(r chi.Router) {
			r.Get("/", clusters.Get)
			r.Delete("/", clusters.Delete)
			r.Post("/start", clusters.Start)
			r.Post("/stop", clusters.Stop)
			r.Post("/scale", clusters.Scale)
			r.Get("/health", clusters.Health)
			r.Get("/connection", clusters.Connection)
			r.Get("/logs", clusters.Logs)
			r.Get("/nodes", clusters.Nodes)
			r.Get("/topology", clusters.Topology)
			r.Post("/takeover", clusters.Takeover)
		})

		r.Get("/events", NewEvents(s.manager).Stream)
	})
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP on cfg.Addr and, when configured, gRPC on cfg.GRPCAddr.
// It blocks until the HTTP listener stops.
func (s *Server) Start() error {
	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		go func() {
			if err := s.grpc.Serve(lis); err != nil {
				s.logger.Error().Err(err).Msg("gRPC server stopped")
			}
		}()
		s.logger.Info().Str("addr", s.cfg.GRPCAddr).Msg("gRPC health service listening")
	}

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains both listeners
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	return s.http.Shutdown(ctx)
}
