// Package server wires the HTTP surface of the sync engine: the liveness
// probe and the per-document sync endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/penflow/syncd/internal/auth"
	"github.com/penflow/syncd/internal/config"
	"github.com/penflow/syncd/internal/registry"
	"github.com/penflow/syncd/internal/server/handlers"
	"github.com/penflow/syncd/internal/server/middleware"
	"github.com/penflow/syncd/internal/updatelog"
	"github.com/penflow/syncd/internal/ws"
)

const (
	shutdownTimeout = 10 * time.Second

	// Upgrade and probe requests per client per window. Sessions are
	// long-lived; this only has to absorb reconnect storms.
	rateLimitRequests = 120
	rateLimitWindow   = time.Minute
)

// Server owns the HTTP listener and the pieces involved in teardown.
type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	hub     *ws.Hub
	log     *updatelog.Log
	limiter *middleware.RateLimiter
	http    *http.Server
}

// New assembles routes and middleware around the given components.
func New(cfg config.Config, logger *slog.Logger, reg *registry.Registry, hub *ws.Hub, gate *auth.Gate, ulog *updatelog.Log) *Server {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(logger, cfg.Host, cfg.Port, cfg.DataDir, reg)
	mux.HandleFunc("GET /health", health.Health)
	mux.Handle("/sync/", ws.NewHandler(reg, hub, gate, logger))

	limiter := middleware.NewRateLimiter(rateLimitRequests, rateLimitWindow, logger)

	var handler http.Handler = mux
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RateLimit(limiter, logger)(handler)
	handler = middleware.Recovery(logger)(handler)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		hub:     hub,
		log:     ulog,
		limiter: limiter,
		http:    &http.Server{Addr: cfg.Addr(), Handler: handler},
	}
}

// Run serves until ctx is cancelled, then tears down in two phases: close
// every collaborator socket, then flush and close the update log. Both
// phases always run, and Run returns only after the log confirms closure.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var listenErr error
	select {
	case listenErr = <-errCh:
		s.logger.Error("listener failed", "error", listenErr)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	// Phase one: closing the sockets unblocks every session read loop, so
	// the HTTP server can drain its handlers.
	s.hub.CloseAll()
	s.limiter.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown did not complete cleanly", "error", err)
	}

	// Phase two: drain the append queues and close the store.
	if err := s.log.Close(); err != nil {
		if listenErr != nil {
			return listenErr
		}
		return fmt.Errorf("failed to close update log: %w", err)
	}
	return listenErr
}
