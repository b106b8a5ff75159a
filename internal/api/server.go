// Package api implements the HTTP control API: subscription CRUD,
// monitor start/stop, proxy status and reset, and queue metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jonesrussell/adwatch/internal/config"
	"github.com/jonesrussell/adwatch/internal/logger"
)

// Server wraps the HTTP listener around the router.
type Server struct {
	httpServer *http.Server
	log        logger.Interface
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, deps Deps, log logger.Interface) *Server {
	router := SetupRouter(deps, log)
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Address,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// Start serves until Shutdown is called. Blocks.
func (s *Server) Start() error {
	s.log.Info("api server listening", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("api server shutting down")
	return s.httpServer.Shutdown(ctx)
}
