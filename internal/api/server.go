// Package api exposes the pipeline over HTTP: triggering runs and reading
// back stored summaries and reports.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/attribution-pipeline/internal/config"
)

// Server wraps the HTTP server and its routes.
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, h *Handlers) *Server {
	return &Server{
		config:  cfg,
		handler: SetupRoutes(h),
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Runs execute synchronously inside the request, so the write
		// timeout must cover a whole run.
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      35 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
