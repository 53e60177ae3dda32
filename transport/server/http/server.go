// Package http hosts the relay's HTTP listener.
package http

import (
	"context"
	"errors"
	"net/http"
)

// Server wraps the HTTP listener serving the relay endpoints.
type Server struct {
	server http.Server
}

// NewServer creates a server for the handler on addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{server: http.Server{Addr: addr, Handler: handler}}
}

// Start listens and serves until Shutdown. A graceful shutdown is not an
// error.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
