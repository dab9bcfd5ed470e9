// Package metrics holds the Prometheus collectors of the engine and the HTTP
// server exposing them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server exposes /metrics for scraping and /health for liveness checks on
// its own port, separate from the API.
type Server struct {
	port   int
	server *http.Server
	addr   net.Addr
	log    zerolog.Logger
}

// NewServer returns an unstarted server for port. Port 0 picks a free port;
// Addr reports it once started.
func NewServer(port int, log zerolog.Logger) *Server {
	return &Server{
		port: port,
		log:  log.With().Str("component", "metrics_server").Logger(),
	}
}

// Handler serves the default Prometheus registry, where every collector of
// this package is registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Start binds the port before returning, so a port in use fails the caller
// instead of a background goroutine. Serving continues until Shutdown.
func (s *Server) Start() error {
	if s.server != nil {
		return errors.New("metrics server already started")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on port %d: %w", s.port, err)
	}
	s.addr = ln.Addr()
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	s.log.Info().Str("addr", s.addr.String()).Msg("Metrics server listening")
	return nil
}

// Addr is the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown stops serving and waits for in-flight scrapes until ctx ends.
// It is a no-op on a server that never started.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	s.log.Info().Msg("Metrics server stopped")
	return nil
}
