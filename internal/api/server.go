// Package api exposes aggregator runs over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/quantfunk/internal/aggregator"
	"github.com/ajitpratap0/quantfunk/internal/metrics"
	"github.com/ajitpratap0/quantfunk/internal/publish"
)

// Runner executes one aggregation run. *aggregator.Aggregator implements it.
type Runner interface {
	Run(ctx context.Context, symbols []string, cfg aggregator.RunConfig) (*aggregator.RunResult, error)
	Providers() []string
}

// FrontierSource computes efficient frontiers. *aggregator.Aggregator
// implements it.
type FrontierSource interface {
	Frontier(ctx context.Context, symbols []string, cfg aggregator.RunConfig, nPoints int) (*aggregator.FrontierResult, error)
}

// Config contains server configuration
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Version        string

	Runner         Runner
	Defaults       aggregator.RunConfig
	DefaultSymbols []string
	// Publisher receives every successful run. Nil disables publishing.
	Publisher publish.Publisher
	// Frontier serves GET /frontier. Nil answers 501.
	Frontier FrontierSource
	// RunTimeout bounds a single POST /runs or GET /frontier. Zero means
	// no bound beyond the request context.
	RunTimeout time.Duration
}

// Server represents the REST API server
type Server struct {
	router *gin.Engine
	cfg    Config
	addr   string
	server *http.Server
	log    zerolog.Logger

	hub      *Hub
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	latest *aggregator.RunResult
}

// NewServer creates a new API server
func NewServer(cfg Config, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if cfg.Publisher == nil {
		cfg.Publisher = publish.Nop{}
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s := &Server{
		router:   router,
		cfg:      cfg,
		addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		log:      log.With().Str("component", "api").Logger(),
		upgrader: newUpgrader(origins),
	}
	s.hub = NewHub(s.log)
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the server is stopped.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Hub returns the run stream hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Stop gracefully stops the HTTP server. Stream subscribers are
// disconnected first; Shutdown does not track hijacked connections.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("Stopping API server")

	s.hub.Close()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/providers", s.handleProviders)
		v1.GET("/frontier", s.handleFrontier)
		runs := v1.Group("/runs")
		{
			runs.POST("", s.handleCreateRun)
			runs.GET("/latest", s.handleLatestRun)
			runs.GET("/stream", s.handleRunStream)
		}
	}
}

// LoggerMiddleware logs each request and records its latency.
func LoggerMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordAPIRequest(c.Request.Method, path, strconv.Itoa(status), float64(latency.Microseconds())/1000)

		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event = event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.Msg("API request")
	}
}
