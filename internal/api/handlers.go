package api

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ajitpratap0/quantfunk/internal/aggregator"
	"github.com/ajitpratap0/quantfunk/internal/market"
	"github.com/ajitpratap0/quantfunk/internal/portfolio"
)

const (
	defaultFrontierPoints = 20
	maxFrontierPoints     = 200
)

// RunRequest is the body of POST /api/v1/runs. Every field is optional
// and overrides the server defaults for this run only.
type RunRequest struct {
	Symbols       []string           `json:"symbols"`
	Objective     string             `json:"objective"`
	Lookback      string             `json:"lookback"`
	ModuleWeights map[string]float64 `json:"module_weights"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": s.cfg.Version,
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"providers":      s.cfg.Runner.Providers(),
		"module_weights": s.cfg.Defaults.ModuleWeights,
	})
}

func (s *Server) handleCreateRun(c *gin.Context) {
	var req RunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
	}

	cfg, symbols, errResp := s.runConfig(req)
	if errResp != nil {
		c.JSON(http.StatusBadRequest, errResp)
		return
	}

	ctx := c.Request.Context()
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	res, err := s.cfg.Runner.Run(ctx, symbols, cfg)
	if err != nil {
		var cerr *aggregator.ConfigError
		switch {
		case errors.As(err, &cerr):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: cerr.Message, Field: cerr.Field})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "run cancelled: " + err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		return
	}

	s.mu.Lock()
	s.latest = res
	s.mu.Unlock()

	// A publish failure does not fail the run.
	if err := s.cfg.Publisher.PublishRun(context.WithoutCancel(ctx), res); err != nil {
		s.log.Warn().Err(err).Str("run_id", res.RunID).Msg("Failed to publish run")
	}
	if err := s.hub.Broadcast(MessageTypeRun, res); err != nil {
		s.log.Warn().Err(err).Str("run_id", res.RunID).Msg("Failed to stream run")
	}

	c.JSON(http.StatusOK, res)
}

// handleFrontier serves GET /api/v1/frontier?symbols=A,B&points=20&lookback=90d.
func (s *Server) handleFrontier(c *gin.Context) {
	if s.cfg.Frontier == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "efficient frontier is not available"})
		return
	}

	points := defaultFrontierPoints
	if raw := c.Query("points"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxFrontierPoints {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: fmt.Sprintf("points must be an integer between 1 and %d", maxFrontierPoints),
				Field: "points",
			})
			return
		}
		points = n
	}

	req := RunRequest{Lookback: c.Query("lookback")}
	for _, sym := range strings.Split(c.Query("symbols"), ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			req.Symbols = append(req.Symbols, sym)
		}
	}
	cfg, symbols, errResp := s.runConfig(req)
	if errResp != nil {
		c.JSON(http.StatusBadRequest, errResp)
		return
	}

	ctx := c.Request.Context()
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	res, err := s.cfg.Frontier.Frontier(ctx, symbols, cfg, points)
	if err != nil {
		var cerr *aggregator.ConfigError
		switch {
		case errors.As(err, &cerr):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: cerr.Message, Field: cerr.Field})
		case errors.Is(err, portfolio.ErrOptimizationFailed):
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "frontier cancelled: " + err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleLatestRun(c *gin.Context) {
	s.mu.RLock()
	res := s.latest
	s.mu.RUnlock()

	if res == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no run has completed yet"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// runConfig applies the request overrides to a copy of the defaults.
func (s *Server) runConfig(req RunRequest) (aggregator.RunConfig, []string, *ErrorResponse) {
	cfg := s.cfg.Defaults
	cfg.ModuleWeights = maps.Clone(cfg.ModuleWeights)

	symbols := req.Symbols
	if len(symbols) == 0 {
		symbols = s.cfg.DefaultSymbols
	}
	if req.Objective != "" {
		obj, err := portfolio.ParseObjective(req.Objective)
		if err != nil {
			return cfg, nil, &ErrorResponse{Error: err.Error(), Field: "objective"}
		}
		cfg.Optimizer.Objective = obj
	}
	if req.Lookback != "" {
		lb, err := market.ParseLookback(req.Lookback)
		if err != nil {
			return cfg, nil, &ErrorResponse{Error: err.Error(), Field: "lookback"}
		}
		cfg.Lookback = lb
	}
	if req.ModuleWeights != nil {
		cfg.ModuleWeights = maps.Clone(req.ModuleWeights)
	}
	return cfg, symbols, nil
}
