package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quantfunk/internal/aggregator"
	"github.com/ajitpratap0/quantfunk/internal/market"
	"github.com/ajitpratap0/quantfunk/internal/portfolio"
)

// noisyHistory is a seeded random walk per symbol, so the covariance of
// the returns is well conditioned.
func noisyHistory(days int, symbols ...string) market.History {
	rng := rand.New(rand.NewPCG(11, 13))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make(market.History, len(symbols))
	for k, symbol := range symbols {
		price := 100.0
		points := make([]market.PricePoint, days)
		for i := range points {
			points[i] = market.PricePoint{Timestamp: base.AddDate(0, 0, i), Price: price}
			price *= 1 + 0.0003*float64(k+1) + 0.01*float64(k+1)*rng.NormFloat64()
		}
		out[symbol] = points
	}
	return out
}

type stubFrontier struct {
	err     error
	symbols []string
	points  int
	cfg     aggregator.RunConfig
}

func (f *stubFrontier) Frontier(_ context.Context, symbols []string, cfg aggregator.RunConfig, nPoints int) (*aggregator.FrontierResult, error) {
	f.symbols, f.points, f.cfg = symbols, nPoints, cfg
	if f.err != nil {
		return nil, f.err
	}
	return &aggregator.FrontierResult{Symbols: symbols}, nil
}

func TestFrontier(t *testing.T) {
	agg, err := aggregator.New(market.NewMemoryFetcher(noisyHistory(150, "A", "B", "C")), nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	s := NewServer(Config{
		Runner:         agg,
		Frontier:       agg,
		Defaults:       aggregator.DefaultRunConfig(map[string]float64{aggregator.PortfolioModule: 1}),
		DefaultSymbols: []string{"A", "B", "C"},
	}, zerolog.Nop())

	w := do(t, s, http.MethodGet, "/api/v1/frontier?points=4", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body aggregator.FrontierResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"A", "B", "C"}, body.Symbols)
	require.NotEmpty(t, body.Points)
	assert.LessOrEqual(t, len(body.Points), 4)
	for _, p := range body.Points {
		assert.Len(t, p.Weights, 3)
		assert.Greater(t, p.Volatility, 0.0)
	}
}

func TestFrontier_QueryOverrides(t *testing.T) {
	src := &stubFrontier{}
	s := NewServer(Config{
		Runner:         stubRunner{},
		Frontier:       src,
		Defaults:       aggregator.DefaultRunConfig(map[string]float64{"time_series": 1}),
		DefaultSymbols: []string{"A", "B"},
	}, zerolog.Nop())

	w := do(t, s, http.MethodGet, "/api/v1/frontier", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"A", "B"}, src.symbols)
	assert.Equal(t, defaultFrontierPoints, src.points)

	w = do(t, s, http.MethodGet, "/api/v1/frontier?symbols=X,%20Y,&points=7&lookback=3mo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"X", "Y"}, src.symbols)
	assert.Equal(t, 7, src.points)
	assert.Equal(t, market.Lookback(90), src.cfg.Lookback)
}

func TestFrontier_BadRequests(t *testing.T) {
	s := NewServer(Config{Runner: stubRunner{}, Frontier: &stubFrontier{}, DefaultSymbols: []string{"A"}}, zerolog.Nop())

	for _, q := range []string{"points=0", "points=abc", fmt.Sprintf("points=%d", maxFrontierPoints+1), "lookback=never"} {
		w := do(t, s, http.MethodGet, "/api/v1/frontier?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestFrontier_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "config", err: &aggregator.ConfigError{Field: "symbols", Message: "no instruments requested"}, code: http.StatusBadRequest},
		{name: "infeasible", err: fmt.Errorf("%w: covariance matrix is singular", portfolio.ErrOptimizationFailed), code: http.StatusUnprocessableEntity},
		{name: "cancelled", err: context.Canceled, code: http.StatusServiceUnavailable},
		{name: "other", err: errors.New("boom"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Config{Runner: stubRunner{}, Frontier: &stubFrontier{err: tt.err}, DefaultSymbols: []string{"A"}}, zerolog.Nop())
			w := do(t, s, http.MethodGet, "/api/v1/frontier", nil)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestFrontier_NotConfigured(t *testing.T) {
	s := NewServer(Config{Runner: stubRunner{}}, zerolog.Nop())
	w := do(t, s, http.MethodGet, "/api/v1/frontier", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
