package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quantfunk/internal/aggregator"
	"github.com/ajitpratap0/quantfunk/internal/market"
	"github.com/ajitpratap0/quantfunk/internal/portfolio"
	"github.com/ajitpratap0/quantfunk/internal/signals"
)

func trendingHistory(days int, growth map[string]float64) market.History {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make(market.History, len(growth))
	for symbol, g := range growth {
		price := 100.0
		points := make([]market.PricePoint, days)
		for i := range points {
			// alternate the step so returns have variance
			step := g
			if i%2 == 1 {
				step = -g / 2
			}
			points[i] = market.PricePoint{Timestamp: base.AddDate(0, 0, i), Price: price}
			price *= 1 + step
		}
		out[symbol] = points
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *recordingPublisher) {
	t.Helper()
	history := trendingHistory(120, map[string]float64{"A": 0.02, "B": 0.01})
	providers := []signals.Provider{
		signals.NewStatic("time_series", map[string]signals.Direction{"A": signals.Buy, "B": signals.Neutral}),
		signals.NewStatic("mean_reversion", map[string]signals.Direction{"A": signals.Buy, "B": signals.Neutral}),
		signals.NewStatic("technical", map[string]signals.Direction{"A": signals.Sell, "B": signals.Neutral}),
	}
	agg, err := aggregator.New(market.NewMemoryFetcher(history), providers, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	pub := &recordingPublisher{}
	s := NewServer(Config{
		Version: "test",
		Runner:  agg,
		Defaults: aggregator.DefaultRunConfig(map[string]float64{
			"time_series":    0.4,
			"mean_reversion": 0.4,
			"technical":      0.2,
		}),
		DefaultSymbols: []string{"A", "B"},
		Publisher:      pub,
	}, zerolog.Nop())
	return s, pub
}

type recordingPublisher struct {
	mu   sync.Mutex
	runs []*aggregator.RunResult
	err  error
}

func (p *recordingPublisher) PublishRun(_ context.Context, run *aggregator.RunResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, run)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type stubRunner struct {
	err error
}

func (r stubRunner) Run(context.Context, []string, aggregator.RunConfig) (*aggregator.RunResult, error) {
	return nil, r.err
}

func (stubRunner) Providers() []string { return nil }

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestProviders(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/v1/providers", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Providers []string `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"time_series", "mean_reversion", "technical"}, body.Providers)
}

func TestCreateRun_Defaults(t *testing.T) {
	s, pub := newTestServer(t)
	w := do(t, s, http.MethodPost, "/api/v1/runs", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res aggregator.RunResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	assert.Equal(t, []string{"A", "B"}, res.Symbols)
	assert.Equal(t, aggregator.ActionBuy, res.Decisions["A"].Action)
	assert.InDelta(t, 0.6, res.Decisions["A"].Composite, 1e-9)
	assert.Equal(t, aggregator.ActionHold, res.Decisions["B"].Action)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, pub.runs, 1)
	assert.Equal(t, res.RunID, pub.runs[0].RunID)

	latest := do(t, s, http.MethodGet, "/api/v1/runs/latest", nil)
	require.Equal(t, http.StatusOK, latest.Code)
	var got aggregator.RunResult
	require.NoError(t, json.Unmarshal(latest.Body.Bytes(), &got))
	assert.Equal(t, res.RunID, got.RunID)
}

func TestCreateRun_Overrides(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodPost, "/api/v1/runs", RunRequest{
		Symbols:   []string{"A"},
		Objective: "min_volatility",
		Lookback:  "3mo",
		ModuleWeights: map[string]float64{
			"time_series":    1,
			"mean_reversion": 0,
			"technical":      0,
		},
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res aggregator.RunResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, []string{"A"}, res.Symbols)
	assert.InDelta(t, 1.0, res.Decisions["A"].Composite, 1e-9)
	assert.InDelta(t, 1.0, res.ModuleWeights["time_series"], 1e-12)
	require.NotNil(t, res.Optimization)
	assert.Equal(t, portfolio.MinVolatility, res.Optimization.Objective)

	// defaults are untouched by the override
	assert.InDelta(t, 0.4, s.cfg.Defaults.ModuleWeights["time_series"], 1e-12)
}

func TestCreateRun_BadRequests(t *testing.T) {
	tests := []struct {
		name  string
		body  any
		field string
	}{
		{name: "unknown objective", body: RunRequest{Objective: "max_alpha"}, field: "objective"},
		{name: "bad lookback", body: RunRequest{Lookback: "forever"}, field: "lookback"},
		{name: "unknown module", body: RunRequest{ModuleWeights: map[string]float64{
			"time_series": 0.5, "mean_reversion": 0.2, "technical": 0.2, "sentiment": 0.1,
		}}, field: "module_weights.sentiment"},
		{name: "negative weight", body: RunRequest{ModuleWeights: map[string]float64{
			"time_series": -1, "mean_reversion": 0.2, "technical": 0.2,
		}}, field: "module_weights.time_series"},
		{name: "malformed body", body: "not an object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, pub := newTestServer(t)
			w := do(t, s, http.MethodPost, "/api/v1/runs", tt.body)

			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.field, body.Field)
			assert.NotEmpty(t, body.Error)
			assert.Empty(t, pub.runs)
		})
	}
}

func TestCreateRun_NoSymbols(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.DefaultSymbols = nil

	w := do(t, s, http.MethodPost, "/api/v1/runs", RunRequest{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "symbols", body.Field)
}

func TestCreateRun_RunnerErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "cancelled", err: context.Canceled, code: http.StatusServiceUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, code: http.StatusServiceUnavailable},
		{name: "other", err: errors.New("boom"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Config{Runner: stubRunner{err: tt.err}, DefaultSymbols: []string{"A"}}, zerolog.Nop())
			w := do(t, s, http.MethodPost, "/api/v1/runs", nil)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestCreateRun_PublishFailureStillSucceeds(t *testing.T) {
	s, pub := newTestServer(t)
	pub.err = errors.New("nats down")

	w := do(t, s, http.MethodPost, "/api/v1/runs", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, pub.runs, 1)
}

func TestLatestRun_NotFound(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/v1/runs/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartStop(t *testing.T) {
	s := NewServer(Config{Host: "127.0.0.1", Port: 19581, Runner: stubRunner{}}, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:19581/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.NoError(t, <-errCh)
}
