package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitpratap0/quantfunk/internal/portfolio"
	"github.com/ajitpratap0/quantfunk/internal/returns"
)

// FrontierOptimizer traces minimum-volatility portfolios across target
// returns. *portfolio.Optimizer implements it.
type FrontierOptimizer interface {
	EfficientFrontier(m *returns.Matrix, nPoints int, opts portfolio.Options) ([]portfolio.FrontierPoint, error)
}

// FrontierResult is the efficient frontier over the instruments that had
// returns. Excluded lists the requested instruments that did not.
type FrontierResult struct {
	Symbols  []string                  `json:"symbols" yaml:"symbols"`
	Excluded []string                  `json:"excluded,omitempty" yaml:"excluded,omitempty"`
	Points   []portfolio.FrontierPoint `json:"points" yaml:"points"`
}

// Frontier fetches history for symbols and computes nPoints frontier
// portfolios under cfg's optimizer bounds. No providers are queried.
// Unlike Run, a failed fetch or a failed solve is returned as an error.
func (a *Aggregator) Frontier(ctx context.Context, symbols []string, cfg RunConfig, nPoints int) (*FrontierResult, error) {
	start := time.Now()
	cfg = cfg.clone()

	symbols = normalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, configErr("symbols", "no instruments requested")
	}
	if nPoints <= 0 {
		return nil, configErr("points", "number of frontier points must be positive, got %d", nPoints)
	}
	if err := cfg.Optimizer.Validate(); err != nil {
		return nil, configErr("optimizer", "%v", err)
	}

	history, err := a.fetcher.Fetch(ctx, symbols, cfg.Lookback)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price history: %w", err)
	}

	matrix, err := returns.Build(requested(history, symbols))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", portfolio.ErrOptimizationFailed, err)
	}

	points, err := a.frontier.EfficientFrontier(matrix, nPoints, cfg.Optimizer)
	if err != nil {
		return nil, err
	}

	res := &FrontierResult{Symbols: matrix.Symbols(), Points: points}
	for _, s := range symbols {
		if matrix.Index(s) < 0 {
			res.Excluded = append(res.Excluded, s)
		}
	}

	a.log.Info().
		Strs("symbols", res.Symbols).
		Int("requested_points", nPoints).
		Int("points", len(points)).
		Dur("duration", time.Since(start)).
		Msg("Efficient frontier computed")
	return res, nil
}
