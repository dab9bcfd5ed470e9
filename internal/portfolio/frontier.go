package portfolio

import (
	"errors"
	"fmt"
	"math"

	"github.com/ajitpratap0/quantfunk/internal/returns"
)

const (
	// frontierPenalty weights the squared miss of the target return.
	frontierPenalty = 1e4
	// frontierTolerance is the largest accepted miss of a target return.
	frontierTolerance = 1e-3
)

// FrontierPoint is one minimum-volatility portfolio for a target return.
type FrontierPoint struct {
	TargetReturn   float64            `json:"target_return" yaml:"target_return"`
	ExpectedReturn float64            `json:"expected_return" yaml:"expected_return"`
	Volatility     float64            `json:"volatility" yaml:"volatility"`
	Sharpe         float64            `json:"sharpe_ratio" yaml:"sharpe_ratio"`
	Weights        map[string]float64 `json:"weights" yaml:"weights"`
}

// EfficientFrontier solves nPoints minimum-volatility problems with target
// returns evenly spaced from the lowest to the highest annualized instrument
// mean. Targets that cannot be met within the bounds, or whose solve fails,
// are left out, so fewer than nPoints points may come back.
func (o *Optimizer) EfficientFrontier(m *returns.Matrix, nPoints int, opts Options) ([]FrontierPoint, error) {
	if nPoints <= 0 {
		return nil, fmt.Errorf("number of frontier points must be positive, got %d", nPoints)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if m.Cols() < 2 {
		return nil, fmt.Errorf("%w: frontier needs at least 2 instruments: %w", ErrOptimizationFailed, returns.ErrInsufficientData)
	}

	opts.Objective = MinVolatility
	p, bounds, err := o.setup(m, opts)
	if err != nil {
		return nil, err
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, mu := range p.mu {
		lo = math.Min(lo, mu)
		hi = math.Max(hi, mu)
	}

	symbols := m.Symbols()
	points := make([]FrontierPoint, 0, nPoints)
	for k := 0; k < nPoints; k++ {
		target := lo
		if nPoints > 1 {
			target = lo + (hi-lo)*float64(k)/float64(nPoints-1)
		}

		score := func(w []float64) float64 {
			miss := p.expectedReturn(w) - target
			return p.volatility(w) + frontierPenalty*miss*miss
		}
		w, _, _, err := o.solve(len(symbols), bounds, score)
		if err != nil {
			if !errors.Is(err, ErrOptimizationFailed) {
				return nil, err
			}
			o.log.Debug().Err(err).Float64("target_return", target).Msg("Frontier point skipped")
			continue
		}

		ret := p.expectedReturn(w)
		if math.Abs(ret-target) > frontierTolerance {
			o.log.Debug().
				Float64("target_return", target).
				Float64("achieved_return", ret).
				Msg("Frontier target not reachable, skipped")
			continue
		}

		vol := p.volatility(w)
		points = append(points, FrontierPoint{
			TargetReturn:   target,
			ExpectedReturn: ret,
			Volatility:     vol,
			Sharpe:         sharpe(ret, vol, opts.RiskFreeRate),
			Weights:        toMap(symbols, w),
		})
	}

	return points, nil
}
