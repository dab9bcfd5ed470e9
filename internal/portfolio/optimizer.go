// Package portfolio computes instrument weights that optimize a chosen
// objective over a return matrix, and traces the efficient frontier.
package portfolio

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/ajitpratap0/quantfunk/internal/returns"
)

// ErrOptimizationFailed is returned whenever the optimizer could not produce
// weights. It is never masked by a silent fallback.
var ErrOptimizationFailed = errors.New("optimization failed")

// Options configures one optimization.
type Options struct {
	Objective      Objective `json:"objective" yaml:"objective"`
	RiskFreeRate   float64   `json:"risk_free_rate" yaml:"risk_free_rate"`
	Bounds         Bounds    `json:"bounds" yaml:"bounds"`
	LongOnly       bool      `json:"long_only" yaml:"long_only"`
	PeriodsPerYear float64   `json:"periods_per_year" yaml:"periods_per_year"`
}

// DefaultOptions returns max-Sharpe, long-only, 2% risk free rate, daily data.
func DefaultOptions() Options {
	return Options{
		Objective:      MaxSharpe,
		RiskFreeRate:   0.02,
		Bounds:         DefaultBounds(),
		LongOnly:       true,
		PeriodsPerYear: returns.DefaultPeriodsPerYear,
	}
}

// Validate checks the options independently of any data.
func (o Options) Validate() error {
	if _, ok := objectiveNames[o.Objective]; !ok {
		return fmt.Errorf("unknown objective %d", int(o.Objective))
	}
	if math.IsNaN(o.RiskFreeRate) || math.IsInf(o.RiskFreeRate, 0) {
		return fmt.Errorf("risk free rate must be finite")
	}
	if o.PeriodsPerYear < 0 {
		return fmt.Errorf("periods per year must be positive, got %.2f", o.PeriodsPerYear)
	}
	return o.Bounds.effective(o.LongOnly).Validate()
}

func (o Options) periodsPerYear() float64 {
	if o.PeriodsPerYear <= 0 {
		return returns.DefaultPeriodsPerYear
	}
	return o.PeriodsPerYear
}

// Result is a solved allocation.
type Result struct {
	Weights        map[string]float64 `json:"weights" yaml:"weights"`
	Objective      Objective          `json:"objective" yaml:"objective"`
	ExpectedReturn float64            `json:"expected_return" yaml:"expected_return"`
	Volatility     float64            `json:"volatility" yaml:"volatility"`
	Sharpe         float64            `json:"sharpe_ratio" yaml:"sharpe_ratio"`
	// Optimized is false when the weights were assigned without a solve,
	// as for a single instrument.
	Optimized  bool   `json:"optimized" yaml:"optimized"`
	Status     string `json:"status" yaml:"status"`
	Iterations int    `json:"iterations" yaml:"iterations"`
}

// Optimizer solves portfolio allocation problems with gonum's Nelder-Mead.
//
// Weights are searched over an unconstrained vector x and evaluated at the
// Euclidean projection of x onto {sum(w) = 1, min <= w_i <= max}, plus a
// quadratic pull of x back toward its projection. Every returned weight
// vector is therefore feasible by construction.
type Optimizer struct {
	log           zerolog.Logger
	maxIterations int
	restarts      int
}

// NewOptimizer creates an optimizer logging through logger.
func NewOptimizer(logger zerolog.Logger) *Optimizer {
	return &Optimizer{
		log:           logger.With().Str("component", "optimizer").Logger(),
		maxIterations: 20000,
		restarts:      3,
	}
}

// maxCovarianceCond is the condition number above which the covariance
// matrix is treated as singular.
const maxCovarianceCond = 1e12

// acceptedStatuses are the gonum termination statuses treated as converged.
var acceptedStatuses = map[optimize.Status]bool{
	optimize.Success:             true,
	optimize.FunctionConvergence: true,
	optimize.GradientThreshold:   true,
	optimize.StepConvergence:     true,
	optimize.MethodConverge:      true,
	optimize.FunctionThreshold:   true,
}

// Optimize returns weights for every column of m. With a single column the
// whole portfolio goes to it and no solve is run.
func (o *Optimizer) Optimize(m *returns.Matrix, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	symbols := m.Symbols()

	switch m.Cols() {
	case 0:
		return nil, fmt.Errorf("%w: no instruments: %w", ErrOptimizationFailed, returns.ErrInsufficientData)
	case 1:
		res := &Result{
			Weights:   map[string]float64{symbols[0]: 1.0},
			Objective: opts.Objective,
			Status:    "single_instrument",
		}
		if perf, err := Evaluate(m, res.Weights, opts); err == nil {
			res.ExpectedReturn, res.Volatility, res.Sharpe = perf.ExpectedReturn, perf.Volatility, perf.Sharpe
		}
		return res, nil
	}

	p, bounds, err := o.setup(m, opts)
	if err != nil {
		return nil, err
	}

	score := func(w []float64) float64 { return p.score(opts.Objective, w) }
	w, status, iterations, err := o.solve(len(symbols), bounds, score)
	if err != nil {
		o.log.Warn().Err(err).Str("objective", opts.Objective.String()).Msg("Optimization did not converge")
		return nil, err
	}

	res := &Result{
		Weights:        toMap(symbols, w),
		Objective:      opts.Objective,
		ExpectedReturn: p.expectedReturn(w),
		Volatility:     p.volatility(w),
		Optimized:      true,
		Status:         status.String(),
		Iterations:     iterations,
	}
	res.Sharpe = sharpe(res.ExpectedReturn, res.Volatility, opts.RiskFreeRate)

	o.log.Debug().
		Str("objective", opts.Objective.String()).
		Int("instruments", len(symbols)).
		Float64("expected_return", res.ExpectedReturn).
		Float64("volatility", res.Volatility).
		Int("iterations", iterations).
		Msg("Portfolio optimized")

	return res, nil
}

// setup estimates annualized means and covariance and checks that the
// problem can be solved at all.
func (o *Optimizer) setup(m *returns.Matrix, opts Options) (*problem, Bounds, error) {
	ppy := opts.periodsPerYear()
	bounds := opts.Bounds.effective(opts.LongOnly)
	if !bounds.feasible(m.Cols()) {
		return nil, bounds, fmt.Errorf("%w: bounds [%.4f, %.4f] cannot sum to 1 over %d instruments",
			ErrOptimizationFailed, bounds.Min, bounds.Max, m.Cols())
	}

	cov, err := m.Covariance(ppy)
	if err != nil {
		return nil, bounds, fmt.Errorf("%w: %w", ErrOptimizationFailed, err)
	}
	if opts.Objective.usesCovariance() {
		var chol mat.Cholesky
		if ok := chol.Factorize(cov); !ok || chol.Cond() > maxCovarianceCond {
			return nil, bounds, fmt.Errorf("%w: covariance matrix is singular", ErrOptimizationFailed)
		}
	}

	n := m.Cols()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, n)
		for j := range rows[i] {
			rows[i][j] = cov.At(i, j)
		}
	}
	return &problem{
		mu:           m.AnnualizedMeans(ppy),
		cov:          rows,
		riskFreeRate: opts.RiskFreeRate,
	}, bounds, nil
}

// solve minimizes score over the feasible set starting from equal weights and
// returns the best feasible point. Each restart begins from the previous
// optimum with a fresh simplex.
func (o *Optimizer) solve(n int, bounds Bounds, score func([]float64) float64) ([]float64, optimize.Status, int, error) {
	penalized := func(x []float64) float64 {
		w := bounds.project(x)
		var dist float64
		for i := range x {
			d := x[i] - w[i]
			dist += d * d
		}
		return score(w) + dist
	}

	x := make([]float64, n)
	for i := range x {
		x[i] = 1 / float64(n)
	}
	best := penalized(x)

	var status optimize.Status
	var iterations int
	for attempt := 0; attempt < o.restarts; attempt++ {
		result, err := optimize.Minimize(
			optimize.Problem{Func: penalized},
			x,
			&optimize.Settings{
				MajorIterations: o.maxIterations,
				Converger:       &optimize.FunctionConverge{Absolute: 1e-12, Iterations: 100},
			},
			&optimize.NelderMead{},
		)
		if err != nil && result == nil {
			return nil, status, iterations, fmt.Errorf("%w: %w", ErrOptimizationFailed, err)
		}
		iterations += result.Stats.MajorIterations
		if !acceptedStatuses[result.Status] {
			return nil, result.Status, iterations, fmt.Errorf("%w: solver stopped with status %v", ErrOptimizationFailed, result.Status)
		}
		status = result.Status

		improved := best - result.F
		if result.F < best {
			x = bounds.project(result.X)
			best = penalized(x)
		}
		if improved < 1e-12 {
			break
		}
	}

	if math.IsNaN(best) || math.IsInf(best, 0) {
		return nil, status, iterations, fmt.Errorf("%w: objective is not finite", ErrOptimizationFailed)
	}
	return bounds.project(x), status, iterations, nil
}

// Performance describes a weight vector on a return matrix.
type Performance struct {
	ExpectedReturn float64 `json:"expected_return" yaml:"expected_return"`
	Volatility     float64 `json:"volatility" yaml:"volatility"`
	Sharpe         float64 `json:"sharpe_ratio" yaml:"sharpe_ratio"`
}

// Evaluate computes annualized return, volatility and Sharpe ratio for weights
// on m. Weights for symbols outside m are ignored.
func Evaluate(m *returns.Matrix, weights map[string]float64, opts Options) (Performance, error) {
	ppy := opts.periodsPerYear()
	symbols := m.Symbols()
	w := make([]float64, len(symbols))
	for i, s := range symbols {
		w[i] = weights[s]
	}

	mu := m.AnnualizedMeans(ppy)
	var perf Performance
	for i := range w {
		perf.ExpectedReturn += w[i] * mu[i]
	}

	cov, err := m.Covariance(ppy)
	if err != nil {
		return perf, err
	}
	perf.Volatility = math.Sqrt(math.Max(mat.Inner(mat.NewVecDense(len(w), w), cov, mat.NewVecDense(len(w), w)), 0))
	perf.Sharpe = sharpe(perf.ExpectedReturn, perf.Volatility, opts.RiskFreeRate)
	return perf, nil
}

// EqualWeights assigns 1/n to each symbol.
func EqualWeights(symbols []string) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		out[s] = 1 / float64(len(symbols))
	}
	return out
}

func sharpe(ret, vol, rf float64) float64 {
	if vol == 0 {
		return 0
	}
	return (ret - rf) / vol
}

func toMap(symbols []string, w []float64) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for i, s := range symbols {
		out[s] = w[i]
	}
	return out
}
