// Package risk measures the downside of a weighted portfolio over a return
// matrix and turns the measures into a risk level and recommendations.
package risk

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/ajitpratap0/quantfunk/internal/returns"
)

// ErrInvalidParams marks risk parameters that can never be evaluated.
var ErrInvalidParams = errors.New("invalid risk parameters")

// Level classifies VaR as a share of portfolio value.
type Level string

const (
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
	LevelExtreme Level = "extreme"
	// LevelUnknown is reported when VaR could not be computed.
	LevelUnknown Level = "unknown"
)

// Classify maps a VaR percentage to a Level:
// low below 2%, medium below 5%, high below 10%, extreme otherwise.
func Classify(varPct float64) Level {
	switch {
	case varPct < 0.02:
		return LevelLow
	case varPct < 0.05:
		return LevelMedium
	case varPct < 0.10:
		return LevelHigh
	default:
		return LevelExtreme
	}
}

// StressScenario shocks the mean return by Shock standard deviations.
type StressScenario struct {
	Name  string  `json:"name" yaml:"name" mapstructure:"name"`
	Shock float64 `json:"shock_std" yaml:"shock_std" mapstructure:"shock_std"`
}

// Params configures one assessment.
type Params struct {
	ConfidenceLevel   float64          `json:"confidence_level" yaml:"confidence_level"`
	HorizonPeriods    int              `json:"horizon_periods" yaml:"horizon_periods"`
	PortfolioValue    float64          `json:"portfolio_value" yaml:"portfolio_value"`
	MaxVaRPct         float64          `json:"max_var_pct" yaml:"max_var_pct"`
	MaxPositionPct    float64          `json:"max_position_pct" yaml:"max_position_pct"`
	Distribution      Distribution     `json:"distribution" yaml:"distribution"`
	MonteCarloSamples int              `json:"monte_carlo_samples" yaml:"monte_carlo_samples"`
	Seed              uint64           `json:"seed" yaml:"seed"`
	PeriodsPerYear    float64          `json:"periods_per_year" yaml:"periods_per_year"`
	StressScenarios   []StressScenario `json:"stress_scenarios,omitempty" yaml:"stress_scenarios,omitempty"`
}

// DefaultParams returns 95% one-period VaR on a 1,000,000 portfolio with a
// 5% VaR limit and a 20% single-position limit.
func DefaultParams() Params {
	return Params{
		ConfidenceLevel:   0.95,
		HorizonPeriods:    1,
		PortfolioValue:    1_000_000,
		MaxVaRPct:         0.05,
		MaxPositionPct:    0.20,
		Distribution:      Normal,
		MonteCarloSamples: 10_000,
		Seed:              42,
		PeriodsPerYear:    returns.DefaultPeriodsPerYear,
	}
}

// Validate rejects parameters outside their domains.
func (p Params) Validate() error {
	switch {
	case !(p.ConfidenceLevel > 0 && p.ConfidenceLevel < 1):
		return fmt.Errorf("%w: confidence level %.4f must be in (0, 1)", ErrInvalidParams, p.ConfidenceLevel)
	case p.HorizonPeriods < 1:
		return fmt.Errorf("%w: horizon %d must be at least 1 period", ErrInvalidParams, p.HorizonPeriods)
	case !(p.PortfolioValue > 0) || math.IsInf(p.PortfolioValue, 0):
		return fmt.Errorf("%w: portfolio value must be positive", ErrInvalidParams)
	case !(p.MaxVaRPct > 0):
		return fmt.Errorf("%w: max VaR pct must be positive", ErrInvalidParams)
	case !(p.MaxPositionPct > 0):
		return fmt.Errorf("%w: max position pct must be positive", ErrInvalidParams)
	case p.MonteCarloSamples < 0:
		return fmt.Errorf("%w: monte carlo samples must not be negative", ErrInvalidParams)
	case p.Distribution != Normal && p.Distribution != StudentT:
		return fmt.Errorf("%w: unknown distribution %d", ErrInvalidParams, int(p.Distribution))
	}
	return nil
}

func (p Params) samples() int {
	if p.MonteCarloSamples == 0 {
		return 10_000
	}
	return p.MonteCarloSamples
}

func (p Params) periodsPerYear() float64 {
	if p.PeriodsPerYear <= 0 {
		return returns.DefaultPeriodsPerYear
	}
	return p.PeriodsPerYear
}

// PositionViolation is a weight above the single-position limit.
type PositionViolation struct {
	Symbol string  `json:"symbol" yaml:"symbol"`
	Weight float64 `json:"weight" yaml:"weight"`
	Limit  float64 `json:"limit" yaml:"limit"`
}

// StressResult is the one-period outcome of a stress scenario.
type StressResult struct {
	Scenario       string  `json:"scenario" yaml:"scenario"`
	ShockStd       float64 `json:"shock_std" yaml:"shock_std"`
	StressedReturn float64 `json:"stressed_return" yaml:"stressed_return"`
	LossPct        float64 `json:"loss_pct" yaml:"loss_pct"`
	LossValue      float64 `json:"loss_value" yaml:"loss_value"`
}

// Report is the output of an assessment. Measures that could not be computed
// from the available data are nil, never zero.
type Report struct {
	ConfidenceLevel float64 `json:"confidence_level" yaml:"confidence_level"`
	HorizonPeriods  int     `json:"horizon_periods" yaml:"horizon_periods"`
	PortfolioValue  float64 `json:"portfolio_value" yaml:"portfolio_value"`
	Observations    int     `json:"observations" yaml:"observations"`

	VaR95    *float64 `json:"var_95" yaml:"var_95"`
	VaR99    *float64 `json:"var_99" yaml:"var_99"`
	VaR95Pct *float64 `json:"var_95_pct" yaml:"var_95_pct"`

	HistoricalVaR        *float64 `json:"historical_var" yaml:"historical_var"`
	ParametricVaR        *float64 `json:"parametric_var" yaml:"parametric_var"`
	MonteCarloVaR        *float64 `json:"monte_carlo_var" yaml:"monte_carlo_var"`
	CVaR                 *float64 `json:"cvar" yaml:"cvar"`
	AnnualizedVolatility *float64 `json:"annualized_volatility" yaml:"annualized_volatility"`
	MaxDrawdown          *float64 `json:"max_drawdown" yaml:"max_drawdown"`

	RiskLevel          Level               `json:"risk_level" yaml:"risk_level"`
	PositionViolations []PositionViolation `json:"position_violations" yaml:"position_violations"`
	Recommendations    []string            `json:"recommendations" yaml:"recommendations"`
	StressTests        []StressResult      `json:"stress_tests,omitempty" yaml:"stress_tests,omitempty"`
}

// Engine runs risk assessments. It holds no state between calls.
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates a risk engine logging through logger.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{log: logger.With().Str("component", "risk_engine").Logger()}
}

// Assess evaluates the portfolio holding weights over m. A nil or empty
// matrix yields a report whose measures are all unavailable; position limits
// are still checked because they depend only on the weights.
func (e *Engine) Assess(m *returns.Matrix, weights map[string]float64, p Params) (*Report, error) {
	var series []float64
	if m != nil {
		series = m.PortfolioReturns(weights)
	}
	return e.AssessSeries(series, weights, p)
}

// AssessSeries evaluates an already aggregated portfolio return series.
func (e *Engine) AssessSeries(series []float64, weights map[string]float64, p Params) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	r := &Report{
		ConfidenceLevel: p.ConfidenceLevel,
		HorizonPeriods:  p.HorizonPeriods,
		PortfolioValue:  p.PortfolioValue,
		Observations:    len(series),
		RiskLevel:       LevelUnknown,
	}

	h, v := p.HorizonPeriods, p.PortfolioValue
	r.VaR95 = available(HistoricalVaR(series, 0.95, h, v))
	r.VaR99 = available(HistoricalVaR(series, 0.99, h, v))
	r.HistoricalVaR = available(HistoricalVaR(series, p.ConfidenceLevel, h, v))
	r.ParametricVaR = available(ParametricVaR(series, p.ConfidenceLevel, h, v, p.Distribution))
	r.MonteCarloVaR = available(MonteCarloVaR(series, p.ConfidenceLevel, h, v, p.samples(), p.Seed))
	r.CVaR = available(CVaR(series, p.ConfidenceLevel, h, v))
	r.AnnualizedVolatility = available(AnnualizedVolatility(series, p.periodsPerYear()))
	r.MaxDrawdown = available(MaxDrawdown(series))

	if r.VaR95 != nil {
		pct := *r.VaR95 / v
		r.VaR95Pct = &pct
		r.RiskLevel = Classify(pct)
	}

	r.PositionViolations = CheckPositions(weights, p.MaxPositionPct)
	if len(p.StressScenarios) > 0 {
		r.StressTests, _ = StressTest(series, p.StressScenarios, v)
	}
	r.Recommendations = recommend(r, p)

	e.log.Debug().
		Int("observations", r.Observations).
		Str("risk_level", string(r.RiskLevel)).
		Int("position_violations", len(r.PositionViolations)).
		Msg("Risk assessed")

	return r, nil
}

// VaR computes value at risk of series with one method.
func (e *Engine) VaR(series []float64, method Method, p Params) (float64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	switch method {
	case Historical:
		return HistoricalVaR(series, p.ConfidenceLevel, p.HorizonPeriods, p.PortfolioValue)
	case Parametric:
		return ParametricVaR(series, p.ConfidenceLevel, p.HorizonPeriods, p.PortfolioValue, p.Distribution)
	case MonteCarlo:
		return MonteCarloVaR(series, p.ConfidenceLevel, p.HorizonPeriods, p.PortfolioValue, p.samples(), p.Seed)
	default:
		return 0, fmt.Errorf("%w: unknown VaR method %d", ErrInvalidParams, int(method))
	}
}

// CheckPositions lists every weight above limit, ordered by symbol.
func CheckPositions(weights map[string]float64, limit float64) []PositionViolation {
	violations := []PositionViolation{}
	for symbol, w := range weights {
		if w > limit {
			violations = append(violations, PositionViolation{Symbol: symbol, Weight: w, Limit: limit})
		}
	}
	slices.SortFunc(violations, func(a, b PositionViolation) int {
		switch {
		case a.Symbol < b.Symbol:
			return -1
		case a.Symbol > b.Symbol:
			return 1
		}
		return 0
	})
	return violations
}

// StressTest applies each scenario's shock to the series mean:
// stressed = mean + shock * std, and reports the resulting loss.
func StressTest(series []float64, scenarios []StressScenario, value float64) ([]StressResult, error) {
	if len(series) < 2 {
		return nil, fmt.Errorf("stress test needs at least 2 observations: %w", ErrInsufficientData)
	}
	mean, std := stat.MeanStdDev(series, nil)

	results := make([]StressResult, 0, len(scenarios))
	for _, s := range scenarios {
		stressed := mean + s.Shock*std
		results = append(results, StressResult{
			Scenario:       s.Name,
			ShockStd:       s.Shock,
			StressedReturn: stressed,
			LossPct:        -stressed,
			LossValue:      -stressed * value,
		})
	}
	return results, nil
}

// recommend builds recommendations in a fixed order: VaR limit, position
// limits, then elevated risk level.
func recommend(r *Report, p Params) []string {
	recs := []string{}

	if r.VaR95Pct != nil && *r.VaR95Pct > p.MaxVaRPct {
		recs = append(recs, fmt.Sprintf(
			"VaR (%.2f%%) exceeds the %.2f%% limit: reduce overall exposure",
			*r.VaR95Pct*100, p.MaxVaRPct*100))
	}

	for _, v := range r.PositionViolations {
		recs = append(recs, fmt.Sprintf(
			"Position %s (%.2f%%) exceeds the %.2f%% limit: reduce to at most %.2f%%",
			v.Symbol, v.Weight*100, v.Limit*100, v.Limit*100))
	}

	switch r.RiskLevel {
	case LevelHigh:
		recs = append(recs, "Risk level is high: consider hedging or trimming volatile positions")
	case LevelExtreme:
		recs = append(recs, "Risk level is extreme: cut exposure and hedge the portfolio")
	}

	return recs
}

func available(v float64, err error) *float64 {
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
