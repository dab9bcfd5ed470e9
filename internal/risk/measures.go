package risk

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrInsufficientData is returned when a series is too short for a measure.
var ErrInsufficientData = errors.New("insufficient data")

// Method is a VaR estimation method.
type Method int

const (
	// Historical takes the empirical quantile of observed returns.
	Historical Method = iota
	// Parametric fits a distribution to the mean and standard deviation.
	Parametric
	// MonteCarlo simulates returns from a fitted normal distribution.
	MonteCarlo
)

func (m Method) String() string {
	switch m {
	case Historical:
		return "historical"
	case Parametric:
		return "parametric"
	case MonteCarlo:
		return "monte_carlo"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// Distribution is the return distribution assumed by parametric VaR.
type Distribution int

const (
	// Normal assumes normally distributed returns.
	Normal Distribution = iota
	// StudentT fits a Student-t whose degrees of freedom match the sample
	// excess kurtosis. Samples without excess kurtosis fall back to Normal.
	StudentT
)

func (d Distribution) String() string {
	switch d {
	case Normal:
		return "normal"
	case StudentT:
		return "t"
	default:
		return fmt.Sprintf("distribution(%d)", int(d))
	}
}

// ParseDistribution maps "normal" or "t" to a Distribution.
func ParseDistribution(s string) (Distribution, error) {
	switch s {
	case "", "normal":
		return Normal, nil
	case "t", "student_t":
		return StudentT, nil
	default:
		return 0, fmt.Errorf("unknown distribution %q: expected normal or t", s)
	}
}

// MarshalText renders the distribution by name.
func (d Distribution) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func sortedCopy(series []float64) []float64 {
	s := slices.Clone(series)
	slices.Sort(s)
	return s
}

// lossFraction converts a return quantile into a non-negative loss.
func lossFraction(q float64) float64 {
	return math.Max(0, -q)
}

// HistoricalVaR is the magnitude of the (1 - confidence) empirical
// quantile, scaled by sqrt(horizon) and by portfolio value. The quantile is
// taken as an absolute value, so a tail that is still a gain never reports
// zero risk.
func HistoricalVaR(series []float64, confidence float64, horizon int, value float64) (float64, error) {
	if len(series) == 0 {
		return 0, fmt.Errorf("historical VaR: %w", ErrInsufficientData)
	}
	q := stat.Quantile(1-confidence, stat.LinInterp, sortedCopy(series), nil)
	return historicalScale(math.Abs(q), horizon, value), nil
}

func historicalScale(fraction float64, horizon int, value float64) float64 {
	return fraction * math.Sqrt(float64(horizon)) * value
}

// ParametricVaR is -(mean*h + z*std*sqrt(h)) * value where z is the
// (1 - confidence) quantile of the chosen distribution.
func ParametricVaR(series []float64, confidence float64, horizon int, value float64, dist Distribution) (float64, error) {
	if len(series) < 2 {
		return 0, fmt.Errorf("parametric VaR needs at least 2 observations: %w", ErrInsufficientData)
	}
	mean, std := stat.MeanStdDev(series, nil)
	h := float64(horizon)

	z := distuv.UnitNormal.Quantile(1 - confidence)
	if dist == StudentT {
		if nu, ok := studentDegrees(series); ok {
			// Scale the unit t so its variance matches the sample variance.
			t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: nu}
			z = t.Quantile(1-confidence) * math.Sqrt((nu-2)/nu)
		}
	}

	return -(mean*h + z*std*math.Sqrt(h)) * value, nil
}

// studentDegrees estimates Student-t degrees of freedom by the method of
// moments: excess kurtosis of a t with nu > 4 is 6 / (nu - 4).
func studentDegrees(series []float64) (float64, bool) {
	if len(series) < 4 {
		return 0, false
	}
	k := stat.ExKurtosis(series, nil)
	if math.IsNaN(k) || k <= 0 {
		return 0, false
	}
	return 4 + 6/k, true
}

// MonteCarloVaR draws samples from N(mean*h, std*sqrt(h)) with a generator
// seeded by seed and returns the loss at the (1 - confidence) quantile.
func MonteCarloVaR(series []float64, confidence float64, horizon int, value float64, samples int, seed uint64) (float64, error) {
	if len(series) < 2 {
		return 0, fmt.Errorf("monte carlo VaR needs at least 2 observations: %w", ErrInsufficientData)
	}
	if samples <= 0 {
		return 0, fmt.Errorf("monte carlo VaR needs a positive sample count, got %d", samples)
	}
	mean, std := stat.MeanStdDev(series, nil)
	h := float64(horizon)
	mu, sigma := mean*h, std*math.Sqrt(h)

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	sims := make([]float64, samples)
	for i := range sims {
		sims[i] = mu + sigma*rng.NormFloat64()
	}
	slices.Sort(sims)

	q := stat.Quantile(1-confidence, stat.LinInterp, sims, nil)
	return lossFraction(q) * value, nil
}

// CVaR is the mean loss of the returns at or below the historical VaR
// quantile, scaled by sqrt(horizon) and by portfolio value. It never falls
// below HistoricalVaR for the same inputs; when the whole tail is a gain
// the two coincide.
func CVaR(series []float64, confidence float64, horizon int, value float64) (float64, error) {
	if len(series) == 0 {
		return 0, fmt.Errorf("CVaR: %w", ErrInsufficientData)
	}
	sorted := sortedCopy(series)
	q := stat.Quantile(1-confidence, stat.LinInterp, sorted, nil)

	end := 0
	for end < len(sorted) && sorted[end] <= q {
		end++
	}
	if end == 0 {
		end = 1
	}
	tail := stat.Mean(sorted[:end], nil)
	return historicalScale(math.Max(-tail, math.Abs(q)), horizon, value), nil
}

// AnnualizedVolatility is the sample standard deviation scaled by
// sqrt(periodsPerYear).
func AnnualizedVolatility(series []float64, periodsPerYear float64) (float64, error) {
	if len(series) < 2 {
		return 0, fmt.Errorf("volatility needs at least 2 observations: %w", ErrInsufficientData)
	}
	return stat.StdDev(series, nil) * math.Sqrt(periodsPerYear), nil
}

// MaxDrawdown is the most negative fractional decline of the compounded
// return curve from its running peak. It is zero or negative; -0.25 is a 25%
// drop.
func MaxDrawdown(series []float64) (float64, error) {
	if len(series) < 2 {
		return 0, fmt.Errorf("drawdown needs at least 2 observations: %w", ErrInsufficientData)
	}

	cumulative := 1.0
	peak := math.Inf(-1)
	maxDD := 0.0
	for _, r := range series {
		cumulative *= 1 + r
		peak = math.Max(peak, cumulative)
		if peak > 0 {
			maxDD = math.Min(maxDD, (cumulative-peak)/peak)
		}
	}
	return maxDD, nil
}
