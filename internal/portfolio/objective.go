package portfolio

import (
	"fmt"
	"math"
	"strings"
)

// Objective selects what the optimizer minimizes or maximizes.
type Objective int

const (
	// MaxSharpe maximizes (expected return - risk free rate) / volatility.
	MaxSharpe Objective = iota
	// MinVolatility minimizes annualized portfolio volatility.
	MinVolatility
	// MaxReturn maximizes expected annualized return.
	MaxReturn
	// RiskParity equalizes each instrument's contribution to portfolio risk.
	RiskParity
)

var objectiveNames = map[Objective]string{
	MaxSharpe:     "max_sharpe",
	MinVolatility: "min_volatility",
	MaxReturn:     "max_return",
	RiskParity:    "risk_parity",
}

func (o Objective) String() string {
	if name, ok := objectiveNames[o]; ok {
		return name
	}
	return fmt.Sprintf("objective(%d)", int(o))
}

// ParseObjective maps a configuration value to an Objective.
func ParseObjective(s string) (Objective, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for o, name := range objectiveNames {
		if name == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown objective %q: expected max_sharpe, min_volatility, max_return or risk_parity", s)
}

// MarshalText renders the objective by name in JSON and YAML output.
func (o Objective) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText parses an objective name.
func (o *Objective) UnmarshalText(text []byte) error {
	parsed, err := ParseObjective(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// usesCovariance reports whether the objective depends on the covariance
// matrix, and therefore needs it to be positive definite.
func (o Objective) usesCovariance() bool {
	return o != MaxReturn
}

// problem holds the annualized inputs shared by every objective.
type problem struct {
	mu           []float64
	cov          [][]float64
	riskFreeRate float64
}

func (p *problem) expectedReturn(w []float64) float64 {
	var r float64
	for i, wi := range w {
		r += wi * p.mu[i]
	}
	return r
}

// marginal returns cov * w.
func (p *problem) marginal(w []float64) []float64 {
	out := make([]float64, len(w))
	for i, row := range p.cov {
		for j, c := range row {
			out[i] += c * w[j]
		}
	}
	return out
}

func (p *problem) variance(w []float64) float64 {
	var v float64
	for i, m := range p.marginal(w) {
		v += w[i] * m
	}
	return math.Max(v, 0)
}

func (p *problem) volatility(w []float64) float64 {
	return math.Sqrt(p.variance(w))
}

// riskContributions splits the volatility vol of w across instruments.
func (p *problem) riskContributions(w []float64, vol float64) []float64 {
	out := p.marginal(w)
	for i := range out {
		out[i] *= w[i] / vol
	}
	return out
}

// score is the value to minimize for objective o at feasible weights w.
func (p *problem) score(o Objective, w []float64) float64 {
	switch o {
	case MaxSharpe:
		vol := p.volatility(w)
		if vol == 0 {
			return 0
		}
		return -(p.expectedReturn(w) - p.riskFreeRate) / vol
	case MinVolatility:
		return p.volatility(w)
	case MaxReturn:
		return -p.expectedReturn(w)
	case RiskParity:
		vol := p.volatility(w)
		if vol == 0 {
			return 0
		}
		// Deviation of each risk contribution w_i(Σw)_i/σ from σ/n; the
		// contributions sum to σ.
		target := vol / float64(len(w))
		var s float64
		for _, rc := range p.riskContributions(w, vol) {
			d := rc - target
			s += d * d
		}
		return s
	default:
		return math.NaN()
	}
}
