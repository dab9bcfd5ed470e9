package aggregator

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/ajitpratap0/quantfunk/internal/market"
	"github.com/ajitpratap0/quantfunk/internal/portfolio"
	"github.com/ajitpratap0/quantfunk/internal/risk"
)

// PortfolioModule is the module name of the synthetic record derived from
// the optimized weights.
const PortfolioModule = "portfolio"

const (
	DefaultProviderTimeout = 10 * time.Second
	DefaultMaxConcurrency  = 8
)

// ErrInvalidConfig is the sentinel behind every ConfigError.
var ErrInvalidConfig = errors.New("invalid run configuration")

// ConfigError reports a run configuration problem. It is returned before any
// price fetch or provider call.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid run configuration: %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

func configErr(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RunConfig is everything one run needs besides the instruments. Run works on
// a private copy, so callers may reuse or mutate a RunConfig between runs.
type RunConfig struct {
	// ModuleWeights maps module names to non-negative blend weights. Every
	// available provider needs an entry; PortfolioModule is optional.
	ModuleWeights   map[string]float64 `json:"module_weights" yaml:"module_weights"`
	Lookback        market.Lookback    `json:"lookback_days" yaml:"lookback_days"`
	Optimizer       portfolio.Options  `json:"optimizer" yaml:"optimizer"`
	Risk            risk.Params        `json:"risk" yaml:"risk"`
	ProviderTimeout time.Duration      `json:"provider_timeout" yaml:"provider_timeout"`
	MaxConcurrency  int                `json:"max_concurrency" yaml:"max_concurrency"`
}

// DefaultRunConfig returns defaults for everything except the module weights.
func DefaultRunConfig(weights map[string]float64) RunConfig {
	return RunConfig{
		ModuleWeights:   maps.Clone(weights),
		Lookback:        market.DefaultLookback,
		Optimizer:       portfolio.DefaultOptions(),
		Risk:            risk.DefaultParams(),
		ProviderTimeout: DefaultProviderTimeout,
		MaxConcurrency:  DefaultMaxConcurrency,
	}
}

func (c RunConfig) clone() RunConfig {
	out := c
	out.ModuleWeights = maps.Clone(c.ModuleWeights)
	out.Risk.StressScenarios = slices.Clone(c.Risk.StressScenarios)
	if out.ProviderTimeout <= 0 {
		out.ProviderTimeout = DefaultProviderTimeout
	}
	if out.MaxConcurrency <= 0 {
		out.MaxConcurrency = DefaultMaxConcurrency
	}
	if out.Lookback <= 0 {
		out.Lookback = market.DefaultLookback
	}
	return out
}

// validate checks c against the registered providers. registered maps every
// provider name to its availability for this run.
func (c RunConfig) validate(registered map[string]bool) error {
	if len(c.ModuleWeights) == 0 {
		return configErr("module_weights", "no module weights configured")
	}

	for _, name := range slices.Sorted(maps.Keys(c.ModuleWeights)) {
		w := c.ModuleWeights[name]
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return configErr("module_weights."+name, "weight must be a finite non-negative number, got %v", w)
		}
		if _, ok := registered[name]; !ok && name != PortfolioModule {
			return configErr("module_weights."+name, "no signal provider named %q", name)
		}
	}

	for _, name := range slices.Sorted(maps.Keys(registered)) {
		if !registered[name] {
			continue
		}
		if _, ok := c.ModuleWeights[name]; !ok {
			return configErr("module_weights", "missing weight for provider %q", name)
		}
	}

	if err := c.Optimizer.Validate(); err != nil {
		return configErr("optimizer", "%v", err)
	}
	if err := c.Risk.Validate(); err != nil {
		return configErr("risk", "%v", err)
	}
	return nil
}

// runWeights returns the weights of the modules taking part in the run:
// available providers plus the portfolio module when configured.
func (c RunConfig) runWeights(registered map[string]bool) map[string]float64 {
	out := make(map[string]float64, len(c.ModuleWeights))
	for name, w := range c.ModuleWeights {
		if name == PortfolioModule || registered[name] {
			out[name] = w
		}
	}
	return out
}
