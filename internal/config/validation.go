package config

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/quantfunk/internal/aggregator"
	"github.com/ajitpratap0/quantfunk/internal/market"
	"github.com/ajitpratap0/quantfunk/internal/portfolio"
	"github.com/ajitpratap0/quantfunk/internal/risk"
	"github.com/ajitpratap0/quantfunk/internal/signals"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Fields lists the failing fields in order.
func (ve ValidationErrors) Fields() []string {
	out := make([]string, len(ve))
	for i, err := range ve {
		out[i] = err.Field
	}
	return out
}

var (
	validEnvironments = []string{"development", "staging", "production"}
	validLogFormats   = []string{LogFormatJSON, LogFormatConsole}
	validSources      = []string{"file", "binance", "postgres"}
	builtinProviders  = []string{signals.TimeSeriesName, signals.MeanReversionName, signals.TechnicalName}
)

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateAggregator()...)
	errors = append(errors, c.validateOptimizer()...)
	errors = append(errors, c.validateRisk()...)
	errors = append(errors, c.validateProviders()...)
	errors = append(errors, c.validateMarket()...)
	errors = append(errors, c.validateInfrastructure()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{Field: "app.name", Message: "Application name is required"})
	}
	if !slices.Contains(validEnvironments, c.App.Environment) {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvironments),
		})
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.App.LogLevel)); err != nil || c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: fmt.Sprintf("Invalid log level '%s' (debug, info, warn, error)", c.App.LogLevel),
		})
	}
	if !slices.Contains(validLogFormats, c.App.LogFormat) {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: fmt.Sprintf("Invalid log format '%s'. Must be one of: %v", c.App.LogFormat, validLogFormats),
		})
	}
	return errors
}

func (c *Config) validateAggregator() ValidationErrors {
	var errors ValidationErrors
	a := c.Aggregator

	for _, name := range slices.Sorted(maps.Keys(a.ModuleWeights)) {
		w := a.ModuleWeights[name]
		field := "aggregator.module_weights." + name
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf("Weight must be non-negative, got %v", w)})
		}
		if name != aggregator.PortfolioModule && !slices.Contains(c.Providers.Enabled, name) {
			errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf("Module '%s' is not an enabled provider", name)})
		}
	}
	for _, name := range c.Providers.Enabled {
		if _, ok := a.ModuleWeights[name]; !ok {
			errors = append(errors, ValidationError{
				Field:   "aggregator.module_weights",
				Message: fmt.Sprintf("Missing weight for enabled provider '%s'", name),
			})
		}
	}

	if _, err := market.ParseLookback(a.Lookback); err != nil {
		errors = append(errors, ValidationError{Field: "aggregator.lookback", Message: err.Error()})
	}
	if a.ProviderTimeout <= 0 {
		errors = append(errors, ValidationError{Field: "aggregator.provider_timeout", Message: "Provider timeout must be positive"})
	}
	if a.MaxConcurrency < 1 {
		errors = append(errors, ValidationError{Field: "aggregator.max_concurrency", Message: "Max concurrency must be at least 1"})
	}
	return errors
}

func (c *Config) validateOptimizer() ValidationErrors {
	var errors ValidationErrors
	o := c.Optimizer

	if _, err := portfolio.ParseObjective(o.Objective); err != nil {
		errors = append(errors, ValidationError{Field: "optimizer.objective", Message: err.Error()})
	}
	bounds := portfolio.Bounds{Min: o.MinWeight, Max: o.MaxWeight}
	if err := bounds.Validate(); err != nil {
		errors = append(errors, ValidationError{
			Field:   "optimizer.min_weight",
			Message: fmt.Sprintf("min_weight %.4f must not exceed max_weight %.4f", o.MinWeight, o.MaxWeight),
		})
	}
	if o.MaxWeight <= 0 {
		errors = append(errors, ValidationError{Field: "optimizer.max_weight", Message: "max_weight must be positive"})
	}
	if o.PeriodsPerYear <= 0 {
		errors = append(errors, ValidationError{Field: "optimizer.periods_per_year", Message: "Periods per year must be positive"})
	}
	return errors
}

func (c *Config) validateRisk() ValidationErrors {
	var errors ValidationErrors
	r := c.Risk

	if !(r.ConfidenceLevel > 0 && r.ConfidenceLevel < 1) {
		errors = append(errors, ValidationError{
			Field:   "risk.confidence_level",
			Message: fmt.Sprintf("Confidence level %.4f must be between 0 and 1 (exclusive)", r.ConfidenceLevel),
		})
	}
	if r.HorizonPeriods < 1 {
		errors = append(errors, ValidationError{Field: "risk.horizon_periods", Message: "Horizon must be at least 1 period"})
	}
	if r.PortfolioValue <= 0 {
		errors = append(errors, ValidationError{Field: "risk.portfolio_value", Message: "Portfolio value must be positive"})
	}
	if r.MaxVaRPct <= 0 || r.MaxVaRPct > 1 {
		errors = append(errors, ValidationError{Field: "risk.max_var_pct", Message: "Max VaR must be between 0 and 1"})
	}
	if r.MaxPositionPct <= 0 || r.MaxPositionPct > 1 {
		errors = append(errors, ValidationError{Field: "risk.max_position_pct", Message: "Max position must be between 0 and 1"})
	}
	if _, err := risk.ParseDistribution(r.Distribution); err != nil {
		errors = append(errors, ValidationError{Field: "risk.distribution", Message: err.Error()})
	}
	if r.MonteCarloSamples < 0 {
		errors = append(errors, ValidationError{Field: "risk.monte_carlo_samples", Message: "Monte Carlo samples must not be negative"})
	}
	for i, sc := range r.StressScenarios {
		if sc.Name == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("risk.stress_scenarios[%d].name", i),
				Message: "Scenario name is required",
			})
		}
	}
	return errors
}

func (c *Config) validateProviders() ValidationErrors {
	var errors ValidationErrors

	for _, name := range c.Providers.Enabled {
		if !slices.Contains(builtinProviders, name) {
			errors = append(errors, ValidationError{
				Field:   "providers.enabled",
				Message: fmt.Sprintf("Unknown provider '%s'. Must be one of: %v", name, builtinProviders),
			})
		}
	}
	b := c.Providers.Breaker
	if b.FailureRatio <= 0 || b.FailureRatio > 1 {
		errors = append(errors, ValidationError{Field: "providers.breaker.failure_ratio", Message: "Failure ratio must be between 0 and 1"})
	}
	if b.OpenTimeout <= 0 {
		errors = append(errors, ValidationError{Field: "providers.breaker.open_timeout", Message: "Open timeout must be positive"})
	}
	return errors
}

func (c *Config) validateMarket() ValidationErrors {
	var errors ValidationErrors
	m := c.Market

	if !slices.Contains(validSources, m.Source) {
		errors = append(errors, ValidationError{
			Field:   "market.source",
			Message: fmt.Sprintf("Invalid source '%s'. Must be one of: %v", m.Source, validSources),
		})
	}
	if m.Source == "binance" {
		if m.Binance.RequestsPerSecond <= 0 {
			errors = append(errors, ValidationError{Field: "market.binance.requests_per_second", Message: "Request rate must be positive"})
		}
		if m.Binance.Concurrency < 1 {
			errors = append(errors, ValidationError{Field: "market.binance.concurrency", Message: "Concurrency must be at least 1"})
		}
	}
	if m.Source == "postgres" {
		errors = append(errors, c.validateDatabase()...)
	}
	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{Field: "database.host", Message: "Database host is required"})
	}
	errors = append(errors, validatePort("database.port", c.Database.Port)...)
	if c.Database.Database == "" {
		errors = append(errors, ValidationError{Field: "database.database", Message: "Database name is required"})
	}
	if c.Database.Password == "" && c.App.Environment == "production" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in production",
		})
	}
	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{Field: "database.pool_size", Message: "Database pool size must be at least 1"})
	}
	return errors
}

func (c *Config) validateInfrastructure() ValidationErrors {
	var errors ValidationErrors

	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			errors = append(errors, ValidationError{Field: "redis.host", Message: "Redis host is required"})
		}
		errors = append(errors, validatePort("redis.port", c.Redis.Port)...)
	}
	if c.NATS.Enabled {
		if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
			errors = append(errors, ValidationError{
				Field:   "nats.url",
				Message: fmt.Sprintf("Invalid NATS URL '%s'. Must start with nats:// or tls://", c.NATS.URL),
			})
		}
		if c.NATS.SubjectPrefix == "" {
			errors = append(errors, ValidationError{Field: "nats.subject_prefix", Message: "Subject prefix is required"})
		}
	}
	errors = append(errors, validatePort("api.port", c.API.Port)...)
	if c.Monitoring.EnableMetrics {
		errors = append(errors, validatePort("monitoring.prometheus_port", c.Monitoring.PrometheusPort)...)
		if c.Monitoring.PrometheusPort == c.API.Port {
			errors = append(errors, ValidationError{
				Field:   "monitoring.prometheus_port",
				Message: fmt.Sprintf("Port %d is already used by the API", c.API.Port),
			})
		}
	}
	return errors
}

func validatePort(field string, port int) ValidationErrors {
	if port < 1 || port > 65535 {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", port)}}
	}
	return nil
}
