package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/quantfunk/internal/aggregator"
	"github.com/ajitpratap0/quantfunk/internal/market"
	"github.com/ajitpratap0/quantfunk/internal/portfolio"
	"github.com/ajitpratap0/quantfunk/internal/risk"
	"github.com/ajitpratap0/quantfunk/internal/signals"
)

// EnvPrefix prefixes every environment override, e.g.
// QUANTFUNK_OPTIMIZER_OBJECTIVE=min_volatility.
const EnvPrefix = "QUANTFUNK"

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Optimizer  OptimizerConfig  `mapstructure:"optimizer"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Market     MarketConfig     `mapstructure:"market"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// AggregatorConfig contains the per-run orchestration settings
type AggregatorConfig struct {
	Symbols         []string           `mapstructure:"symbols"`
	ModuleWeights   map[string]float64 `mapstructure:"module_weights"`
	Lookback        string             `mapstructure:"lookback"` // 1mo, 3mo, 6mo, 1y, 2y or days
	ProviderTimeout time.Duration      `mapstructure:"provider_timeout"`
	MaxConcurrency  int                `mapstructure:"max_concurrency"`
}

// OptimizerConfig contains portfolio optimizer settings
type OptimizerConfig struct {
	Objective      string  `mapstructure:"objective"`
	RiskFreeRate   float64 `mapstructure:"risk_free_rate"`
	MinWeight      float64 `mapstructure:"min_weight"`
	MaxWeight      float64 `mapstructure:"max_weight"`
	LongOnly       bool    `mapstructure:"long_only"`
	PeriodsPerYear float64 `mapstructure:"periods_per_year"`
}

// RiskConfig contains risk engine settings
type RiskConfig struct {
	ConfidenceLevel   float64               `mapstructure:"confidence_level"`
	HorizonPeriods    int                   `mapstructure:"horizon_periods"`
	PortfolioValue    float64               `mapstructure:"portfolio_value"`
	MaxVaRPct         float64               `mapstructure:"max_var_pct"`
	MaxPositionPct    float64               `mapstructure:"max_position_pct"`
	Distribution      string                `mapstructure:"distribution"` // normal or student_t
	MonteCarloSamples int                   `mapstructure:"monte_carlo_samples"`
	Seed              uint64                `mapstructure:"seed"`
	StressScenarios   []risk.StressScenario `mapstructure:"stress_scenarios"`
}

// ProvidersConfig selects the built-in signal providers
type ProvidersConfig struct {
	Enabled []string                `mapstructure:"enabled"`
	Breaker signals.BreakerSettings `mapstructure:"breaker"`
}

// MarketConfig selects and configures the price history source
type MarketConfig struct {
	Source      string        `mapstructure:"source"` // file, binance or postgres
	HistoryFile string        `mapstructure:"history_file"`
	Interval    string        `mapstructure:"interval"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	Binance     BinanceConfig `mapstructure:"binance"`
}

// BinanceConfig contains Binance API settings
type BinanceConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	SecretKey         string  `mapstructure:"secret_key"`
	BaseURL           string  `mapstructure:"base_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	Concurrency       int     `mapstructure:"concurrency"`
}

// DatabaseConfig contains PostgreSQL/TimescaleDB settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("quant")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// no file: defaults and environment only
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Weights are not viper defaults: viper merges map defaults key by key,
	// which would keep default modules a config file leaves out.
	if len(cfg.Aggregator.ModuleWeights) == 0 {
		cfg.Aggregator.ModuleWeights = DefaultModuleWeights()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultModuleWeights are the blend weights when none are configured.
func DefaultModuleWeights() map[string]float64 {
	return map[string]float64{
		signals.TimeSeriesName:     0.15,
		signals.MeanReversionName:  0.10,
		signals.TechnicalName:      0.15,
		aggregator.PortfolioModule: 0.15,
	}
}

// DefaultStressScenarios shock the mean return by a number of standard
// deviations.
func DefaultStressScenarios() []risk.StressScenario {
	return []risk.StressScenario{
		{Name: "market_crash", Shock: -3},
		{Name: "moderate_decline", Shock: -2},
		{Name: "mild_correction", Shock: -1},
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "quantfunk")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	v.SetDefault("aggregator.symbols", []string{})
	v.SetDefault("aggregator.lookback", "1y")
	v.SetDefault("aggregator.provider_timeout", aggregator.DefaultProviderTimeout)
	v.SetDefault("aggregator.max_concurrency", aggregator.DefaultMaxConcurrency)

	opts := portfolio.DefaultOptions()
	v.SetDefault("optimizer.objective", opts.Objective.String())
	v.SetDefault("optimizer.risk_free_rate", opts.RiskFreeRate)
	v.SetDefault("optimizer.min_weight", opts.Bounds.Min)
	v.SetDefault("optimizer.max_weight", opts.Bounds.Max)
	v.SetDefault("optimizer.long_only", opts.LongOnly)
	v.SetDefault("optimizer.periods_per_year", opts.PeriodsPerYear)

	params := risk.DefaultParams()
	v.SetDefault("risk.confidence_level", params.ConfidenceLevel)
	v.SetDefault("risk.horizon_periods", params.HorizonPeriods)
	v.SetDefault("risk.portfolio_value", params.PortfolioValue)
	v.SetDefault("risk.max_var_pct", params.MaxVaRPct)
	v.SetDefault("risk.max_position_pct", params.MaxPositionPct)
	v.SetDefault("risk.distribution", params.Distribution.String())
	v.SetDefault("risk.monte_carlo_samples", params.MonteCarloSamples)
	v.SetDefault("risk.seed", params.Seed)
	scenarios := make([]map[string]any, 0, 3)
	for _, sc := range DefaultStressScenarios() {
		scenarios = append(scenarios, map[string]any{"name": sc.Name, "shock_std": sc.Shock})
	}
	v.SetDefault("risk.stress_scenarios", scenarios)

	v.SetDefault("providers.enabled", []string{signals.TimeSeriesName, signals.MeanReversionName, signals.TechnicalName})
	v.SetDefault("providers.breaker.min_requests", signals.DefaultBreakerMinRequests)
	v.SetDefault("providers.breaker.failure_ratio", signals.DefaultBreakerFailureRatio)
	v.SetDefault("providers.breaker.open_timeout", signals.DefaultBreakerOpenTimeout)
	v.SetDefault("providers.breaker.half_open_max_requests", signals.DefaultBreakerHalfOpenMaxReqs)
	v.SetDefault("providers.breaker.count_interval", signals.DefaultBreakerCountInterval)

	v.SetDefault("market.source", "file")
	v.SetDefault("market.history_file", "")
	v.SetDefault("market.interval", "1d")
	v.SetDefault("market.cache_ttl", 15*time.Minute)
	v.SetDefault("market.binance.base_url", "")
	v.SetDefault("market.binance.requests_per_second", 10.0)
	v.SetDefault("market.binance.burst", 5)
	v.SetDefault("market.binance.concurrency", 4)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "quantfunk")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "quantfunk")
	v.SetDefault("nats.flush_timeout", 5*time.Second)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)
	v.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// RunConfig converts the loaded settings into an aggregator run
// configuration. The result shares no maps or slices with c.
func (c *Config) RunConfig() (aggregator.RunConfig, error) {
	var rc aggregator.RunConfig

	lookback, err := market.ParseLookback(c.Aggregator.Lookback)
	if err != nil {
		return rc, err
	}
	objective, err := portfolio.ParseObjective(c.Optimizer.Objective)
	if err != nil {
		return rc, err
	}
	dist, err := risk.ParseDistribution(c.Risk.Distribution)
	if err != nil {
		return rc, err
	}

	rc = aggregator.DefaultRunConfig(c.Aggregator.ModuleWeights)
	rc.Lookback = lookback
	rc.ProviderTimeout = c.Aggregator.ProviderTimeout
	rc.MaxConcurrency = c.Aggregator.MaxConcurrency
	rc.Optimizer = portfolio.Options{
		Objective:      objective,
		RiskFreeRate:   c.Optimizer.RiskFreeRate,
		Bounds:         portfolio.Bounds{Min: c.Optimizer.MinWeight, Max: c.Optimizer.MaxWeight},
		LongOnly:       c.Optimizer.LongOnly,
		PeriodsPerYear: c.Optimizer.PeriodsPerYear,
	}
	rc.Risk = risk.Params{
		ConfidenceLevel:   c.Risk.ConfidenceLevel,
		HorizonPeriods:    c.Risk.HorizonPeriods,
		PortfolioValue:    c.Risk.PortfolioValue,
		MaxVaRPct:         c.Risk.MaxVaRPct,
		MaxPositionPct:    c.Risk.MaxPositionPct,
		Distribution:      dist,
		MonteCarloSamples: c.Risk.MonteCarloSamples,
		Seed:              c.Risk.Seed,
		PeriodsPerYear:    c.Optimizer.PeriodsPerYear,
		StressScenarios:   append([]risk.StressScenario(nil), c.Risk.StressScenarios...),
	}
	return rc, nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.PoolSize,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
