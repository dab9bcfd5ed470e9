package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/quantfunk/internal/aggregator"
	"github.com/ajitpratap0/quantfunk/internal/alerts"
	"github.com/ajitpratap0/quantfunk/internal/config"
	"github.com/ajitpratap0/quantfunk/internal/db"
	"github.com/ajitpratap0/quantfunk/internal/market"
	"github.com/ajitpratap0/quantfunk/internal/portfolio"
	"github.com/ajitpratap0/quantfunk/internal/publish"
	"github.com/ajitpratap0/quantfunk/internal/signals"
)

// deps are the long-lived collaborators of one process.
type deps struct {
	aggregator *aggregator.Aggregator
	sink       publish.Publisher
	database   *db.DB
	redis      *redis.Client
}

func (d *deps) migrator() *db.Migrator {
	return db.NewMigrator(d.database.Pool())
}

func (d *deps) Close() {
	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close publisher")
		}
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.database != nil {
		d.database.Close()
	}
}

func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{}

	fetcher, err := d.fetcher(ctx, cfg)
	if err != nil {
		d.Close()
		return nil, err
	}

	providers, err := buildProviders(cfg.Providers)
	if err != nil {
		d.Close()
		return nil, err
	}

	d.aggregator, err = aggregator.New(fetcher, providers, nil, nil, log.Logger)
	if err != nil {
		d.Close()
		return nil, err
	}

	sinks := publish.Multi{
		alerts.NewManager(log.Logger, alerts.NewLogAlerter(config.ComponentLogger("alerts"))),
	}
	if cfg.NATS.Enabled {
		pub, err := publish.NewNATSPublisher(publish.NATSConfig{
			URL:          cfg.NATS.URL,
			Prefix:       cfg.NATS.SubjectPrefix,
			FlushTimeout: cfg.NATS.FlushTimeout,
		}, config.ComponentLogger("publisher"))
		if err != nil {
			d.Close()
			return nil, err
		}
		sinks = append(sinks, pub)
	}
	if d.database != nil {
		sinks = append(sinks, storeSink{db.NewRunStore(d.database.Pool())})
	}
	d.sink = sinks

	return d, nil
}

// fetcher builds the configured history source, behind the Redis cache
// when it is enabled.
func (d *deps) fetcher(ctx context.Context, cfg *config.Config) (market.Fetcher, error) {
	var fetcher market.Fetcher

	switch cfg.Market.Source {
	case "file":
		if cfg.Market.HistoryFile == "" {
			return nil, fmt.Errorf("market.source=file needs market.history_file or --history-file")
		}
		history, err := loadHistoryFile(cfg.Market.HistoryFile)
		if err != nil {
			return nil, err
		}
		fetcher = market.NewMemoryFetcher(history)
	case "binance":
		b := cfg.Market.Binance
		fetcher = market.NewBinanceFetcher(market.BinanceConfig{
			APIKey:            b.APIKey,
			SecretKey:         b.SecretKey,
			BaseURL:           b.BaseURL,
			Interval:          cfg.Market.Interval,
			RequestsPerSecond: b.RequestsPerSecond,
			Burst:             b.Burst,
			Concurrency:       b.Concurrency,
		})
	case "postgres":
		database, err := db.New(ctx, cfg.Database.GetDSN(), cfg.Database.PoolSize)
		if err != nil {
			return nil, err
		}
		d.database = database
		fetcher = market.NewPostgresFetcher(database.Pool(), cfg.Market.Interval)
	default:
		return nil, fmt.Errorf("unknown market source %q", cfg.Market.Source)
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		d.redis = client
		fetcher = market.NewCachedFetcher(fetcher, client, cfg.Market.CacheTTL)
	}

	log.Info().
		Str("source", cfg.Market.Source).
		Bool("cache", cfg.Redis.Enabled).
		Msg("Price history source ready")
	return fetcher, nil
}

func loadHistoryFile(path string) (market.History, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()
	return market.ReadHistory(f)
}

var builtinProviders = map[string]func() signals.Provider{
	signals.TimeSeriesName:    func() signals.Provider { return signals.NewTimeSeries() },
	signals.MeanReversionName: func() signals.Provider { return signals.NewMeanReversion() },
	signals.TechnicalName:     func() signals.Provider { return signals.NewTechnical() },
}

// buildProviders instantiates the enabled providers, each behind its own
// circuit breaker.
func buildProviders(cfg config.ProvidersConfig) ([]signals.Provider, error) {
	providers := make([]signals.Provider, 0, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		newProvider, ok := builtinProviders[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		providers = append(providers, signals.WithCircuitBreaker(newProvider(), cfg.Breaker))
	}
	return providers, nil
}

func applyObjective(rc *aggregator.RunConfig, name string) error {
	obj, err := portfolio.ParseObjective(name)
	if err != nil {
		return err
	}
	rc.Optimizer.Objective = obj
	return nil
}

// storeSink persists runs through the publisher chain.
type storeSink struct {
	store *db.RunStore
}

func (s storeSink) PublishRun(ctx context.Context, run *aggregator.RunResult) error {
	return s.store.SaveRun(ctx, run)
}

func (storeSink) Close() error { return nil }
