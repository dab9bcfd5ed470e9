package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// binanceKlineLimit is the maximum number of klines Binance returns per request.
const binanceKlineLimit = 1000

// BinanceConfig configures the Binance kline fetcher.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	BaseURL   string // overrides the default REST endpoint, used for testnet and tests
	Interval  string // kline interval, default "1d"

	RequestsPerSecond float64
	Burst             int
	Concurrency       int
}

// BinanceFetcher loads daily closes from Binance klines.
type BinanceFetcher struct {
	client      *binance.Client
	interval    string
	limiter     *rate.Limiter
	concurrency int
	now         func() time.Time
	log         zerolog.Logger
}

// NewBinanceFetcher creates a kline fetcher. Requests are paced by a token
// bucket so parallel symbol loads stay under the exchange weight limits.
func NewBinanceFetcher(cfg BinanceConfig) *BinanceFetcher {
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	if cfg.Interval == "" {
		cfg.Interval = "1d"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	return &BinanceFetcher{
		client:      client,
		interval:    cfg.Interval,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		concurrency: cfg.Concurrency,
		now:         time.Now,
		log:         log.With().Str("component", "binance_history").Logger(),
	}
}

// Fetch loads every symbol in parallel. Symbols Binance does not know are left
// out; transport failures fail the call.
func (f *BinanceFetcher) Fetch(ctx context.Context, symbols []string, lookback Lookback) (History, error) {
	end := f.now()
	start := end.Add(-lookback.Duration())

	series := make([][]PricePoint, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, symbol := range symbols {
		g.Go(func() error {
			points, err := f.klines(gctx, symbol, start, end)
			if err != nil {
				return err
			}
			series[i] = points
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(History, len(symbols))
	for i, symbol := range symbols {
		if len(series[i]) > 0 {
			out[symbol] = series[i]
		}
	}
	return out, nil
}

func (f *BinanceFetcher) klines(ctx context.Context, symbol string, start, end time.Time) ([]PricePoint, error) {
	var points []PricePoint
	from := start.UnixMilli()

	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		klines, err := f.client.NewKlinesService().
			Symbol(symbol).
			Interval(f.interval).
			StartTime(from).
			EndTime(end.UnixMilli()).
			Limit(binanceKlineLimit).
			Do(ctx)
		if err != nil {
			if common.IsAPIError(err) {
				f.log.Warn().Err(err).Str("symbol", symbol).Msg("Binance rejected symbol, skipping")
				return nil, nil
			}
			return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
		}

		for _, k := range klines {
			price, err := strconv.ParseFloat(k.Close, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid close %q for %s: %w", k.Close, symbol, err)
			}
			points = append(points, PricePoint{
				Timestamp: time.UnixMilli(k.OpenTime).UTC(),
				Price:     price,
			})
		}

		if len(klines) < binanceKlineLimit {
			break
		}
		from = klines[len(klines)-1].CloseTime + 1
	}

	f.log.Debug().
		Str("symbol", symbol).
		Int("data_points", len(points)).
		Msg("Klines loaded")

	return points, nil
}
