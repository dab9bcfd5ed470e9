package market

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// PoolInterface is the subset of pgxpool.Pool used for history queries.
type PoolInterface interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// PostgresFetcher reads closing prices from a TimescaleDB candlesticks hypertable.
type PostgresFetcher struct {
	pool        PoolInterface
	interval    string
	concurrency int
	log         zerolog.Logger
}

// NewPostgresFetcher creates a fetcher over the candlesticks table. interval is
// the candle interval to read, e.g. "1d".
func NewPostgresFetcher(pool PoolInterface, interval string) *PostgresFetcher {
	if interval == "" {
		interval = "1d"
	}
	return &PostgresFetcher{
		pool:        pool,
		interval:    interval,
		concurrency: 4,
		log:         log.With().Str("component", "postgres_history").Logger(),
	}
}

const historyQuery = `
	SELECT close, open_time
	FROM candlesticks
	WHERE symbol = $1
		AND interval = $2
		AND open_time >= NOW() - INTERVAL '1 day' * $3
	ORDER BY open_time ASC
`

// Fetch loads every symbol concurrently. A query failure for any symbol fails
// the call; a symbol with no rows is left out.
func (f *PostgresFetcher) Fetch(ctx context.Context, symbols []string, lookback Lookback) (History, error) {
	if f.pool == nil {
		return nil, fmt.Errorf("no database pool available")
	}

	series := make([][]PricePoint, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, symbol := range symbols {
		g.Go(func() error {
			points, err := f.load(gctx, symbol, lookback)
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

func (f *PostgresFetcher) load(ctx context.Context, symbol string, lookback Lookback) ([]PricePoint, error) {
	rows, err := f.pool.Query(ctx, historyQuery, symbol, f.interval, lookback.Days())
	if err != nil {
		return nil, fmt.Errorf("failed to query historical prices for %s: %w", symbol, err)
	}
	defer rows.Close()

	var points []PricePoint
	for rows.Next() {
		var price float64
		var openTime time.Time
		if err := rows.Scan(&price, &openTime); err != nil {
			return nil, fmt.Errorf("failed to scan price row: %w", err)
		}
		points = append(points, PricePoint{Timestamp: openTime, Price: price})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price rows: %w", err)
	}

	f.log.Debug().
		Str("symbol", symbol).
		Int("data_points", len(points)).
		Msg("Historical prices loaded from database")

	return points, nil
}
