package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/quantfunk/internal/metrics"
)

const (
	historyKeyPrefix = "quantfunk:history"
	cacheOpTimeout   = 500 * time.Millisecond
)

// historyCacheEntry is the JSON document stored per symbol and lookback.
type historyCacheEntry struct {
	Symbol   string       `json:"symbol"`
	Lookback int          `json:"lookback_days"`
	Points   []PricePoint `json:"points"`
	CachedAt time.Time    `json:"cached_at"`
}

// CachedFetcher is a Redis read-through cache in front of another Fetcher.
// Cache errors are logged and treated as misses.
type CachedFetcher struct {
	upstream Fetcher
	client   *redis.Client
	ttl      time.Duration
	log      zerolog.Logger
}

// NewCachedFetcher wraps upstream with a Redis cache. A nil client returns
// upstream unchanged so Redis stays optional.
func NewCachedFetcher(upstream Fetcher, client *redis.Client, ttl time.Duration) Fetcher {
	if client == nil {
		return upstream
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachedFetcher{
		upstream: upstream,
		client:   client,
		ttl:      ttl,
		log:      log.With().Str("component", "history_cache").Logger(),
	}
}

// Fetch serves cached symbols from Redis and loads the rest from upstream in
// one call, then stores what upstream returned.
func (c *CachedFetcher) Fetch(ctx context.Context, symbols []string, lookback Lookback) (History, error) {
	out := make(History, len(symbols))
	var misses []string

	for _, symbol := range symbols {
		if points, ok := c.get(ctx, symbol, lookback); ok {
			out[symbol] = points
			continue
		}
		misses = append(misses, symbol)
	}

	if len(misses) == 0 {
		return out, nil
	}

	loaded, err := c.upstream.Fetch(ctx, misses, lookback)
	if err != nil {
		return nil, err
	}
	for symbol, points := range loaded {
		out[symbol] = points
		c.set(ctx, symbol, lookback, points)
	}

	c.log.Debug().
		Int("hits", len(symbols)-len(misses)).
		Int("misses", len(misses)).
		Msg("History cache lookup")

	return out, nil
}

// Invalidate removes the cached series for a symbol at the given lookback.
func (c *CachedFetcher) Invalidate(ctx context.Context, symbol string, lookback Lookback) error {
	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Del(cacheCtx, historyKey(symbol, lookback)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key: %w", err)
	}
	return nil
}

func (c *CachedFetcher) get(ctx context.Context, symbol string, lookback Lookback) ([]PricePoint, bool) {
	key := historyKey(symbol, lookback)

	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			metrics.RecordHistoryCache("error")
			c.log.Debug().Err(err).Str("key", key).Msg("Redis get error - treating as cache miss")
		} else {
			metrics.RecordHistoryCache("miss")
		}
		return nil, false
	}

	var entry historyCacheEntry
	if err := json.Unmarshal([]byte(cached), &entry); err != nil {
		metrics.RecordHistoryCache("error")
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached history")
		return nil, false
	}
	metrics.RecordHistoryCache("hit")
	return entry.Points, true
}

func (c *CachedFetcher) set(ctx context.Context, symbol string, lookback Lookback, points []PricePoint) {
	key := historyKey(symbol, lookback)

	data, err := json.Marshal(historyCacheEntry{
		Symbol:   symbol,
		Lookback: lookback.Days(),
		Points:   points,
		CachedAt: time.Now(),
	})
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to marshal history")
		return
	}

	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(cacheCtx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to cache history")
	}
}

func historyKey(symbol string, lookback Lookback) string {
	return fmt.Sprintf("%s:%s:%d", historyKeyPrefix, symbol, lookback.Days())
}
