package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFetcher records which symbols were requested from upstream.
type countingFetcher struct {
	history   History
	requested [][]string
	err       error
}

func (f *countingFetcher) Fetch(ctx context.Context, symbols []string, lookback Lookback) (History, error) {
	f.requested = append(f.requested, symbols)
	if f.err != nil {
		return nil, f.err
	}
	return NewMemoryFetcher(f.history).Fetch(ctx, symbols, lookback)
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func sampleHistory() History {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return History{
		"AAPL": {
			{Timestamp: base, Price: 100},
			{Timestamp: base.AddDate(0, 0, 1), Price: 101},
		},
	}
}

func TestCachedFetcher_ReadThrough(t *testing.T) {
	mr, client := setupRedis(t)
	upstream := &countingFetcher{history: sampleHistory()}
	fetcher := NewCachedFetcher(upstream, client, time.Minute)

	ctx := context.Background()
	first, err := fetcher.Fetch(ctx, []string{"AAPL", "MSFT"}, 30)
	require.NoError(t, err)
	assert.Len(t, first["AAPL"], 2)
	assert.True(t, mr.Exists("quantfunk:history:AAPL:30"))

	second, err := fetcher.Fetch(ctx, []string{"AAPL"}, 30)
	require.NoError(t, err)
	assert.Equal(t, Prices(first["AAPL"]), Prices(second["AAPL"]))

	// The second call is served from Redis.
	assert.Len(t, upstream.requested, 1)
	assert.Equal(t, []string{"AAPL", "MSFT"}, upstream.requested[0])
}

func TestCachedFetcher_TTLExpiry(t *testing.T) {
	mr, client := setupRedis(t)
	upstream := &countingFetcher{history: sampleHistory()}
	fetcher := NewCachedFetcher(upstream, client, time.Minute)

	ctx := context.Background()
	_, err := fetcher.Fetch(ctx, []string{"AAPL"}, 30)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = fetcher.Fetch(ctx, []string{"AAPL"}, 30)
	require.NoError(t, err)
	assert.Len(t, upstream.requested, 2)
}

func TestCachedFetcher_RedisDownFallsThrough(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	upstream := &countingFetcher{history: sampleHistory()}
	fetcher := NewCachedFetcher(upstream, client, time.Minute)
	mr.Close()

	history, err := fetcher.Fetch(context.Background(), []string{"AAPL"}, 30)
	require.NoError(t, err)
	assert.Len(t, history["AAPL"], 2)
}

func TestCachedFetcher_UpstreamError(t *testing.T) {
	_, client := setupRedis(t)
	upstream := &countingFetcher{err: errors.New("exchange down")}
	fetcher := NewCachedFetcher(upstream, client, time.Minute)

	_, err := fetcher.Fetch(context.Background(), []string{"AAPL"}, 30)
	assert.EqualError(t, err, "exchange down")
}

func TestCachedFetcher_Invalidate(t *testing.T) {
	mr, client := setupRedis(t)
	fetcher := NewCachedFetcher(&countingFetcher{history: sampleHistory()}, client, time.Minute)

	ctx := context.Background()
	_, err := fetcher.Fetch(ctx, []string{"AAPL"}, 30)
	require.NoError(t, err)

	cached, ok := fetcher.(*CachedFetcher)
	require.True(t, ok)
	require.NoError(t, cached.Invalidate(ctx, "AAPL", 30))
	assert.False(t, mr.Exists("quantfunk:history:AAPL:30"))
}

func TestNewCachedFetcher_NilClient(t *testing.T) {
	upstream := &countingFetcher{history: sampleHistory()}
	assert.Same(t, Fetcher(upstream), NewCachedFetcher(upstream, nil, 0))
}
