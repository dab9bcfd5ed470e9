package signals

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quantfunk/internal/market"
)

func pricesToHistory(prices []float64) []market.PricePoint {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]market.PricePoint, len(prices))
	for i, p := range prices {
		points[i] = market.PricePoint{Timestamp: base.AddDate(0, 0, i), Price: p}
	}
	return points
}

func oscillating(n int, last float64) []market.PricePoint {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = 100 + math.Sin(float64(i))
	}
	prices[n-1] = last
	return pricesToHistory(prices)
}

func trending(n int, dailyGrowth float64) []market.PricePoint {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = 100 * math.Pow(1+dailyGrowth, float64(i))
	}
	return pricesToHistory(prices)
}

func TestMeanReversion(t *testing.T) {
	p := NewMeanReversion()
	ctx := context.Background()

	t.Run("far below mean buys", func(t *testing.T) {
		rec, err := p.ProduceSignal(ctx, "AAPL", oscillating(60, 90))
		require.NoError(t, err)
		assert.Equal(t, Buy, rec.Direction)
		assert.Equal(t, MeanReversionName, rec.Module)
		assert.Equal(t, "AAPL", rec.Symbol)
		require.NotNil(t, rec.Strength)
		assert.Equal(t, 1.0, *rec.Strength)
	})

	t.Run("far above mean sells", func(t *testing.T) {
		rec, err := p.ProduceSignal(ctx, "AAPL", oscillating(60, 110))
		require.NoError(t, err)
		assert.Equal(t, Sell, rec.Direction)
	})

	t.Run("near mean is neutral", func(t *testing.T) {
		rec, err := p.ProduceSignal(ctx, "AAPL", oscillating(60, 100))
		require.NoError(t, err)
		assert.Equal(t, Neutral, rec.Direction)
	})

	t.Run("short history has no signal", func(t *testing.T) {
		_, err := p.ProduceSignal(ctx, "AAPL", oscillating(30, 90))
		assert.True(t, errors.Is(err, ErrNoSignal))
	})

	t.Run("flat history has no signal", func(t *testing.T) {
		_, err := p.ProduceSignal(ctx, "AAPL", trending(60, 0))
		assert.True(t, errors.Is(err, ErrNoSignal))
	})
}

func TestTimeSeries(t *testing.T) {
	p := NewTimeSeries()
	ctx := context.Background()

	up, err := p.ProduceSignal(ctx, "X", trending(80, 0.01))
	require.NoError(t, err)
	assert.Equal(t, Buy, up.Direction)
	require.NotNil(t, up.Strength)
	assert.InDelta(t, 1.0, *up.Strength, 1e-9)

	down, err := p.ProduceSignal(ctx, "X", trending(80, -0.01))
	require.NoError(t, err)
	assert.Equal(t, Sell, down.Direction)

	flat, err := p.ProduceSignal(ctx, "X", oscillating(80, 100))
	require.NoError(t, err)
	assert.Equal(t, Neutral, flat.Direction)

	_, err = p.ProduceSignal(ctx, "X", trending(10, 0.01))
	assert.True(t, errors.Is(err, ErrNoSignal))
}

func TestTechnical(t *testing.T) {
	p := NewTechnical()
	ctx := context.Background()

	rising := make([]float64, 60)
	falling := make([]float64, 60)
	for i := range rising {
		dip := 0.0
		if i%4 == 0 {
			dip = 1.5
		}
		rising[i] = 100 + float64(i) - dip
		falling[i] = 200 - float64(i) + dip
	}

	rec, err := p.ProduceSignal(ctx, "X", pricesToHistory(rising))
	require.NoError(t, err)
	assert.Equal(t, Sell, rec.Direction)
	assert.Greater(t, rec.Metadata["rsi"].(float64), 70.0)

	rec, err = p.ProduceSignal(ctx, "X", pricesToHistory(falling))
	require.NoError(t, err)
	assert.Equal(t, Buy, rec.Direction)
	assert.Less(t, rec.Metadata["rsi"].(float64), 30.0)

	lower := rec.Metadata["band_lower"].(float64)
	upper := rec.Metadata["band_upper"].(float64)
	assert.Less(t, lower, upper)

	_, err = p.ProduceSignal(ctx, "X", pricesToHistory(rising[:10]))
	assert.True(t, errors.Is(err, ErrNoSignal))
}

func TestFuncProvider(t *testing.T) {
	p := NewFuncProvider("sentiment", func(_ context.Context, symbol string, _ []market.PricePoint) (*Record, error) {
		if symbol == "NONE" {
			return nil, nil
		}
		return &Record{Direction: Buy}, nil
	})

	rec, err := p.ProduceSignal(context.Background(), "AAPL", nil)
	require.NoError(t, err)
	assert.Equal(t, "sentiment", rec.Module)
	assert.Equal(t, "AAPL", rec.Symbol)
	assert.True(t, p.Available())

	_, err = p.ProduceSignal(context.Background(), "NONE", nil)
	assert.True(t, errors.Is(err, ErrNoSignal))
}

func TestStatic(t *testing.T) {
	s := NewStatic("options", map[string]Direction{"AAPL": Sell})

	rec, err := s.ProduceSignal(context.Background(), "AAPL", nil)
	require.NoError(t, err)
	assert.Equal(t, Sell, rec.Direction)

	_, err = s.ProduceSignal(context.Background(), "MSFT", nil)
	assert.True(t, errors.Is(err, ErrNoSignal))

	s.SetAvailable(false)
	assert.False(t, s.Available())
}

func TestDirection(t *testing.T) {
	assert.True(t, Buy.Valid())
	assert.False(t, Direction(2).Valid())
	assert.Equal(t, "sell", Sell.String())
}

func TestWithCircuitBreaker_TripsOnFailures(t *testing.T) {
	calls := 0
	failing := NewFuncProvider("flaky_remote", func(context.Context, string, []market.PricePoint) (*Record, error) {
		calls++
		return nil, errors.New("upstream 500")
	})

	settings := DefaultBreakerSettings()
	settings.MinRequests = 3
	settings.OpenTimeout = time.Minute
	b := WithCircuitBreaker(failing, settings)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.ProduceSignal(ctx, "AAPL", nil)
		require.Error(t, err)
	}

	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.False(t, b.Available())

	_, err := b.ProduceSignal(ctx, "AAPL", nil)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.Equal(t, 3, calls)
}

func TestWithCircuitBreaker_NoSignalDoesNotTrip(t *testing.T) {
	s := NewStatic("no_opinion", map[string]Direction{})
	settings := DefaultBreakerSettings()
	settings.MinRequests = 2
	b := WithCircuitBreaker(s, settings)

	for i := 0; i < 5; i++ {
		_, err := b.ProduceSignal(context.Background(), "AAPL", nil)
		assert.True(t, errors.Is(err, ErrNoSignal))
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.True(t, b.Available())
}
