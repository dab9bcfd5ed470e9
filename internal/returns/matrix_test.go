package returns

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quantfunk/internal/market"
)

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 16, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func series(prices ...float64) []market.PricePoint {
	points := make([]market.PricePoint, len(prices))
	for i, p := range prices {
		points[i] = market.PricePoint{Timestamp: day(i), Price: p}
	}
	return points
}

func TestBuild_InnerJoinOnCommonDates(t *testing.T) {
	history := market.History{
		"MSFT": series(100, 110, 121, 133.1),
		// AAPL is missing day 2, so the returns dated day 2 and day 3 only
		// exist for day 3 (computed from day 1 to day 3).
		"AAPL": {
			{Timestamp: day(0), Price: 50},
			{Timestamp: day(1), Price: 55},
			{Timestamp: day(3), Price: 60.5},
		},
	}

	m, err := Build(history)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL", "MSFT"}, m.Symbols())
	require.Equal(t, 2, m.Rows())
	assert.Equal(t, []time.Time{
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC),
	}, m.Dates())

	assert.InDeltaSlice(t, []float64{0.10, 0.10}, m.Column(0), 1e-12)
	assert.InDeltaSlice(t, []float64{0.10, 0.10}, m.Column(1), 1e-12)
}

func TestBuild_ExcludesInstrumentsWithoutReturns(t *testing.T) {
	m, err := Build(market.History{
		"AAPL": series(100, 101, 102),
		"NEW":  series(10),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, m.Symbols())
	assert.Equal(t, []string{"NEW"}, m.Excluded())
	assert.Equal(t, 2, m.Rows())
}

func TestBuild_Empty(t *testing.T) {
	m, err := Build(market.History{})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Rows())
	assert.Equal(t, 0, m.Cols())
	assert.Nil(t, m.PortfolioReturns(map[string]float64{"AAPL": 1}))
}

func TestBuild_SkipsNonPositivePrices(t *testing.T) {
	m, err := Build(market.History{"X": series(0, 10, 11)})
	require.NoError(t, err)
	require.Equal(t, 1, m.Rows())
	assert.InDelta(t, 0.1, m.Column(0)[0], 1e-12)
}

func TestNew_Validation(t *testing.T) {
	_, err := New([]string{"A", "A"}, nil, nil)
	assert.Error(t, err)

	_, err = New([]string{"A", "B"}, []time.Time{day(0)}, [][]float64{{0.1}})
	assert.Error(t, err)

	_, err = New([]string{"A"}, []time.Time{day(0), day(1)}, [][]float64{{0.1}})
	assert.Error(t, err)
}

func TestCovarianceAndMeans(t *testing.T) {
	m, err := New([]string{"A", "B"},
		[]time.Time{day(0), day(1), day(2), day(3)},
		[][]float64{{0.01, 0.02}, {-0.01, -0.02}, {0.02, 0.04}, {0.00, 0.00}})
	require.NoError(t, err)

	cov, err := m.Covariance(252)
	require.NoError(t, err)

	// B is exactly 2x A, so cov(A,B) = 2 var(A) and var(B) = 4 var(A).
	varA := cov.At(0, 0)
	assert.Greater(t, varA, 0.0)
	assert.InDelta(t, 2*varA, cov.At(0, 1), 1e-12)
	assert.InDelta(t, 4*varA, cov.At(1, 1), 1e-12)

	means := m.AnnualizedMeans(252)
	assert.InDelta(t, 0.005*252, means[0], 1e-12)
	assert.InDelta(t, 0.010*252, means[1], 1e-12)
}

func TestCovariance_InsufficientData(t *testing.T) {
	m, err := New([]string{"A"}, []time.Time{day(0)}, [][]float64{{0.01}})
	require.NoError(t, err)

	_, err = m.Covariance(252)
	assert.True(t, errors.Is(err, ErrInsufficientData))
}

func TestPortfolioReturns(t *testing.T) {
	m, err := New([]string{"A", "B"},
		[]time.Time{day(0), day(1)},
		[][]float64{{0.10, 0.00}, {-0.10, 0.20}})
	require.NoError(t, err)

	got := m.PortfolioReturns(map[string]float64{"A": 0.5, "B": 0.5, "C": 1})
	assert.InDeltaSlice(t, []float64{0.05, 0.05}, got, 1e-12)
}

func TestSelect(t *testing.T) {
	m, err := New([]string{"A", "B"},
		[]time.Time{day(0)},
		[][]float64{{0.1, 0.2}})
	require.NoError(t, err)

	sub, err := m.Select([]string{"B"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2}, sub.Column(0))

	_, err = m.Select([]string{"Z"})
	assert.Error(t, err)
}
