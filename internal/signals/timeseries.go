package signals

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/ajitpratap0/quantfunk/internal/market"
)

// TimeSeriesName is the module name of the trend forecast provider.
const TimeSeriesName = "time_series"

// TimeSeries fits a least-squares line to log prices over Lookback periods
// and extrapolates it Horizon periods ahead. A forecast more than Threshold
// above the last price is a buy, more than Threshold below is a sell.
// Strength is the R-squared of the fit.
type TimeSeries struct {
	Lookback  int
	Horizon   int
	Threshold float64
}

// NewTimeSeries returns the provider with a 60-period fit, a 5-period
// forecast and a 1% threshold.
func NewTimeSeries() *TimeSeries {
	return &TimeSeries{Lookback: 60, Horizon: 5, Threshold: 0.01}
}

func (p *TimeSeries) Name() string    { return TimeSeriesName }
func (p *TimeSeries) Available() bool { return true }

func (p *TimeSeries) ProduceSignal(ctx context.Context, symbol string, history []market.PricePoint) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(history) < p.Lookback || p.Lookback < 3 {
		return nil, fmt.Errorf("%w: %s has %d prices, need %d", ErrNoSignal, symbol, len(history), p.Lookback)
	}

	window := market.Prices(history[len(history)-p.Lookback:])
	x := make([]float64, len(window))
	y := make([]float64, len(window))
	for i, price := range window {
		if price <= 0 {
			return nil, fmt.Errorf("%w: %s has non-positive prices", ErrNoSignal, symbol)
		}
		x[i] = float64(i)
		y[i] = math.Log(price)
	}

	alpha, beta := stat.LinearRegression(x, y, nil, false)
	r2 := stat.RSquared(x, y, nil, alpha, beta)

	last := window[len(window)-1]
	forecast := math.Exp(alpha + beta*float64(len(window)-1+p.Horizon))
	change := forecast/last - 1

	dir := Neutral
	switch {
	case change > p.Threshold:
		dir = Buy
	case change < -p.Threshold:
		dir = Sell
	}

	if math.IsNaN(r2) {
		r2 = 0
	}
	return &Record{
		Module:    TimeSeriesName,
		Symbol:    symbol,
		Direction: dir,
		Strength:  Strength(math.Max(0, r2)),
		Metadata: map[string]any{
			"forecast":        forecast,
			"expected_change": change,
			"slope":           beta,
			"horizon":         p.Horizon,
		},
	}, nil
}
