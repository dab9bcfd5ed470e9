package signals

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/ajitpratap0/quantfunk/internal/market"
)

// MeanReversionName is the module name of the mean reversion provider.
const MeanReversionName = "mean_reversion"

// MeanReversion buys when the last price sits EntryZ standard deviations
// below its rolling mean and sells when it sits EntryZ above. Anywhere else it
// is neutral. Strength grows from 0 at ExitZ to 1 at EntryZ.
type MeanReversion struct {
	Lookback int
	EntryZ   float64
	ExitZ    float64
}

// NewMeanReversion returns the provider with lookback 60, entry 2.0, exit 0.5.
func NewMeanReversion() *MeanReversion {
	return &MeanReversion{Lookback: 60, EntryZ: 2.0, ExitZ: 0.5}
}

func (p *MeanReversion) Name() string    { return MeanReversionName }
func (p *MeanReversion) Available() bool { return true }

func (p *MeanReversion) ProduceSignal(ctx context.Context, symbol string, history []market.PricePoint) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(history) < p.Lookback {
		return nil, fmt.Errorf("%w: %s has %d prices, need %d", ErrNoSignal, symbol, len(history), p.Lookback)
	}

	window := market.Prices(history[len(history)-p.Lookback:])
	mean, std := stat.MeanStdDev(window, nil)
	if std == 0 || math.IsNaN(std) {
		return nil, fmt.Errorf("%w: %s price is flat over the lookback", ErrNoSignal, symbol)
	}

	last := window[len(window)-1]
	z := (last - mean) / std

	dir := Neutral
	abs := math.Abs(z)
	if abs >= p.EntryZ {
		dir = -sign(z)
	}
	strength := math.Min(1, math.Max(0, (abs-p.ExitZ)/(p.EntryZ-p.ExitZ)))

	return &Record{
		Module:    MeanReversionName,
		Symbol:    symbol,
		Direction: dir,
		Strength:  Strength(strength),
		Metadata: map[string]any{
			"z_score":      z,
			"rolling_mean": mean,
			"rolling_std":  std,
		},
	}, nil
}

func sign(v float64) Direction {
	switch {
	case v > 0:
		return Buy
	case v < 0:
		return Sell
	default:
		return Neutral
	}
}
