package signals

import (
	"context"
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/ajitpratap0/quantfunk/internal/market"
)

// TechnicalName is the module name of the indicator provider.
const TechnicalName = "technical"

// Technical votes with two indicators: RSI below Oversold is a buy and above
// Overbought a sell; a last price at or below the lower Bollinger band is a
// buy and at or above the upper band a sell. The direction is the sign of the
// vote sum.
type Technical struct {
	RSIPeriod  int
	BandPeriod int
	Oversold   float64
	Overbought float64
}

// NewTechnical returns RSI(14) with 30/70 thresholds and 20-period bands.
func NewTechnical() *Technical {
	return &Technical{RSIPeriod: 14, BandPeriod: 20, Oversold: 30, Overbought: 70}
}

func (p *Technical) Name() string    { return TechnicalName }
func (p *Technical) Available() bool { return true }

func (p *Technical) ProduceSignal(ctx context.Context, symbol string, history []market.PricePoint) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	need := max(p.RSIPeriod+1, p.BandPeriod)
	if len(history) < need {
		return nil, fmt.Errorf("%w: %s has %d prices, need %d", ErrNoSignal, symbol, len(history), need)
	}
	prices := market.Prices(history)

	rsi, ok := lastRSI(prices, p.RSIPeriod)
	if !ok {
		return nil, fmt.Errorf("%w: no RSI values for %s", ErrNoSignal, symbol)
	}
	lower, middle, upper, ok := lastBands(prices, p.BandPeriod)
	if !ok {
		return nil, fmt.Errorf("%w: no Bollinger Bands values for %s", ErrNoSignal, symbol)
	}

	last := prices[len(prices)-1]
	votes := 0
	switch {
	case rsi < p.Oversold:
		votes++
	case rsi > p.Overbought:
		votes--
	}
	switch {
	case last <= lower:
		votes++
	case last >= upper:
		votes--
	}

	dir := Neutral
	switch {
	case votes > 0:
		dir = Buy
	case votes < 0:
		dir = Sell
	}

	return &Record{
		Module:    TechnicalName,
		Symbol:    symbol,
		Direction: dir,
		Strength:  Strength(math.Abs(float64(votes)) / 2),
		Metadata: map[string]any{
			"rsi":        rsi,
			"band_lower": lower,
			"band_mid":   middle,
			"band_upper": upper,
		},
	}, nil
}

func feed(prices []float64) <-chan float64 {
	ch := make(chan float64, len(prices))
	for _, p := range prices {
		ch <- p
	}
	close(ch)
	return ch
}

func lastRSI(prices []float64, period int) (float64, bool) {
	values := momentum.NewRsiWithPeriod[float64](period).Compute(feed(prices))

	var last float64
	var ok bool
	for v := range values {
		last, ok = v, true
	}
	return last, ok && !math.IsNaN(last)
}

// lastBands returns the most recent lower, middle and upper band. The three
// outputs are ordered by value so the result does not depend on the order in
// which the indicator returns its channels.
func lastBands(prices []float64, period int) (lower, middle, upper float64, ok bool) {
	a, b, c := volatility.NewBollingerBandsWithPeriod[float64](period).Compute(feed(prices))

	for {
		x, aok := <-a
		y, bok := <-b
		z, cok := <-c
		if !aok || !bok || !cok {
			break
		}
		lower = math.Min(x, math.Min(y, z))
		upper = math.Max(x, math.Max(y, z))
		middle = x + y + z - lower - upper
		ok = true
	}
	return lower, middle, upper, ok
}
