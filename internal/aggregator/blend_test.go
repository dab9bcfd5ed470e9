package aggregator

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quantfunk/internal/signals"
)

func rec(module, symbol string, d signals.Direction) signals.Record {
	return signals.Record{Module: module, Symbol: symbol, Direction: d}
}

var threeModules = map[string]float64{"time_series": 0.4, "mean_reversion": 0.4, "technical": 0.2}

func TestBlend_WeightedComposite(t *testing.T) {
	records := []signals.Record{
		rec("time_series", "A", signals.Buy),
		rec("mean_reversion", "A", signals.Buy),
		rec("technical", "A", signals.Sell),
	}

	out := Blend([]string{"A", "B"}, records, threeModules)
	require.Len(t, out, 2)

	a := out["A"]
	assert.InDelta(t, 0.6, a.Composite, 1e-12)
	assert.Equal(t, ActionBuy, a.Action)
	assert.InDelta(t, 2.0/3.0, a.Confidence, 1e-12)
	assert.Equal(t, []string{"mean_reversion", "technical", "time_series"}, a.ContributingModules)

	b := out["B"]
	assert.Equal(t, ActionHold, b.Action)
	assert.Zero(t, b.Composite)
	assert.Zero(t, b.Confidence)
	assert.Empty(t, b.ContributingModules)
}

func TestBlend_OrderIndependent(t *testing.T) {
	records := []signals.Record{
		rec("time_series", "A", signals.Buy),
		rec("mean_reversion", "A", signals.Sell),
		rec("technical", "A", signals.Sell),
		rec("time_series", "B", signals.Neutral),
		rec("technical", "B", signals.Buy),
	}
	reversed := slices.Clone(records)
	slices.Reverse(reversed)

	symbols := []string{"A", "B"}
	assert.Equal(t, Blend(symbols, records, threeModules), Blend(symbols, reversed, threeModules))
}

func TestBlend_AbsentModulesLeaveDenominator(t *testing.T) {
	out := Blend([]string{"A"}, []signals.Record{rec("technical", "A", signals.Sell)}, threeModules)

	a := out["A"]
	assert.Equal(t, -1.0, a.Composite)
	assert.Equal(t, ActionSell, a.Action)
	assert.InDelta(t, 1.0/3.0, a.Confidence, 1e-12)
}

func TestBlend_HoldCountsEveryReport(t *testing.T) {
	weights := map[string]float64{"x": 0.1, "y": 0.1, "z": 0.3, "w": 0.5}
	records := []signals.Record{
		rec("x", "A", signals.Buy),
		rec("y", "A", signals.Sell),
		rec("z", "A", signals.Neutral),
	}

	a := Blend([]string{"A"}, records, weights)["A"]
	assert.Equal(t, ActionHold, a.Action)
	assert.Zero(t, a.Composite)
	assert.Equal(t, 0.75, a.Confidence)
}

func TestBlend_Thresholds(t *testing.T) {
	// composite exactly at the threshold holds
	weights := map[string]float64{"up": 0.6, "down": 0.4}
	records := []signals.Record{rec("up", "A", signals.Buy), rec("down", "A", signals.Sell)}
	a := Blend([]string{"A"}, records, weights)["A"]
	assert.InDelta(t, 0.2, a.Composite, 1e-12)

	tests := []struct {
		composite float64
		want      Action
	}{
		{0.21, ActionBuy},
		{0.2, ActionHold},
		{0, ActionHold},
		{-0.2, ActionHold},
		{-0.21, ActionSell},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, actionFor(tt.composite), "composite %v", tt.composite)
	}
}

func TestBlend_IgnoresUnconfiguredAndInvalid(t *testing.T) {
	records := []signals.Record{
		rec("sentiment", "A", signals.Sell),
		rec("technical", "A", signals.Direction(5)),
		rec("time_series", "A", signals.Buy),
	}
	a := Blend([]string{"A"}, records, threeModules)["A"]
	assert.Equal(t, []string{"time_series"}, a.ContributingModules)
	assert.Equal(t, 1.0, a.Composite)
}

func TestBlend_ZeroWeights(t *testing.T) {
	weights := map[string]float64{"a": 0, "b": 0}
	out := Blend([]string{"X"}, []signals.Record{rec("a", "X", signals.Buy)}, weights)["X"]
	assert.Zero(t, out.Composite)
	assert.Equal(t, ActionHold, out.Action)
	assert.Equal(t, 0.5, out.Confidence)
}

func TestPortfolioSignals(t *testing.T) {
	out := PortfolioSignals(map[string]float64{"A": 0.6, "B": 0.3, "C": 0.1})
	require.Len(t, out, 3)

	assert.Equal(t, "A", out[0].Symbol)
	assert.Equal(t, signals.Buy, out[0].Direction)
	assert.Equal(t, signals.Neutral, out[1].Direction)
	assert.Equal(t, signals.Sell, out[2].Direction)
	for _, r := range out {
		assert.Equal(t, PortfolioModule, r.Module)
	}

	equal := PortfolioSignals(map[string]float64{"A": 0.5, "B": 0.5})
	for _, r := range equal {
		assert.Equal(t, signals.Neutral, r.Direction)
	}

	assert.Empty(t, PortfolioSignals(nil))
}
