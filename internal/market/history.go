// Package market loads the price histories the aggregator feeds into the
// return matrix builder and the signal providers.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"
)

// PricePoint is a single closing price observation.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Price     float64   `json:"price" yaml:"price"`
}

// History maps an instrument symbol to its price series, oldest first.
// Symbols without data are absent.
type History map[string][]PricePoint

// Fetcher loads price history for a set of instruments.
// Implementations must not fail the whole call because one symbol has no data;
// such symbols are simply left out of the returned History.
type Fetcher interface {
	Fetch(ctx context.Context, symbols []string, lookback Lookback) (History, error)
}

// Lookback is the length of history requested, in calendar days.
type Lookback int

// DefaultLookback is one year of history.
const DefaultLookback Lookback = 365

var namedLookbacks = map[string]Lookback{
	"1mo": 30,
	"3mo": 90,
	"6mo": 180,
	"1y":  365,
	"2y":  730,
}

// ParseLookback accepts the named periods (1mo, 3mo, 6mo, 1y, 2y), a day count
// such as "45d" or "45", or an empty string for the default.
func ParseLookback(s string) (Lookback, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return DefaultLookback, nil
	}
	if lb, ok := namedLookbacks[s]; ok {
		return lb, nil
	}

	days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
	if err != nil {
		return 0, fmt.Errorf("invalid lookback %q: expected one of 1mo, 3mo, 6mo, 1y, 2y or a day count", s)
	}
	if days <= 0 {
		return 0, fmt.Errorf("invalid lookback %q: must be positive", s)
	}
	return Lookback(days), nil
}

// Days returns the lookback as an int day count.
func (l Lookback) Days() int {
	return int(l)
}

// Duration returns the lookback as a time.Duration.
func (l Lookback) Duration() time.Duration {
	return time.Duration(l) * 24 * time.Hour
}

func (l Lookback) String() string {
	return strconv.Itoa(int(l)) + "d"
}

// Sorted returns a copy of points ordered by timestamp.
func Sorted(points []PricePoint) []PricePoint {
	out := slices.Clone(points)
	slices.SortStableFunc(out, func(a, b PricePoint) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

// Prices extracts the price column of a series.
func Prices(points []PricePoint) []float64 {
	prices := make([]float64, len(points))
	for i, p := range points {
		prices[i] = p.Price
	}
	return prices
}

// MemoryFetcher serves history from memory. It backs offline CLI runs that
// read a history file and is the usual fetcher in tests.
type MemoryFetcher struct {
	history History
}

// NewMemoryFetcher returns a fetcher over a fixed history.
func NewMemoryFetcher(history History) *MemoryFetcher {
	return &MemoryFetcher{history: history}
}

// Fetch returns the stored series for each requested symbol. When the stored
// data extends past the lookback window relative to its newest point, older
// points are trimmed.
func (f *MemoryFetcher) Fetch(ctx context.Context, symbols []string, lookback Lookback) (History, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(History, len(symbols))
	for _, symbol := range symbols {
		points, ok := f.history[symbol]
		if !ok || len(points) == 0 {
			continue
		}
		sorted := Sorted(points)
		if lookback > 0 {
			cutoff := sorted[len(sorted)-1].Timestamp.Add(-lookback.Duration())
			idx, _ := slices.BinarySearchFunc(sorted, cutoff, func(p PricePoint, t time.Time) int {
				return p.Timestamp.Compare(t)
			})
			sorted = sorted[idx:]
		}
		out[symbol] = sorted
	}
	return out, nil
}

// ReadHistory decodes a JSON object mapping symbols to price series, as read by
// the CLI's --history-file flag.
func ReadHistory(r io.Reader) (History, error) {
	var h History
	if err := json.NewDecoder(r).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	for symbol, points := range h {
		h[symbol] = Sorted(points)
	}
	return h, nil
}
