// Package returns builds the aligned matrix of periodic percentage returns
// consumed by the optimizer and the risk engine.
package returns

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/ajitpratap0/quantfunk/internal/market"
)

// ErrInsufficientData is returned when a statistic needs more observations
// than the matrix holds.
var ErrInsufficientData = errors.New("insufficient data")

// DefaultPeriodsPerYear annualizes daily statistics.
const DefaultPeriodsPerYear = 252

// Matrix is a rectangular table of percentage returns: one row per common
// trading date, one column per instrument. Every cell is populated.
type Matrix struct {
	symbols  []string
	dates    []time.Time
	data     *mat.Dense // nil when the matrix has no rows or no columns
	excluded []string
}

// New builds a matrix from explicit rows. Each row must have one finite value
// per symbol.
func New(symbols []string, dates []time.Time, rows [][]float64) (*Matrix, error) {
	if len(dates) != len(rows) {
		return nil, fmt.Errorf("dates and rows differ in length: %d != %d", len(dates), len(rows))
	}
	if len(symbols) != len(slices.Compact(slices.Sorted(slices.Values(symbols)))) {
		return nil, fmt.Errorf("duplicate symbols in %v", symbols)
	}

	m := &Matrix{
		symbols: slices.Clone(symbols),
		dates:   slices.Clone(dates),
	}
	if len(rows) == 0 || len(symbols) == 0 {
		return m, nil
	}

	flat := make([]float64, 0, len(rows)*len(symbols))
	for i, row := range rows {
		if len(row) != len(symbols) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(symbols))
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("row %d column %s is not finite", i, symbols[j])
			}
		}
		flat = append(flat, row...)
	}
	m.data = mat.NewDense(len(rows), len(symbols), flat)
	return m, nil
}

// Build converts price histories into aligned returns. Each instrument's
// prices are ordered by time and turned into percentage changes keyed by the
// UTC calendar date of the later price. Only dates present for every
// instrument are kept. Instruments with fewer than two usable prices are
// excluded and reported by Excluded.
func Build(history market.History) (*Matrix, error) {
	symbols := slices.Sorted(maps.Keys(history))

	perSymbol := make(map[string]map[time.Time]float64, len(symbols))
	var kept, excluded []string
	for _, symbol := range symbols {
		r := percentChanges(history[symbol])
		if len(r) == 0 {
			excluded = append(excluded, symbol)
			continue
		}
		perSymbol[symbol] = r
		kept = append(kept, symbol)
	}

	var common []time.Time
	if len(kept) > 0 {
		for d := range perSymbol[kept[0]] {
			inAll := true
			for _, symbol := range kept[1:] {
				if _, ok := perSymbol[symbol][d]; !ok {
					inAll = false
					break
				}
			}
			if inAll {
				common = append(common, d)
			}
		}
	}
	slices.SortFunc(common, func(a, b time.Time) int { return a.Compare(b) })

	rows := make([][]float64, len(common))
	for i, d := range common {
		row := make([]float64, len(kept))
		for j, symbol := range kept {
			row[j] = perSymbol[symbol][d]
		}
		rows[i] = row
	}

	m, err := New(kept, common, rows)
	if err != nil {
		return nil, err
	}
	m.excluded = excluded
	return m, nil
}

// percentChanges returns return-by-date for one series. A step whose previous
// price is not positive, or whose value is not finite, is dropped as a gap.
func percentChanges(points []market.PricePoint) map[time.Time]float64 {
	sorted := market.Sorted(points)
	out := make(map[time.Time]float64, len(sorted))
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1].Price, sorted[i].Price
		if prev <= 0 || math.IsNaN(cur) || math.IsInf(cur, 0) {
			continue
		}
		out[tradingDate(sorted[i].Timestamp)] = (cur - prev) / prev
	}
	return out
}

func tradingDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Symbols returns the column labels in column order.
func (m *Matrix) Symbols() []string { return slices.Clone(m.symbols) }

// Dates returns the row labels in row order.
func (m *Matrix) Dates() []time.Time { return slices.Clone(m.dates) }

// Excluded lists instruments Build dropped for lack of data.
func (m *Matrix) Excluded() []string { return slices.Clone(m.excluded) }

// Rows is the number of periods.
func (m *Matrix) Rows() int {
	if m.data == nil {
		return 0
	}
	r, _ := m.data.Dims()
	return r
}

// Cols is the number of instruments.
func (m *Matrix) Cols() int { return len(m.symbols) }

// Index returns the column of symbol or -1.
func (m *Matrix) Index(symbol string) int {
	return slices.Index(m.symbols, symbol)
}

// Column returns a copy of column j.
func (m *Matrix) Column(j int) []float64 {
	if m.data == nil {
		return nil
	}
	return mat.Col(nil, j, m.data)
}

// Mean is the per-period mean return of column j.
func (m *Matrix) Mean(j int) float64 {
	return stat.Mean(m.Column(j), nil)
}

// AnnualizedMeans returns mean returns per column scaled by periodsPerYear.
func (m *Matrix) AnnualizedMeans(periodsPerYear float64) []float64 {
	means := make([]float64, m.Cols())
	if m.Rows() == 0 {
		return means
	}
	for j := range means {
		means[j] = m.Mean(j) * periodsPerYear
	}
	return means
}

// Covariance returns the sample covariance of the columns scaled by
// periodsPerYear. It needs at least two rows.
func (m *Matrix) Covariance(periodsPerYear float64) (*mat.SymDense, error) {
	if m.Rows() < 2 || m.Cols() == 0 {
		return nil, fmt.Errorf("covariance needs at least 2 periods, have %d: %w", m.Rows(), ErrInsufficientData)
	}
	cov := mat.NewSymDense(m.Cols(), nil)
	stat.CovarianceMatrix(cov, m.data, nil)
	cov.ScaleSym(periodsPerYear, cov)
	return cov, nil
}

// PortfolioReturns returns the per-period return of a portfolio holding
// weights[symbol] of each column. Symbols missing from weights hold zero.
func (m *Matrix) PortfolioReturns(weights map[string]float64) []float64 {
	if m.Rows() == 0 {
		return nil
	}
	w := make([]float64, m.Cols())
	for j, symbol := range m.symbols {
		w[j] = weights[symbol]
	}
	var out mat.VecDense
	out.MulVec(m.data, mat.NewVecDense(len(w), w))
	return mat.Col(nil, 0, &out)
}

// Select returns a matrix restricted to the given symbols, in the given order.
func (m *Matrix) Select(symbols []string) (*Matrix, error) {
	idx := make([]int, len(symbols))
	for k, symbol := range symbols {
		idx[k] = m.Index(symbol)
		if idx[k] < 0 {
			return nil, fmt.Errorf("unknown symbol %s", symbol)
		}
	}
	rows := make([][]float64, m.Rows())
	for i := range rows {
		row := make([]float64, len(idx))
		for k, j := range idx {
			row[k] = m.data.At(i, j)
		}
		rows[i] = row
	}
	return New(symbols, m.dates, rows)
}
