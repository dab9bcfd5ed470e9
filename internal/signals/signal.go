// Package signals defines the contract between the aggregator and the
// analytical modules that hold per-instrument opinions, plus a few built-in
// modules computed from price history alone.
package signals

import (
	"context"
	"errors"
	"fmt"

	"github.com/ajitpratap0/quantfunk/internal/market"
)

var (
	// ErrNoSignal means the provider has no opinion on the instrument, for
	// example because the history is too short. The record is absent.
	ErrNoSignal = errors.New("no signal")
	// ErrProviderUnavailable means the provider cannot serve requests at all.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Direction is a module's opinion: sell, neutral or buy.
type Direction int

const (
	Sell    Direction = -1
	Neutral Direction = 0
	Buy     Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Sell:
		return "sell"
	case Neutral:
		return "neutral"
	case Buy:
		return "buy"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Valid reports whether d is one of -1, 0, +1.
func (d Direction) Valid() bool {
	return d >= Sell && d <= Buy
}

// Record is one module's opinion on one instrument.
type Record struct {
	Module    string         `json:"module" yaml:"module"`
	Symbol    string         `json:"symbol" yaml:"symbol"`
	Direction Direction      `json:"direction" yaml:"direction"`
	Strength  *float64       `json:"strength,omitempty" yaml:"strength,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Provider produces signal records for instruments.
//
// Available is consulted once per run before any instrument is queried; an
// unavailable provider takes no part in that run. ProduceSignal must honor
// ctx cancellation and may be called concurrently for different symbols.
type Provider interface {
	Name() string
	Available() bool
	ProduceSignal(ctx context.Context, symbol string, history []market.PricePoint) (*Record, error)
}

// Strength returns a pointer to v for Record.Strength.
func Strength(v float64) *float64 {
	return &v
}

// SignalFunc computes a record for one symbol.
type SignalFunc func(ctx context.Context, symbol string, history []market.PricePoint) (*Record, error)

// FuncProvider adapts a function to the Provider interface. It lets hosts
// plug external models (sentiment, options, learned agents) into a run.
type FuncProvider struct {
	name string
	fn   SignalFunc
}

// NewFuncProvider wraps fn as an always-available provider called name.
func NewFuncProvider(name string, fn SignalFunc) *FuncProvider {
	return &FuncProvider{name: name, fn: fn}
}

func (p *FuncProvider) Name() string    { return p.name }
func (p *FuncProvider) Available() bool { return true }

// ProduceSignal calls the wrapped function and stamps module and symbol.
func (p *FuncProvider) ProduceSignal(ctx context.Context, symbol string, history []market.PricePoint) (*Record, error) {
	rec, err := p.fn(ctx, symbol, history)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNoSignal
	}
	rec.Module = p.name
	rec.Symbol = symbol
	return rec, nil
}

// Static returns fixed directions per symbol. Symbols without an entry have
// no signal.
type Static struct {
	name       string
	directions map[string]Direction
	available  bool
}

// NewStatic creates a static provider.
func NewStatic(name string, directions map[string]Direction) *Static {
	return &Static{name: name, directions: directions, available: true}
}

// SetAvailable toggles availability.
func (s *Static) SetAvailable(available bool) { s.available = available }

func (s *Static) Name() string    { return s.name }
func (s *Static) Available() bool { return s.available }

func (s *Static) ProduceSignal(ctx context.Context, symbol string, _ []market.PricePoint) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, ok := s.directions[symbol]
	if !ok {
		return nil, ErrNoSignal
	}
	return &Record{Module: s.name, Symbol: symbol, Direction: d}, nil
}
