// Package aggregator runs the decision pipeline: fetch prices, collect
// signals from every provider in parallel, optimize the portfolio, assess
// its risk and blend everything into one decision per instrument.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/quantfunk/internal/market"
	"github.com/ajitpratap0/quantfunk/internal/metrics"
	"github.com/ajitpratap0/quantfunk/internal/portfolio"
	"github.com/ajitpratap0/quantfunk/internal/returns"
	"github.com/ajitpratap0/quantfunk/internal/risk"
	"github.com/ajitpratap0/quantfunk/internal/signals"
)

// Failure kinds reported in Diagnostics.ProviderFailures.
const (
	FailureNoSignal = "no_signal"
	FailureTimeout  = "timeout"
	FailureError    = "error"
)

// ProviderFailure is one provider call that produced no record.
type ProviderFailure struct {
	Symbol string `json:"symbol" yaml:"symbol"`
	Module string `json:"module" yaml:"module"`
	Kind   string `json:"kind" yaml:"kind"`
	Error  string `json:"error" yaml:"error"`
}

// Diagnostics describes everything that went wrong or was substituted during
// a run. Degraded is true whenever the output quality is reduced.
type Diagnostics struct {
	Degraded                   bool              `json:"degraded" yaml:"degraded"`
	Reasons                    []string          `json:"reasons,omitempty" yaml:"reasons,omitempty"`
	EqualWeightFallback        bool              `json:"equal_weight_fallback" yaml:"equal_weight_fallback"`
	OptimizerError             string            `json:"optimizer_error,omitempty" yaml:"optimizer_error,omitempty"`
	FetchError                 string            `json:"fetch_error,omitempty" yaml:"fetch_error,omitempty"`
	RiskError                  string            `json:"risk_error,omitempty" yaml:"risk_error,omitempty"`
	MissingData                []string          `json:"missing_data,omitempty" yaml:"missing_data,omitempty"`
	UnavailableModules         []string          `json:"unavailable_modules,omitempty" yaml:"unavailable_modules,omitempty"`
	ProviderFailures           []ProviderFailure `json:"provider_failures,omitempty" yaml:"provider_failures,omitempty"`
	CancelledAfterOptimization bool              `json:"cancelled_after_optimization" yaml:"cancelled_after_optimization"`
}

func (d *Diagnostics) degrade(reason, detail string) {
	d.Degraded = true
	d.Reasons = append(d.Reasons, reason+": "+detail)
	metrics.RecordDegraded(reason)
}

// RunResult is the output of one run.
type RunResult struct {
	RunID         string                      `json:"run_id" yaml:"run_id"`
	Symbols       []string                    `json:"symbols" yaml:"symbols"`
	Decisions     map[string]Decision         `json:"decisions" yaml:"decisions"`
	Risk          *risk.Report                `json:"risk" yaml:"risk"`
	Weights       map[string]float64          `json:"weights" yaml:"weights"`
	Optimization  *portfolio.Result           `json:"optimization" yaml:"optimization"`
	Records       map[string][]signals.Record `json:"records" yaml:"records"`
	ModuleWeights map[string]float64          `json:"module_weights" yaml:"module_weights"`
	Diagnostics   Diagnostics                 `json:"diagnostics" yaml:"diagnostics"`
	StartedAt     time.Time                   `json:"started_at" yaml:"started_at"`
	CompletedAt   time.Time                   `json:"completed_at" yaml:"completed_at"`
}

// Optimizer computes portfolio weights over a return matrix.
// *portfolio.Optimizer implements it.
type Optimizer interface {
	Optimize(m *returns.Matrix, opts portfolio.Options) (*portfolio.Result, error)
}

// Aggregator wires the collaborators of a run. It holds no per-run state and
// may serve concurrent runs.
type Aggregator struct {
	fetcher   market.Fetcher
	providers []signals.Provider
	optimizer Optimizer
	frontier  FrontierOptimizer
	engine    *risk.Engine
	log       zerolog.Logger
}

// New creates an aggregator. Provider names must be unique and must not be
// PortfolioModule. A nil optimizer or engine is replaced by the default one.
// Frontier uses the optimizer when it is also a FrontierOptimizer and the
// default optimizer otherwise.
func New(fetcher market.Fetcher, providers []signals.Provider, optimizer Optimizer, engine *risk.Engine, logger zerolog.Logger) (*Aggregator, error) {
	if fetcher == nil {
		return nil, errors.New("aggregator: nil price fetcher")
	}
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		name := p.Name()
		if name == "" || name == PortfolioModule || seen[name] {
			return nil, fmt.Errorf("aggregator: invalid or duplicate provider name %q", name)
		}
		seen[name] = true
	}
	if optimizer == nil {
		optimizer = portfolio.NewOptimizer(logger)
	}
	frontier, ok := optimizer.(FrontierOptimizer)
	if !ok {
		frontier = portfolio.NewOptimizer(logger)
	}
	if engine == nil {
		engine = risk.NewEngine(logger)
	}
	return &Aggregator{
		fetcher:   fetcher,
		providers: slices.Clone(providers),
		optimizer: optimizer,
		frontier:  frontier,
		engine:    engine,
		log:       logger.With().Str("component", "aggregator").Logger(),
	}, nil
}

// Providers returns the names of the registered providers.
func (a *Aggregator) Providers() []string {
	names := make([]string, len(a.providers))
	for i, p := range a.providers {
		names[i] = p.Name()
	}
	return names
}

// Run produces a decision for every symbol plus one risk report.
//
// Configuration problems are returned as *ConfigError before anything is
// fetched or queried. Cancelling ctx before the optimizer starts returns
// ctx.Err(); once the optimizer has run, risk assessment and blending
// complete and the result is flagged with CancelledAfterOptimization.
func (a *Aggregator) Run(ctx context.Context, symbols []string, cfg RunConfig) (*RunResult, error) {
	start := time.Now()
	cfg = cfg.clone()

	symbols = normalizeSymbols(symbols)
	if len(symbols) == 0 {
		metrics.RecordRun(metrics.RunStatusConfigError, time.Since(start).Seconds())
		return nil, configErr("symbols", "no instruments requested")
	}

	registered := make(map[string]bool, len(a.providers))
	var active []signals.Provider
	var unavailable []string
	for _, p := range a.providers {
		ok := p.Available()
		registered[p.Name()] = ok
		if ok {
			active = append(active, p)
		} else {
			unavailable = append(unavailable, p.Name())
		}
	}
	if err := cfg.validate(registered); err != nil {
		metrics.RecordRun(metrics.RunStatusConfigError, time.Since(start).Seconds())
		return nil, err
	}
	weights := cfg.runWeights(registered)

	res := &RunResult{
		RunID:         uuid.NewString(),
		Symbols:       symbols,
		ModuleWeights: weights,
		StartedAt:     start.UTC(),
	}
	diag := &res.Diagnostics
	slices.Sort(unavailable)
	diag.UnavailableModules = unavailable

	logger := a.log.With().Str("run_id", res.RunID).Logger()
	logger.Info().
		Strs("symbols", symbols).
		Int("providers", len(active)).
		Str("objective", cfg.Optimizer.Objective.String()).
		Msg("Run started")

	// Prices and returns.
	history, err := a.fetcher.Fetch(ctx, symbols, cfg.Lookback)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, a.cancelled(start, ctxErr)
	}
	if err != nil {
		diag.FetchError = err.Error()
		diag.degrade(metrics.DegradedFetchFailed, err.Error())
		logger.Warn().Err(err).Msg("Price history fetch failed, continuing without prices")
		history = market.History{}
	}
	history = requested(history, symbols)

	matrix, err := returns.Build(history)
	if err != nil {
		diag.degrade(metrics.DegradedMissingData, err.Error())
		matrix, _ = returns.New(nil, nil, nil)
	}
	for _, s := range symbols {
		if matrix.Index(s) < 0 {
			diag.MissingData = append(diag.MissingData, s)
		}
	}
	if len(diag.MissingData) > 0 {
		diag.degrade(metrics.DegradedMissingData, strings.Join(diag.MissingData, ","))
	}

	// Signals. Every symbol is queried, with or without history.
	collected := a.collect(ctx, symbols, active, history, cfg, logger, diag)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, a.cancelled(start, ctxErr)
	}

	// Optimization barrier.
	res.Optimization, res.Weights = a.optimize(matrix, cfg.Optimizer, logger, diag)
	if ctx.Err() != nil {
		diag.CancelledAfterOptimization = true
		diag.degrade(metrics.DegradedCancelled, ctx.Err().Error())
	}

	collected = append(collected, PortfolioSignals(res.Weights)...)

	report, err := a.engine.Assess(matrix, res.Weights, cfg.Risk)
	if err != nil {
		diag.RiskError = err.Error()
		diag.degrade(metrics.DegradedRiskUnavailable, err.Error())
	}
	res.Risk = report

	res.Decisions = Blend(symbols, collected, weights)
	res.Records = groupRecords(collected)
	res.CompletedAt = time.Now().UTC()

	a.record(res, start)
	logger.Info().
		Bool("degraded", diag.Degraded).
		Int("provider_failures", len(diag.ProviderFailures)).
		Dur("duration", time.Since(start)).
		Msg("Run completed")

	return res, nil
}

func (a *Aggregator) cancelled(start time.Time, err error) error {
	metrics.RecordRun(metrics.RunStatusCancelled, time.Since(start).Seconds())
	a.log.Warn().Err(err).Msg("Run cancelled before optimization")
	return err
}

// collect queries every active provider for every symbol. Each task writes
// only its own slot, so no locking is needed; the slots are read after Wait.
func (a *Aggregator) collect(ctx context.Context, symbols []string, active []signals.Provider, history market.History, cfg RunConfig, logger zerolog.Logger, diag *Diagnostics) []signals.Record {
	type slot struct {
		rec *signals.Record
		err error
	}
	slots := make([][]slot, len(symbols))
	for i := range slots {
		slots[i] = make([]slot, len(active))
	}

	var g errgroup.Group
	g.SetLimit(cfg.MaxConcurrency)
	for i, symbol := range symbols {
		for j, p := range active {
			g.Go(func() error {
				rec, err := a.query(ctx, p, symbol, history[symbol], cfg.ProviderTimeout)
				slots[i][j] = slot{rec: rec, err: err}
				return nil
			})
		}
	}
	_ = g.Wait()

	var out []signals.Record
	for i, symbol := range symbols {
		for j, p := range active {
			s := slots[i][j]
			if s.err == nil {
				out = append(out, *s.rec)
				continue
			}
			kind := failureKind(s.err)
			diag.ProviderFailures = append(diag.ProviderFailures, ProviderFailure{
				Symbol: symbol,
				Module: p.Name(),
				Kind:   kind,
				Error:  s.err.Error(),
			})
			if kind != FailureNoSignal {
				logger.Warn().Err(s.err).Str("symbol", symbol).Str("module", p.Name()).Msg("Signal provider failed")
			}
		}
	}
	return out
}

// query runs one provider call under its own timeout. The provider runs in a
// separate goroutine so a call that ignores its context still cannot hold up
// the run past the timeout; panics are turned into errors.
func (a *Aggregator) query(ctx context.Context, p signals.Provider, symbol string, history []market.PricePoint, timeout time.Duration) (*signals.Record, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		rec *signals.Record
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", signals.ErrProviderUnavailable, r)}
			}
		}()
		rec, err := p.ProduceSignal(callCtx, symbol, slices.Clone(history))
		done <- outcome{rec: rec, err: err}
	}()

	var rec *signals.Record
	var err error
	select {
	case o := <-done:
		rec, err = o.rec, o.err
	case <-callCtx.Done():
		err = fmt.Errorf("%w: %s: %w", signals.ErrProviderUnavailable, p.Name(), callCtx.Err())
	}

	if err == nil {
		switch {
		case rec == nil:
			err = signals.ErrNoSignal
		case !rec.Direction.Valid():
			err = fmt.Errorf("%w: %s returned invalid direction %d", signals.ErrProviderUnavailable, p.Name(), int(rec.Direction))
		}
	}
	metrics.RecordProviderCall(p.Name(), time.Since(start).Seconds(), err)
	if err != nil {
		return nil, err
	}

	out := *rec
	out.Module = p.Name()
	out.Symbol = symbol
	out.Metadata = maps.Clone(rec.Metadata)
	return &out, nil
}

// optimize runs the optimizer over the full matrix and falls back to equal
// weights when it fails. The fallback covers the matrix columns only: a
// symbol without returns never gets a weight, so it gets no portfolio record
// and no position check either. With no returns at all the weights are empty.
func (a *Aggregator) optimize(m *returns.Matrix, opts portfolio.Options, logger zerolog.Logger, diag *Diagnostics) (*portfolio.Result, map[string]float64) {
	result, err := a.optimizer.Optimize(m, opts)
	if err == nil && result == nil {
		err = fmt.Errorf("%w: optimizer returned no result", portfolio.ErrOptimizationFailed)
	}
	if err == nil {
		return result, maps.Clone(result.Weights)
	}

	weights := portfolio.EqualWeights(m.Symbols())

	diag.EqualWeightFallback = true
	diag.OptimizerError = err.Error()
	diag.degrade(metrics.DegradedOptimizerFallback, "equal-weight fallback used: "+err.Error())
	logger.Warn().Err(err).Str("objective", opts.Objective.String()).Msg("Optimization failed, using equal weights")

	fallback := &portfolio.Result{
		Weights:   maps.Clone(weights),
		Objective: opts.Objective,
		Status:    "equal_weight_fallback",
	}
	if perf, perr := portfolio.Evaluate(m, weights, opts); perr == nil {
		fallback.ExpectedReturn, fallback.Volatility, fallback.Sharpe = perf.ExpectedReturn, perf.Volatility, perf.Sharpe
	}
	return fallback, weights
}

func (a *Aggregator) record(res *RunResult, start time.Time) {
	status := metrics.RunStatusSuccess
	if res.Diagnostics.Degraded {
		status = metrics.RunStatusDegraded
	}
	metrics.RecordRun(status, time.Since(start).Seconds())
	for _, d := range res.Decisions {
		metrics.RecordDecision(string(d.Action))
	}
	metrics.UpdatePortfolioWeights(res.Weights)
	if res.Risk != nil {
		metrics.UpdateRisk(res.Risk.VaR95Pct, string(res.Risk.RiskLevel), len(res.Risk.PositionViolations))
	}
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, signals.ErrNoSignal):
		return FailureNoSignal
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	default:
		return FailureError
	}
}

// normalizeSymbols trims, drops empties and duplicates, and sorts.
func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func requested(history market.History, symbols []string) market.History {
	out := make(market.History, len(symbols))
	for _, s := range symbols {
		if points, ok := history[s]; ok {
			out[s] = points
		}
	}
	return out
}

func groupRecords(records []signals.Record) map[string][]signals.Record {
	sortRecords(records)
	out := make(map[string][]signals.Record)
	for _, rec := range records {
		out[rec.Symbol] = append(out[rec.Symbol], rec)
	}
	return out
}
