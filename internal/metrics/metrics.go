package metrics

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded label values. Provider errors and degradation causes come from
// arbitrary error strings and must be mapped onto these before labelling.
const (
	ProviderReasonNoSignal    = "no_signal"
	ProviderReasonTimeout     = "timeout"
	ProviderReasonUnavailable = "unavailable"
	ProviderReasonInvalid     = "invalid_record"
	ProviderReasonPanic       = "panic"
	ProviderReasonError       = "error"

	DegradedOptimizerFallback = "optimizer_fallback"
	DegradedFetchFailed       = "fetch_failed"
	DegradedMissingData       = "missing_data"
	DegradedRiskUnavailable   = "risk_unavailable"
	DegradedCancelled         = "cancelled_after_optimization"

	RunStatusSuccess     = "success"
	RunStatusDegraded    = "degraded"
	RunStatusConfigError = "config_error"
	RunStatusCancelled   = "cancelled"
)

// NormalizeProviderError maps a provider error onto the bounded reason set.
func NormalizeProviderError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ProviderReasonTimeout
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "no signal"):
		return ProviderReasonNoSignal
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return ProviderReasonTimeout
	case strings.Contains(lower, "panic"):
		return ProviderReasonPanic
	case strings.Contains(lower, "invalid direction") || strings.Contains(lower, "invalid record"):
		return ProviderReasonInvalid
	case strings.Contains(lower, "unavailable"):
		return ProviderReasonUnavailable
	default:
		return ProviderReasonError
	}
}

// Run metrics
var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantfunk_runs_total",
		Help: "Aggregator runs by outcome",
	}, []string{"status"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quantfunk_run_duration_seconds",
		Help:    "Wall time of one aggregator run",
		Buckets: prometheus.DefBuckets,
	})

	DegradedRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantfunk_degraded_runs_total",
		Help: "Runs that completed with degraded output, by cause",
	}, []string{"reason"})

	ProviderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantfunk_provider_failures_total",
		Help: "Signal provider calls that produced no record",
	}, []string{"module", "reason"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantfunk_provider_latency_seconds",
		Help:    "Signal provider call latency",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"module"})

	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantfunk_decisions_total",
		Help: "Decisions emitted by action",
	}, []string{"action"})
)

// Risk and portfolio metrics, reflecting the most recent run
var (
	LastVaRPct = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantfunk_last_var95_pct",
		Help: "Historical 95% VaR of the last run as a fraction of portfolio value (NaN when unavailable)",
	})

	LastRiskLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quantfunk_last_risk_level",
		Help: "1 for the risk level of the last run, 0 for the others",
	}, []string{"level"})

	PortfolioWeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quantfunk_portfolio_weight",
		Help: "Portfolio weight by symbol from the last run",
	}, []string{"symbol"})

	PositionViolations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantfunk_position_violations",
		Help: "Position limit violations in the last run",
	})
)

// Infrastructure metrics
var (
	HistoryCacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantfunk_history_cache_operations_total",
		Help: "Price history cache lookups by result",
	}, []string{"result"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantfunk_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"method", "path", "status_code"})

	Published = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantfunk_published_messages_total",
		Help: "Run results published to the message bus",
	}, []string{"subject", "result"})
)

// riskLevels must list every level the risk engine can report.
var riskLevels = []string{"low", "medium", "high", "extreme", "unknown"}

// RecordRun records one finished run.
func RecordRun(status string, durationSeconds float64) {
	RunsTotal.WithLabelValues(status).Inc()
	RunDuration.Observe(durationSeconds)
}

// RecordDegraded records one degradation cause of a run.
func RecordDegraded(reason string) {
	DegradedRuns.WithLabelValues(reason).Inc()
}

// RecordProviderCall records one provider call; err is nil on success.
func RecordProviderCall(module string, durationSeconds float64, err error) {
	ProviderLatency.WithLabelValues(module).Observe(durationSeconds)
	if err != nil {
		ProviderFailures.WithLabelValues(module, NormalizeProviderError(err)).Inc()
	}
}

// RecordDecision counts an emitted decision.
func RecordDecision(action string) {
	Decisions.WithLabelValues(action).Inc()
}

// UpdateRisk publishes the headline risk figures of a run. A nil varPct marks
// VaR as unavailable.
func UpdateRisk(varPct *float64, level string, violations int) {
	if varPct == nil {
		LastVaRPct.Set(math.NaN())
	} else {
		LastVaRPct.Set(*varPct)
	}
	for _, l := range riskLevels {
		v := 0.0
		if l == level {
			v = 1
		}
		LastRiskLevel.WithLabelValues(l).Set(v)
	}
	PositionViolations.Set(float64(violations))
}

// UpdatePortfolioWeights replaces the weight gauges with weights.
func UpdatePortfolioWeights(weights map[string]float64) {
	PortfolioWeight.Reset()
	for symbol, w := range weights {
		PortfolioWeight.WithLabelValues(symbol).Set(w)
	}
}

// RecordHistoryCache counts a cache lookup: hit, miss or error.
func RecordHistoryCache(result string) {
	HistoryCacheOps.WithLabelValues(result).Inc()
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
}

// RecordPublish counts a publish attempt on subject.
func RecordPublish(subject string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	Published.WithLabelValues(subject, result).Inc()
}
