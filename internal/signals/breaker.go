package signals

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/ajitpratap0/quantfunk/internal/market"
)

// Breaker defaults for remote signal providers.
const (
	DefaultBreakerMinRequests     = 5
	DefaultBreakerFailureRatio    = 0.6
	DefaultBreakerOpenTimeout     = 30 * time.Second
	DefaultBreakerHalfOpenMaxReqs = 2
	DefaultBreakerCountInterval   = 60 * time.Second
)

// BreakerSettings configures the circuit breaker around one provider.
type BreakerSettings struct {
	MinRequests     uint32        `mapstructure:"min_requests"`
	FailureRatio    float64       `mapstructure:"failure_ratio"`
	OpenTimeout     time.Duration `mapstructure:"open_timeout"`
	HalfOpenMaxReqs uint32        `mapstructure:"half_open_max_requests"`
	CountInterval   time.Duration `mapstructure:"count_interval"`
}

// DefaultBreakerSettings returns the package defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:     DefaultBreakerMinRequests,
		FailureRatio:    DefaultBreakerFailureRatio,
		OpenTimeout:     DefaultBreakerOpenTimeout,
		HalfOpenMaxReqs: DefaultBreakerHalfOpenMaxReqs,
		CountInterval:   DefaultBreakerCountInterval,
	}
}

type breakerMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
}

var (
	globalBreakerMetrics *breakerMetrics
	breakerMetricsOnce   sync.Once
)

func getBreakerMetrics() *breakerMetrics {
	breakerMetricsOnce.Do(func() {
		globalBreakerMetrics = &breakerMetrics{
			state: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "quantfunk_provider_breaker_state",
					Help: "Signal provider circuit breaker state (0=closed, 1=open, 2=half_open)",
				},
				[]string{"provider"},
			),
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "quantfunk_provider_breaker_requests_total",
					Help: "Signal provider calls through the circuit breaker",
				},
				[]string{"provider", "result"},
			),
		}
	})
	return globalBreakerMetrics
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// BreakerProvider guards a provider with a circuit breaker. While the circuit
// is open the provider reports itself unavailable, so the aggregator leaves
// it out of the run instead of waiting on it.
type BreakerProvider struct {
	inner   Provider
	cb      *gobreaker.CircuitBreaker
	metrics *breakerMetrics
}

// WithCircuitBreaker wraps p. ErrNoSignal and context cancellation by the
// caller do not count as failures.
func WithCircuitBreaker(p Provider, s BreakerSettings) *BreakerProvider {
	metrics := getBreakerMetrics()
	name := p.Name()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenMaxReqs,
		Interval:    s.CountInterval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			metrics.state.WithLabelValues(name).Set(stateValue(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoSignal) || errors.Is(err, context.Canceled)
		},
	})
	metrics.state.WithLabelValues(name).Set(stateValue(cb.State()))

	return &BreakerProvider{inner: p, cb: cb, metrics: metrics}
}

func (b *BreakerProvider) Name() string { return b.inner.Name() }

// Available is false while the circuit is open.
func (b *BreakerProvider) Available() bool {
	return b.cb.State() != gobreaker.StateOpen && b.inner.Available()
}

// State exposes the breaker state.
func (b *BreakerProvider) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerProvider) ProduceSignal(ctx context.Context, symbol string, history []market.PricePoint) (*Record, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.ProduceSignal(ctx, symbol, history)
	})
	if err != nil {
		result := "failure"
		switch {
		case errors.Is(err, ErrNoSignal):
			result = "no_signal"
		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			result = "rejected"
			err = errors.Join(ErrProviderUnavailable, err)
		}
		b.metrics.requests.WithLabelValues(b.Name(), result).Inc()
		return nil, err
	}
	b.metrics.requests.WithLabelValues(b.Name(), "success").Inc()

	rec, _ := out.(*Record)
	if rec == nil {
		return nil, ErrNoSignal
	}
	return rec, nil
}
