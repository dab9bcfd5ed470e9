// Package publish broadcasts completed runs to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/quantfunk/internal/aggregator"
	"github.com/ajitpratap0/quantfunk/internal/metrics"
	"github.com/ajitpratap0/quantfunk/internal/risk"
)

// ErrNotConnected is returned when the NATS connection is down.
var ErrNotConnected = errors.New("publisher not connected")

// Publisher receives every completed run.
type Publisher interface {
	PublishRun(ctx context.Context, run *aggregator.RunResult) error
	Close() error
}

// DecisionEvent is published once per symbol on <prefix>.decisions.
type DecisionEvent struct {
	RunID               string            `json:"run_id"`
	Symbol              string            `json:"symbol"`
	Action              aggregator.Action `json:"action"`
	Composite           float64           `json:"composite"`
	Confidence          float64           `json:"confidence"`
	ContributingModules []string          `json:"contributing_modules"`
	Weight              float64           `json:"weight"`
	Degraded            bool              `json:"degraded"`
	Timestamp           time.Time         `json:"timestamp"`
}

// RiskEvent is published once per run on <prefix>.risk.
type RiskEvent struct {
	RunID     string             `json:"run_id"`
	Symbols   []string           `json:"symbols"`
	Weights   map[string]float64 `json:"weights"`
	Report    *risk.Report       `json:"report"`
	Degraded  bool               `json:"degraded"`
	Reasons   []string           `json:"reasons,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// DefaultFlushTimeout bounds the flush when the caller's context has no
// deadline of its own.
const DefaultFlushTimeout = 5 * time.Second

// NATSConfig configures a NATSPublisher.
type NATSConfig struct {
	URL          string
	Prefix       string
	FlushTimeout time.Duration
}

// NATSPublisher publishes run results as JSON over core NATS.
type NATSPublisher struct {
	nc           *nats.Conn
	prefix       string
	flushTimeout time.Duration
	log          zerolog.Logger
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(cfg NATSConfig, log zerolog.Logger) (*NATSPublisher, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "quantfunk"
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("quantfunk-publisher"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().
		Str("nats_url", cfg.URL).
		Str("prefix", cfg.Prefix).
		Msg("Publisher initialized")

	return &NATSPublisher{nc: nc, prefix: cfg.Prefix, flushTimeout: cfg.FlushTimeout, log: log}, nil
}

// DecisionsSubject is where DecisionEvents go.
func (p *NATSPublisher) DecisionsSubject() string { return p.prefix + ".decisions" }

// RiskSubject is where RiskEvents go.
func (p *NATSPublisher) RiskSubject() string { return p.prefix + ".risk" }

// PublishRun sends one DecisionEvent per symbol, in symbol order, then
// the RiskEvent, and flushes. A context without a deadline gets the
// configured flush timeout.
func (p *NATSPublisher) PublishRun(ctx context.Context, run *aggregator.RunResult) error {
	if run == nil {
		return errors.New("nil run")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.nc.IsConnected() {
		return ErrNotConnected
	}

	ts := run.CompletedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	for _, sym := range run.Symbols {
		d, ok := run.Decisions[sym]
		if !ok {
			continue
		}
		event := DecisionEvent{
			RunID:               run.RunID,
			Symbol:              sym,
			Action:              d.Action,
			Composite:           d.Composite,
			Confidence:          d.Confidence,
			ContributingModules: d.ContributingModules,
			Weight:              run.Weights[sym],
			Degraded:            run.Diagnostics.Degraded,
			Timestamp:           ts,
		}
		if err := p.publish(p.DecisionsSubject(), event); err != nil {
			return err
		}
	}

	event := RiskEvent{
		RunID:     run.RunID,
		Symbols:   run.Symbols,
		Weights:   run.Weights,
		Report:    run.Risk,
		Degraded:  run.Diagnostics.Degraded,
		Reasons:   run.Diagnostics.Reasons,
		Timestamp: ts,
	}
	if err := p.publish(p.RiskSubject(), event); err != nil {
		return err
	}

	flushCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, p.flushTimeout)
		defer cancel()
	}
	if err := p.nc.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	p.log.Debug().
		Str("run_id", run.RunID).
		Int("decisions", len(run.Decisions)).
		Msg("Run published")
	return nil
}

func (p *NATSPublisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err == nil {
		err = p.nc.Publish(subject, data)
	}
	metrics.RecordPublish(subject, err)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	return p.nc.Drain()
}

// Nop discards runs. It stands in when NATS is disabled.
type Nop struct{}

func (Nop) PublishRun(context.Context, *aggregator.RunResult) error { return nil }
func (Nop) Close() error                                           { return nil }

// Multi fans a run out to several publishers in order. Every publisher
// sees the run; the errors are joined.
type Multi []Publisher

func (m Multi) PublishRun(ctx context.Context, run *aggregator.RunResult) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishRun(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
