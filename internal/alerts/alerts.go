// Package alerts raises operator alerts from completed runs: elevated risk,
// position limit breaches and degraded output.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/quantfunk/internal/aggregator"
	"github.com/ajitpratap0/quantfunk/internal/risk"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert represents an alert message
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]any
}

// Alerter defines the interface for sending alerts
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans alerts out to every configured alerter.
type Manager struct {
	alerters []Alerter
	log      zerolog.Logger
}

// NewManager creates a new alert manager
func NewManager(log zerolog.Logger, alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
		log:      log.With().Str("component", "alerts").Logger(),
	}
}

// Send sends an alert to all configured alerters. A failing alerter does
// not stop the others.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var errs []error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			m.log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send alert")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishRun sends every alert FromRun derives from run. With Close it
// lets a Manager sit in a publish chain.
func (m *Manager) PublishRun(ctx context.Context, run *aggregator.RunResult) error {
	var errs []error
	for _, alert := range FromRun(run) {
		if err := m.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op.
func (m *Manager) Close() error { return nil }

// FromRun derives the alerts for one run, in a fixed order: risk level,
// position violations, degradation.
func FromRun(run *aggregator.RunResult) []Alert {
	if run == nil {
		return nil
	}
	ts := run.CompletedAt
	var out []Alert

	if r := run.Risk; r != nil {
		switch r.RiskLevel {
		case risk.LevelExtreme:
			out = append(out, riskAlert(run, SeverityCritical, ts))
		case risk.LevelHigh:
			out = append(out, riskAlert(run, SeverityWarning, ts))
		}
		for _, v := range r.PositionViolations {
			out = append(out, Alert{
				Title:     "Position limit exceeded",
				Message:   fmt.Sprintf("%s weight %.2f%% exceeds limit %.2f%%", v.Symbol, v.Weight*100, v.Limit*100),
				Severity:  SeverityWarning,
				Timestamp: ts,
				Metadata: map[string]any{
					"run_id": run.RunID,
					"symbol": v.Symbol,
					"weight": v.Weight,
					"limit":  v.Limit,
				},
			})
		}
	}

	if d := run.Diagnostics; d.Degraded {
		out = append(out, Alert{
			Title:     "Degraded run",
			Message:   "run output degraded: " + strings.Join(d.Reasons, ", "),
			Severity:  SeverityWarning,
			Timestamp: ts,
			Metadata: map[string]any{
				"run_id":            run.RunID,
				"reasons":           d.Reasons,
				"provider_failures": len(d.ProviderFailures),
				"fallback":          d.EqualWeightFallback,
			},
		})
	}
	return out
}

func riskAlert(run *aggregator.RunResult, sev Severity, ts time.Time) Alert {
	meta := map[string]any{
		"run_id":     run.RunID,
		"risk_level": string(run.Risk.RiskLevel),
	}
	msg := fmt.Sprintf("portfolio risk is %s", run.Risk.RiskLevel)
	if v := run.Risk.VaR95Pct; v != nil {
		meta["var_95_pct"] = *v
		msg = fmt.Sprintf("%s (VaR 95%% = %.2f%% of portfolio)", msg, *v*100)
	}
	return Alert{
		Title:     "Elevated portfolio risk",
		Message:   msg,
		Severity:  sev,
		Timestamp: ts,
		Metadata:  meta,
	}
}

// LogAlerter logs alerts using zerolog
type LogAlerter struct {
	log zerolog.Logger
}

// NewLogAlerter creates a new log-based alerter
func NewLogAlerter(log zerolog.Logger) *LogAlerter {
	return &LogAlerter{log: log}
}

// Send sends an alert by logging it
func (l *LogAlerter) Send(_ context.Context, alert Alert) error {
	var event *zerolog.Event
	switch alert.Severity {
	case SeverityCritical:
		event = l.log.Error()
	case SeverityWarning:
		event = l.log.Warn()
	default:
		event = l.log.Info()
	}

	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}

	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg("ALERT: " + alert.Message)
	return nil
}
