package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quantfunk/internal/aggregator"
	"github.com/ajitpratap0/quantfunk/internal/risk"
)

func startTestNATSServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func subscribe(t *testing.T, ns *server.Server, subject string) *nats.Subscription {
	t.Helper()
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	sub, err := nc.SubscribeSync(subject)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	return sub
}

func sampleRun() *aggregator.RunResult {
	level := 0.031
	return &aggregator.RunResult{
		RunID:   "run-1",
		Symbols: []string{"A", "B"},
		Decisions: map[string]aggregator.Decision{
			"A": {Symbol: "A", Action: aggregator.ActionBuy, Composite: 0.6, Confidence: 2.0 / 3, ContributingModules: []string{"mean_reversion", "technical", "time_series"}},
			"B": {Symbol: "B", Action: aggregator.ActionHold, ContributingModules: []string{}},
		},
		Weights:     map[string]float64{"A": 0.7, "B": 0.3},
		Risk:        &risk.Report{VaR95Pct: &level, RiskLevel: risk.LevelMedium},
		Diagnostics: aggregator.Diagnostics{Degraded: true, Reasons: []string{"missing_data"}},
		CompletedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestNATSPublisher_PublishRun(t *testing.T) {
	ns := startTestNATSServer(t)
	sub := subscribe(t, ns, "test.>")

	p, err := NewNATSPublisher(NATSConfig{URL: ns.ClientURL(), Prefix: "test"}, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	require.NoError(t, p.PublishRun(context.Background(), sampleRun()))

	var decisions []DecisionEvent
	for range 2 {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, "test.decisions", msg.Subject)
		var ev DecisionEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		decisions = append(decisions, ev)
	}
	assert.Equal(t, "A", decisions[0].Symbol)
	assert.Equal(t, aggregator.ActionBuy, decisions[0].Action)
	assert.InDelta(t, 0.7, decisions[0].Weight, 1e-12)
	assert.True(t, decisions[0].Degraded)
	assert.Equal(t, "B", decisions[1].Symbol)
	assert.Equal(t, aggregator.ActionHold, decisions[1].Action)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "test.risk", msg.Subject)
	var ev RiskEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, []string{"missing_data"}, ev.Reasons)
	require.NotNil(t, ev.Report)
	assert.Equal(t, risk.LevelMedium, ev.Report.RiskLevel)
	require.NotNil(t, ev.Report.VaR95Pct)
	assert.InDelta(t, 0.031, *ev.Report.VaR95Pct, 1e-12)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), ev.Timestamp)
}

func TestNATSPublisher_PublishRunWithoutDeadline(t *testing.T) {
	ns := startTestNATSServer(t)
	sub := subscribe(t, ns, "nodeadline.risk")

	p, err := NewNATSPublisher(NATSConfig{URL: ns.ClientURL(), Prefix: "nodeadline"}, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	assert.Equal(t, DefaultFlushTimeout, p.flushTimeout)

	// Callers detach from request cancellation with WithoutCancel, which
	// also drops any deadline.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	detached := context.WithoutCancel(ctx)
	_, hasDeadline := detached.Deadline()
	require.False(t, hasDeadline)

	require.NoError(t, p.PublishRun(detached, sampleRun()))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "nodeadline.risk", msg.Subject)
}

func TestNATSPublisher_CustomFlushTimeout(t *testing.T) {
	ns := startTestNATSServer(t)

	p, err := NewNATSPublisher(NATSConfig{URL: ns.ClientURL(), FlushTimeout: 250 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	assert.Equal(t, 250*time.Millisecond, p.flushTimeout)
	require.NoError(t, p.PublishRun(context.Background(), sampleRun()))
}

func TestNATSPublisher_DefaultPrefix(t *testing.T) {
	ns := startTestNATSServer(t)

	p, err := NewNATSPublisher(NATSConfig{URL: ns.ClientURL()}, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	assert.Equal(t, "quantfunk.decisions", p.DecisionsSubject())
	assert.Equal(t, "quantfunk.risk", p.RiskSubject())
}

func TestNATSPublisher_CancelledContext(t *testing.T) {
	ns := startTestNATSServer(t)

	p, err := NewNATSPublisher(NATSConfig{URL: ns.ClientURL(), Prefix: "test"}, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.PublishRun(ctx, sampleRun()), context.Canceled)
}

func TestNATSPublisher_Closed(t *testing.T) {
	ns := startTestNATSServer(t)

	p, err := NewNATSPublisher(NATSConfig{URL: ns.ClientURL(), Prefix: "test"}, zerolog.Nop())
	require.NoError(t, err)
	p.nc.Close()

	assert.ErrorIs(t, p.PublishRun(context.Background(), sampleRun()), ErrNotConnected)
	assert.NoError(t, p.Close())
}

func TestNewNATSPublisher_Unreachable(t *testing.T) {
	_, err := NewNATSPublisher(NATSConfig{URL: "nats://127.0.0.1:1"}, zerolog.Nop())
	require.Error(t, err)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.PublishRun(context.Background(), sampleRun()))
	assert.NoError(t, p.Close())
}

type failingPublisher struct {
	calls int
	err   error
}

func (p *failingPublisher) PublishRun(context.Context, *aggregator.RunResult) error {
	p.calls++
	return p.err
}

func (p *failingPublisher) Close() error { return p.err }

func TestMulti(t *testing.T) {
	boom := errors.New("boom")
	first := &failingPublisher{err: boom}
	second := &failingPublisher{}

	m := Multi{first, second, Nop{}}
	err := m.PublishRun(context.Background(), sampleRun())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls, "a failing publisher does not stop the others")
	assert.ErrorIs(t, m.Close(), boom)

	assert.NoError(t, Multi{}.PublishRun(context.Background(), sampleRun()))
}
