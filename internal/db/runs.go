package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ajitpratap0/quantfunk/internal/aggregator"
	"github.com/ajitpratap0/quantfunk/internal/risk"
)

// RunStore persists completed runs and their decisions.
type RunStore struct {
	pool Pool
}

// NewRunStore creates a store over pool.
func NewRunStore(pool Pool) *RunStore {
	return &RunStore{pool: pool}
}

// DecisionRow is one stored decision with its run context.
type DecisionRow struct {
	RunID               string            `json:"run_id"`
	Symbol              string            `json:"symbol"`
	Action              aggregator.Action `json:"action"`
	Composite           float64           `json:"composite"`
	Confidence          float64           `json:"confidence"`
	Weight              float64           `json:"weight"`
	ContributingModules []string          `json:"contributing_modules"`
	Degraded            bool              `json:"degraded"`
	CompletedAt         time.Time         `json:"completed_at"`
}

const insertRunQuery = `
	INSERT INTO aggregation_runs (
		id, symbols, objective, degraded, reasons, var_95_pct, risk_level,
		module_weights, portfolio, risk_report, started_at, completed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

const insertDecisionQuery = `
	INSERT INTO run_decisions (
		run_id, symbol, action, composite, confidence, weight, contributing_modules
	) VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// SaveRun stores the run and one row per decision in a single transaction.
func (s *RunStore) SaveRun(ctx context.Context, run *aggregator.RunResult) error {
	if run == nil {
		return fmt.Errorf("nil run")
	}

	moduleWeights, err := json.Marshal(run.ModuleWeights)
	if err != nil {
		return fmt.Errorf("failed to marshal module weights: %w", err)
	}
	weights, err := json.Marshal(run.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal portfolio weights: %w", err)
	}

	var objective *string
	if run.Optimization != nil {
		name := run.Optimization.Objective.String()
		objective = &name
	}
	var varPct *float64
	var report []byte
	level := string(risk.LevelUnknown)
	if run.Risk != nil {
		varPct = run.Risk.VaR95Pct
		level = string(run.Risk.RiskLevel)
		if report, err = json.Marshal(run.Risk); err != nil {
			return fmt.Errorf("failed to marshal risk report: %w", err)
		}
	}
	reasons := run.Diagnostics.Reasons
	if reasons == nil {
		reasons = []string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, insertRunQuery,
		run.RunID, run.Symbols, objective, run.Diagnostics.Degraded, reasons, varPct, level,
		moduleWeights, weights, report, run.StartedAt, run.CompletedAt,
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.RunID, err)
	}

	for _, symbol := range run.Symbols {
		d, ok := run.Decisions[symbol]
		if !ok {
			continue
		}
		modules := d.ContributingModules
		if modules == nil {
			modules = []string{}
		}
		if _, err := tx.Exec(ctx, insertDecisionQuery,
			run.RunID, symbol, string(d.Action), d.Composite, d.Confidence, run.Weights[symbol], modules,
		); err != nil {
			return fmt.Errorf("failed to insert decision for %s: %w", symbol, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.RunID, err)
	}
	return nil
}

const recentDecisionsQuery = `
	SELECT d.run_id::text, d.symbol, d.action, d.composite, d.confidence, d.weight,
		d.contributing_modules, r.degraded, r.completed_at
	FROM run_decisions d
	JOIN aggregation_runs r ON r.id = d.run_id
	WHERE d.symbol = $1
	ORDER BY r.completed_at DESC
	LIMIT $2
`

// RecentDecisions returns the newest decisions for symbol, newest first.
func (s *RunStore) RecentDecisions(ctx context.Context, symbol string, limit int) ([]DecisionRow, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx, recentDecisionsQuery, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []DecisionRow
	for rows.Next() {
		var d DecisionRow
		var action string
		if err := rows.Scan(&d.RunID, &d.Symbol, &action, &d.Composite, &d.Confidence, &d.Weight,
			&d.ContributingModules, &d.Degraded, &d.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		d.Action = aggregator.Action(action)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decision rows: %w", err)
	}
	return out, nil
}
