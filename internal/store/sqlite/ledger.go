// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Compile-time interface check.
var _ store.LedgerStore = (*LedgerStore)(nil)

// LedgerStore implements store.LedgerStore backed by SQLite. Reserve runs
// the counter reads and the ledger append in one transaction, which is the
// increment-and-check discipline that keeps concurrent admissions from both
// slipping under a nearly-exhausted ceiling.
type LedgerStore struct {
	db *sql.DB
}

func (s *LedgerStore) Reserve(ctx context.Context, entry *store.UsageLedgerEntry, ceil store.UsageCeilings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeGovernorCountersUnavailable, "beginning reservation")
	}
	defer func() { _ = tx.Rollback() }()

	var taskCalls, taskSteps int
	var taskCost float64
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(steps), 0), COALESCE(SUM(cost), 0) FROM usage_ledger WHERE task_id = ?`,
		entry.TaskID,
	).Scan(&taskCalls, &taskSteps, &taskCost)
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeGovernorCountersUnavailable, "reading task counters")
	}

	dayStart := formatTime(ceil.DayStart)

	var agentDayCost float64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM usage_ledger WHERE agent_id = ? AND created_at >= ?`,
		entry.AgentID, dayStart,
	).Scan(&agentDayCost)
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeGovernorCountersUnavailable, "reading agent day counters")
	}

	var globalDayCost float64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM usage_ledger WHERE created_at >= ?`,
		dayStart,
	).Scan(&globalDayCost)
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeGovernorCountersUnavailable, "reading global day counters")
	}

	switch {
	case taskCalls+1 > ceil.TaskCallQuota:
		return wardenerr.New(wardenerr.CodeGovernorTaskQuotaExceeded, "task call quota exceeded",
			wardenerr.FieldTaskID(entry.TaskID),
			wardenerr.Field("calls", taskCalls),
			wardenerr.Field("quota", ceil.TaskCallQuota))
	case taskCost+entry.Cost > ceil.TaskBudget:
		return wardenerr.New(wardenerr.CodeGovernorTaskBudgetExceeded, "task budget exceeded",
			wardenerr.FieldTaskID(entry.TaskID),
			wardenerr.Field("spent", taskCost),
			wardenerr.Field("estimated_cost", entry.Cost),
			wardenerr.Field("budget", ceil.TaskBudget))
	case agentDayCost+entry.Cost > ceil.AgentDayBudget:
		return wardenerr.New(wardenerr.CodeGovernorAgentBudgetExceeded, "agent daily budget exceeded",
			wardenerr.FieldAgentID(entry.AgentID),
			wardenerr.Field("spent", agentDayCost),
			wardenerr.Field("estimated_cost", entry.Cost),
			wardenerr.Field("budget", ceil.AgentDayBudget))
	case globalDayCost+entry.Cost > ceil.GlobalDayBudget:
		return wardenerr.New(wardenerr.CodeGovernorGlobalBudgetExceeded, "global daily budget exceeded",
			wardenerr.Field("spent", globalDayCost),
			wardenerr.Field("estimated_cost", entry.Cost),
			wardenerr.Field("budget", ceil.GlobalDayBudget))
	case taskSteps+entry.Steps > ceil.TaskStepCeiling:
		return wardenerr.New(wardenerr.CodeGovernorStepCeilingExceeded, "task step ceiling exceeded",
			wardenerr.FieldTaskID(entry.TaskID),
			wardenerr.Field("steps", taskSteps),
			wardenerr.Field("ceiling", ceil.TaskStepCeiling))
	}

	const q = `INSERT INTO usage_ledger (id, agent_id, task_id, provider, cost, steps, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, q,
		entry.ID,
		entry.AgentID,
		entry.TaskID,
		entry.Provider,
		entry.Cost,
		entry.Steps,
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appending ledger entry %s: %w", entry.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeGovernorCountersUnavailable, "committing reservation")
	}
	return nil
}

func (s *LedgerStore) Totals(ctx context.Context, agentID, taskID string, dayStart time.Time) (*store.UsageTotals, error) {
	var totals store.UsageTotals
	day := formatTime(dayStart)

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(cost), 0), COALESCE(SUM(steps), 0) FROM usage_ledger WHERE task_id = ?`,
		taskID,
	).Scan(&totals.TaskCalls, &totals.TaskCost, &totals.TaskSteps)
	if err != nil {
		return nil, fmt.Errorf("reading task totals: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM usage_ledger WHERE agent_id = ? AND created_at >= ?`,
		agentID, day,
	).Scan(&totals.AgentDayCost)
	if err != nil {
		return nil, fmt.Errorf("reading agent day totals: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM usage_ledger WHERE created_at >= ?`,
		day,
	).Scan(&totals.GlobalDayCost)
	if err != nil {
		return nil, fmt.Errorf("reading global day totals: %w", err)
	}

	return &totals, nil
}

func (s *LedgerStore) AppendViolation(ctx context.Context, ev *store.ViolationEvent) error {
	const q = `INSERT INTO violation_events (id, agent_id, task_id, scope, reason, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		ev.ID,
		ev.AgentID,
		ev.TaskID,
		ev.Scope,
		ev.Reason,
		ev.Detail,
		formatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appending violation event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *LedgerStore) ListViolations(ctx context.Context, agentID string, opts store.ListOpts) ([]*store.ViolationEvent, error) {
	q := `SELECT id, agent_id, task_id, scope, reason, detail, created_at FROM violation_events`

	var args []any
	if agentID != "" {
		q += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	q += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing violation events: %w", err)
	}
	defer rows.Close()

	var out []*store.ViolationEvent
	for rows.Next() {
		var ev store.ViolationEvent
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.TaskID, &ev.Scope, &ev.Reason, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning violation event: %w", err)
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", ev.ID, err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
