// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(agentID, taskID string, cost float64) *store.UsageLedgerEntry {
	return &store.UsageLedgerEntry{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		TaskID:    taskID,
		Provider:  "prov-1",
		Cost:      cost,
		Steps:     1,
		CreatedAt: time.Now(),
	}
}

func TestLedgerStore_ReserveAndTotals(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	ledger := s.Ledger()
	ceil := defaultCeilings()
	ceil.DayStart = time.Now().Add(-time.Hour)

	require.NoError(t, ledger.Reserve(ctx, entry("agent-1", "task-1", 0.10), ceil))
	require.NoError(t, ledger.Reserve(ctx, entry("agent-1", "task-1", 0.20), ceil))

	totals, err := ledger.Totals(ctx, "agent-1", "task-1", ceil.DayStart)
	require.NoError(t, err)
	assert.Equal(t, 2, totals.TaskCalls)
	assert.InDelta(t, 0.30, totals.TaskCost, 1e-9)
	assert.InDelta(t, 0.30, totals.AgentDayCost, 1e-9)
	assert.InDelta(t, 0.30, totals.GlobalDayCost, 1e-9)
}

func TestLedgerStore_TaskBudgetBreach(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	ledger := s.Ledger()
	ceil := defaultCeilings()
	ceil.DayStart = time.Now().Add(-time.Hour)

	// Spend $0.48 of the $0.50 task ceiling.
	require.NoError(t, ledger.Reserve(ctx, entry("agent-1", "task-1", 0.48), ceil))

	// The next $0.05 call would overshoot and must be rejected without
	// appending anything.
	err := ledger.Reserve(ctx, entry("agent-1", "task-1", 0.05), ceil)
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeGovernorTaskBudgetExceeded))

	totals, err := ledger.Totals(ctx, "agent-1", "task-1", ceil.DayStart)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.TaskCalls)
	assert.InDelta(t, 0.48, totals.TaskCost, 1e-9)
}

func TestLedgerStore_CallQuotaBreach(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	ledger := s.Ledger()
	ceil := defaultCeilings()
	ceil.TaskCallQuota = 2
	ceil.DayStart = time.Now().Add(-time.Hour)

	require.NoError(t, ledger.Reserve(ctx, entry("agent-1", "task-1", 0.01), ceil))
	require.NoError(t, ledger.Reserve(ctx, entry("agent-1", "task-1", 0.01), ceil))

	err := ledger.Reserve(ctx, entry("agent-1", "task-1", 0.01), ceil)
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeGovernorTaskQuotaExceeded))
}

func TestLedgerStore_StepCeilingBreach(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	ledger := s.Ledger()
	ceil := defaultCeilings()
	ceil.TaskStepCeiling = 3
	ceil.DayStart = time.Now().Add(-time.Hour)

	first := entry("agent-1", "task-1", 0.01)
	first.Steps = 3
	require.NoError(t, ledger.Reserve(ctx, first, ceil))

	err := ledger.Reserve(ctx, entry("agent-1", "task-1", 0.01), ceil)
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeGovernorStepCeilingExceeded))
}

func TestLedgerStore_AgentAndGlobalDayBudgets(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	ledger := s.Ledger()
	ceil := defaultCeilings()
	ceil.TaskBudget = 100.0
	ceil.AgentDayBudget = 1.0
	ceil.GlobalDayBudget = 1.5
	ceil.DayStart = time.Now().Add(-time.Hour)

	// Agent-1 exhausts its own daily ceiling across tasks.
	require.NoError(t, ledger.Reserve(ctx, entry("agent-1", "task-1", 0.60), ceil))
	require.NoError(t, ledger.Reserve(ctx, entry("agent-1", "task-2", 0.40), ceil))

	err := ledger.Reserve(ctx, entry("agent-1", "task-3", 0.10), ceil)
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeGovernorAgentBudgetExceeded))

	// A different agent still has headroom until the global ceiling trips.
	require.NoError(t, ledger.Reserve(ctx, entry("agent-2", "task-4", 0.40), ceil))
	err = ledger.Reserve(ctx, entry("agent-2", "task-5", 0.20), ceil)
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeGovernorGlobalBudgetExceeded))
}

func TestLedgerStore_Violations(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	ledger := s.Ledger()

	for i := range 3 {
		require.NoError(t, ledger.AppendViolation(ctx, &store.ViolationEvent{
			ID:        uuid.NewString(),
			AgentID:   "agent-1",
			TaskID:    fmt.Sprintf("task-%d", i),
			Scope:     store.ScopeTask,
			Reason:    "TASK_BUDGET_EXCEEDED",
			Detail:    "projected cost exceeds ceiling",
			CreatedAt: time.Now(),
		}))
	}

	events, err := ledger.ListViolations(ctx, "agent-1", store.ListOpts{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	all, err := ledger.ListViolations(ctx, "", store.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
