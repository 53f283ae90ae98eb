// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package governor_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-dev/warden/internal/governor"
	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/store/sqlite"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

type staticLevel struct {
	level store.ModeLevel
}

func (s *staticLevel) CurrentLevel(context.Context) (store.ModeLevel, error) {
	return s.level, nil
}

func testGovernor(t *testing.T, cfg governor.Config, level *staticLevel) (*governor.Governor, *sqlite.Store) {
	t.Helper()

	s, err := sqlite.New(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	g, err := governor.New(s.Ledger(), level, cfg, nil, nil)
	require.NoError(t, err)
	return g, s
}

func TestAdmit_WithinCeilings(t *testing.T) {
	ctx := context.Background()
	g, _ := testGovernor(t, governor.Config{}, &staticLevel{store.ModeNominal})

	dec, err := g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.01,
	})
	require.NoError(t, err)
	assert.True(t, dec.Admitted)
	assert.NotEmpty(t, dec.EntryID)

	totals, err := g.Totals(ctx, "agent-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, totals.TaskCalls)
	assert.InDelta(t, 0.01, totals.TaskCost, 1e-9)
}

func TestAdmit_TaskBudgetBreachAtMargin(t *testing.T) {
	ctx := context.Background()
	g, _ := testGovernor(t, governor.Config{TaskBudgetUSD: 0.50}, &staticLevel{store.ModeNominal})

	dec, err := g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.48,
	})
	require.NoError(t, err)
	assert.True(t, dec.Admitted)

	// 0.48 spent against a 0.50 budget: a 0.05 request must be rejected
	// before execution, with a violation on record.
	dec, err = g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.05,
	})
	require.Error(t, err)
	assert.False(t, dec.Admitted)
	assert.Equal(t, governor.ReasonTaskBudget, dec.Reason)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeGovernorTaskBudgetExceeded))

	violations, err := g.Violations(ctx, "agent-1", store.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, store.ScopeTask, violations[0].Scope)
	assert.Equal(t, governor.ReasonTaskBudget, violations[0].Reason)

	// The rejected cost was never reserved.
	totals, err := g.Totals(ctx, "agent-1", "task-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.48, totals.TaskCost, 1e-9)
}

func TestAdmit_CallQuotaScaledByMode(t *testing.T) {
	ctx := context.Background()
	level := &staticLevel{store.ModeNominal}
	g, _ := testGovernor(t, governor.Config{TaskCallQuota: 4}, level)

	for i := 0; i < 2; i++ {
		_, err := g.Admit(ctx, governor.AdmitRequest{
			AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.001,
		})
		require.NoError(t, err)
	}

	// ELEVATED halves the quota to 2, which is already consumed.
	level.level = store.ModeElevated
	dec, err := g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.001,
	})
	require.Error(t, err)
	assert.Equal(t, governor.ReasonTaskQuota, dec.Reason)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeGovernorTaskQuotaExceeded))
}

func TestAdmit_HaltedDeniesEverything(t *testing.T) {
	ctx := context.Background()
	g, _ := testGovernor(t, governor.Config{}, &staticLevel{store.ModeHalted})

	dec, err := g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.001,
	})
	require.Error(t, err)
	assert.False(t, dec.Admitted)
	assert.Equal(t, governor.ReasonModeRestricted, dec.Reason)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeGovernorModeRestricted))

	// Nothing reached the ledger.
	totals, err := g.Totals(ctx, "agent-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, 0, totals.TaskCalls)
}

func TestAdmit_RateLimitPerAgent(t *testing.T) {
	ctx := context.Background()
	g, _ := testGovernor(t, governor.Config{PerMinuteCalls: 2}, &staticLevel{store.ModeNominal})

	for i := 0; i < 2; i++ {
		_, err := g.Admit(ctx, governor.AdmitRequest{
			AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.001,
		})
		require.NoError(t, err)
	}

	dec, err := g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.001,
	})
	require.Error(t, err)
	assert.Equal(t, governor.ReasonRateExceeded, dec.Reason)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeGovernorRateExceeded))

	// Another agent has its own limiter.
	dec, err = g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-2", TaskID: "task-2", Provider: "llm", EstimatedCost: 0.001,
	})
	require.NoError(t, err)
	assert.True(t, dec.Admitted)
}

func TestAdmit_BreachDegradesScopeLevel(t *testing.T) {
	ctx := context.Background()
	g, _ := testGovernor(t, governor.Config{TaskBudgetUSD: 0.50}, &staticLevel{store.ModeNominal})

	_, err := g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.48,
	})
	require.NoError(t, err)

	dec, err := g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.05,
	})
	require.Error(t, err)
	assert.Equal(t, governor.ReasonTaskBudget, dec.Reason)
	assert.Equal(t, store.ModeNominal, dec.Level)

	// The breached task now runs one level stricter: ELEVATED halves the
	// budget to 0.25, so even a tiny request is over the line.
	dec, err = g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.001,
	})
	require.Error(t, err)
	assert.Equal(t, store.ModeElevated, dec.Level)
	assert.Equal(t, governor.ReasonTaskBudget, dec.Reason)

	// Other tasks of the same agent are untouched.
	dec, err = g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-1", TaskID: "task-2", Provider: "llm", EstimatedCost: 0.01,
	})
	require.NoError(t, err)
	assert.True(t, dec.Admitted)
	assert.Equal(t, store.ModeNominal, dec.Level)
}

func TestAdmit_DegradationExpires(t *testing.T) {
	ctx := context.Background()
	g, _ := testGovernor(t, governor.Config{
		TaskBudgetUSD: 0.50, DegradeWindow: 25 * time.Millisecond,
	}, &staticLevel{store.ModeNominal})

	_, err := g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.10,
	})
	require.NoError(t, err)

	_, err = g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.45,
	})
	require.Error(t, err)

	time.Sleep(50 * time.Millisecond)

	// Back at NOMINAL the remaining 0.40 headroom admits a 0.30 request.
	dec, err := g.Admit(ctx, governor.AdmitRequest{
		AgentID: "agent-1", TaskID: "task-1", Provider: "llm", EstimatedCost: 0.30,
	})
	require.NoError(t, err)
	assert.True(t, dec.Admitted)
	assert.Equal(t, store.ModeNominal, dec.Level)
}

func TestEffectiveCeilings_RecomputedNotStored(t *testing.T) {
	g, _ := testGovernor(t, governor.Config{
		TaskCallQuota: 100, TaskBudgetUSD: 0.50, AgentDayBudgetUSD: 25,
		GlobalDayBudgetUSD: 250, TaskStepCeiling: 50,
	}, &staticLevel{store.ModeNominal})

	now := time.Now()
	nominal := g.EffectiveCeilings(store.ModeNominal, now)
	assert.Equal(t, 100, nominal.TaskCallQuota)
	assert.InDelta(t, 0.50, nominal.TaskBudget, 1e-9)

	elevated := g.EffectiveCeilings(store.ModeElevated, now)
	assert.Equal(t, 50, elevated.TaskCallQuota)
	assert.InDelta(t, 0.25, elevated.TaskBudget, 1e-9)
	assert.InDelta(t, 12.5, elevated.AgentDayBudget, 1e-9)

	constrained := g.EffectiveCeilings(store.ModeConstrained, now)
	assert.Equal(t, 20, constrained.TaskCallQuota)
	assert.Equal(t, 10, constrained.TaskStepCeiling)

	halted := g.EffectiveCeilings(store.ModeHalted, now)
	assert.Equal(t, 0, halted.TaskCallQuota)
	assert.Equal(t, 0.0, halted.TaskBudget)
}
