// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package mode_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-dev/warden/internal/mode"
	"github.com/warden-dev/warden/internal/registry"
	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/store/sqlite"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

type staticForensics struct{}

func (staticForensics) ForensicPayload() string {
	return `{"version":7,"composite_hash":"abc"}`
}

func testController(t *testing.T, cfg mode.Config) (*mode.Controller, *sqlite.Store) {
	t.Helper()

	s, err := sqlite.New(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctrl, err := mode.New(s.Modes(), s.Reconciliations(), s.Audit(), staticForensics{}, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Bootstrap(context.Background()))
	return ctrl, s
}

func TestController_BootstrapSeedsNominal(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := testController(t, mode.Config{})

	level, err := ctrl.CurrentLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.ModeNominal, level)

	// Bootstrap is idempotent.
	require.NoError(t, ctrl.Bootstrap(ctx))
	history, err := ctrl.History(ctx, store.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestController_EscalateIsMonotonic(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := testController(t, mode.Config{})

	require.NoError(t, ctrl.Escalate(ctx, store.ModeConstrained, "test escalation", "system:test"))

	level, err := ctrl.CurrentLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.ModeConstrained, level)

	// Escalating to a less restrictive level is a no-op, never a loosening.
	require.NoError(t, ctrl.Escalate(ctx, store.ModeElevated, "late lower request", "system:test"))
	level, err = ctrl.CurrentLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.ModeConstrained, level)

	history, err := ctrl.History(ctx, store.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestController_TransitionVersionsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := testController(t, mode.Config{})

	current, err := ctrl.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.Version, "bootstrap seeds version 1")

	require.NoError(t, ctrl.Escalate(ctx, store.ModeElevated, "first escalation", "system:test"))
	require.NoError(t, ctrl.Escalate(ctx, store.ModeConstrained, "second escalation", "system:test"))

	history, err := ctrl.History(ctx, store.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, history, 3)
	// Newest first, each version exactly one above its predecessor.
	assert.Equal(t, int64(3), history[0].Version)
	assert.Equal(t, int64(2), history[1].Version)
	assert.Equal(t, int64(1), history[2].Version)
	assert.True(t, history[0].Current)
	assert.False(t, history[1].Current)
	assert.False(t, history[2].Current)
}

func TestController_LoosenRequiresAuthority(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := testController(t, mode.Config{})
	require.NoError(t, ctrl.Escalate(ctx, store.ModeElevated, "test escalation", "system:test"))

	_, err := ctrl.Loosen(ctx, store.ModeNominal, "verified recovery", registry.Identity{ID: "op-1", Tier: store.TierOperator})
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeModeTransitionDenied))

	_, err = ctrl.Loosen(ctx, store.ModeNominal, "verified recovery", registry.Identity{ID: "system:scoring", Tier: store.TierRoot, System: true})
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeModeTransitionDenied))

	_, err = ctrl.Loosen(ctx, store.ModeNominal, "", registry.Identity{ID: "sup-1", Tier: store.TierSupervisor})
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeModeTransitionInvalid))

	rec, err := ctrl.Loosen(ctx, store.ModeNominal, "verified recovery", registry.Identity{ID: "sup-1", Tier: store.TierSupervisor})
	require.NoError(t, err)
	assert.Equal(t, store.ModeNominal, rec.Level)
	assert.Equal(t, "sup-1", rec.TriggeredBy)
}

func TestController_LoosenRejectsUpward(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := testController(t, mode.Config{})

	_, err := ctrl.Loosen(ctx, store.ModeNominal, "already nominal", registry.Identity{ID: "sup-1", Tier: store.TierSupervisor})
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeModeTransitionInvalid))
}

func TestController_CriticalDensityEscalates(t *testing.T) {
	ctx := context.Background()
	ctrl, s := testController(t, mode.Config{CriticalCount: 3, CriticalWindow: time.Hour})

	for i := 0; i < 2; i++ {
		appendCritical(t, s)
		ctrl.ReportCritical(ctx, "agent-1")
	}
	level, err := ctrl.CurrentLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.ModeNominal, level)

	appendCritical(t, s)
	ctrl.ReportCritical(ctx, "agent-1")

	level, err = ctrl.CurrentLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.ModeElevated, level)
}

func TestController_IntegrityFaultHalts(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := testController(t, mode.Config{})

	ctrl.ReportIntegrityFault(ctx, "snapshot composite hash mismatch")

	rec, err := ctrl.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.ModeHalted, rec.Level)
	assert.Contains(t, rec.ActiveRestrictions, "admissions_denied")
}

func TestController_LockPreservesForensics(t *testing.T) {
	ctx := context.Background()
	ctrl, s := testController(t, mode.Config{})

	require.NoError(t, ctrl.Escalate(ctx, store.ModeLocked, "confirmed compromise", "system:test"))

	level, err := ctrl.CurrentLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.ModeLocked, level)

	// The forensic record is written before the transition and chains.
	bad, err := s.Audit().VerifyForensicChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), bad)

	rec, err := s.Audit().AppendForensic(ctx, "post-lock probe", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Sequence)
}

func TestMultiplier(t *testing.T) {
	assert.Equal(t, 1.0, mode.Multiplier(store.ModeNominal))
	assert.Equal(t, 0.5, mode.Multiplier(store.ModeElevated))
	assert.Equal(t, 0.2, mode.Multiplier(store.ModeConstrained))
	assert.Equal(t, 0.0, mode.Multiplier(store.ModeHalted))
	assert.Equal(t, 0.0, mode.Multiplier(store.ModeLocked))
}

func appendCritical(t *testing.T, s *sqlite.Store) {
	t.Helper()
	require.NoError(t, s.Reconciliations().AppendRecord(context.Background(), &store.ReconciliationRecord{
		ID:             uuid.NewString(),
		AgentID:        "agent-1",
		TaskID:         "task-1",
		SnapshotHash:   "hash-1",
		Score:          1.0,
		Classification: store.ClassificationCritical,
		CreatedAt:      time.Now(),
	}))
}
