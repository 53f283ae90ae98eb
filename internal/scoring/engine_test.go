// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package scoring_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-dev/warden/internal/scoring"
	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/store/sqlite"
)

type recordingEscalator struct {
	mu       sync.Mutex
	requests []scoring.EscalationRequest
}

func (r *recordingEscalator) FileSuspension(_ context.Context, req scoring.EscalationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return nil
}

func (r *recordingEscalator) all() []scoring.EscalationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scoring.EscalationRequest(nil), r.requests...)
}

type recordingSignaler struct {
	mu     sync.Mutex
	agents []string
}

func (r *recordingSignaler) ReportCritical(_ context.Context, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, agentID)
}

func (r *recordingSignaler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

func identityWeights(t *testing.T) *scoring.WeightSet {
	t.Helper()
	ws := &scoring.WeightSet{
		Version: "v1",
		Fields: []scoring.FieldWeight{
			{FieldClass: "domain_regime", Weight: 1.0, Tolerance: scoring.ToleranceExact},
			{FieldClass: "restriction_level", Weight: 1.0, Tolerance: scoring.ToleranceExact},
		},
	}
	require.NoError(t, ws.Validate())
	return ws
}

func testEngine(t *testing.T, ws *scoring.WeightSet, cfg scoring.Config) (*scoring.Engine, *sqlite.Store, *recordingEscalator, *recordingSignaler) {
	t.Helper()

	s, err := sqlite.New(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	esc := &recordingEscalator{}
	sig := &recordingSignaler{}
	eng, err := scoring.New(s.Reconciliations(), s.Agents(), scoring.NewWeightProvider(ws), esc, sig, cfg, nil, nil)
	require.NoError(t, err)
	return eng, s, esc, sig
}

func TestScore_Deterministic(t *testing.T) {
	ws := identityWeights(t)

	reported := map[string]any{"restriction_level": 5, "domain_regime": "A"}
	canonical := map[string]any{"domain_regime": "A", "restriction_level": 5}

	first := scoring.Score(reported, canonical, ws)
	for i := 0; i < 10; i++ {
		again := scoring.Score(reported, canonical, ws)
		assert.Equal(t, first.Score, again.Score)
		assert.Equal(t, first.Diffs, again.Diffs)
	}

	// Diffs come out ordered by field class regardless of map insertion.
	require.Len(t, first.Diffs, 2)
	assert.Equal(t, "domain_regime", first.Diffs[0].FieldClass)
	assert.Equal(t, "restriction_level", first.Diffs[1].FieldClass)
}

func TestScore_Bounded(t *testing.T) {
	ws := &scoring.WeightSet{
		Version: "v1",
		Fields: []scoring.FieldWeight{
			{FieldClass: "a", Weight: 0.1, Tolerance: scoring.ToleranceExact},
			{FieldClass: "b", Weight: 0.5, Tolerance: scoring.ToleranceExact},
			{FieldClass: "c", Weight: 1.0, Tolerance: scoring.ToleranceExact},
		},
	}
	require.NoError(t, ws.Validate())

	cases := []map[string]any{
		{},
		{"a": "x"},
		{"a": "x", "b": "y"},
		{"a": "x", "b": "y", "c": "z"},
		{"a": "wrong", "b": "y", "c": "z"},
		{"a": "wrong", "b": "wrong", "c": "wrong"},
	}
	canonical := map[string]any{"a": "x", "b": "y", "c": "z"}

	for _, reported := range cases {
		res := scoring.Score(reported, canonical, ws)
		assert.GreaterOrEqual(t, res.Score, 0.0)
		assert.LessOrEqual(t, res.Score, 1.0)
	}
}

func TestScore_MonotonicInMismatches(t *testing.T) {
	ws := &scoring.WeightSet{
		Version: "v1",
		Fields: []scoring.FieldWeight{
			{FieldClass: "a", Weight: 1.0, Tolerance: scoring.ToleranceExact},
			{FieldClass: "b", Weight: 1.0, Tolerance: scoring.ToleranceExact},
			{FieldClass: "c", Weight: 1.0, Tolerance: scoring.ToleranceExact},
		},
	}
	require.NoError(t, ws.Validate())

	canonical := map[string]any{"a": "1", "b": "2", "c": "3"}
	prev := -1.0
	for _, reported := range []map[string]any{
		{"a": "1", "b": "2", "c": "3"},
		{"a": "x", "b": "2", "c": "3"},
		{"a": "x", "b": "x", "c": "3"},
		{"a": "x", "b": "x", "c": "x"},
	} {
		score := scoring.Score(reported, canonical, ws).Score
		assert.Greater(t, score, prev)
		prev = score
	}
	assert.Equal(t, 1.0, prev)
}

func TestScore_ToleranceRules(t *testing.T) {
	cases := []struct {
		name      string
		tolerance scoring.ToleranceRule
		reported  any
		canonical any
		mismatch  bool
	}{
		{"exact equal", scoring.ToleranceExact, "abc", "abc", false},
		{"exact differs", scoring.ToleranceExact, "abc", "abd", true},
		{"exact case sensitive", scoring.ToleranceExact, "ABC", "abc", true},
		{"relative within 0.1%", scoring.ToleranceRelative, 100.05, 100.0, false},
		{"relative beyond 0.1%", scoring.ToleranceRelative, 100.2, 100.0, true},
		{"relative zero canonical", scoring.ToleranceRelative, 0.001, 0.0, true},
		{"relative unparseable", scoring.ToleranceRelative, "n/a", 100.0, true},
		{"timestamp within 5s", scoring.ToleranceTimestamp, "2026-08-25T12:00:04Z", "2026-08-25T12:00:00Z", false},
		{"timestamp beyond 5s", scoring.ToleranceTimestamp, "2026-08-25T12:00:06Z", "2026-08-25T12:00:00Z", true},
		{"text case folded", scoring.ToleranceText, "Risk  Desk", "risk desk", false},
		{"text differs", scoring.ToleranceText, "risk desk", "ops desk", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ws := &scoring.WeightSet{
				Version: "v1",
				Fields:  []scoring.FieldWeight{{FieldClass: "f", Weight: 1.0, Tolerance: tc.tolerance}},
			}
			require.NoError(t, ws.Validate())

			res := scoring.Score(map[string]any{"f": tc.reported}, map[string]any{"f": tc.canonical}, ws)
			require.Len(t, res.Diffs, 1)
			assert.Equal(t, tc.mismatch, res.Diffs[0].Mismatch)
		})
	}
}

func TestEvaluate_MatchingReportPassesWithoutEscalation(t *testing.T) {
	ctx := context.Background()
	eng, s, esc, sig := testEngine(t, identityWeights(t), scoring.Config{})

	rec, err := eng.Evaluate(ctx, scoring.EvaluateInput{
		AgentID:      "agent-1",
		TaskID:       "task-1",
		SnapshotHash: "hash-1",
		Reported:     map[string]any{"domain_regime": "A", "restriction_level": 5},
		Canonical:    map[string]any{"domain_regime": "A", "restriction_level": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.Score)
	assert.Equal(t, store.ClassificationNormal, rec.Classification)

	stored, err := s.Reconciliations().GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ClassificationNormal, stored.Classification)

	assert.Empty(t, esc.all())
	assert.Equal(t, 0, sig.count())
}

func TestEvaluate_CriticalMismatchEscalates(t *testing.T) {
	ctx := context.Background()
	ws := &scoring.WeightSet{
		Version: "v1",
		Fields:  []scoring.FieldWeight{{FieldClass: "domain_regime", Weight: 1.0, Tolerance: scoring.ToleranceExact}},
	}
	require.NoError(t, ws.Validate())
	eng, s, esc, sig := testEngine(t, ws, scoring.Config{})

	rec, err := eng.Evaluate(ctx, scoring.EvaluateInput{
		AgentID:      "agent-1",
		TaskID:       "task-1",
		SnapshotHash: "hash-1",
		Reported:     map[string]any{"domain_regime": "B"},
		Canonical:    map[string]any{"domain_regime": "A"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Score)
	assert.Equal(t, store.ClassificationCritical, rec.Classification)

	requests := esc.all()
	require.Len(t, requests, 1)
	assert.Equal(t, scoring.TriggerCritical, requests[0].Trigger)
	assert.Equal(t, "agent-1", requests[0].AgentID)
	assert.Equal(t, "hash-1", requests[0].SnapshotHash)
	assert.Equal(t, 1, sig.count())

	stored, err := s.Reconciliations().GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, stored.FieldDiffs, 1)
	assert.True(t, stored.FieldDiffs[0].Mismatch)
}

func TestEvaluate_MissingCanonicalForcesCritical(t *testing.T) {
	ctx := context.Background()
	eng, s, esc, sig := testEngine(t, identityWeights(t), scoring.Config{})

	rec, err := eng.Evaluate(ctx, scoring.EvaluateInput{
		AgentID:      "agent-1",
		TaskID:       "task-1",
		SnapshotHash: "hash-1",
		Reported:     map[string]any{"domain_regime": "A"},
		Canonical:    nil,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Score)
	assert.Equal(t, store.ClassificationCritical, rec.Classification)

	// The failure path still persists exactly one record.
	records, err := s.Reconciliations().ListByAgent(ctx, "agent-1", store.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	requests := esc.all()
	require.Len(t, requests, 1)
	assert.Equal(t, scoring.TriggerCanonicalMissing, requests[0].Trigger)
	assert.Equal(t, 1, sig.count())
}

func TestEvaluate_SustainedWarningsEscalate(t *testing.T) {
	ctx := context.Background()
	// One 0.1-weight mismatch out of 1.5 total weight scores ~0.067, inside
	// the warning band.
	ws := &scoring.WeightSet{
		Version: "v1",
		Fields: []scoring.FieldWeight{
			{FieldClass: "a", Weight: 0.1, Tolerance: scoring.ToleranceExact},
			{FieldClass: "b", Weight: 1.0, Tolerance: scoring.ToleranceExact},
			{FieldClass: "c", Weight: 0.4, Tolerance: scoring.ToleranceExact},
		},
	}
	require.NoError(t, ws.Validate())
	eng, _, esc, sig := testEngine(t, ws, scoring.Config{EscalationCount: 3, EscalationWindow: time.Hour})

	in := scoring.EvaluateInput{
		AgentID:      "agent-1",
		TaskID:       "task-1",
		SnapshotHash: "hash-1",
		Reported:     map[string]any{"a": "wrong", "b": "2", "c": "3"},
		Canonical:    map[string]any{"a": "1", "b": "2", "c": "3"},
	}

	for i := 0; i < 2; i++ {
		rec, err := eng.Evaluate(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, store.ClassificationWarning, rec.Classification)
		assert.Empty(t, esc.all())
	}

	rec, err := eng.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, store.ClassificationWarning, rec.Classification)

	requests := esc.all()
	require.Len(t, requests, 1)
	assert.Equal(t, scoring.TriggerSustainedWarning, requests[0].Trigger)
	assert.Equal(t, 0, sig.count())
}

func TestEvaluate_SensitivityTightensThresholds(t *testing.T) {
	ctx := context.Background()
	ws := &scoring.WeightSet{
		Version: "v1",
		Fields: []scoring.FieldWeight{
			{FieldClass: "a", Weight: 0.1, Tolerance: scoring.ToleranceExact},
			{FieldClass: "b", Weight: 1.0, Tolerance: scoring.ToleranceExact},
			{FieldClass: "c", Weight: 0.4, Tolerance: scoring.ToleranceExact},
		},
	}
	require.NoError(t, ws.Validate())
	eng, s, _, _ := testEngine(t, ws, scoring.Config{})

	now := time.Now()
	require.NoError(t, s.Agents().CreateAgent(ctx, &store.Agent{
		ID: "agent-sharp", Name: "sharp", Tier: store.TierOperator,
		Active: true, Sensitivity: 1.0, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.Agents().SetSensitivity(ctx, "agent-sharp", 2.0, now))

	in := scoring.EvaluateInput{
		AgentID:      "agent-sharp",
		TaskID:       "task-1",
		SnapshotHash: "hash-1",
		Reported:     map[string]any{"a": "wrong", "b": "2", "c": "3"},
		Canonical:    map[string]any{"a": "1", "b": "2", "c": "3"},
	}

	// Score ~0.067 is WARNING at sensitivity 1.0 but CRITICAL at 2.0, where
	// the critical threshold drops to 0.05.
	rec, err := eng.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, store.ClassificationCritical, rec.Classification)
}
