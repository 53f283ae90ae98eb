// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package scoring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/telemetry"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Triggers recorded on escalations.
const (
	TriggerCritical         = "critical_discrepancy"
	TriggerSustainedWarning = "sustained_warning"
	TriggerCanonicalMissing = "canonical_unavailable"
)

// EscalationRequest asks the suspension workflow to file a request. The
// workflow assembles the full evidence bundle itself.
type EscalationRequest struct {
	AgentID      string
	Trigger      string
	Score        float64
	SnapshotHash string
	FieldDiffs   []store.FieldDiff
}

// Escalator files suspension requests. Implemented by the suspension
// workflow.
type Escalator interface {
	FileSuspension(ctx context.Context, req EscalationRequest) error
}

// ModeSignaler receives critical classifications for escalation aggregation.
// Implemented by the mode controller.
type ModeSignaler interface {
	ReportCritical(ctx context.Context, agentID string)
}

// Config holds the classification thresholds and the sustained-pattern
// escalation rule.
type Config struct {
	// WarningThreshold is the base score at or above which a comparison is
	// WARNING. Divided by the agent's sensitivity factor before use.
	WarningThreshold float64
	// CriticalThreshold is the base score at or above which a comparison is
	// CRITICAL. Divided by the agent's sensitivity factor before use.
	CriticalThreshold float64
	// EscalationCount is how many WARNING records within EscalationWindow
	// trigger a suspension request.
	EscalationCount int
	// EscalationWindow is the lookback window for sustained WARNINGs.
	EscalationWindow time.Duration
}

// Validate applies defaults and checks threshold ordering.
func (c *Config) Validate() error {
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = 0.05
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = 0.10
	}
	if c.EscalationCount <= 0 {
		c.EscalationCount = 5
	}
	if c.EscalationWindow <= 0 {
		c.EscalationWindow = 168 * time.Hour
	}
	if c.WarningThreshold >= c.CriticalThreshold {
		return wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"warning threshold %g must be below critical threshold %g", c.WarningThreshold, c.CriticalThreshold)
	}
	return nil
}

// Engine scores reported state against canonical state and drives the
// escalation side effects. Scoring itself is a pure function of the inputs
// and the active weight set.
type Engine struct {
	records   store.ReconciliationStore
	agents    store.AgentStore
	weights   *WeightProvider
	escalator Escalator
	modes     ModeSignaler
	cfg       Config
	log       *slog.Logger
	metrics   *telemetry.Metrics
}

// New creates the engine. escalator, modes, and metrics may be nil.
func New(records store.ReconciliationStore, agents store.AgentStore, weights *WeightProvider, escalator Escalator, modes ModeSignaler, cfg Config, log *slog.Logger, metrics *telemetry.Metrics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		records:   records,
		agents:    agents,
		weights:   weights,
		escalator: escalator,
		modes:     modes,
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
	}, nil
}

// Result is one comparison outcome.
type Result struct {
	Score float64
	Diffs []store.FieldDiff
}

// Score computes the weighted discrepancy score between reported and
// canonical over the fields named in ws. Fields absent from both maps are
// skipped; a field present in only one map is a full mismatch. The score is
// always within [0, 1] and depends on nothing but the three inputs.
func Score(reported, canonical map[string]any, ws *WeightSet) Result {
	var (
		weighted float64
		total    float64
		diffs    []store.FieldDiff
	)

	for _, fw := range ws.sorted() {
		rep, repOK := reported[fw.FieldClass]
		can, canOK := canonical[fw.FieldClass]
		if !repOK && !canOK {
			continue
		}

		mismatch := true
		if repOK && canOK {
			mismatch = !withinTolerance(fw.Tolerance, rep, can)
		}

		total += fw.Weight
		if mismatch {
			weighted += fw.Weight
		}
		diffs = append(diffs, store.FieldDiff{
			FieldClass: fw.FieldClass,
			Reported:   render(rep),
			Canonical:  render(can),
			Weight:     fw.Weight,
			Mismatch:   mismatch,
		})
	}

	if total == 0 {
		return Result{Score: 0, Diffs: diffs}
	}
	return Result{Score: weighted / total, Diffs: diffs}
}

// classify buckets a score under thresholds tightened by the sensitivity
// factor. A higher factor lowers both thresholds.
func (e *Engine) classify(score, sensitivity float64) store.Classification {
	if sensitivity < 1.0 {
		sensitivity = 1.0
	}
	switch {
	case score >= e.cfg.CriticalThreshold/sensitivity:
		return store.ClassificationCritical
	case score >= e.cfg.WarningThreshold/sensitivity:
		return store.ClassificationWarning
	default:
		return store.ClassificationNormal
	}
}

// EvaluateInput carries one comparison request.
type EvaluateInput struct {
	AgentID      string
	TaskID       string
	SnapshotHash string
	Reported     map[string]any
	// Canonical is the authoritative state vector. Empty or nil means the
	// canonical source was unavailable, which forces CRITICAL.
	Canonical map[string]any
}

// Evaluate scores one report, persists exactly one reconciliation record,
// and drives classification side effects: CRITICAL files a suspension
// request and signals the mode controller; sustained WARNINGs inside the
// configured window also file a request. Sorting an agent out is never done
// here; requests are recommendations for the review workflow.
func (e *Engine) Evaluate(ctx context.Context, in EvaluateInput) (*store.ReconciliationRecord, error) {
	sensitivity := e.sensitivity(ctx, in.AgentID)

	var (
		result         Result
		classification store.Classification
		trigger        = TriggerCritical
	)

	if len(in.Canonical) == 0 {
		// Canonical truth unavailable. Failing open would let a divergent
		// agent pass unscored, so the comparison is forced CRITICAL.
		result = Result{Score: 1.0}
		classification = store.ClassificationCritical
		trigger = TriggerCanonicalMissing
		e.log.Error("canonical state unavailable, forcing critical classification",
			"agent_id", in.AgentID, "task_id", in.TaskID)
	} else {
		result = Score(in.Reported, in.Canonical, e.weights.Current())
		classification = e.classify(result.Score, sensitivity)
	}

	rec := &store.ReconciliationRecord{
		ID:             uuid.NewString(),
		AgentID:        in.AgentID,
		TaskID:         in.TaskID,
		SnapshotHash:   in.SnapshotHash,
		FieldDiffs:     result.Diffs,
		Score:          result.Score,
		Classification: classification,
		CreatedAt:      time.Now(),
	}
	if err := e.records.AppendRecord(ctx, rec); err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeScoringRecordFailure, "appending reconciliation record",
			wardenerr.FieldAgentID(in.AgentID), wardenerr.FieldTaskID(in.TaskID))
	}

	e.metrics.ObserveScore(string(classification), result.Score)
	e.log.Debug("reconciliation scored",
		"agent_id", in.AgentID, "task_id", in.TaskID,
		"score", result.Score, "classification", string(classification))

	switch classification {
	case store.ClassificationCritical:
		if e.modes != nil {
			e.modes.ReportCritical(ctx, in.AgentID)
		}
		e.escalate(ctx, EscalationRequest{
			AgentID:      in.AgentID,
			Trigger:      trigger,
			Score:        result.Score,
			SnapshotHash: in.SnapshotHash,
			FieldDiffs:   result.Diffs,
		})
	case store.ClassificationWarning:
		e.checkSustainedWarnings(ctx, in, result)
	}

	return rec, nil
}

// checkSustainedWarnings files a suspension request once the agent has
// accumulated the configured number of WARNINGs inside the window. The count
// includes the record just written.
func (e *Engine) checkSustainedWarnings(ctx context.Context, in EvaluateInput, result Result) {
	since := time.Now().Add(-e.cfg.EscalationWindow)
	n, err := e.records.CountByClassification(ctx, in.AgentID, store.ClassificationWarning, since)
	if err != nil {
		e.log.Error("sustained warning count failed", "agent_id", in.AgentID, "error", err)
		return
	}
	if n < e.cfg.EscalationCount {
		return
	}

	e.log.Warn("sustained warning pattern detected",
		"agent_id", in.AgentID, "warnings", n, "window", e.cfg.EscalationWindow.String())
	e.escalate(ctx, EscalationRequest{
		AgentID:      in.AgentID,
		Trigger:      TriggerSustainedWarning,
		Score:        result.Score,
		SnapshotHash: in.SnapshotHash,
		FieldDiffs:   result.Diffs,
	})
}

func (e *Engine) escalate(ctx context.Context, req EscalationRequest) {
	if e.escalator == nil {
		return
	}
	if err := e.escalator.FileSuspension(ctx, req); err != nil {
		e.log.Error("suspension escalation failed",
			"agent_id", req.AgentID, "trigger", req.Trigger, "error", err)
	}
}

func (e *Engine) sensitivity(ctx context.Context, agentID string) float64 {
	agent, err := e.agents.GetAgent(ctx, agentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("agent sensitivity lookup failed", "agent_id", agentID, "error", err)
		}
		return 1.0
	}
	if agent.Sensitivity < 1.0 {
		return 1.0
	}
	return agent.Sensitivity
}
