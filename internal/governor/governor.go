// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package governor implements economic admission control. Every external
// action passes Admit before it runs; the check and the ledger append are
// one atomic reservation, so concurrent actions cannot both squeeze through
// a nearly exhausted ceiling.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/warden-dev/warden/internal/mode"
	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/telemetry"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Rejection reasons surfaced to callers and recorded on violations.
const (
	ReasonModeRestricted  = "MODE_RESTRICTED"
	ReasonRateExceeded    = "RATE_EXCEEDED"
	ReasonTaskQuota       = "TASK_QUOTA_EXCEEDED"
	ReasonTaskBudget      = "TASK_BUDGET_EXCEEDED"
	ReasonAgentDayBudget  = "AGENT_DAY_BUDGET_EXCEEDED"
	ReasonGlobalDayBudget = "GLOBAL_DAY_BUDGET_EXCEEDED"
	ReasonStepCeiling     = "STEP_CEILING_EXCEEDED"
)

// LevelSource supplies the current restriction level. Implemented by the
// mode controller.
type LevelSource interface {
	CurrentLevel(ctx context.Context) (store.ModeLevel, error)
}

// Config holds the base ceilings. Effective ceilings are these values
// scaled by the mode multiplier at admission time; scaled values are never
// persisted.
type Config struct {
	// PerMinuteCalls bounds each agent's admission rate.
	PerMinuteCalls int
	// TaskCallQuota is the per-task external call quota.
	TaskCallQuota int
	// TaskBudgetUSD is the per-task cost budget.
	TaskBudgetUSD float64
	// AgentDayBudgetUSD is the per-agent daily cost budget.
	AgentDayBudgetUSD float64
	// GlobalDayBudgetUSD is the system-wide daily cost budget.
	GlobalDayBudgetUSD float64
	// TaskStepCeiling bounds reasoning steps per task.
	TaskStepCeiling int
	// DegradeWindow is how long a breach keeps the breached scope at a
	// stricter effective level.
	DegradeWindow time.Duration
}

// Validate applies defaults.
func (c *Config) Validate() error {
	if c.PerMinuteCalls <= 0 {
		c.PerMinuteCalls = 60
	}
	if c.TaskCallQuota <= 0 {
		c.TaskCallQuota = 100
	}
	if c.TaskBudgetUSD <= 0 {
		c.TaskBudgetUSD = 0.50
	}
	if c.AgentDayBudgetUSD <= 0 {
		c.AgentDayBudgetUSD = 25
	}
	if c.GlobalDayBudgetUSD <= 0 {
		c.GlobalDayBudgetUSD = 250
	}
	if c.TaskStepCeiling <= 0 {
		c.TaskStepCeiling = 50
	}
	if c.DegradeWindow <= 0 {
		c.DegradeWindow = 15 * time.Minute
	}
	return nil
}

// Governor admits or rejects external actions.
type Governor struct {
	ledger  store.LedgerStore
	levels  LevelSource
	cfg     Config
	log     *slog.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	degraded map[string]degradation
}

// degradation is a per-scope effective-level override caused by a breach.
// It expires rather than being lifted by review.
type degradation struct {
	level store.ModeLevel
	until time.Time
}

// New creates the governor. metrics may be nil.
func New(ledger store.LedgerStore, levels LevelSource, cfg Config, log *slog.Logger, metrics *telemetry.Metrics) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Governor{
		ledger:   ledger,
		levels:   levels,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		limiters: make(map[string]*rate.Limiter),
		degraded: make(map[string]degradation),
	}, nil
}

// AdmitRequest describes one external action seeking admission.
type AdmitRequest struct {
	AgentID       string
	TaskID        string
	Provider      string
	EstimatedCost float64
	// Steps is how many reasoning steps this action consumes. Zero counts
	// as one.
	Steps int
}

// Decision is the admission outcome. A rejection always carries a Reason.
type Decision struct {
	Admitted bool
	Reason   string
	Level    store.ModeLevel
	EntryID  string
}

// Admit runs the full admission pipeline: mode gate, agent rate limit, then
// the atomic ceiling reservation. Admission never blocks waiting for
// capacity; at the margin the action is rejected. Any failure to read the
// mode or the counters is a rejection, not a pass. A breach degrades the
// effective level of the breached scope for DegradeWindow, so repeat
// offenders meet tighter ceilings than the rest of the system.
func (g *Governor) Admit(ctx context.Context, req AdmitRequest) (Decision, error) {
	level, err := g.levels.CurrentLevel(ctx)
	if err != nil {
		g.metrics.CountAdmit("deny", "mode_unavailable")
		return Decision{}, wardenerr.Wrap(err, wardenerr.CodeGovernorCountersUnavailable,
			"admission denied, mode unavailable", wardenerr.FieldAgentID(req.AgentID))
	}
	level = g.effectiveLevel(level, req)

	multiplier := mode.Multiplier(level)
	if multiplier == 0 {
		g.metrics.CountAdmit("deny", ReasonModeRestricted)
		return Decision{Reason: ReasonModeRestricted, Level: level},
			wardenerr.New(wardenerr.CodeGovernorModeRestricted, "admissions are denied in the current mode",
				wardenerr.FieldAgentID(req.AgentID), wardenerr.FieldModeLevel(level.String()))
	}

	if !g.limiter(req.AgentID).Allow() {
		g.recordViolation(ctx, req, store.ScopeAgent, ReasonRateExceeded, "per-minute admission rate exhausted")
		g.degradeScope(store.ScopeAgent, req, level)
		g.metrics.CountAdmit("deny", ReasonRateExceeded)
		return Decision{Reason: ReasonRateExceeded, Level: level},
			wardenerr.New(wardenerr.CodeGovernorRateExceeded, "admission rate exceeded",
				wardenerr.FieldAgentID(req.AgentID))
	}

	steps := req.Steps
	if steps <= 0 {
		steps = 1
	}
	entry := &store.UsageLedgerEntry{
		ID:        uuid.NewString(),
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		Provider:  req.Provider,
		Cost:      req.EstimatedCost,
		Steps:     steps,
		CreatedAt: time.Now(),
	}

	if err := g.ledger.Reserve(ctx, entry, g.EffectiveCeilings(level, time.Now())); err != nil {
		if reason, scope, ok := breachDetails(err); ok {
			g.recordViolation(ctx, req, scope, reason, err.Error())
			g.degradeScope(scope, req, level)
			g.metrics.CountAdmit("deny", reason)
			return Decision{Reason: reason, Level: level}, err
		}
		g.metrics.CountAdmit("deny", "counters_unavailable")
		return Decision{}, err
	}

	g.metrics.CountAdmit("admit", "")
	g.log.Debug("action admitted",
		"agent_id", req.AgentID, "task_id", req.TaskID,
		"cost", req.EstimatedCost, "level", level.String())
	return Decision{Admitted: true, Level: level, EntryID: entry.ID}, nil
}

// EffectiveCeilings scales the base ceilings by the mode multiplier. Pure
// function of configuration, level, and clock; recomputed on every read.
func (g *Governor) EffectiveCeilings(level store.ModeLevel, now time.Time) store.UsageCeilings {
	m := mode.Multiplier(level)
	return store.UsageCeilings{
		TaskCallQuota:   int(float64(g.cfg.TaskCallQuota) * m),
		TaskBudget:      g.cfg.TaskBudgetUSD * m,
		AgentDayBudget:  g.cfg.AgentDayBudgetUSD * m,
		GlobalDayBudget: g.cfg.GlobalDayBudgetUSD * m,
		TaskStepCeiling: int(float64(g.cfg.TaskStepCeiling) * m),
		DayStart:        now.UTC().Truncate(24 * time.Hour),
	}
}

// Totals reports current counter values for a task and its agent.
func (g *Governor) Totals(ctx context.Context, agentID, taskID string) (*store.UsageTotals, error) {
	return g.ledger.Totals(ctx, agentID, taskID, time.Now().UTC().Truncate(24*time.Hour))
}

// Violations lists recorded violations for an agent.
func (g *Governor) Violations(ctx context.Context, agentID string, opts store.ListOpts) ([]*store.ViolationEvent, error) {
	return g.ledger.ListViolations(ctx, agentID, opts)
}

// effectiveLevel returns the strictest of the system level and any live
// scope degradations matching the request. Expired entries are dropped on
// the way through.
func (g *Governor) effectiveLevel(base store.ModeLevel, req AdmitRequest) store.ModeLevel {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	level := base
	for _, key := range []string{scopeKey(store.ScopeGlobal, req), scopeKey(store.ScopeAgent, req), scopeKey(store.ScopeTask, req)} {
		d, ok := g.degraded[key]
		if !ok {
			continue
		}
		if now.After(d.until) {
			delete(g.degraded, key)
			continue
		}
		if d.level.MoreRestrictiveThan(level) {
			level = d.level
		}
	}
	return level
}

// degradeScope pushes the breached scope one level past the effective level
// the breach was evaluated at, capped at HALTED. LOCKED stays reserved for
// confirmed compromise.
func (g *Governor) degradeScope(scope string, req AdmitRequest, from store.ModeLevel) {
	target := from + 1
	if target > store.ModeHalted {
		target = store.ModeHalted
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := scopeKey(scope, req)
	until := time.Now().Add(g.cfg.DegradeWindow)
	if d, ok := g.degraded[key]; ok && d.level.MoreRestrictiveThan(target) {
		target = d.level
	}
	g.degraded[key] = degradation{level: target, until: until}

	g.log.Warn("scope degraded after breach",
		"scope", scope, "agent_id", req.AgentID, "task_id", req.TaskID,
		"level", target.String(), "until", until)
}

func scopeKey(scope string, req AdmitRequest) string {
	switch scope {
	case store.ScopeAgent:
		return store.ScopeAgent + ":" + req.AgentID
	case store.ScopeTask:
		return store.ScopeTask + ":" + req.TaskID
	default:
		return store.ScopeGlobal
	}
}

func (g *Governor) limiter(agentID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[agentID]
	if !ok {
		perSecond := rate.Limit(float64(g.cfg.PerMinuteCalls) / 60.0)
		l = rate.NewLimiter(perSecond, g.cfg.PerMinuteCalls)
		g.limiters[agentID] = l
	}
	return l
}

func (g *Governor) recordViolation(ctx context.Context, req AdmitRequest, scope, reason, detail string) {
	ev := &store.ViolationEvent{
		ID:        uuid.NewString(),
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		Scope:     scope,
		Reason:    reason,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := g.ledger.AppendViolation(ctx, ev); err != nil {
		g.log.Error("violation append failed", "agent_id", req.AgentID, "reason", reason, "error", err)
	}
	g.metrics.CountViolation(scope)
	g.log.Warn("ceiling violation",
		"agent_id", req.AgentID, "task_id", req.TaskID, "scope", scope, "reason", reason)
}

// breachDetails maps a reservation error to its rejection reason and scope.
func breachDetails(err error) (reason, scope string, ok bool) {
	switch {
	case wardenerr.HasCode(err, wardenerr.CodeGovernorTaskQuotaExceeded):
		return ReasonTaskQuota, store.ScopeTask, true
	case wardenerr.HasCode(err, wardenerr.CodeGovernorTaskBudgetExceeded):
		return ReasonTaskBudget, store.ScopeTask, true
	case wardenerr.HasCode(err, wardenerr.CodeGovernorAgentBudgetExceeded):
		return ReasonAgentDayBudget, store.ScopeAgent, true
	case wardenerr.HasCode(err, wardenerr.CodeGovernorGlobalBudgetExceeded):
		return ReasonGlobalDayBudget, store.ScopeGlobal, true
	case wardenerr.HasCode(err, wardenerr.CodeGovernorStepCeilingExceeded):
		return ReasonStepCeiling, store.ScopeTask, true
	default:
		return "", "", false
	}
}
