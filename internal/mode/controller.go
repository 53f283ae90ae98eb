// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package mode implements the operational mode controller: the single writer
// of the mode transition log. Escalation toward restriction is automatic;
// loosening is always explicit, authorized human action. When the
// controller cannot determine the active mode it reports the error and
// callers fail closed.
package mode

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/warden-dev/warden/internal/registry"
	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/telemetry"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// levelRestrictions names the constraints each level activates. Stored on
// the transition record so the log is self-describing.
var levelRestrictions = map[store.ModeLevel][]string{
	store.ModeNominal:     nil,
	store.ModeElevated:    {"usage_ceilings_halved"},
	store.ModeConstrained: {"usage_ceilings_reduced", "high_impact_actions_denied"},
	store.ModeHalted:      {"admissions_denied"},
	store.ModeLocked:      {"admissions_denied", "human_unlock_required"},
}

// Multiplier returns the ceiling scale factor for a level. Effective
// ceilings are recomputed from base ceilings on every admission; scaled
// values are never stored.
func Multiplier(level store.ModeLevel) float64 {
	switch level {
	case store.ModeNominal:
		return 1.0
	case store.ModeElevated:
		return 0.5
	case store.ModeConstrained:
		return 0.2
	default: // HALTED, LOCKED, or anything unrecognized admits nothing.
		return 0
	}
}

// ForensicSource provides the payload preserved before a LOCKED transition.
// Implemented by the snapshot service.
type ForensicSource interface {
	ForensicPayload() string
}

// Config holds the automatic escalation rules.
type Config struct {
	// CriticalCount is how many CRITICAL classifications across all agents
	// within CriticalWindow escalate the mode one level.
	CriticalCount int
	// CriticalWindow is the lookback window for critical aggregation.
	CriticalWindow time.Duration
}

// Validate applies defaults.
func (c *Config) Validate() error {
	if c.CriticalCount <= 0 {
		c.CriticalCount = 3
	}
	if c.CriticalWindow <= 0 {
		c.CriticalWindow = time.Hour
	}
	return nil
}

// Controller owns mode transitions.
type Controller struct {
	modes    store.ModeStore
	records  store.ReconciliationStore
	audit    store.AuditStore
	forensic ForensicSource
	cfg      Config
	log      *slog.Logger
	metrics  *telemetry.Metrics

	// mu serializes writers. The store's single-active-row constraint is
	// the real guard; the mutex just avoids needless append conflicts.
	mu sync.Mutex

	// forced is an in-memory restriction overlay applied when a fault is
	// detected but the transition log itself cannot be written. Readers
	// see the more restrictive of the stored and forced levels.
	forcedMu sync.Mutex
	forced   store.ModeLevel
}

// New creates the controller. forensic and metrics may be nil; audit may be
// nil only when LOCKED transitions are impossible.
func New(modes store.ModeStore, records store.ReconciliationStore, audit store.AuditStore, forensic ForensicSource, cfg Config, log *slog.Logger, metrics *telemetry.Metrics) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		modes:    modes,
		records:  records,
		audit:    audit,
		forensic: forensic,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
	}, nil
}

// Bootstrap ensures the transition log has an active record, seeding
// NOMINAL on first start.
func (c *Controller) Bootstrap(ctx context.Context) error {
	_, err := c.modes.CurrentMode(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return wardenerr.Wrap(err, wardenerr.CodeModeRecordCorrupt, "reading mode log at startup")
	}

	rec := &store.ModeRecord{
		Level:              store.ModeNominal,
		Reason:             "initial state",
		TriggeredBy:        "system:bootstrap",
		ActiveRestrictions: levelRestrictions[store.ModeNominal],
		Current:            true,
		UpdatedAt:          time.Now(),
	}
	if err := c.modes.AppendTransition(ctx, rec, 0); err != nil {
		// A concurrent bootstrap already seeded the log.
		if wardenerr.HasCode(err, wardenerr.CodeModeTransitionConflict) {
			return nil
		}
		return err
	}
	c.metrics.SetModeLevel(int(store.ModeNominal))
	c.log.Info("mode log bootstrapped", "level", store.ModeNominal.String())
	return nil
}

// Current returns the single active mode record.
func (c *Controller) Current(ctx context.Context) (*store.ModeRecord, error) {
	rec, err := c.modes.CurrentMode(ctx)
	if err != nil {
		return nil, err
	}
	if forced := c.forcedLevel(); forced.MoreRestrictiveThan(rec.Level) {
		overlay := *rec
		overlay.Level = forced
		overlay.Reason = "integrity fault overlay"
		overlay.ActiveRestrictions = levelRestrictions[forced]
		return &overlay, nil
	}
	return rec, nil
}

// CurrentLevel returns the effective restriction level.
func (c *Controller) CurrentLevel(ctx context.Context) (store.ModeLevel, error) {
	rec, err := c.Current(ctx)
	if err != nil {
		return 0, err
	}
	return rec.Level, nil
}

// History returns mode transitions, newest first.
func (c *Controller) History(ctx context.Context, opts store.ListOpts) ([]*store.ModeRecord, error) {
	return c.modes.ListTransitions(ctx, opts)
}

// ReportCritical aggregates CRITICAL classifications and escalates one
// level once the configured density is reached. Implements the scoring
// engine's signal interface.
func (c *Controller) ReportCritical(ctx context.Context, agentID string) {
	since := time.Now().Add(-c.cfg.CriticalWindow)
	n, err := c.records.CountCriticalSince(ctx, since)
	if err != nil {
		c.log.Error("critical aggregation count failed", "error", err)
		return
	}
	if n < c.cfg.CriticalCount {
		return
	}

	current, err := c.modes.CurrentMode(ctx)
	if err != nil {
		c.log.Error("mode read failed during critical aggregation", "error", err)
		c.forceLevel(store.ModeHalted)
		return
	}
	if current.Level >= store.ModeHalted {
		return
	}

	target := current.Level + 1
	if err := c.Escalate(ctx, target, "critical discrepancy density exceeded", "system:scoring"); err != nil {
		c.log.Error("automatic escalation failed", "target", target.String(), "error", err)
	}
}

// ReportIntegrityFault forces HALTED. If the transition log itself cannot
// be written the restriction is held in memory instead, so the fault still
// takes effect. Implements the snapshot service's sink interface.
func (c *Controller) ReportIntegrityFault(ctx context.Context, reason string) {
	c.log.Error("integrity fault reported", "reason", reason)
	if err := c.Escalate(ctx, store.ModeHalted, "integrity fault: "+reason, "system:integrity"); err != nil {
		c.log.Error("halting on integrity fault failed, forcing in-memory restriction", "error", err)
		c.forceLevel(store.ModeHalted)
	}
}

// Escalate moves to a more restrictive level. Escalation to a level at or
// below the current one is a no-op, so concurrent escalations converge on
// the most restrictive request. A LOCKED transition preserves forensic
// state before the mode changes.
func (c *Controller) Escalate(ctx context.Context, target store.ModeLevel, reason, triggeredBy string) error {
	if !target.Valid() {
		return wardenerr.Errorf(wardenerr.CodeModeTransitionInvalid, "unknown mode level %d", int(target))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		current, err := c.modes.CurrentMode(ctx)
		if err != nil {
			return err
		}
		if !target.MoreRestrictiveThan(current.Level) {
			return nil
		}

		err = c.transition(ctx, current, target, reason, triggeredBy)
		if err == nil {
			return nil
		}
		// A concurrent writer moved the log; re-read and resolve toward
		// the more restrictive of the two outcomes.
		if wardenerr.HasCode(err, wardenerr.CodeModeTransitionConflict) && attempt < 3 {
			continue
		}
		return err
	}
}

// Loosen moves to a less restrictive level. Never called automatically;
// the actor must hold the capability for the target level.
func (c *Controller) Loosen(ctx context.Context, target store.ModeLevel, reason string, actor registry.Identity) (*store.ModeRecord, error) {
	if !target.Valid() {
		return nil, wardenerr.Errorf(wardenerr.CodeModeTransitionInvalid, "unknown mode level %d", int(target))
	}
	if reason == "" {
		return nil, wardenerr.New(wardenerr.CodeModeTransitionInvalid, "loosening requires a reason")
	}
	if actor.System {
		return nil, wardenerr.New(wardenerr.CodeModeTransitionDenied, "mode loosening requires a human authority",
			wardenerr.Field("identity", actor.ID))
	}
	if err := registry.Require(actor, "mode.loosen."+strings.ToLower(target.String())); err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeModeTransitionDenied, "mode loosening denied",
			wardenerr.Field("target", target.String()))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.modes.CurrentMode(ctx)
	if err != nil {
		return nil, err
	}
	if !current.Level.MoreRestrictiveThan(target) {
		return nil, wardenerr.Errorf(wardenerr.CodeModeTransitionInvalid,
			"cannot loosen from %s to %s", current.Level.String(), target.String())
	}

	if err := c.transition(ctx, current, target, reason, actor.ID); err != nil {
		return nil, err
	}
	c.clearForced()
	return c.modes.CurrentMode(ctx)
}

// transition appends the new record; the caller holds c.mu and has decided
// direction and authorization.
func (c *Controller) transition(ctx context.Context, current *store.ModeRecord, target store.ModeLevel, reason, triggeredBy string) error {
	if target == store.ModeLocked {
		if err := c.preserveForensics(ctx, reason, triggeredBy); err != nil {
			return err
		}
	}

	rec := &store.ModeRecord{
		Level:              target,
		Reason:             reason,
		TriggeredBy:        triggeredBy,
		ActiveRestrictions: levelRestrictions[target],
		Current:            true,
		UpdatedAt:          time.Now(),
	}
	if err := c.modes.AppendTransition(ctx, rec, current.Version); err != nil {
		return err
	}

	c.metrics.SetModeLevel(int(target))
	c.log.Warn("mode transition",
		"from", current.Level.String(), "to", target.String(),
		"reason", reason, "triggered_by", triggeredBy)
	return nil
}

// preserveForensics writes the current snapshot head into the tamper-evident
// chain. A LOCKED transition without a forensic record is not allowed.
func (c *Controller) preserveForensics(ctx context.Context, reason, triggeredBy string) error {
	if c.audit == nil {
		return wardenerr.New(wardenerr.CodeModeTransitionInvalid, "locking requires a forensic store")
	}

	state := json.RawMessage(`{"snapshot":null}`)
	if c.forensic != nil {
		state = json.RawMessage(c.forensic.ForensicPayload())
	}
	encoded, err := json.Marshal(map[string]any{
		"reason":       reason,
		"triggered_by": triggeredBy,
		"state":        state,
	})
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeModeTransitionInvalid, "encoding forensic payload")
	}
	payload := string(encoded)

	rec, err := c.audit.AppendForensic(ctx, payload, time.Now())
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeModeTransitionInvalid, "preserving forensic state before lock")
	}
	c.log.Info("forensic record preserved", "sequence", rec.Sequence, "hash", rec.Hash)
	return nil
}

func (c *Controller) forceLevel(level store.ModeLevel) {
	c.forcedMu.Lock()
	defer c.forcedMu.Unlock()
	if level.MoreRestrictiveThan(c.forced) {
		c.forced = level
	}
	c.metrics.SetModeLevel(int(level))
}

func (c *Controller) clearForced() {
	c.forcedMu.Lock()
	defer c.forcedMu.Unlock()
	c.forced = 0
}

func (c *Controller) forcedLevel() store.ModeLevel {
	c.forcedMu.Lock()
	defer c.forcedMu.Unlock()
	return c.forced
}
