// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/warden-dev/warden/internal/config"
	"github.com/warden-dev/warden/internal/governor"
	"github.com/warden-dev/warden/internal/mode"
	"github.com/warden-dev/warden/internal/registry"
	"github.com/warden-dev/warden/internal/scoring"
	"github.com/warden-dev/warden/internal/server"
	"github.com/warden-dev/warden/internal/snapshot"
	"github.com/warden-dev/warden/internal/store"
	_ "github.com/warden-dev/warden/internal/store/sqlite" // register sqlite backend
	"github.com/warden-dev/warden/internal/suspension"
	"github.com/warden-dev/warden/internal/telemetry"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Core holds all wired subsystems and manages their lifecycle.
type Core struct {
	Server    *server.Server
	Store     store.Store
	Snapshots *snapshot.Service
	Modes     *mode.Controller
	// Watcher hot-reloads the weight document. Nil when no weights_path is
	// configured.
	Watcher *scoring.Watcher

	log *slog.Logger
}

// WireCore creates all subsystems and wires them together.
// The dataDir is the root directory for all persistent state.
func WireCore(ctx context.Context, cfg *config.Config, dataDir string) (*Core, error) {
	log := slog.Default()

	// Ensure the data directory exists.
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "creating data directory: %w", err)
	}

	// 1. Governance store (snapshots, records, modes, suspensions, ledger).
	st, err := store.New(&store.StorageConfig{Backend: cfg.Storage.Backend}, dataDir)
	if err != nil {
		return nil, wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "creating store: %w", err)
	}

	// 2. Metrics registry.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(promReg)

	// 3. Agent registry.
	agentReg := registry.New(st.Agents(), st.Suspensions(), log)

	// 4. Mode controller. The forensic source is the snapshot service, which
	// is created after the controller it depends on, so a relay breaks the
	// cycle.
	relay := &forensicRelay{}
	ctrl, err := mode.New(st.Modes(), st.Reconciliations(), st.Audit(), relay,
		mode.Config{
			CriticalCount:  cfg.Mode.CriticalCount,
			CriticalWindow: cfg.Mode.CriticalWindow,
		}, log, metrics)
	if err != nil {
		_ = st.Close()
		return nil, wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "creating mode controller: %w", err)
	}
	if err := ctrl.Bootstrap(ctx); err != nil {
		_ = st.Close()
		return nil, wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "bootstrapping mode log: %w", err)
	}

	// 5. Snapshot service.
	snapSvc, err := snapshot.New(st.Snapshots(), configFacts{cfg: cfg}, ctrl, ctrl,
		snapshot.Config{
			Interval:    cfg.Snapshot.Interval,
			Staleness:   cfg.Snapshot.Staleness,
			WaitTimeout: cfg.Snapshot.WaitTimeout,
			AuditWindow: cfg.Snapshot.AuditWindow,
		}, log, metrics)
	if err != nil {
		_ = st.Close()
		return nil, wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "creating snapshot service: %w", err)
	}
	relay.svc = snapSvc

	// 6. Scoring weights. A configured document is loaded and watched for
	// changes; otherwise the builtin set applies.
	weights := scoring.NewWeightProvider(scoring.DefaultWeightSet())
	var watcher *scoring.Watcher
	if cfg.Scoring.WeightsPath != "" {
		ws, err := scoring.LoadWeightDocument(cfg.Scoring.WeightsPath)
		if err != nil {
			_ = st.Close()
			return nil, wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "loading weight document: %w", err)
		}
		weights = scoring.NewWeightProvider(ws)
		watcher = scoring.NewWatcher(cfg.Scoring.WeightsPath, weights, st.Audit(), log)
	}

	// 7. Suspension workflow.
	workflow := suspension.New(st.Suspensions(), st.Reconciliations(), st.Agents(), log, metrics)

	// 8. Scoring engine.
	engine, err := scoring.New(st.Reconciliations(), st.Agents(), weights, workflow, ctrl,
		scoring.Config{
			WarningThreshold:  cfg.Scoring.Thresholds.Warning,
			CriticalThreshold: cfg.Scoring.Thresholds.Critical,
			EscalationCount:   cfg.Scoring.Escalation.WarningCount,
			EscalationWindow:  cfg.Scoring.Escalation.Window,
		}, log, metrics)
	if err != nil {
		_ = st.Close()
		return nil, wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "creating scoring engine: %w", err)
	}

	// 9. Economic governor.
	gov, err := governor.New(st.Ledger(), ctrl,
		governor.Config{
			PerMinuteCalls:     cfg.Governor.PerMinuteCalls,
			TaskCallQuota:      cfg.Governor.TaskCallQuota,
			TaskBudgetUSD:      cfg.Governor.TaskBudgetUSD,
			AgentDayBudgetUSD:  cfg.Governor.AgentDayBudgetUSD,
			GlobalDayBudgetUSD: cfg.Governor.GlobalDayBudgetUSD,
			TaskStepCeiling:    cfg.Governor.TaskStepCeiling,
			DegradeWindow:      cfg.Governor.DegradeWindow,
		}, log, metrics)
	if err != nil {
		_ = st.Close()
		return nil, wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "creating governor: %w", err)
	}

	// 10. HTTP server.
	tokens := make(map[string]registry.Identity, len(cfg.Auth))
	for token, tc := range cfg.Auth {
		tier, _ := store.ParseAuthorityTier(tc.Tier)
		tokens[token] = registry.Identity{ID: tc.Identity, Tier: tier}
	}
	if len(tokens) == 0 {
		log.Warn("authentication disabled: no API tokens configured — all requests run as root")
	}

	srv, err := server.New(server.Config{
		ListenAddr: cfg.Networking.Listen,
		Tokens:     tokens,
	}, &server.Core{
		Snapshots:   snapSvc,
		Engine:      engine,
		Modes:       ctrl,
		Governor:    gov,
		Suspensions: workflow,
		Registry:    agentReg,
		Prometheus:  promReg,
	}, log)
	if err != nil {
		_ = st.Close()
		return nil, wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "creating server: %w", err)
	}

	return &Core{
		Server:    srv,
		Store:     st,
		Snapshots: snapSvc,
		Modes:     ctrl,
		Watcher:   watcher,
		log:       log,
	}, nil
}

// Run publishes an initial snapshot, starts the snapshot loop and weight
// watcher, and serves HTTP until the context is cancelled.
func (c *Core) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := c.Snapshots.Publish(ctx); err != nil {
		return wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "publishing initial snapshot: %w", err)
	}

	go func() {
		if err := c.Snapshots.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("snapshot loop stopped", "error", err)
			cancel()
		}
	}()

	if c.Watcher != nil {
		go func() {
			if err := c.Watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn("weight watcher stopped", "error", err)
			}
		}()
	}

	return c.Server.Start(ctx)
}

// Close releases all resources held by the core.
func (c *Core) Close() error {
	if c.Store != nil {
		return c.Store.Close()
	}
	return nil
}

// configFacts serves the operator-declared domain facts from the loaded
// configuration.
type configFacts struct {
	cfg *config.Config
}

func (f configFacts) Facts(_ context.Context) (snapshot.Facts, error) {
	return snapshot.Facts{
		DomainRegime:   f.cfg.Facts.DomainRegime,
		ActivePolicyID: f.cfg.Facts.ActivePolicyID,
	}, nil
}

// forensicRelay defers forensic payload requests to the snapshot service,
// which does not exist yet when the mode controller is constructed.
type forensicRelay struct {
	svc *snapshot.Service
}

func (r *forensicRelay) ForensicPayload() string {
	if r.svc == nil {
		return "{}"
	}
	return r.svc.ForensicPayload()
}
