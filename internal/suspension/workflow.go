// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package suspension implements the human-in-the-loop suspension workflow.
// The system files requests; only a human authority resolves them. A
// request is a recommendation, never a self-enforcing action, and it
// transitions exactly once from PENDING to a terminal state.
package suspension

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warden-dev/warden/internal/registry"
	"github.com/warden-dev/warden/internal/scoring"
	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/telemetry"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

const (
	// filingIdentity is recorded as RequestedBy on system-filed requests.
	filingIdentity = "system:scoring"

	// historyDepth is how many prior classifications go into an evidence
	// bundle.
	historyDepth = 10

	// sensitivityStep is added to the agent's sensitivity factor when a
	// request is rejected, tightening subsequent classification thresholds.
	sensitivityStep = 0.5
	sensitivityCap  = 3.0
)

// Workflow owns the suspension request lifecycle.
type Workflow struct {
	suspensions store.SuspensionStore
	records     store.ReconciliationStore
	agents      store.AgentStore
	log         *slog.Logger
	metrics     *telemetry.Metrics

	// fileMu serializes filings so the one-pending-per-agent check and the
	// insert are not interleaved.
	fileMu sync.Mutex
}

// New creates the workflow. metrics may be nil.
func New(suspensions store.SuspensionStore, records store.ReconciliationStore, agents store.AgentStore, log *slog.Logger, metrics *telemetry.Metrics) *Workflow {
	if log == nil {
		log = slog.Default()
	}
	return &Workflow{
		suspensions: suspensions,
		records:     records,
		agents:      agents,
		log:         log,
		metrics:     metrics,
	}
}

// FileSuspension files a request on behalf of the scoring engine,
// assembling the full evidence bundle. An agent with a PENDING request is
// not filed against again; the open request already covers it.
func (w *Workflow) FileSuspension(ctx context.Context, req scoring.EscalationRequest) error {
	w.fileMu.Lock()
	defer w.fileMu.Unlock()

	pending, err := w.suspensions.PendingExists(ctx, req.AgentID)
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeStoreDatabaseFailure, "checking pending suspensions",
			wardenerr.FieldAgentID(req.AgentID))
	}
	if pending {
		w.log.Debug("suspension already pending, not filing again",
			"agent_id", req.AgentID, "trigger", req.Trigger)
		return nil
	}

	history, err := w.priorHistory(ctx, req.AgentID)
	if err != nil {
		// Evidence without history is still actionable; filing must not
		// fail because the lookback did.
		w.log.Warn("prior history lookup failed", "agent_id", req.AgentID, "error", err)
	}

	request := &store.SuspensionRequest{
		ID:          uuid.NewString(),
		AgentID:     req.AgentID,
		RequestedBy: filingIdentity,
		Score:       req.Score,
		Evidence: store.EvidenceBundle{
			Trigger:      req.Trigger,
			SnapshotHash: req.SnapshotHash,
			Score:        req.Score,
			FieldDiffs:   req.FieldDiffs,
			PriorHistory: history,
		},
		Status:    store.SuspensionPending,
		CreatedAt: time.Now(),
	}
	if err := w.suspensions.CreateRequest(ctx, request); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeStoreDatabaseFailure, "filing suspension request",
			wardenerr.FieldAgentID(req.AgentID))
	}

	w.metrics.CountSuspension("filed")
	w.log.Warn("suspension request filed",
		"request_id", request.ID, "agent_id", req.AgentID,
		"trigger", req.Trigger, "score", req.Score)
	return nil
}

// Review resolves a PENDING request. The reviewer must be a human authority
// with the review capability and must not be the requester or the subject.
// Approval makes the capability restriction effective through the registry
// gate; rejection tightens the agent's monitoring sensitivity instead.
func (w *Workflow) Review(ctx context.Context, id string, verdict store.SuspensionStatus, reviewer registry.Identity, rationale string) (*store.SuspensionRequest, error) {
	if verdict != store.SuspensionApproved && verdict != store.SuspensionRejected {
		return nil, wardenerr.Errorf(wardenerr.CodeSuspensionVerdictInvalid,
			"verdict must be APPROVED or REJECTED, got %q", string(verdict))
	}
	if rationale == "" {
		return nil, wardenerr.New(wardenerr.CodeSuspensionRationaleRequired,
			"a review verdict requires a written rationale")
	}
	if reviewer.System {
		return nil, wardenerr.New(wardenerr.CodeSuspensionSelfReview,
			"system identities cannot review suspension requests",
			wardenerr.Field("identity", reviewer.ID))
	}
	if err := registry.Require(reviewer, "suspension.review"); err != nil {
		return nil, err
	}

	request, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if reviewer.ID == request.RequestedBy || reviewer.ID == request.AgentID {
		return nil, wardenerr.New(wardenerr.CodeSuspensionSelfReview,
			"the requester cannot review their own request",
			wardenerr.Field("identity", reviewer.ID))
	}

	resolved, err := w.suspensions.ResolveRequest(ctx, id, verdict, reviewer.ID, rationale, time.Now())
	if err != nil {
		return nil, err
	}

	if verdict == store.SuspensionRejected {
		w.tightenSensitivity(ctx, resolved.AgentID, reviewer.ID)
		w.metrics.CountSuspension("rejected")
	} else {
		w.metrics.CountSuspension("approved")
	}

	w.log.Info("suspension request resolved",
		"request_id", id, "agent_id", resolved.AgentID,
		"verdict", string(verdict), "reviewed_by", reviewer.ID)
	return resolved, nil
}

// Get returns one request.
func (w *Workflow) Get(ctx context.Context, id string) (*store.SuspensionRequest, error) {
	request, err := w.suspensions.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wardenerr.Errorf(wardenerr.CodeStoreEntityNotFound, "suspension request %s not found", id)
		}
		return nil, wardenerr.Wrapf(err, wardenerr.CodeStoreDatabaseFailure, "loading suspension request %s", id)
	}
	return request, nil
}

// List returns requests, optionally filtered by status.
func (w *Workflow) List(ctx context.Context, status store.SuspensionStatus, opts store.ListOpts) ([]*store.SuspensionRequest, error) {
	requests, err := w.suspensions.ListRequests(ctx, status, opts)
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeStoreDatabaseFailure, "listing suspension requests")
	}
	return requests, nil
}

// tightenSensitivity raises the agent's monitoring sensitivity after a
// rejected request. A rejection is a human override of a system
// recommendation; the system keeps the agent but watches it more closely.
func (w *Workflow) tightenSensitivity(ctx context.Context, agentID, reviewerID string) {
	agent, err := w.agents.GetAgent(ctx, agentID)
	if err != nil {
		w.log.Error("sensitivity lookup after rejection failed", "agent_id", agentID, "error", err)
		return
	}

	factor := agent.Sensitivity + sensitivityStep
	if factor > sensitivityCap {
		factor = sensitivityCap
	}
	if err := w.agents.SetSensitivity(ctx, agentID, factor, time.Now()); err != nil {
		w.log.Error("sensitivity update after rejection failed", "agent_id", agentID, "error", err)
		return
	}
	w.log.Warn("suspension rejected, monitoring sensitivity raised",
		"agent_id", agentID, "reviewed_by", reviewerID,
		"previous", agent.Sensitivity, "factor", factor)
}

func (w *Workflow) priorHistory(ctx context.Context, agentID string) ([]store.PriorClassification, error) {
	records, err := w.records.ListByAgent(ctx, agentID, store.ListOpts{Limit: historyDepth})
	if err != nil {
		return nil, err
	}
	history := make([]store.PriorClassification, 0, len(records))
	for _, rec := range records {
		history = append(history, store.PriorClassification{
			Score:          rec.Score,
			Classification: rec.Classification,
			CreatedAt:      rec.CreatedAt,
		})
	}
	return history, nil
}
