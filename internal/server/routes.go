// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/warden-dev/warden/internal/governor"
	"github.com/warden-dev/warden/internal/registry"
	"github.com/warden-dev/warden/internal/scoring"
	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// mapErr converts a coded domain error into a huma status error. The code's
// reason suffix decides the HTTP status.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(huma.StatusError); ok {
		return err
	}
	return huma.NewError(wardenerr.HTTPStatus(err), err.Error())
}

// registerRoutes wires every operation. Operations with a fixed capability
// carry it as middleware; transition-mode and review-suspension resolve
// authority from the request itself and gate inside the handler.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "submit-action",
		Method:      http.MethodPost,
		Path:        "/api/v1/actions",
		Summary:     "Submit an external action for admission and scoring",
		Tags:        []string{"actions"},
		Middlewares: huma.Middlewares{s.requireCapability("action.submit")},
	}, s.handleSubmitAction)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/api/v1/snapshot",
		Summary:     "Get the current state snapshot",
		Tags:        []string{"snapshot"},
		Middlewares: huma.Middlewares{s.requireCapability("snapshot.read")},
	}, s.handleGetSnapshot)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-mode",
		Method:      http.MethodGet,
		Path:        "/api/v1/mode",
		Summary:     "Get the active operational mode",
		Tags:        []string{"mode"},
		Middlewares: huma.Middlewares{s.requireCapability("mode.read")},
	}, s.handleGetMode)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-mode-history",
		Method:      http.MethodGet,
		Path:        "/api/v1/mode/history",
		Summary:     "List mode transitions",
		Tags:        []string{"mode"},
		Middlewares: huma.Middlewares{s.requireCapability("mode.read")},
	}, s.handleModeHistory)

	huma.Register(s.api, huma.Operation{
		OperationID: "transition-mode",
		Method:      http.MethodPost,
		Path:        "/api/v1/mode",
		Summary:     "Request a mode transition",
		Tags:        []string{"mode"},
	}, s.handleTransitionMode)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-suspensions",
		Method:      http.MethodGet,
		Path:        "/api/v1/suspensions",
		Summary:     "List suspension requests",
		Tags:        []string{"suspensions"},
		Middlewares: huma.Middlewares{s.requireCapability("suspension.read")},
	}, s.handleListSuspensions)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-suspension",
		Method:      http.MethodGet,
		Path:        "/api/v1/suspensions/{id}",
		Summary:     "Get a suspension request with its evidence bundle",
		Tags:        []string{"suspensions"},
		Middlewares: huma.Middlewares{s.requireCapability("suspension.read")},
	}, s.handleGetSuspension)

	huma.Register(s.api, huma.Operation{
		OperationID: "review-suspension",
		Method:      http.MethodPost,
		Path:        "/api/v1/suspensions/{id}/review",
		Summary:     "Resolve a pending suspension request",
		Tags:        []string{"suspensions"},
	}, s.handleReviewSuspension)

	huma.Register(s.api, huma.Operation{
		OperationID: "register-agent",
		Method:      http.MethodPost,
		Path:        "/api/v1/agents",
		Summary:     "Register an agent",
		Tags:        []string{"agents"},
		Middlewares: huma.Middlewares{s.requireCapability("agent.register")},
	}, s.handleRegisterAgent)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/api/v1/agents",
		Summary:     "List agents",
		Tags:        []string{"agents"},
		Middlewares: huma.Middlewares{s.requireCapability("agent.read")},
	}, s.handleListAgents)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/api/v1/agents/{id}",
		Summary:     "Get agent details",
		Tags:        []string{"agents"},
		Middlewares: huma.Middlewares{s.requireCapability("agent.read")},
	}, s.handleGetAgent)

	huma.Register(s.api, huma.Operation{
		OperationID: "deactivate-agent",
		Method:      http.MethodPost,
		Path:        "/api/v1/agents/{id}/deactivate",
		Summary:     "Deactivate an agent",
		Tags:        []string{"agents"},
		Middlewares: huma.Middlewares{s.requireCapability("agent.deactivate")},
	}, s.handleDeactivateAgent)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-agent-violations",
		Method:      http.MethodGet,
		Path:        "/api/v1/agents/{id}/violations",
		Summary:     "List an agent's ceiling violations",
		Tags:        []string{"agents"},
		Middlewares: huma.Middlewares{s.requireCapability("agent.read")},
	}, s.handleListViolations)

	huma.Register(s.api, huma.Operation{
		OperationID: "core-status",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Governance core status",
		Tags:        []string{"system"},
		Middlewares: huma.Middlewares{s.requireCapability("mode.read")},
	}, s.handleStatus)
}

// --- Action submission ---

type submitActionInput struct {
	Body struct {
		AgentID             string         `json:"agent_id" doc:"Registered agent identity"`
		TaskID              string         `json:"task_id" doc:"Task this action belongs to"`
		Provider            string         `json:"provider,omitempty" doc:"External provider the action targets"`
		EstimatedCost       float64        `json:"estimated_cost" doc:"Estimated cost in USD"`
		Steps               int            `json:"steps,omitempty" doc:"Reasoning steps consumed, default 1"`
		ClaimedSnapshotHash string         `json:"claimed_snapshot_hash" doc:"Composite hash of the snapshot the agent acted on"`
		Reported            map[string]any `json:"reported" doc:"Agent-reported state vector"`
	}
}

type submitActionOutput struct {
	Body struct {
		Admitted        bool    `json:"admitted"`
		Score           float64 `json:"score"`
		Classification  string  `json:"classification"`
		SnapshotVersion int64   `json:"snapshot_version"`
		ModeLevel       string  `json:"mode_level"`
		RecordID        string  `json:"record_id"`
	}
}

// handleSubmitAction runs the full governance pipeline for one action:
// identity gate, snapshot freshness, claimed-context check, economic
// admission, then discrepancy scoring. A stale claimed hash or any internal
// fault rejects the action.
func (s *Server) handleSubmitAction(ctx context.Context, in *submitActionInput) (*submitActionOutput, error) {
	if in.Body.AgentID == "" || in.Body.TaskID == "" {
		return nil, mapErr(wardenerr.New(wardenerr.CodeSubmitInvalidInput, "agent_id and task_id are required"))
	}

	if _, err := s.core.Registry.Gate(ctx, in.Body.AgentID); err != nil {
		return nil, mapErr(err)
	}

	snap, err := s.core.Snapshots.Current(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	if in.Body.ClaimedSnapshotHash != snap.CompositeHash {
		return nil, mapErr(wardenerr.New(wardenerr.CodeSubmitStaleContext,
			"the claimed snapshot is no longer current",
			wardenerr.FieldAgentID(in.Body.AgentID),
			wardenerr.FieldSnapshotHash(in.Body.ClaimedSnapshotHash)))
	}

	dec, err := s.core.Governor.Admit(ctx, governor.AdmitRequest{
		AgentID:       in.Body.AgentID,
		TaskID:        in.Body.TaskID,
		Provider:      in.Body.Provider,
		EstimatedCost: in.Body.EstimatedCost,
		Steps:         in.Body.Steps,
	})
	if err != nil {
		return nil, mapErr(err)
	}

	rec, err := s.core.Engine.Evaluate(ctx, scoring.EvaluateInput{
		AgentID:      in.Body.AgentID,
		TaskID:       in.Body.TaskID,
		SnapshotHash: snap.CompositeHash,
		Reported:     in.Body.Reported,
		Canonical: map[string]any{
			"restriction_level": int(snap.RestrictionLevel),
			"domain_regime":     snap.DomainRegime,
			"active_policy_id":  snap.ActivePolicyID,
		},
	})
	if err != nil {
		return nil, mapErr(err)
	}

	out := &submitActionOutput{}
	out.Body.Admitted = dec.Admitted
	out.Body.Score = rec.Score
	out.Body.Classification = string(rec.Classification)
	out.Body.SnapshotVersion = snap.Version
	out.Body.ModeLevel = dec.Level.String()
	out.Body.RecordID = rec.ID
	return out, nil
}

// --- Snapshot ---

type snapshotBody struct {
	Version          int64     `json:"version"`
	RestrictionLevel string    `json:"restriction_level"`
	DomainRegime     string    `json:"domain_regime"`
	ActivePolicyID   string    `json:"active_policy_id"`
	CompositeHash    string    `json:"composite_hash"`
	GeneratedAt      time.Time `json:"generated_at"`
}

type getSnapshotOutput struct {
	Body snapshotBody
}

func (s *Server) handleGetSnapshot(ctx context.Context, _ *struct{}) (*getSnapshotOutput, error) {
	snap, err := s.core.Snapshots.Current(ctx)
	if err != nil {
		return nil, mapErr(err)
	}

	return &getSnapshotOutput{Body: snapshotBody{
		Version:          snap.Version,
		RestrictionLevel: snap.RestrictionLevel.String(),
		DomainRegime:     snap.DomainRegime,
		ActivePolicyID:   snap.ActivePolicyID,
		CompositeHash:    snap.CompositeHash,
		GeneratedAt:      snap.GeneratedAt,
	}}, nil
}

// --- Mode ---

type modeBody struct {
	Version            int64     `json:"version"`
	Level              string    `json:"level"`
	Reason             string    `json:"reason"`
	TriggeredBy        string    `json:"triggered_by"`
	ActiveRestrictions []string  `json:"active_restrictions,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func toModeBody(rec *store.ModeRecord) modeBody {
	return modeBody{
		Version:            rec.Version,
		Level:              rec.Level.String(),
		Reason:             rec.Reason,
		TriggeredBy:        rec.TriggeredBy,
		ActiveRestrictions: rec.ActiveRestrictions,
		UpdatedAt:          rec.UpdatedAt,
	}
}

type getModeOutput struct {
	Body modeBody
}

func (s *Server) handleGetMode(ctx context.Context, _ *struct{}) (*getModeOutput, error) {
	rec, err := s.core.Modes.Current(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	return &getModeOutput{Body: toModeBody(rec)}, nil
}

type modeHistoryInput struct {
	Limit  int `query:"limit" default:"50"`
	Offset int `query:"offset"`
}

type modeHistoryOutput struct {
	Body struct {
		Transitions []modeBody `json:"transitions"`
	}
}

func (s *Server) handleModeHistory(ctx context.Context, in *modeHistoryInput) (*modeHistoryOutput, error) {
	records, err := s.core.Modes.History(ctx, store.ListOpts{Limit: in.Limit, Offset: in.Offset})
	if err != nil {
		return nil, mapErr(err)
	}

	out := &modeHistoryOutput{}
	out.Body.Transitions = make([]modeBody, 0, len(records))
	for _, rec := range records {
		out.Body.Transitions = append(out.Body.Transitions, toModeBody(rec))
	}
	return out, nil
}

type transitionModeInput struct {
	Body struct {
		Level  string `json:"level" doc:"Target mode level name"`
		Reason string `json:"reason" doc:"Why the transition is requested"`
	}
}

type transitionModeOutput struct {
	Body modeBody
}

// handleTransitionMode serves explicit transitions. Loosening is gated on
// the per-level capability; a manual escalation needs the broader
// mode.escalate capability held only by root.
func (s *Server) handleTransitionMode(ctx context.Context, in *transitionModeInput) (*transitionModeOutput, error) {
	id, err := identityFrom(ctx)
	if err != nil {
		return nil, mapErr(err)
	}

	target, ok := store.ParseModeLevel(in.Body.Level)
	if !ok {
		return nil, mapErr(wardenerr.Errorf(wardenerr.CodeModeTransitionInvalid, "unknown mode level %q", in.Body.Level))
	}

	current, err := s.core.Modes.Current(ctx)
	if err != nil {
		return nil, mapErr(err)
	}

	switch {
	case target.MoreRestrictiveThan(current.Level):
		if err := registry.Require(id, "mode.escalate"); err != nil {
			return nil, mapErr(err)
		}
		if err := s.core.Modes.Escalate(ctx, target, in.Body.Reason, id.ID); err != nil {
			return nil, mapErr(err)
		}
		rec, err := s.core.Modes.Current(ctx)
		if err != nil {
			return nil, mapErr(err)
		}
		return &transitionModeOutput{Body: toModeBody(rec)}, nil

	case current.Level.MoreRestrictiveThan(target):
		rec, err := s.core.Modes.Loosen(ctx, target, in.Body.Reason, id)
		if err != nil {
			return nil, mapErr(err)
		}
		return &transitionModeOutput{Body: toModeBody(rec)}, nil

	default:
		return &transitionModeOutput{Body: toModeBody(current)}, nil
	}
}

// --- Suspensions ---

type suspensionBody struct {
	ID          string               `json:"id"`
	AgentID     string               `json:"agent_id"`
	RequestedBy string               `json:"requested_by"`
	Score       float64              `json:"score"`
	Status      string               `json:"status"`
	Evidence    store.EvidenceBundle `json:"evidence"`
	ReviewedBy  string               `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time           `json:"reviewed_at,omitempty"`
	Rationale   string               `json:"rationale,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

func toSuspensionBody(req *store.SuspensionRequest) suspensionBody {
	return suspensionBody{
		ID:          req.ID,
		AgentID:     req.AgentID,
		RequestedBy: req.RequestedBy,
		Score:       req.Score,
		Status:      string(req.Status),
		Evidence:    req.Evidence,
		ReviewedBy:  req.ReviewedBy,
		ReviewedAt:  req.ReviewedAt,
		Rationale:   req.Rationale,
		CreatedAt:   req.CreatedAt,
	}
}

type listSuspensionsInput struct {
	Status string `query:"status" doc:"Optional status filter: PENDING, APPROVED, or REJECTED"`
	Limit  int    `query:"limit" default:"50"`
	Offset int    `query:"offset"`
}

type listSuspensionsOutput struct {
	Body struct {
		Requests []suspensionBody `json:"requests"`
	}
}

func (s *Server) handleListSuspensions(ctx context.Context, in *listSuspensionsInput) (*listSuspensionsOutput, error) {
	requests, err := s.core.Suspensions.List(ctx, store.SuspensionStatus(in.Status), store.ListOpts{Limit: in.Limit, Offset: in.Offset})
	if err != nil {
		return nil, mapErr(err)
	}

	out := &listSuspensionsOutput{}
	out.Body.Requests = make([]suspensionBody, 0, len(requests))
	for _, req := range requests {
		out.Body.Requests = append(out.Body.Requests, toSuspensionBody(req))
	}
	return out, nil
}

type getSuspensionInput struct {
	ID string `path:"id"`
}

type getSuspensionOutput struct {
	Body suspensionBody
}

func (s *Server) handleGetSuspension(ctx context.Context, in *getSuspensionInput) (*getSuspensionOutput, error) {
	req, err := s.core.Suspensions.Get(ctx, in.ID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &getSuspensionOutput{Body: toSuspensionBody(req)}, nil
}

type reviewSuspensionInput struct {
	ID   string `path:"id"`
	Body struct {
		Verdict   string `json:"verdict" enum:"APPROVED,REJECTED" doc:"Review verdict"`
		Rationale string `json:"rationale" doc:"Written rationale, required"`
	}
}

type reviewSuspensionOutput struct {
	Body suspensionBody
}

func (s *Server) handleReviewSuspension(ctx context.Context, in *reviewSuspensionInput) (*reviewSuspensionOutput, error) {
	id, err := identityFrom(ctx)
	if err != nil {
		return nil, mapErr(err)
	}

	resolved, err := s.core.Suspensions.Review(ctx, in.ID, store.SuspensionStatus(in.Body.Verdict), id, in.Body.Rationale)
	if err != nil {
		return nil, mapErr(err)
	}
	return &reviewSuspensionOutput{Body: toSuspensionBody(resolved)}, nil
}

// --- Agents ---

type agentBody struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Tier        string    `json:"tier"`
	Active      bool      `json:"active"`
	Sensitivity float64   `json:"sensitivity"`
	CreatedAt   time.Time `json:"created_at"`
}

func toAgentBody(agent *store.Agent) agentBody {
	return agentBody{
		ID:          agent.ID,
		Name:        agent.Name,
		Tier:        agent.Tier.String(),
		Active:      agent.Active,
		Sensitivity: agent.Sensitivity,
		CreatedAt:   agent.CreatedAt,
	}
}

type registerAgentInput struct {
	Body struct {
		ID   string `json:"id" doc:"Unique agent identity"`
		Name string `json:"name,omitempty"`
		Tier string `json:"tier" enum:"observer,operator,supervisor,root" doc:"Authority tier"`
	}
}

type registerAgentOutput struct {
	Body agentBody
}

func (s *Server) handleRegisterAgent(ctx context.Context, in *registerAgentInput) (*registerAgentOutput, error) {
	tier, ok := store.ParseAuthorityTier(in.Body.Tier)
	if !ok {
		return nil, mapErr(wardenerr.Errorf(wardenerr.CodeStoreInvalidInput, "unknown authority tier %q", in.Body.Tier))
	}

	agent, err := s.core.Registry.Register(ctx, in.Body.ID, in.Body.Name, tier)
	if err != nil {
		return nil, mapErr(err)
	}
	return &registerAgentOutput{Body: toAgentBody(agent)}, nil
}

type listAgentsInput struct {
	Limit  int `query:"limit" default:"50"`
	Offset int `query:"offset"`
}

type listAgentsOutput struct {
	Body struct {
		Agents []agentBody `json:"agents"`
	}
}

func (s *Server) handleListAgents(ctx context.Context, in *listAgentsInput) (*listAgentsOutput, error) {
	agents, err := s.core.Registry.List(ctx, store.ListOpts{Limit: in.Limit, Offset: in.Offset})
	if err != nil {
		return nil, mapErr(err)
	}

	out := &listAgentsOutput{}
	out.Body.Agents = make([]agentBody, 0, len(agents))
	for _, agent := range agents {
		out.Body.Agents = append(out.Body.Agents, toAgentBody(agent))
	}
	return out, nil
}

type agentIDInput struct {
	ID string `path:"id"`
}

type getAgentOutput struct {
	Body agentBody
}

func (s *Server) handleGetAgent(ctx context.Context, in *agentIDInput) (*getAgentOutput, error) {
	agent, err := s.core.Registry.Get(ctx, in.ID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &getAgentOutput{Body: toAgentBody(agent)}, nil
}

type deactivateAgentOutput struct {
	Body agentBody
}

func (s *Server) handleDeactivateAgent(ctx context.Context, in *agentIDInput) (*deactivateAgentOutput, error) {
	if err := s.core.Registry.Deactivate(ctx, in.ID); err != nil {
		return nil, mapErr(err)
	}
	agent, err := s.core.Registry.Get(ctx, in.ID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &deactivateAgentOutput{Body: toAgentBody(agent)}, nil
}

type listViolationsInput struct {
	ID     string `path:"id"`
	Limit  int    `query:"limit" default:"50"`
	Offset int    `query:"offset"`
}

type violationBody struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	TaskID    string    `json:"task_id"`
	Scope     string    `json:"scope"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type listViolationsOutput struct {
	Body struct {
		Violations []violationBody `json:"violations"`
	}
}

func (s *Server) handleListViolations(ctx context.Context, in *listViolationsInput) (*listViolationsOutput, error) {
	events, err := s.core.Governor.Violations(ctx, in.ID, store.ListOpts{Limit: in.Limit, Offset: in.Offset})
	if err != nil {
		return nil, mapErr(err)
	}

	out := &listViolationsOutput{}
	out.Body.Violations = make([]violationBody, 0, len(events))
	for _, ev := range events {
		out.Body.Violations = append(out.Body.Violations, violationBody{
			ID:        ev.ID,
			AgentID:   ev.AgentID,
			TaskID:    ev.TaskID,
			Scope:     ev.Scope,
			Reason:    ev.Reason,
			Detail:    ev.Detail,
			CreatedAt: ev.CreatedAt,
		})
	}
	return out, nil
}

// --- Status ---

type statusOutput struct {
	Body struct {
		ModeLevel           string    `json:"mode_level"`
		SnapshotVersion     int64     `json:"snapshot_version"`
		SnapshotGeneratedAt time.Time `json:"snapshot_generated_at"`
		PendingSuspensions  int       `json:"pending_suspensions"`
	}
}

func (s *Server) handleStatus(ctx context.Context, _ *struct{}) (*statusOutput, error) {
	out := &statusOutput{}

	rec, err := s.core.Modes.Current(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	out.Body.ModeLevel = rec.Level.String()

	if snap, err := s.core.Snapshots.Current(ctx); err == nil {
		out.Body.SnapshotVersion = snap.Version
		out.Body.SnapshotGeneratedAt = snap.GeneratedAt
	}

	pending, err := s.core.Suspensions.List(ctx, store.SuspensionPending, store.ListOpts{Limit: 1000})
	if err != nil {
		return nil, mapErr(err)
	}
	out.Body.PendingSuspensions = len(pending)

	return out, nil
}
