// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Identity is an authenticated actor: a registered agent, a system
// component, or a human authority.
type Identity struct {
	ID   string
	Tier store.AuthorityTier
	// System is true for internal component identities (e.g.
	// "system:scoring"). System identities can file suspension requests
	// but never review them.
	System bool
}

// tierCapabilities is the explicit capability table per authority tier.
// Higher tiers include everything below them; the union is computed at
// lookup time, not by inheritance.
var tierCapabilities = map[store.AuthorityTier]CapabilitySet{
	store.TierObserver: NewCapabilitySet(
		"snapshot.read",
		"mode.read",
		"suspension.read",
	),
	store.TierOperator: NewCapabilitySet(
		"action.submit",
		"agent.read",
	),
	store.TierSupervisor: NewCapabilitySet(
		"suspension.review",
		"agent.register",
		"agent.deactivate",
		"mode.loosen.elevated",
		"mode.loosen.nominal",
	),
	store.TierRoot: NewCapabilitySet(
		"mode.*",
		"agent.*",
		"suspension.*",
	),
}

// Can reports whether the identity's tier grants the capability. Every tier
// carries its own table plus all lower tiers' tables.
func Can(id Identity, capability string) bool {
	for tier := store.TierObserver; tier <= id.Tier; tier++ {
		if set, ok := tierCapabilities[tier]; ok && set.Contains(capability) {
			return true
		}
	}
	return false
}

// Require returns a coded error when the identity lacks the capability.
func Require(id Identity, capability string) error {
	if Can(id, capability) {
		return nil
	}
	return wardenerr.New(wardenerr.CodeRegistryTierInsufficient, "authority tier insufficient",
		wardenerr.Field("identity", id.ID),
		wardenerr.Field("tier", id.Tier.String()),
		wardenerr.Field("capability", capability))
}

// Registry manages agent lifecycle and pre-action gating.
type Registry struct {
	agents      store.AgentStore
	suspensions store.SuspensionStore
	log         *slog.Logger
}

// New creates a Registry. log may be nil; slog.Default() is used then.
func New(agents store.AgentStore, suspensions store.SuspensionStore, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{agents: agents, suspensions: suspensions, log: log}
}

// Register creates a new agent identity. Sensitivity starts at 1.0.
func (r *Registry) Register(ctx context.Context, id, name string, tier store.AuthorityTier) (*store.Agent, error) {
	if id == "" {
		return nil, wardenerr.New(wardenerr.CodeStoreInvalidInput, "agent id must not be empty")
	}

	now := time.Now()
	agent := &store.Agent{
		ID:          id,
		Name:        name,
		Tier:        tier,
		Active:      true,
		Sensitivity: 1.0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.agents.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, wardenerr.Errorf(wardenerr.CodeRegistryAgentExists, "agent %s already registered", id)
		}
		return nil, wardenerr.Wrapf(err, wardenerr.CodeStoreDatabaseFailure, "registering agent %s", id)
	}

	r.log.Info("agent registered", "agent_id", id, "tier", tier.String())
	return agent, nil
}

// Get returns the agent or a coded not-found error.
func (r *Registry) Get(ctx context.Context, id string) (*store.Agent, error) {
	agent, err := r.agents.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wardenerr.Errorf(wardenerr.CodeRegistryAgentNotFound, "agent %s is not registered", id)
		}
		return nil, wardenerr.Wrapf(err, wardenerr.CodeStoreDatabaseFailure, "loading agent %s", id)
	}
	return agent, nil
}

// List returns registered agents.
func (r *Registry) List(ctx context.Context, opts store.ListOpts) ([]*store.Agent, error) {
	agents, err := r.agents.ListAgents(ctx, opts)
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeStoreDatabaseFailure, "listing agents")
	}
	return agents, nil
}

// Deactivate marks the agent inactive. Agents are never deleted.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	if err := r.agents.DeactivateAgent(ctx, id, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return wardenerr.Errorf(wardenerr.CodeRegistryAgentNotFound, "agent %s is not registered", id)
		}
		return wardenerr.Wrapf(err, wardenerr.CodeStoreDatabaseFailure, "deactivating agent %s", id)
	}
	r.log.Info("agent deactivated", "agent_id", id)
	return nil
}

// Gate verifies an agent may act at all: it must exist, be active, and
// carry no approved suspension. Returns the agent on success so callers can
// reuse its sensitivity and tier without a second read.
func (r *Registry) Gate(ctx context.Context, id string) (*store.Agent, error) {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !agent.Active {
		return nil, wardenerr.Errorf(wardenerr.CodeRegistryAgentInactive, "agent %s is deactivated", id)
	}

	suspended, err := r.suspensions.HasApproved(ctx, id)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeStoreDatabaseFailure, "checking suspensions for %s", id)
	}
	if suspended {
		return nil, wardenerr.Errorf(wardenerr.CodeRegistryAgentSuspended, "agent %s is suspended pending recovery", id)
	}
	return agent, nil
}
