// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package store defines the persistence contracts of the governance core.
// Every table is append-only; "current" pointers are maintained by
// single-active-row constraints in the backend, never by deletion.
package store

import (
	"context"
	"time"
)

// SnapshotStore owns the StateSnapshot log. Only the snapshot service writes.
type SnapshotStore interface {
	// AppendSnapshot inserts a new snapshot. Versions must be strictly
	// increasing; a duplicate version is a conflict.
	AppendSnapshot(ctx context.Context, snap *StateSnapshot) error

	// LatestSnapshot returns the newest non-archived snapshot, or
	// ErrNotFound if none has ever been published.
	LatestSnapshot(ctx context.Context) (*StateSnapshot, error)

	// GetSnapshotByHash returns the snapshot with the given composite hash.
	GetSnapshotByHash(ctx context.Context, hash string) (*StateSnapshot, error)

	// ArchiveSnapshotsBefore marks snapshots older than cutoff as archived
	// and returns the number of rows affected. Rows are never deleted.
	ArchiveSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ReconciliationStore owns the ReconciliationRecord log. Only the scoring
// engine writes.
type ReconciliationStore interface {
	AppendRecord(ctx context.Context, rec *ReconciliationRecord) error
	GetRecord(ctx context.Context, id string) (*ReconciliationRecord, error)
	ListByAgent(ctx context.Context, agentID string, opts ListOpts) ([]*ReconciliationRecord, error)

	// CountByClassification returns how many records for agentID carry the
	// given classification since the cutoff. Used for sustained-pattern
	// escalation and mode aggregation.
	CountByClassification(ctx context.Context, agentID string, c Classification, since time.Time) (int, error)

	// CountCriticalSince counts CRITICAL records across all agents.
	CountCriticalSince(ctx context.Context, since time.Time) (int, error)
}

// ModeStore owns the ModeRecord log. Only the mode controller writes.
type ModeStore interface {
	// CurrentMode returns the single active record. More than one active
	// row is an integrity fault and surfaces as CodeModeSplitBrain.
	CurrentMode(ctx context.Context) (*ModeRecord, error)

	// AppendTransition atomically clears the current flag of the record at
	// prevVersion and inserts rec as the new current record with
	// rec.Version assigned to prevVersion+1, so versions stay strictly
	// monotonic. prevVersion 0 is the bootstrap append and requires an
	// empty log. If the record at prevVersion is no longer current (a
	// concurrent transition won), the append fails with
	// CodeModeTransitionConflict and nothing changes.
	AppendTransition(ctx context.Context, rec *ModeRecord, prevVersion int64) error

	ListTransitions(ctx context.Context, opts ListOpts) ([]*ModeRecord, error)
}

// SuspensionStore owns SuspensionRequest rows. Creation is system-only; the
// terminal transition belongs to the human-authority boundary.
type SuspensionStore interface {
	CreateRequest(ctx context.Context, req *SuspensionRequest) error
	GetRequest(ctx context.Context, id string) (*SuspensionRequest, error)
	ListRequests(ctx context.Context, status SuspensionStatus, opts ListOpts) ([]*SuspensionRequest, error)

	// ResolveRequest performs the single PENDING -> terminal transition.
	// Resolving a request that is not PENDING fails with
	// CodeSuspensionNotPending.
	ResolveRequest(ctx context.Context, id string, status SuspensionStatus, reviewedBy, rationale string, reviewedAt time.Time) (*SuspensionRequest, error)

	// PendingExists reports whether agentID already has a PENDING request.
	PendingExists(ctx context.Context, agentID string) (bool, error)

	// HasApproved reports whether agentID has any APPROVED request, i.e.
	// an active capability restriction.
	HasApproved(ctx context.Context, agentID string) (bool, error)
}

// LedgerStore owns usage counters and violation events.
type LedgerStore interface {
	// Reserve evaluates all ceilings against current counters and appends
	// the ledger entry in the same transaction, so concurrent admissions
	// cannot both pass a nearly-exhausted ceiling. A breach returns a
	// coded governor error and appends nothing.
	Reserve(ctx context.Context, entry *UsageLedgerEntry, ceil UsageCeilings) error

	Totals(ctx context.Context, agentID, taskID string, dayStart time.Time) (*UsageTotals, error)

	AppendViolation(ctx context.Context, ev *ViolationEvent) error
	ListViolations(ctx context.Context, agentID string, opts ListOpts) ([]*ViolationEvent, error)
}

// AgentStore owns agent identities.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, opts ListOpts) ([]*Agent, error)
	DeactivateAgent(ctx context.Context, id string, at time.Time) error
	SetSensitivity(ctx context.Context, id string, factor float64, at time.Time) error
}

// AuditStore owns configuration-change audits and the forensic chain.
type AuditStore interface {
	AppendConfigAudit(ctx context.Context, rec *ConfigAuditRecord) error
	ListConfigAudits(ctx context.Context, opts ListOpts) ([]*ConfigAuditRecord, error)

	// AppendForensic links payload into the tamper-evident chain and
	// returns the stored record including its chained hash.
	AppendForensic(ctx context.Context, payload string, at time.Time) (*ForensicRecord, error)

	// VerifyForensicChain walks the chain and returns the first sequence
	// whose hash does not verify, or -1 when the chain is intact.
	VerifyForensicChain(ctx context.Context) (int64, error)
}

// Store aggregates all persistence surfaces behind one backend handle.
type Store interface {
	Snapshots() SnapshotStore
	Reconciliations() ReconciliationStore
	Modes() ModeStore
	Suspensions() SuspensionStore
	Ledger() LedgerStore
	Agents() AgentStore
	Audit() AuditStore
	Close() error
}
