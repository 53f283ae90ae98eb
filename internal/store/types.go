// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package store

import "time"

// --- Authority tiers ---

// AuthorityTier is the ordinal authorization level of an identity. Tiers form
// a closed set; there is no inheritance beyond ordinal comparison.
type AuthorityTier int

const (
	TierObserver AuthorityTier = iota
	TierOperator
	TierSupervisor
	TierRoot
)

var tierNames = map[AuthorityTier]string{
	TierObserver:   "observer",
	TierOperator:   "operator",
	TierSupervisor: "supervisor",
	TierRoot:       "root",
}

func (t AuthorityTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "unknown"
}

// AtLeast reports whether t meets or exceeds the required tier.
func (t AuthorityTier) AtLeast(required AuthorityTier) bool {
	return t >= required
}

// ParseAuthorityTier maps a tier name to its ordinal value.
func ParseAuthorityTier(s string) (AuthorityTier, bool) {
	for tier, name := range tierNames {
		if name == s {
			return tier, true
		}
	}
	return TierObserver, false
}

// --- Agents ---

// Agent is an independent worker identity subject to governance.
// Agents are registered before first use and deactivated, never deleted.
type Agent struct {
	ID   string
	Name string
	Tier AuthorityTier
	// Active is false once the agent has been deactivated.
	Active bool
	// Sensitivity is the monitoring sensitivity multiplier (>= 1.0).
	// Classification thresholds are divided by this factor, so a rejected
	// suspension review tightens subsequent scoring for the agent.
	Sensitivity float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// --- State snapshots ---

// StateSnapshot is an immutable, versioned vector of shared operational facts.
// All fields are produced in the same generation tick; CompositeHash covers
// the full tuple so partial reads are detectable.
type StateSnapshot struct {
	Version          int64
	RestrictionLevel ModeLevel
	DomainRegime     string
	ActivePolicyID   string
	CompositeHash    string
	GeneratedAt      time.Time
	Archived         bool
}

// --- Scoring ---

// Classification buckets a discrepancy score.
type Classification string

const (
	ClassificationNormal   Classification = "NORMAL"
	ClassificationWarning  Classification = "WARNING"
	ClassificationCritical Classification = "CRITICAL"
)

// FieldDiff records one field comparison inside a reconciliation.
type FieldDiff struct {
	FieldClass string  `json:"field_class"`
	Reported   string  `json:"reported"`
	Canonical  string  `json:"canonical"`
	Weight     float64 `json:"weight"`
	Mismatch   bool    `json:"mismatch"`
}

// ReconciliationRecord is written once per scoring call, including failure
// paths, and is immutable after the append.
type ReconciliationRecord struct {
	ID             string
	AgentID        string
	TaskID         string
	SnapshotHash   string
	FieldDiffs     []FieldDiff
	Score          float64
	Classification Classification
	CreatedAt      time.Time
}

// --- Operational mode ---

// ModeLevel is the system-wide restriction tier, ordered from least to most
// restrictive. Exactly one level is active at any instant.
type ModeLevel int

const (
	ModeNominal     ModeLevel = 1
	ModeElevated    ModeLevel = 2
	ModeConstrained ModeLevel = 3
	ModeHalted      ModeLevel = 4
	ModeLocked      ModeLevel = 5
)

var modeNames = map[ModeLevel]string{
	ModeNominal:     "NOMINAL",
	ModeElevated:    "ELEVATED",
	ModeConstrained: "CONSTRAINED",
	ModeHalted:      "HALTED",
	ModeLocked:      "LOCKED",
}

func (l ModeLevel) String() string {
	if name, ok := modeNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether l is one of the five defined levels.
func (l ModeLevel) Valid() bool {
	_, ok := modeNames[l]
	return ok
}

// MoreRestrictiveThan reports whether l restricts more than other.
func (l ModeLevel) MoreRestrictiveThan(other ModeLevel) bool {
	return l > other
}

// ParseModeLevel maps a level name to its ordinal value.
func ParseModeLevel(s string) (ModeLevel, bool) {
	for level, name := range modeNames {
		if name == s {
			return level, true
		}
	}
	return ModeNominal, false
}

// ModeRecord is one entry in the append-only mode transition log. The row
// with Current=true is the single active record, enforced structurally by
// the backend.
type ModeRecord struct {
	Version            int64
	Level              ModeLevel
	Reason             string
	TriggeredBy        string
	ActiveRestrictions []string
	Current            bool
	UpdatedAt          time.Time
}

// --- Suspension workflow ---

// SuspensionStatus is the review state of a suspension request.
type SuspensionStatus string

const (
	SuspensionPending  SuspensionStatus = "PENDING"
	SuspensionApproved SuspensionStatus = "APPROVED"
	SuspensionRejected SuspensionStatus = "REJECTED"
)

// PriorClassification is one historical scoring outcome included in an
// evidence bundle.
type PriorClassification struct {
	Score          float64        `json:"score"`
	Classification Classification `json:"classification"`
	CreatedAt      time.Time      `json:"created_at"`
}

// EvidenceBundle packages everything a human reviewer needs: the snapshot
// hash at comparison time, the full field diffs, and prior history. It is
// delivered whole, never summarized.
type EvidenceBundle struct {
	Trigger      string                `json:"trigger"`
	SnapshotHash string                `json:"snapshot_hash"`
	Score        float64               `json:"score"`
	FieldDiffs   []FieldDiff           `json:"field_diffs"`
	PriorHistory []PriorClassification `json:"prior_history"`
}

// SuspensionRequest is a recommendation artifact, never a self-enforcing
// action. It transitions exactly once from PENDING to a terminal state.
type SuspensionRequest struct {
	ID          string
	AgentID     string
	RequestedBy string
	Score       float64
	Evidence    EvidenceBundle
	Status      SuspensionStatus
	ReviewedBy  string
	ReviewedAt  *time.Time
	Rationale   string
	CreatedAt   time.Time
}

// --- Economic governor ---

// UsageLedgerEntry is one admitted external action, appended atomically with
// the admission check that allowed it.
type UsageLedgerEntry struct {
	ID        string
	AgentID   string
	TaskID    string
	Provider  string
	Cost      float64
	Steps     int
	CreatedAt time.Time
}

// UsageCeilings are the effective (mode-scaled) ceilings evaluated inside a
// single reservation transaction. A zero ceiling admits nothing.
type UsageCeilings struct {
	TaskCallQuota   int
	TaskBudget      float64
	AgentDayBudget  float64
	GlobalDayBudget float64
	TaskStepCeiling int
	// DayStart is the beginning of the current accounting day (UTC).
	DayStart time.Time
}

// UsageTotals reports current counter values for a scope.
type UsageTotals struct {
	TaskCalls    int
	TaskCost     float64
	TaskSteps    int
	AgentDayCost float64
	GlobalDayCost float64
}

// ViolationEvent records a policy breach or a governance-forced cancellation.
// Append-only.
type ViolationEvent struct {
	ID        string
	AgentID   string
	TaskID    string
	Scope     string
	Reason    string
	Detail    string
	CreatedAt time.Time
}

// Violation scopes.
const (
	ScopeAgent  = "agent"
	ScopeTask   = "task"
	ScopeGlobal = "global"
	ScopeMode   = "mode"
)

// --- Audit ---

// ConfigAuditRecord captures one accepted configuration change: who changed
// what, when, and both values.
type ConfigAuditRecord struct {
	ID         string
	Actor      string
	Key        string
	OldValue   string
	NewValue   string
	DocVersion string
	CreatedAt  time.Time
}

// ForensicRecord is one link in the tamper-evident chain written before a
// LOCKED transition. Hash covers PrevHash and Payload.
type ForensicRecord struct {
	ID        string
	Sequence  int64
	PrevHash  string
	Payload   string
	Hash      string
	CreatedAt time.Time
}

// ListOpts controls pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}
