// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package sqlite implements the store interfaces backed by SQLite.
// All governance tables live in one database file. The single-active-row
// rule for mode records is enforced with a partial unique index, so a
// second "current" row is structurally impossible rather than merely
// discouraged.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warden-dev/warden/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// timeLayout is fixed-width UTC so stored timestamps compare
// lexicographically in the same order as chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements store.Store with a single SQLite database.
type Store struct {
	db *sql.DB

	snapshots       *SnapshotStore
	reconciliations *ReconciliationStore
	modes           *ModeStore
	suspensions     *SuspensionStore
	ledger          *LedgerStore
	agents          *AgentStore
	audit           *AuditStore
}

// New opens (or creates) the governance database at dbPath and runs
// migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite db: %w", err)
	}

	s := &Store{db: db}
	s.snapshots = &SnapshotStore{db: db}
	s.reconciliations = &ReconciliationStore{db: db}
	s.modes = &ModeStore{db: db}
	s.suspensions = &SuspensionStore{db: db}
	s.ledger = &LedgerStore{db: db}
	s.agents = &AgentStore{db: db}
	s.audit = &AuditStore{db: db}
	return s, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS snapshots (
	version           INTEGER PRIMARY KEY,
	restriction_level INTEGER NOT NULL,
	domain_regime     TEXT NOT NULL,
	active_policy_id  TEXT NOT NULL,
	composite_hash    TEXT NOT NULL UNIQUE,
	generated_at      TEXT NOT NULL,
	archived          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS reconciliation_records (
	id             TEXT PRIMARY KEY,
	agent_id       TEXT NOT NULL,
	task_id        TEXT NOT NULL,
	snapshot_hash  TEXT NOT NULL,
	field_diffs    TEXT NOT NULL DEFAULT '[]',
	score          REAL NOT NULL,
	classification TEXT NOT NULL,
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recon_agent ON reconciliation_records(agent_id, created_at);
CREATE INDEX IF NOT EXISTS idx_recon_class ON reconciliation_records(classification, created_at);

CREATE TABLE IF NOT EXISTS mode_records (
	version             INTEGER PRIMARY KEY,
	level               INTEGER NOT NULL,
	reason              TEXT NOT NULL,
	triggered_by        TEXT NOT NULL,
	active_restrictions TEXT NOT NULL DEFAULT '[]',
	current             INTEGER NOT NULL DEFAULT 0,
	updated_at          TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_mode_single_current ON mode_records(current) WHERE current = 1;

CREATE TABLE IF NOT EXISTS suspension_requests (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	requested_by TEXT NOT NULL,
	score        REAL NOT NULL,
	evidence     TEXT NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL DEFAULT 'PENDING',
	reviewed_by  TEXT NOT NULL DEFAULT '',
	reviewed_at  TEXT NOT NULL DEFAULT '',
	rationale    TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_susp_agent_status ON suspension_requests(agent_id, status);

CREATE TABLE IF NOT EXISTS usage_ledger (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	provider   TEXT NOT NULL DEFAULT '',
	cost       REAL NOT NULL,
	steps      INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_task ON usage_ledger(task_id);
CREATE INDEX IF NOT EXISTS idx_ledger_agent_time ON usage_ledger(agent_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_time ON usage_ledger(created_at);

CREATE TABLE IF NOT EXISTS violation_events (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	scope      TEXT NOT NULL,
	reason     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violation_agent ON violation_events(agent_id, created_at);

CREATE TABLE IF NOT EXISTS agents (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	tier        INTEGER NOT NULL DEFAULT 0,
	active      INTEGER NOT NULL DEFAULT 1,
	sensitivity REAL NOT NULL DEFAULT 1.0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS config_audits (
	id          TEXT PRIMARY KEY,
	actor       TEXT NOT NULL,
	key         TEXT NOT NULL,
	old_value   TEXT NOT NULL DEFAULT '',
	new_value   TEXT NOT NULL DEFAULT '',
	doc_version TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS forensic_chain (
	sequence   INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL,
	prev_hash  TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL,
	hash       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Snapshots() store.SnapshotStore               { return s.snapshots }
func (s *Store) Reconciliations() store.ReconciliationStore   { return s.reconciliations }
func (s *Store) Modes() store.ModeStore                       { return s.modes }
func (s *Store) Suspensions() store.SuspensionStore           { return s.suspensions }
func (s *Store) Ledger() store.LedgerStore                    { return s.ledger }
func (s *Store) Agents() store.AgentStore                     { return s.agents }
func (s *Store) Audit() store.AuditStore                      { return s.audit }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Fall back for rows written by older tools.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}
