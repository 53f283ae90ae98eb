// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warden-dev/warden/internal/store"
)

// Compile-time interface check.
var _ store.ReconciliationStore = (*ReconciliationStore)(nil)

// ReconciliationStore implements store.ReconciliationStore backed by SQLite.
type ReconciliationStore struct {
	db *sql.DB
}

func (s *ReconciliationStore) AppendRecord(ctx context.Context, rec *store.ReconciliationRecord) error {
	diffs, err := json.Marshal(rec.FieldDiffs)
	if err != nil {
		return fmt.Errorf("marshaling field diffs: %w", err)
	}

	const q = `INSERT INTO reconciliation_records (id, agent_id, task_id, snapshot_hash, field_diffs, score, classification, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, q,
		rec.ID,
		rec.AgentID,
		rec.TaskID,
		rec.SnapshotHash,
		string(diffs),
		rec.Score,
		string(rec.Classification),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("appending reconciliation record %s: %w", rec.ID, store.ErrConflict)
		}
		return fmt.Errorf("appending reconciliation record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *ReconciliationStore) GetRecord(ctx context.Context, id string) (*store.ReconciliationRecord, error) {
	const q = `SELECT id, agent_id, task_id, snapshot_hash, field_diffs, score, classification, created_at
FROM reconciliation_records WHERE id = ?`

	rec, err := scanReconciliation(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reconciliation record %s: %w", id, store.ErrNotFound)
	}
	return rec, err
}

func (s *ReconciliationStore) ListByAgent(ctx context.Context, agentID string, opts store.ListOpts) ([]*store.ReconciliationRecord, error) {
	q := `SELECT id, agent_id, task_id, snapshot_hash, field_diffs, score, classification, created_at
FROM reconciliation_records WHERE agent_id = ? ORDER BY created_at DESC`

	args := []any{agentID}
	if opts.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing reconciliation records: %w", err)
	}
	defer rows.Close()

	var out []*store.ReconciliationRecord
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ReconciliationStore) CountByClassification(ctx context.Context, agentID string, c store.Classification, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM reconciliation_records
WHERE agent_id = ? AND classification = ? AND created_at >= ?`

	var count int
	err := s.db.QueryRowContext(ctx, q, agentID, string(c), formatTime(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting %s records: %w", c, err)
	}
	return count, nil
}

func (s *ReconciliationStore) CountCriticalSince(ctx context.Context, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM reconciliation_records
WHERE classification = ? AND created_at >= ?`

	var count int
	err := s.db.QueryRowContext(ctx, q, string(store.ClassificationCritical), formatTime(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting critical records: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReconciliation(row rowScanner) (*store.ReconciliationRecord, error) {
	var rec store.ReconciliationRecord
	var diffs, classification, createdAt string

	err := row.Scan(&rec.ID, &rec.AgentID, &rec.TaskID, &rec.SnapshotHash, &diffs, &rec.Score, &classification, &createdAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(diffs), &rec.FieldDiffs); err != nil {
		return nil, fmt.Errorf("unmarshaling field diffs for %s: %w", rec.ID, err)
	}
	rec.Classification = store.Classification(classification)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for %s: %w", rec.ID, err)
	}
	return &rec, nil
}
