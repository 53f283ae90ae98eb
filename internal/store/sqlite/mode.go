// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Compile-time interface check.
var _ store.ModeStore = (*ModeStore)(nil)

// ModeStore implements store.ModeStore backed by SQLite. The partial unique
// index idx_mode_single_current makes a second current=1 row a constraint
// violation, so split-brain writes fail at the engine rather than racing.
type ModeStore struct {
	db *sql.DB
}

func (s *ModeStore) CurrentMode(ctx context.Context) (*store.ModeRecord, error) {
	// Counting first distinguishes "no mode yet" from a corrupted table
	// where the unique index was bypassed (e.g. external tampering).
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mode_records WHERE current = 1`).Scan(&count); err != nil {
		return nil, fmt.Errorf("counting current mode records: %w", err)
	}
	if count > 1 {
		return nil, wardenerr.Errorf(wardenerr.CodeModeSplitBrain, "%d mode records claim to be current", count)
	}
	if count == 0 {
		return nil, fmt.Errorf("current mode record: %w", store.ErrNotFound)
	}

	const q = `SELECT version, level, reason, triggered_by, active_restrictions, current, updated_at
FROM mode_records WHERE current = 1`

	rec, err := scanMode(s.db.QueryRowContext(ctx, q))
	if err != nil {
		return nil, err
	}
	if !rec.Level.Valid() {
		return nil, wardenerr.Errorf(wardenerr.CodeModeRecordCorrupt, "current mode record v%d has invalid level %d", rec.Version, int(rec.Level))
	}
	return rec, nil
}

func (s *ModeStore) AppendTransition(ctx context.Context, rec *store.ModeRecord, prevVersion int64) error {
	rec.Version = prevVersion + 1

	restrictions, err := json.Marshal(rec.ActiveRestrictions)
	if err != nil {
		return fmt.Errorf("marshaling restrictions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning mode transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if prevVersion == 0 {
		// Bootstrap: no record may be current yet.
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM mode_records WHERE current = 1`).Scan(&count); err != nil {
			return fmt.Errorf("checking bootstrap precondition: %w", err)
		}
		if count != 0 {
			return wardenerr.New(wardenerr.CodeModeTransitionConflict, "mode already initialized")
		}
	} else {
		// Clear the previous current row only if it is still the one the
		// caller observed. A lost race leaves zero rows affected.
		res, err := tx.ExecContext(ctx, `UPDATE mode_records SET current = 0 WHERE current = 1 AND version = ?`, prevVersion)
		if err != nil {
			return fmt.Errorf("clearing current mode record: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking cleared rows: %w", err)
		}
		if affected == 0 {
			return wardenerr.Errorf(wardenerr.CodeModeTransitionConflict, "mode record v%d is no longer current", prevVersion)
		}
	}

	const q = `INSERT INTO mode_records (version, level, reason, triggered_by, active_restrictions, current, updated_at)
VALUES (?, ?, ?, ?, ?, 1, ?)`

	_, err = tx.ExecContext(ctx, q,
		rec.Version,
		int(rec.Level),
		rec.Reason,
		rec.TriggeredBy,
		string(restrictions),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return wardenerr.Errorf(wardenerr.CodeModeTransitionConflict, "mode version %d already written", rec.Version)
		}
		return fmt.Errorf("inserting mode record v%d: %w", rec.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing mode transition: %w", err)
	}
	rec.Current = true
	return nil
}

func (s *ModeStore) ListTransitions(ctx context.Context, opts store.ListOpts) ([]*store.ModeRecord, error) {
	q := `SELECT version, level, reason, triggered_by, active_restrictions, current, updated_at
FROM mode_records ORDER BY version DESC`

	var args []any
	if opts.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing mode transitions: %w", err)
	}
	defer rows.Close()

	var out []*store.ModeRecord
	for rows.Next() {
		rec, err := scanMode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanMode(row rowScanner) (*store.ModeRecord, error) {
	var rec store.ModeRecord
	var level, current int
	var restrictions, updatedAt string

	err := row.Scan(&rec.Version, &level, &rec.Reason, &rec.TriggeredBy, &restrictions, &current, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mode record: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning mode record: %w", err)
	}

	rec.Level = store.ModeLevel(level)
	rec.Current = current != 0
	if err := json.Unmarshal([]byte(restrictions), &rec.ActiveRestrictions); err != nil {
		return nil, fmt.Errorf("unmarshaling restrictions for v%d: %w", rec.Version, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for v%d: %w", rec.Version, err)
	}
	return &rec, nil
}
