// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warden-dev/warden/internal/store"
)

// Compile-time interface check.
var _ store.SnapshotStore = (*SnapshotStore)(nil)

// SnapshotStore implements store.SnapshotStore backed by SQLite.
type SnapshotStore struct {
	db *sql.DB
}

func (s *SnapshotStore) AppendSnapshot(ctx context.Context, snap *store.StateSnapshot) error {
	const q = `INSERT INTO snapshots (version, restriction_level, domain_regime, active_policy_id, composite_hash, generated_at, archived)
VALUES (?, ?, ?, ?, ?, ?, 0)`

	_, err := s.db.ExecContext(ctx, q,
		snap.Version,
		int(snap.RestrictionLevel),
		snap.DomainRegime,
		snap.ActivePolicyID,
		snap.CompositeHash,
		formatTime(snap.GeneratedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("appending snapshot v%d: %w", snap.Version, store.ErrConflict)
		}
		return fmt.Errorf("appending snapshot v%d: %w", snap.Version, err)
	}
	return nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context) (*store.StateSnapshot, error) {
	const q = `SELECT version, restriction_level, domain_regime, active_policy_id, composite_hash, generated_at, archived
FROM snapshots WHERE archived = 0 ORDER BY version DESC LIMIT 1`

	return s.scanSnapshot(s.db.QueryRowContext(ctx, q))
}

func (s *SnapshotStore) GetSnapshotByHash(ctx context.Context, hash string) (*store.StateSnapshot, error) {
	const q = `SELECT version, restriction_level, domain_regime, active_policy_id, composite_hash, generated_at, archived
FROM snapshots WHERE composite_hash = ?`

	return s.scanSnapshot(s.db.QueryRowContext(ctx, q, hash))
}

func (s *SnapshotStore) ArchiveSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	// The latest snapshot is never archived, even if it is older than the
	// cutoff: Current() must be able to observe it and judge staleness.
	const q = `UPDATE snapshots SET archived = 1
WHERE archived = 0 AND generated_at < ?
  AND version < (SELECT MAX(version) FROM snapshots)`

	res, err := s.db.ExecContext(ctx, q, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("archiving snapshots: %w", err)
	}
	return res.RowsAffected()
}

func (s *SnapshotStore) scanSnapshot(row *sql.Row) (*store.StateSnapshot, error) {
	var snap store.StateSnapshot
	var level int
	var generatedAt string
	var archived int

	err := row.Scan(&snap.Version, &level, &snap.DomainRegime, &snap.ActivePolicyID, &snap.CompositeHash, &generatedAt, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning snapshot: %w", err)
	}

	snap.RestrictionLevel = store.ModeLevel(level)
	snap.Archived = archived != 0
	if snap.GeneratedAt, err = parseTime(generatedAt); err != nil {
		return nil, fmt.Errorf("parsing snapshot generated_at: %w", err)
	}
	return &snap, nil
}

// isUniqueViolation reports whether err is a SQLite unique/primary key
// constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
