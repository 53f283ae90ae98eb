// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warden-dev/warden/internal/store"
)

// Compile-time interface check.
var _ store.AuditStore = (*AuditStore)(nil)

// AuditStore implements store.AuditStore backed by SQLite.
type AuditStore struct {
	db *sql.DB
}

func (s *AuditStore) AppendConfigAudit(ctx context.Context, rec *store.ConfigAuditRecord) error {
	const q = `INSERT INTO config_audits (id, actor, key, old_value, new_value, doc_version, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		rec.ID,
		rec.Actor,
		rec.Key,
		rec.OldValue,
		rec.NewValue,
		rec.DocVersion,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appending config audit %s: %w", rec.ID, err)
	}
	return nil
}

func (s *AuditStore) ListConfigAudits(ctx context.Context, opts store.ListOpts) ([]*store.ConfigAuditRecord, error) {
	q := `SELECT id, actor, key, old_value, new_value, doc_version, created_at FROM config_audits ORDER BY created_at DESC`

	var args []any
	if opts.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing config audits: %w", err)
	}
	defer rows.Close()

	var out []*store.ConfigAuditRecord
	for rows.Next() {
		var rec store.ConfigAuditRecord
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Actor, &rec.Key, &rec.OldValue, &rec.NewValue, &rec.DocVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning config audit: %w", err)
		}
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", rec.ID, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *AuditStore) AppendForensic(ctx context.Context, payload string, at time.Time) (*store.ForensicRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning forensic append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevHash string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM forensic_chain ORDER BY sequence DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reading chain head: %w", err)
	}

	rec := &store.ForensicRecord{
		ID:        uuid.NewString(),
		PrevHash:  prevHash,
		Payload:   payload,
		Hash:      chainHash(prevHash, payload),
		CreatedAt: at,
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO forensic_chain (id, prev_hash, payload, hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.PrevHash, rec.Payload, rec.Hash, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("appending forensic record: %w", err)
	}
	if rec.Sequence, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reading forensic sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing forensic append: %w", err)
	}
	return rec, nil
}

func (s *AuditStore) VerifyForensicChain(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, prev_hash, payload, hash FROM forensic_chain ORDER BY sequence`)
	if err != nil {
		return 0, fmt.Errorf("reading forensic chain: %w", err)
	}
	defer rows.Close()

	expectedPrev := ""
	for rows.Next() {
		var seq int64
		var prevHash, payload, hash string
		if err := rows.Scan(&seq, &prevHash, &payload, &hash); err != nil {
			return 0, fmt.Errorf("scanning forensic record: %w", err)
		}
		if prevHash != expectedPrev || hash != chainHash(prevHash, payload) {
			return seq, nil
		}
		expectedPrev = hash
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return -1, nil
}

func chainHash(prevHash, payload string) string {
	sum := sha256.Sum256([]byte(prevHash + "\n" + payload))
	return hex.EncodeToString(sum[:])
}
