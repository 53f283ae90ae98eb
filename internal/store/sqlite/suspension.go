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
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Compile-time interface check.
var _ store.SuspensionStore = (*SuspensionStore)(nil)

// SuspensionStore implements store.SuspensionStore backed by SQLite.
type SuspensionStore struct {
	db *sql.DB
}

func (s *SuspensionStore) CreateRequest(ctx context.Context, req *store.SuspensionRequest) error {
	evidence, err := json.Marshal(req.Evidence)
	if err != nil {
		return fmt.Errorf("marshaling evidence: %w", err)
	}

	const q = `INSERT INTO suspension_requests (id, agent_id, requested_by, score, evidence, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, q,
		req.ID,
		req.AgentID,
		req.RequestedBy,
		req.Score,
		string(evidence),
		string(req.Status),
		formatTime(req.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("creating suspension request %s: %w", req.ID, store.ErrConflict)
		}
		return fmt.Errorf("creating suspension request %s: %w", req.ID, err)
	}
	return nil
}

func (s *SuspensionStore) GetRequest(ctx context.Context, id string) (*store.SuspensionRequest, error) {
	const q = `SELECT id, agent_id, requested_by, score, evidence, status, reviewed_by, reviewed_at, rationale, created_at
FROM suspension_requests WHERE id = ?`

	req, err := scanSuspension(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("suspension request %s: %w", id, store.ErrNotFound)
	}
	return req, err
}

func (s *SuspensionStore) ListRequests(ctx context.Context, status store.SuspensionStatus, opts store.ListOpts) ([]*store.SuspensionRequest, error) {
	q := `SELECT id, agent_id, requested_by, score, evidence, status, reviewed_by, reviewed_at, rationale, created_at
FROM suspension_requests`

	var args []any
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, string(status))
	}
	q += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing suspension requests: %w", err)
	}
	defer rows.Close()

	var out []*store.SuspensionRequest
	for rows.Next() {
		req, err := scanSuspension(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SuspensionStore) ResolveRequest(ctx context.Context, id string, status store.SuspensionStatus, reviewedBy, rationale string, reviewedAt time.Time) (*store.SuspensionRequest, error) {
	// The WHERE status = 'PENDING' guard makes the terminal transition
	// single-shot even under concurrent reviewers.
	const q = `UPDATE suspension_requests
SET status = ?, reviewed_by = ?, reviewed_at = ?, rationale = ?
WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, q,
		string(status), reviewedBy, formatTime(reviewedAt), rationale,
		id, string(store.SuspensionPending),
	)
	if err != nil {
		return nil, fmt.Errorf("resolving suspension request %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking resolved rows: %w", err)
	}
	if affected == 0 {
		existing, getErr := s.GetRequest(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, wardenerr.Errorf(wardenerr.CodeSuspensionNotPending,
			"suspension request %s already resolved to %s", id, existing.Status)
	}

	return s.GetRequest(ctx, id)
}

func (s *SuspensionStore) PendingExists(ctx context.Context, agentID string) (bool, error) {
	return s.statusExists(ctx, agentID, store.SuspensionPending)
}

func (s *SuspensionStore) HasApproved(ctx context.Context, agentID string) (bool, error) {
	return s.statusExists(ctx, agentID, store.SuspensionApproved)
}

func (s *SuspensionStore) statusExists(ctx context.Context, agentID string, status store.SuspensionStatus) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM suspension_requests WHERE agent_id = ? AND status = ?)`

	var exists int
	if err := s.db.QueryRowContext(ctx, q, agentID, string(status)).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking %s requests for %s: %w", status, agentID, err)
	}
	return exists != 0, nil
}

func scanSuspension(row rowScanner) (*store.SuspensionRequest, error) {
	var req store.SuspensionRequest
	var evidence, status, reviewedAt, createdAt string

	err := row.Scan(&req.ID, &req.AgentID, &req.RequestedBy, &req.Score, &evidence, &status, &req.ReviewedBy, &reviewedAt, &req.Rationale, &createdAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(evidence), &req.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshaling evidence for %s: %w", req.ID, err)
	}
	req.Status = store.SuspensionStatus(status)
	if reviewedAt != "" {
		t, err := parseTime(reviewedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing reviewed_at for %s: %w", req.ID, err)
		}
		req.ReviewedAt = &t
	}
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for %s: %w", req.ID, err)
	}
	return &req, nil
}
