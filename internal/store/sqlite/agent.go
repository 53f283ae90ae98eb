// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warden-dev/warden/internal/store"
)

// Compile-time interface check.
var _ store.AgentStore = (*AgentStore)(nil)

// AgentStore implements store.AgentStore backed by SQLite.
type AgentStore struct {
	db *sql.DB
}

func (s *AgentStore) CreateAgent(ctx context.Context, agent *store.Agent) error {
	const q = `INSERT INTO agents (id, name, tier, active, sensitivity, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	active := 0
	if agent.Active {
		active = 1
	}

	_, err := s.db.ExecContext(ctx, q,
		agent.ID,
		agent.Name,
		int(agent.Tier),
		active,
		agent.Sensitivity,
		formatTime(agent.CreatedAt),
		formatTime(agent.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("creating agent %s: %w", agent.ID, store.ErrConflict)
		}
		return fmt.Errorf("creating agent %s: %w", agent.ID, err)
	}
	return nil
}

func (s *AgentStore) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	const q = `SELECT id, name, tier, active, sensitivity, created_at, updated_at FROM agents WHERE id = ?`

	agent, err := scanAgent(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	return agent, err
}

func (s *AgentStore) ListAgents(ctx context.Context, opts store.ListOpts) ([]*store.Agent, error) {
	q := `SELECT id, name, tier, active, sensitivity, created_at, updated_at FROM agents ORDER BY created_at`

	var args []any
	if opts.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []*store.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func (s *AgentStore) DeactivateAgent(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE agents SET active = 0, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, q, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("deactivating agent %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking deactivated rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *AgentStore) SetSensitivity(ctx context.Context, id string, factor float64, at time.Time) error {
	const q = `UPDATE agents SET sensitivity = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, q, factor, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("setting sensitivity for agent %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func scanAgent(row rowScanner) (*store.Agent, error) {
	var agent store.Agent
	var tier, active int
	var createdAt, updatedAt string

	err := row.Scan(&agent.ID, &agent.Name, &tier, &active, &agent.Sensitivity, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	agent.Tier = store.AuthorityTier(tier)
	agent.Active = active != 0
	if agent.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for %s: %w", agent.ID, err)
	}
	if agent.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for %s: %w", agent.ID, err)
	}
	return &agent, nil
}
