// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingRequest(id, agentID string) *store.SuspensionRequest {
	return &store.SuspensionRequest{
		ID:          id,
		AgentID:     agentID,
		RequestedBy: "system:scoring",
		Score:       0.42,
		Evidence: store.EvidenceBundle{
			Trigger:      "critical",
			SnapshotHash: "hash-1",
			Score:        0.42,
			FieldDiffs: []store.FieldDiff{
				{FieldClass: "identity", Reported: "agent-b", Canonical: "agent-a", Weight: 1.0, Mismatch: true},
			},
		},
		Status:    store.SuspensionPending,
		CreatedAt: time.Now(),
	}
}

func TestSuspensionStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	sus := s.Suspensions()

	require.NoError(t, sus.CreateRequest(ctx, pendingRequest("req-1", "agent-1")))

	got, err := sus.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, store.SuspensionPending, got.Status)
	assert.Equal(t, "system:scoring", got.RequestedBy)
	require.Len(t, got.Evidence.FieldDiffs, 1)
	assert.True(t, got.Evidence.FieldDiffs[0].Mismatch)
	assert.Nil(t, got.ReviewedAt)

	pending, err := sus.PendingExists(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestSuspensionStore_SingleTerminalTransition(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	sus := s.Suspensions()

	require.NoError(t, sus.CreateRequest(ctx, pendingRequest("req-1", "agent-1")))

	resolved, err := sus.ResolveRequest(ctx, "req-1", store.SuspensionApproved, "human:alex", "score history confirms drift", time.Now())
	require.NoError(t, err)
	assert.Equal(t, store.SuspensionApproved, resolved.Status)
	assert.Equal(t, "human:alex", resolved.ReviewedBy)
	require.NotNil(t, resolved.ReviewedAt)

	// The terminal transition happens exactly once.
	_, err = sus.ResolveRequest(ctx, "req-1", store.SuspensionRejected, "human:sam", "changed my mind", time.Now())
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeSuspensionNotPending))

	approved, err := sus.HasApproved(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, approved)

	pending, err := sus.PendingExists(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestSuspensionStore_ListByStatus(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	sus := s.Suspensions()

	require.NoError(t, sus.CreateRequest(ctx, pendingRequest("req-1", "agent-1")))
	require.NoError(t, sus.CreateRequest(ctx, pendingRequest("req-2", "agent-2")))
	_, err := sus.ResolveRequest(ctx, "req-2", store.SuspensionRejected, "human:alex", "tolerable deviation", time.Now())
	require.NoError(t, err)

	pending, err := sus.ListRequests(ctx, store.SuspensionPending, store.ListOpts{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "req-1", pending[0].ID)

	all, err := sus.ListRequests(ctx, "", store.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
