// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/warden-dev/warden/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_ConfigAudits(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	audit := s.Audit()

	require.NoError(t, audit.AppendConfigAudit(ctx, &store.ConfigAuditRecord{
		ID:         uuid.NewString(),
		Actor:      "human:alex",
		Key:        "weights.identity",
		OldValue:   "0.8",
		NewValue:   "1.0",
		DocVersion: "v3",
		CreatedAt:  time.Now(),
	}))

	audits, err := audit.ListConfigAudits(ctx, store.ListOpts{})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "weights.identity", audits[0].Key)
	assert.Equal(t, "0.8", audits[0].OldValue)
	assert.Equal(t, "1.0", audits[0].NewValue)
	assert.Equal(t, "v3", audits[0].DocVersion)
}

func TestAuditStore_ForensicChain(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	audit := s.Audit()

	first, err := audit.AppendForensic(ctx, `{"event":"lock","mode":"HALTED->LOCKED"}`, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Empty(t, first.PrevHash)
	assert.NotEmpty(t, first.Hash)

	second, err := audit.AppendForensic(ctx, `{"event":"lock","detail":"second"}`, time.Now())
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.NotEqual(t, first.Hash, second.Hash)

	bad, err := audit.VerifyForensicChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), bad)
}
