// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeStore_BootstrapAndTransition(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	ms := s.Modes()

	_, err := ms.CurrentMode(ctx)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	boot := &store.ModeRecord{
		Level:       store.ModeNominal,
		Reason:      "bootstrap",
		TriggeredBy: "system:startup",
		UpdatedAt:   time.Now(),
	}
	require.NoError(t, ms.AppendTransition(ctx, boot, 0))
	assert.Equal(t, int64(1), boot.Version, "bootstrap append assigns version 1")

	current, err := ms.CurrentMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.Version)
	assert.Equal(t, store.ModeNominal, current.Level)
	assert.True(t, current.Current)

	require.NoError(t, ms.AppendTransition(ctx, &store.ModeRecord{
		Level:              store.ModeElevated,
		Reason:             "critical classifications aggregated",
		TriggeredBy:        "system:scoring",
		ActiveRestrictions: []string{"downgrade_service_tiers"},
		UpdatedAt:          time.Now(),
	}, 1))

	current, err = ms.CurrentMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.Version)
	assert.Equal(t, store.ModeElevated, current.Level)
	assert.Equal(t, []string{"downgrade_service_tiers"}, current.ActiveRestrictions)

	// History keeps both rows, only one current.
	history, err := ms.ListTransitions(ctx, store.ListOpts{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Current)
	assert.False(t, history[1].Current)
}

func TestModeStore_ConcurrentTransitionConflicts(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	ms := s.Modes()

	require.NoError(t, ms.AppendTransition(ctx, &store.ModeRecord{
		Level: store.ModeNominal, Reason: "bootstrap", TriggeredBy: "system:startup", UpdatedAt: time.Now(),
	}, 0))

	// First writer wins.
	require.NoError(t, ms.AppendTransition(ctx, &store.ModeRecord{
		Level: store.ModeConstrained, Reason: "error rate spike", TriggeredBy: "system:monitor", UpdatedAt: time.Now(),
	}, 1))

	// Second writer observed the same prevVersion and must lose cleanly.
	err := ms.AppendTransition(ctx, &store.ModeRecord{
		Level: store.ModeElevated, Reason: "volatility", TriggeredBy: "system:feed", UpdatedAt: time.Now(),
	}, 1)
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeModeTransitionConflict))

	// The winning record is untouched.
	current, err := ms.CurrentMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.ModeConstrained, current.Level)
}

func TestModeStore_SecondBootstrapConflicts(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	ms := s.Modes()

	require.NoError(t, ms.AppendTransition(ctx, &store.ModeRecord{
		Level: store.ModeNominal, Reason: "bootstrap", TriggeredBy: "system:startup", UpdatedAt: time.Now(),
	}, 0))

	err := ms.AppendTransition(ctx, &store.ModeRecord{
		Level: store.ModeNominal, Reason: "bootstrap", TriggeredBy: "system:startup", UpdatedAt: time.Now(),
	}, 0)
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeModeTransitionConflict))
}
