// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/store/sqlite"

	"github.com/stretchr/testify/require"
)

// testStore opens a fresh store in a temp directory and closes it on cleanup.
func testStore(t *testing.T) *sqlite.Store {
	t.Helper()

	s, err := sqlite.New(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func defaultCeilings() store.UsageCeilings {
	return store.UsageCeilings{
		TaskCallQuota:   100,
		TaskBudget:      0.50,
		AgentDayBudget:  25.0,
		GlobalDayBudget: 250.0,
		TaskStepCeiling: 50,
	}
}
