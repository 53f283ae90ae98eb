// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite

import (
	"path/filepath"

	"github.com/warden-dev/warden/internal/store"
)

func init() {
	store.RegisterBackend("sqlite", newStore)
}

func newStore(dataPath string) (store.Store, error) {
	return New(filepath.Join(dataPath, "warden.db"))
}
