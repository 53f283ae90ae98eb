// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/warden-dev/warden/internal/store"
)

// CompositeHash computes the SHA-256 hash over the canonical encoding of the
// full snapshot tuple. Every field participates, so a reader observing a
// partially-written tuple cannot reproduce the stored hash.
func CompositeHash(snap *store.StateSnapshot) string {
	canonical := fmt.Sprintf("v=%d|level=%d|regime=%s|policy=%s|at=%d",
		snap.Version,
		int(snap.RestrictionLevel),
		snap.DomainRegime,
		snap.ActivePolicyID,
		snap.GeneratedAt.UTC().UnixNano(),
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the composite hash and reports whether it matches the
// stored one. A false result is a torn read and the snapshot must be
// rejected, not merely flagged.
func Verify(snap *store.StateSnapshot) bool {
	return snap != nil && snap.CompositeHash == CompositeHash(snap)
}
