// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package snapshot

// CorruptLatest mutates a field of the in-memory head without updating the
// stored hash, simulating a torn read for tests.
func (s *Service) CorruptLatest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest != nil {
		s.latest.DomainRegime = s.latest.DomainRegime + "-tampered"
	}
}
