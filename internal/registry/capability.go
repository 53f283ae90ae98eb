// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package registry manages agent identities and the authority-tier
// capability model. Tiers are a small closed set with explicit capability
// tables; capability patterns use dot-separated segments where a segment
// exactly "*" matches one trailing segment group.
package registry

import "strings"

// CapabilitySet is a set of capability patterns.
type CapabilitySet struct {
	patterns []string
}

// NewCapabilitySet constructs a CapabilitySet from the provided patterns.
func NewCapabilitySet(patterns ...string) CapabilitySet {
	copied := append([]string(nil), patterns...)
	return CapabilitySet{patterns: copied}
}

// Contains reports whether any capability pattern in the set matches cap.
func (s CapabilitySet) Contains(cap string) bool {
	for _, pattern := range s.patterns {
		if matchCapability(pattern, cap) {
			return true
		}
	}
	return false
}

// matchCapability reports whether cap matches pattern. Matching is
// dot-segment aware: a segment exactly "*" matches one or more capability
// segments; other segments must match exactly. Malformed dotted strings
// (leading/trailing dot or consecutive dots) never match.
func matchCapability(pattern, cap string) bool {
	if pattern == "" || cap == "" {
		return false
	}
	if !isValidDotted(pattern) || !isValidDotted(cap) {
		return false
	}

	patternSegments := strings.Split(pattern, ".")
	capSegments := strings.Split(cap, ".")

	var match func(pi, ci int) bool
	match = func(pi, ci int) bool {
		if pi == len(patternSegments) {
			return ci == len(capSegments)
		}
		if ci == len(capSegments) {
			return false
		}

		if patternSegments[pi] == "*" {
			for next := ci + 1; next <= len(capSegments); next++ {
				if match(pi+1, next) {
					return true
				}
			}
			return false
		}

		if patternSegments[pi] != capSegments[ci] {
			return false
		}
		return match(pi+1, ci+1)
	}

	return match(0, 0)
}

func isValidDotted(s string) bool {
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	return !strings.Contains(s, "..")
}
