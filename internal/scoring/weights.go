// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package scoring implements the discrepancy scoring engine: weighted,
// tolerance-aware field comparison between an agent's reported state and
// canonical truth. The formula is identical for every agent and task; the
// only tunable surface is the versioned weight document.
package scoring

import (
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// ToleranceRule names a field comparison strategy.
type ToleranceRule string

const (
	// ToleranceExact requires byte-equal canonical renderings.
	ToleranceExact ToleranceRule = "exact"
	// ToleranceRelative allows floating values within 0.1% relative deviation.
	ToleranceRelative ToleranceRule = "relative"
	// ToleranceTimestamp allows timestamps within 5 seconds.
	ToleranceTimestamp ToleranceRule = "timestamp"
	// ToleranceText compares strings case- and whitespace-insensitively.
	ToleranceText ToleranceRule = "text"
)

func (r ToleranceRule) valid() bool {
	switch r {
	case ToleranceExact, ToleranceRelative, ToleranceTimestamp, ToleranceText:
		return true
	}
	return false
}

// FieldWeight is one entry of the weight document.
type FieldWeight struct {
	FieldClass string        `yaml:"field_class"`
	Weight     float64       `yaml:"weight"`
	Tolerance  ToleranceRule `yaml:"tolerance"`
}

// WeightSet is a validated, versioned weight document.
type WeightSet struct {
	Version string        `yaml:"version"`
	Fields  []FieldWeight `yaml:"weights"`
}

// Validate checks document invariants: weights in [0.1, 1.0], known
// tolerance rules, unique non-empty field classes.
func (w *WeightSet) Validate() error {
	if len(w.Fields) == 0 {
		return wardenerr.New(wardenerr.CodeScoringWeightsInvalid, "weight document has no fields")
	}

	seen := make(map[string]bool, len(w.Fields))
	for _, f := range w.Fields {
		if f.FieldClass == "" {
			return wardenerr.New(wardenerr.CodeScoringWeightsInvalid, "weight entry has empty field_class")
		}
		if seen[f.FieldClass] {
			return wardenerr.Errorf(wardenerr.CodeScoringWeightsInvalid, "duplicate field_class %q", f.FieldClass)
		}
		seen[f.FieldClass] = true
		if f.Weight < 0.1 || f.Weight > 1.0 {
			return wardenerr.Errorf(wardenerr.CodeScoringWeightsInvalid,
				"weight for %q is %g, must be within [0.1, 1.0]", f.FieldClass, f.Weight)
		}
		if !f.Tolerance.valid() {
			return wardenerr.Errorf(wardenerr.CodeScoringWeightsInvalid,
				"unknown tolerance rule %q for %q", f.Tolerance, f.FieldClass)
		}
	}
	return nil
}

// sorted returns the fields ordered by class so scoring iterates
// deterministically.
func (w *WeightSet) sorted() []FieldWeight {
	fields := append([]FieldWeight(nil), w.Fields...)
	sort.Slice(fields, func(i, j int) bool { return fields[i].FieldClass < fields[j].FieldClass })
	return fields
}

// byClass indexes the fields for diffing during reload audits.
func (w *WeightSet) byClass() map[string]FieldWeight {
	m := make(map[string]FieldWeight, len(w.Fields))
	for _, f := range w.Fields {
		m[f.FieldClass] = f
	}
	return m
}

// DefaultWeightSet covers the canonical snapshot fields. Used when no
// weight document is configured.
func DefaultWeightSet() *WeightSet {
	return &WeightSet{
		Version: "builtin-v1",
		Fields: []FieldWeight{
			{FieldClass: "restriction_level", Weight: 1.0, Tolerance: ToleranceExact},
			{FieldClass: "domain_regime", Weight: 1.0, Tolerance: ToleranceExact},
			{FieldClass: "active_policy_id", Weight: 0.8, Tolerance: ToleranceExact},
		},
	}
}

// LoadWeightDocument reads and validates a YAML weight document.
func LoadWeightDocument(path string) (*WeightSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeConfigLoadReadFailure, "reading weight document %s", path)
	}

	var ws WeightSet
	if err := yaml.Unmarshal(raw, &ws); err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeConfigParseInvalidFormat, "parsing weight document %s", path)
	}
	if err := ws.Validate(); err != nil {
		return nil, err
	}
	return &ws, nil
}

// WeightProvider hands out the active weight set and accepts hot swaps.
type WeightProvider struct {
	current atomic.Pointer[WeightSet]
}

// NewWeightProvider creates a provider seeded with ws.
func NewWeightProvider(ws *WeightSet) *WeightProvider {
	p := &WeightProvider{}
	p.current.Store(ws)
	return p
}

// Current returns the active weight set.
func (p *WeightProvider) Current() *WeightSet {
	return p.current.Load()
}

// Swap installs a new weight set and returns the previous one.
func (p *WeightProvider) Swap(ws *WeightSet) *WeightSet {
	return p.current.Swap(ws)
}
