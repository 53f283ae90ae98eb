// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package telemetry exposes Prometheus metrics for the governance core.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the governance collectors. All methods are nil-safe so
// subsystems can run without metrics in tests.
type Metrics struct {
	DiscrepancyScore *prometheus.HistogramVec
	ModeLevel        prometheus.Gauge
	SnapshotAge      prometheus.Gauge
	AdmitDecisions   *prometheus.CounterVec
	Violations       *prometheus.CounterVec
	Suspensions      *prometheus.CounterVec
}

// New creates and registers the governance collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DiscrepancyScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "discrepancy_score",
			Help:      "Distribution of discrepancy scores by classification.",
			Buckets:   []float64{0.01, 0.02, 0.05, 0.10, 0.25, 0.50, 1.0},
		}, []string{"classification"}),
		ModeLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "mode_level",
			Help:      "Current operational mode level (1=NOMINAL .. 5=LOCKED).",
		}),
		SnapshotAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "snapshot_age_seconds",
			Help:      "Age of the current state snapshot.",
		}),
		AdmitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "admit_decisions_total",
			Help:      "Admission decisions by outcome and reason.",
		}, []string{"decision", "reason"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "violations_total",
			Help:      "Recorded policy violations by scope.",
		}, []string{"scope"}),
		Suspensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "suspension_requests_total",
			Help:      "Suspension requests by lifecycle event.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		m.DiscrepancyScore,
		m.ModeLevel,
		m.SnapshotAge,
		m.AdmitDecisions,
		m.Violations,
		m.Suspensions,
	)
	return m
}

// ObserveScore records one scoring outcome.
func (m *Metrics) ObserveScore(classification string, score float64) {
	if m == nil {
		return
	}
	m.DiscrepancyScore.WithLabelValues(classification).Observe(score)
}

// SetModeLevel records the active mode level.
func (m *Metrics) SetModeLevel(level int) {
	if m == nil {
		return
	}
	m.ModeLevel.Set(float64(level))
}

// SetSnapshotAge records the current snapshot age in seconds.
func (m *Metrics) SetSnapshotAge(seconds float64) {
	if m == nil {
		return
	}
	m.SnapshotAge.Set(seconds)
}

// CountAdmit records one admission decision.
func (m *Metrics) CountAdmit(decision, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.AdmitDecisions.WithLabelValues(decision, reason).Inc()
}

// CountViolation records one violation event.
func (m *Metrics) CountViolation(scope string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(scope).Inc()
}

// CountSuspension records one suspension lifecycle event
// (filed, approved, rejected).
func (m *Metrics) CountSuspension(event string) {
	if m == nil {
		return
	}
	m.Suspensions.WithLabelValues(event).Inc()
}
