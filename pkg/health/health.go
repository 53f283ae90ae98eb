// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package health defines the readiness report served by the governance API.
package health

import "time"

// Statuses of a report or an individual check.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFailing  = "failing"
)

// Check is one point-in-time probe result, safe to serialize to JSON.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report aggregates checks. Status is the worst individual check status.
type Report struct {
	Status      string    `json:"status"`
	GeneratedAt time.Time `json:"generated_at"`
	Checks      []Check   `json:"checks"`
}

// NewReport builds a report whose overall status is the worst of the checks.
func NewReport(checks ...Check) Report {
	status := StatusOK
	for _, c := range checks {
		switch c.Status {
		case StatusFailing:
			status = StatusFailing
		case StatusDegraded:
			if status == StatusOK {
				status = StatusDegraded
			}
		}
	}
	return Report{Status: status, GeneratedAt: time.Now(), Checks: checks}
}
