// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package health_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warden-dev/warden/pkg/health"
)

func TestNewReport_WorstStatusWins(t *testing.T) {
	tests := []struct {
		name   string
		checks []health.Check
		want   string
	}{
		{
			name: "all ok",
			checks: []health.Check{
				{Name: "snapshot", Status: health.StatusOK},
				{Name: "mode", Status: health.StatusOK},
			},
			want: health.StatusOK,
		},
		{
			name: "one degraded",
			checks: []health.Check{
				{Name: "snapshot", Status: health.StatusOK},
				{Name: "mode", Status: health.StatusDegraded},
			},
			want: health.StatusDegraded,
		},
		{
			name: "failing beats degraded",
			checks: []health.Check{
				{Name: "snapshot", Status: health.StatusFailing},
				{Name: "mode", Status: health.StatusDegraded},
			},
			want: health.StatusFailing,
		},
		{
			name:   "no checks is ok",
			checks: nil,
			want:   health.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := health.NewReport(tt.checks...)
			assert.Equal(t, tt.want, rep.Status)
			assert.Len(t, rep.Checks, len(tt.checks))
			assert.False(t, rep.GeneratedAt.IsZero())
		})
	}
}
