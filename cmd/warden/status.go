// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show governance core status",
		Long:  "Query the running core's status endpoint and display the operational mode, snapshot freshness, and pending reviews.",
		RunE:  runStatus,
	}
}

type statusBody struct {
	ModeLevel           string    `json:"mode_level"`
	SnapshotVersion     int64     `json:"snapshot_version"`
	SnapshotGeneratedAt time.Time `json:"snapshot_generated_at"`
	PendingSuspensions  int       `json:"pending_suspensions"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Root().PersistentFlags().GetString("address")
	out := cmd.OutOrStdout()

	var body statusBody
	if err := clientFromFlags(cmd).getJSON("/api/v1/status", &body); err != nil {
		if wardenerr.HasCode(err, wardenerr.CodeCLICoreNotRunning) {
			_, _ = fmt.Fprintln(out, notRunningMessage(addr))
			return nil
		}
		_, _ = fmt.Fprintf(out, "Core at %s: %s\n", addr, err)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Core at %s\n", addr)
	_, _ = fmt.Fprintf(out, "  Mode:                %s\n", body.ModeLevel)
	_, _ = fmt.Fprintf(out, "  Snapshot version:    %d\n", body.SnapshotVersion)
	if !body.SnapshotGeneratedAt.IsZero() {
		_, _ = fmt.Fprintf(out, "  Snapshot age:        %s\n", time.Since(body.SnapshotGeneratedAt).Round(time.Second))
	}
	_, _ = fmt.Fprintf(out, "  Pending reviews:     %d\n", body.PendingSuspensions)
	return nil
}
