// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newModeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "Inspect and transition the operational mode",
	}

	cmd.AddCommand(
		newModeShowCmd(),
		newModeHistoryCmd(),
		newModeSetCmd(),
	)

	return cmd
}

type modeBody struct {
	Version            int64     `json:"version"`
	Level              string    `json:"level"`
	Reason             string    `json:"reason"`
	TriggeredBy        string    `json:"triggered_by"`
	ActiveRestrictions []string  `json:"active_restrictions,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func newModeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current operational mode",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body modeBody
			if err := clientFromFlags(cmd).getJSON("/api/v1/mode", &body); err != nil {
				return err
			}
			printMode(cmd, body)
			return nil
		},
	}
}

func newModeHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List mode transitions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			var body struct {
				Transitions []modeBody `json:"transitions"`
			}
			path := fmt.Sprintf("/api/v1/mode/history?limit=%d", limit)
			if err := clientFromFlags(cmd).getJSON(path, &body); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range body.Transitions {
				_, _ = fmt.Fprintf(out, "%s  v%-4d %-12s %-20s %s\n",
					m.UpdatedAt.Format(time.RFC3339), m.Version, m.Level, m.TriggeredBy, m.Reason)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum transitions to list")
	return cmd
}

func newModeSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <LEVEL>",
		Short: "Request a mode transition",
		Long:  "Request a transition to the named level (NOMINAL, ELEVATED, CONSTRAINED, HALTED, LOCKED). Loosening requires a reviewer token with the matching authority.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			req := struct {
				Level  string `json:"level"`
				Reason string `json:"reason"`
			}{Level: strings.ToUpper(args[0]), Reason: reason}

			var body modeBody
			if err := clientFromFlags(cmd).postJSON("/api/v1/mode", req, &body); err != nil {
				return err
			}
			printMode(cmd, body)
			return nil
		},
	}
	cmd.Flags().String("reason", "", "why the transition is requested")
	return cmd
}

func printMode(cmd *cobra.Command, m modeBody) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Mode: %s (version %d)\n", m.Level, m.Version)
	_, _ = fmt.Fprintf(out, "  Reason:       %s\n", m.Reason)
	_, _ = fmt.Fprintf(out, "  Triggered by: %s\n", m.TriggeredBy)
	if len(m.ActiveRestrictions) > 0 {
		_, _ = fmt.Fprintf(out, "  Restrictions: %s\n", strings.Join(m.ActiveRestrictions, ", "))
	}
}
