// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage governed agent identities",
	}

	cmd.AddCommand(
		newAgentRegisterCmd(),
		newAgentListCmd(),
		newAgentDeactivateCmd(),
		newAgentViolationsCmd(),
	)

	return cmd
}

type agentBody struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Tier        string    `json:"tier"`
	Active      bool      `json:"active"`
	Sensitivity float64   `json:"sensitivity"`
	CreatedAt   time.Time `json:"created_at"`
}

func newAgentRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <id>",
		Short: "Register a new agent identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			tier, _ := cmd.Flags().GetString("tier")

			req := struct {
				ID   string `json:"id"`
				Name string `json:"name,omitempty"`
				Tier string `json:"tier"`
			}{ID: args[0], Name: name, Tier: tier}

			var body agentBody
			if err := clientFromFlags(cmd).postJSON("/api/v1/agents", req, &body); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registered agent %s (tier %s)\n", body.ID, body.Tier)
			return nil
		},
	}
	cmd.Flags().String("name", "", "human-readable agent name")
	cmd.Flags().String("tier", "operator", "authority tier: observer, operator, supervisor, root")
	return cmd
}

func newAgentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body struct {
				Agents []agentBody `json:"agents"`
			}
			if err := clientFromFlags(cmd).getJSON("/api/v1/agents", &body); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(body.Agents) == 0 {
				_, _ = fmt.Fprintln(out, "No agents registered.")
				return nil
			}
			for _, a := range body.Agents {
				state := "active"
				if !a.Active {
					state = "inactive"
				}
				_, _ = fmt.Fprintf(out, "%-20s %-12s %-8s sensitivity=%.1f\n", a.ID, a.Tier, state, a.Sensitivity)
			}
			return nil
		},
	}
}

func newAgentDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate an agent identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/agents/" + url.PathEscape(args[0]) + "/deactivate"
			if err := clientFromFlags(cmd).postJSON(path, struct{}{}, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deactivated agent %s\n", args[0])
			return nil
		},
	}
}

func newAgentViolationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "violations <id>",
		Short: "List an agent's ceiling violations, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Violations []struct {
					ID        string    `json:"id"`
					TaskID    string    `json:"task_id"`
					Scope     string    `json:"scope"`
					Reason    string    `json:"reason"`
					CreatedAt time.Time `json:"created_at"`
				} `json:"violations"`
			}
			path := "/api/v1/agents/" + url.PathEscape(args[0]) + "/violations"
			if err := clientFromFlags(cmd).getJSON(path, &body); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(body.Violations) == 0 {
				_, _ = fmt.Fprintln(out, "No violations recorded.")
				return nil
			}
			for _, v := range body.Violations {
				_, _ = fmt.Fprintf(out, "%s  %-8s %-28s task=%s\n",
					v.CreatedAt.Format(time.RFC3339), v.Scope, v.Reason, v.TaskID)
			}
			return nil
		},
	}
}
