// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

func newReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review suspension requests",
		Long:  "List, inspect, and resolve suspension requests. Approving restricts the agent; rejecting raises its scoring sensitivity.",
	}

	cmd.AddCommand(
		newReviewListCmd(),
		newReviewShowCmd(),
		newReviewResolveCmd("approve", "APPROVED", "Approve a suspension request, restricting the agent"),
		newReviewResolveCmd("reject", "REJECTED", "Reject a suspension request, raising the agent's sensitivity"),
	)

	return cmd
}

type suspensionBody struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	RequestedBy string     `json:"requested_by"`
	Score       float64    `json:"score"`
	Status      string     `json:"status"`
	ReviewedBy  string     `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
	Rationale   string     `json:"rationale,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func newReviewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List suspension requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetString("status")
			var body struct {
				Requests []suspensionBody `json:"requests"`
			}
			path := "/api/v1/suspensions"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			if err := clientFromFlags(cmd).getJSON(path, &body); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(body.Requests) == 0 {
				_, _ = fmt.Fprintln(out, "No suspension requests.")
				return nil
			}
			for _, r := range body.Requests {
				_, _ = fmt.Fprintf(out, "%s  %-10s %-20s score=%.3f  %s\n",
					r.CreatedAt.Format(time.RFC3339), r.Status, r.AgentID, r.Score, r.ID)
			}
			return nil
		},
	}
	cmd.Flags().String("status", "PENDING", "status filter: PENDING, APPROVED, REJECTED, or empty for all")
	return cmd
}

func newReviewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one suspension request with its evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body suspensionBody
			if err := clientFromFlags(cmd).getJSON("/api/v1/suspensions/"+url.PathEscape(args[0]), &body); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Request %s (%s)\n", body.ID, body.Status)
			_, _ = fmt.Fprintf(out, "  Agent:        %s\n", body.AgentID)
			_, _ = fmt.Fprintf(out, "  Requested by: %s\n", body.RequestedBy)
			_, _ = fmt.Fprintf(out, "  Score:        %.3f\n", body.Score)
			_, _ = fmt.Fprintf(out, "  Filed at:     %s\n", body.CreatedAt.Format(time.RFC3339))
			if body.ReviewedBy != "" {
				_, _ = fmt.Fprintf(out, "  Reviewed by:  %s\n", body.ReviewedBy)
				_, _ = fmt.Fprintf(out, "  Rationale:    %s\n", body.Rationale)
			}
			return nil
		},
	}
}

func newReviewResolveCmd(use, verdict, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rationale, _ := cmd.Flags().GetString("rationale")
			if rationale == "" {
				return wardenerr.New(wardenerr.CodeCLIInputInvalid, "a written --rationale is required")
			}

			req := struct {
				Verdict   string `json:"verdict"`
				Rationale string `json:"rationale"`
			}{Verdict: verdict, Rationale: rationale}

			var body suspensionBody
			path := "/api/v1/suspensions/" + url.PathEscape(args[0]) + "/review"
			if err := clientFromFlags(cmd).postJSON(path, req, &body); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Request %s for agent %s is now %s\n",
				body.ID, body.AgentID, body.Status)
			return nil
		},
	}
	cmd.Flags().String("rationale", "", "written rationale for the verdict")
	return cmd
}
