package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/quizforge/quizforge/internal/api"
	"github.com/quizforge/quizforge/internal/output"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Inspect and manage per-user allocation records",
	}

	cmd.AddCommand(userShowCmd())
	cmd.AddCommand(userEvictCmd())
	cmd.AddCommand(userResetCmd())

	return cmd
}

func userShowCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user's allocated sets per category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.UserResponse
			if err := newClient().get(context.Background(), "/v1/admin/users/"+args[0], &resp); err != nil {
				return err
			}

			rows := make([]output.UserCategoryRow, 0, len(resp.Categories))
			for _, c := range resp.Categories {
				rows = append(rows, output.UserCategoryRow{
					Category: c.CategoryID,
					SetIDs:   c.SetIDs,
					OldestAt: formatTime(c.OldestAt),
					NewestAt: formatTime(c.NewestAt),
				})
			}

			printer := output.NewPrinter(output.ParseFormat(outputFormat))
			return printer.PrintUserAllocations(resp.UserID, rows)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")

	return cmd
}

func userEvictCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "evict <user-id>",
		Short: "Apply the current limits to a user's record",
		Long:  "Run a standalone eviction pass: age-expired sets go first, then the oldest beyond the count cap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.EvictResponse
			err := newClient().do(context.Background(), http.MethodPost, "/v1/admin/users/"+args[0]+"/evict", nil, &resp)
			if err != nil {
				return err
			}

			rows := make([]output.EvictionRow, 0, resp.TotalEvicted)
			for _, cat := range sortedKeys(resp.Evicted) {
				for _, ev := range resp.Evicted[cat] {
					rows = append(rows, output.EvictionRow{
						Category: cat,
						SetID:    ev.SetID,
						Reason:   ev.Reason,
					})
				}
			}

			printer := output.NewPrinter(output.ParseFormat(outputFormat))
			return printer.PrintEvictions(resp.UserID, rows)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")

	return cmd
}

func userResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset <user-id>",
		Short: "Clear a user's allocation record",
		Long:  "Delete every allocation the user holds; the sets do not return to the pools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("resetting %q deletes its whole allocation record; re-run with --yes to confirm", args[0])
			}

			err := newClient().do(context.Background(), http.MethodDelete, "/v1/admin/users/"+args[0], nil, nil)
			if err != nil {
				return err
			}

			printer := output.NewPrinter(output.FormatTable)
			printer.Success("allocation record for %s cleared", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")

	return cmd
}
