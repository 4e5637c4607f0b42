package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/quizforge/quizforge/internal/api"
	"github.com/quizforge/quizforge/internal/output"
)

func allocateCmd() *cobra.Command {
	var (
		categories   []string
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "allocate <user-id>",
		Short: "Draw one set per category for a user",
		Long:  "Draw the oldest unheld set from each category pool into the user's allocation record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.AllocateResponse
			err := newClient().do(context.Background(), http.MethodPost, "/v1/allocate", map[string]interface{}{
				"user_id":      args[0],
				"category_ids": categories,
			}, &resp)
			if err != nil {
				return err
			}

			printer := output.NewPrinter(output.ParseFormat(outputFormat))

			rows := make([]output.AllocationRow, 0, len(resp.Successful)+len(resp.Failed))
			for _, cat := range sortedKeys(resp.Successful) {
				rows = append(rows, output.AllocationRow{
					Category: cat,
					SetID:    resp.Successful[cat],
					Status:   "allocated",
					Evicted:  len(resp.Evicted[cat]),
				})
			}
			for _, cat := range sortedKeys(resp.Failed) {
				rows = append(rows, output.AllocationRow{
					Category: cat,
					Status:   resp.Failed[cat],
					Evicted:  len(resp.Evicted[cat]),
				})
			}
			if err := printer.PrintAllocations(resp.UserID, rows); err != nil {
				return err
			}

			if len(resp.Failed) > 0 {
				return &backendError{msg: fmt.Sprintf("%d of %d categories failed", len(resp.Failed), resp.Summary.Requested)}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&categories, "category", "c", nil, "Category id (repeatable)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")
	cmd.MarkFlagRequired("category")

	return cmd
}

func mergeCmd() *cobra.Command {
	var (
		categories   []string
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "merge <user-id>",
		Short: "Draw sets and materialize their content",
		Long:  "Allocate one set per category and return the full question content, with media URLs when configured",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.MergeResponse
			err := newClient().do(context.Background(), http.MethodPost, "/v1/merge", map[string]interface{}{
				"user_id":      args[0],
				"category_ids": categories,
			}, &resp)
			if err != nil {
				return err
			}

			format := output.ParseFormat(outputFormat)
			printer := output.NewPrinter(format)

			// Structured output is the payload itself: the caller wants the
			// questions, not a summary of them.
			if format == output.FormatJSON || format == output.FormatYAML {
				if err := printer.Print(resp); err != nil {
					return err
				}
			} else {
				rows := make([]output.MergeRow, 0, len(resp.Categories)+len(resp.Failed))
				for _, cat := range sortedKeys(resp.Categories) {
					mc := resp.Categories[cat]
					rows = append(rows, output.MergeRow{
						Category:  cat,
						SetID:     mc.SetID,
						ItemCount: mc.ItemCount,
						Status:    "merged",
					})
				}
				for _, cat := range sortedKeys(resp.Failed) {
					rows = append(rows, output.MergeRow{
						Category: cat,
						Status:   resp.Failed[cat],
					})
				}
				if err := printer.PrintMerge(resp.UserID, rows, len(resp.AllItems)); err != nil {
					return err
				}
			}

			if len(resp.Failed) > 0 {
				return &backendError{msg: fmt.Sprintf("%d categories failed", len(resp.Failed))}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&categories, "category", "c", nil, "Category id (repeatable)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")
	cmd.MarkFlagRequired("category")

	return cmd
}
