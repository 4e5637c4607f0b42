package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/quizforge/quizforge/internal/api"
	"github.com/quizforge/quizforge/internal/output"
	"github.com/quizforge/quizforge/internal/store"
)

func limitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Inspect and change the runtime allocation limits",
	}

	cmd.AddCommand(limitsGetCmd())
	cmd.AddCommand(limitsSetCmd())

	return cmd
}

func limitsGetCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show the current allocation limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.LimitsResponse
			if err := newClient().get(context.Background(), "/v1/admin/limits", &resp); err != nil {
				return err
			}

			printer := output.NewPrinter(output.ParseFormat(outputFormat))
			return printer.PrintLimits(output.LimitsView{
				MaxSetsPerCategory: resp.MaxSetsPerCategory,
				MaxAgeMonths:       resp.MaxAgeMonths,
			})
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")

	return cmd
}

func limitsSetCmd() *cobra.Command {
	var (
		maxSets      int
		maxAge       int
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change the allocation limits",
		Long:  "Update MAX_SETS_PER_CATEGORY and/or MAX_AGE_MONTHS; the new values persist across restarts and apply to subsequent draws",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{}
			if cmd.Flags().Changed("max-sets") {
				body["max_sets_per_category"] = maxSets
			}
			if cmd.Flags().Changed("max-age-months") {
				body["max_age_months"] = maxAge
			}
			if len(body) == 0 {
				return fmt.Errorf("provide --max-sets and/or --max-age-months")
			}

			var resp api.LimitsResponse
			if err := newClient().do(context.Background(), http.MethodPut, "/v1/admin/limits", body, &resp); err != nil {
				return err
			}

			printer := output.NewPrinter(output.ParseFormat(outputFormat))
			return printer.PrintLimits(output.LimitsView{
				MaxSetsPerCategory: resp.MaxSetsPerCategory,
				MaxAgeMonths:       resp.MaxAgeMonths,
			})
		},
	}

	cmd.Flags().IntVar(&maxSets, "max-sets", 0, "Max sets a user may hold per category")
	cmd.Flags().IntVar(&maxAge, "max-age-months", 0, "Max allocation age in calendar months")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")

	return cmd
}

func runsCmd() *cobra.Command {
	var (
		kind         string
		limit        int
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List build and generation run history",
		Long:  "List recent runs, newest first, or show one run in full when given its id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			printer := output.NewPrinter(output.ParseFormat(outputFormat))

			if len(args) == 1 {
				var run store.Run
				if err := client.get(context.Background(), "/v1/runs/"+args[0], &run); err != nil {
					return err
				}
				return printer.Print(run)
			}

			q := url.Values{}
			if kind != "" {
				q.Set("kind", kind)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/runs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var resp struct {
				Runs []*store.Run `json:"runs"`
			}
			if err := client.get(context.Background(), path, &resp); err != nil {
				return err
			}

			rows := make([]output.RunRow, 0, len(resp.Runs))
			for _, run := range resp.Runs {
				rows = append(rows, runRow(run))
			}
			return printer.PrintRuns(rows)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Filter by run kind (build, generation)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max runs to list")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")

	return cmd
}

// runRow condenses a run record into one history table row.
func runRow(run *store.Run) output.RunRow {
	row := output.RunRow{
		ID:        run.ID,
		Kind:      run.Kind,
		StartedAt: formatTime(run.StartedAt),
		Error:     run.Error,
	}
	if run.FinishedAt != nil {
		row.FinishedAt = formatTime(*run.FinishedAt)
	}

	switch {
	case run.FinishedAt == nil:
		row.Status = "running"
	case run.Error != "":
		row.Status = "error"
	default:
		row.Status = "ok"
	}

	if len(run.Results) > 0 {
		var res struct {
			SetsBuilt        int `json:"sets_built"`
			FailedCategories int `json:"failed_categories"`
			Stored           int `json:"stored"`
			Skipped          int `json:"skipped_duplicate_by_hash"`
			Failed           int `json:"failed"`
			Cost             *struct {
				TotalCost float64 `json:"total_cost"`
			} `json:"cost"`
		}
		if err := json.Unmarshal(run.Results, &res); err == nil {
			switch run.Kind {
			case store.RunKindBuild:
				row.Summary = fmt.Sprintf("%d sets built", res.SetsBuilt)
				if res.FailedCategories > 0 {
					row.Summary += fmt.Sprintf(", %d categories failed", res.FailedCategories)
				}
			case store.RunKindGeneration:
				row.Summary = fmt.Sprintf("%d stored, %d duplicate", res.Stored, res.Skipped)
				if res.Failed > 0 {
					row.Summary += fmt.Sprintf(", %d failed", res.Failed)
				}
				if res.Cost != nil {
					row.CostUSD = res.Cost.TotalCost
				}
			}
		}
	}

	return row
}
