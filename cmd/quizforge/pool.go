package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/quizforge/quizforge/internal/api"
	"github.com/quizforge/quizforge/internal/output"
)

func poolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and manage category pools",
	}

	cmd.AddCommand(poolStatsCmd())
	cmd.AddCommand(poolDrainCmd())
	cmd.AddCommand(poolDropCmd())

	return cmd
}

func poolStatsCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "stats [category...]",
		Short: "Show pool availability",
		Long:  "Show availability and batch metadata for the named category pools, or for every pool when no category is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()

			var pools []api.PoolResponse
			if len(args) == 0 {
				var resp struct {
					Pools []api.PoolResponse `json:"pools"`
				}
				if err := client.get(context.Background(), "/v1/pools", &resp); err != nil {
					return err
				}
				pools = resp.Pools
			} else {
				for _, cat := range args {
					var resp api.PoolResponse
					if err := client.get(context.Background(), "/v1/pools/"+cat, &resp); err != nil {
						return err
					}
					pools = append(pools, resp)
				}
			}

			rows := make([]output.PoolRow, 0, len(pools))
			for _, p := range pools {
				rows = append(rows, output.PoolRow{
					Category:      p.CategoryID,
					Available:     p.Available,
					LastBatchSize: p.LastBatchSize,
					LastUpdated:   formatTime(p.LastUpdated),
				})
			}

			printer := output.NewPrinter(output.ParseFormat(outputFormat))
			return printer.PrintPools(rows)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")

	return cmd
}

func poolDrainCmd() *cobra.Command {
	var (
		count        int
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "drain <category>",
		Short: "Remove sets from the head of a pool",
		Long:  "Dequeue sets from the front of a category pool, permanently retiring them from circulation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.DrainResponse
			err := newClient().do(context.Background(), http.MethodPost, "/v1/admin/pools/"+args[0]+"/drain",
				map[string]interface{}{"count": count}, &resp)
			if err != nil {
				return err
			}

			format := output.ParseFormat(outputFormat)
			printer := output.NewPrinter(format)
			if format != output.FormatTable {
				return printer.Print(resp)
			}
			printer.Success("drained %d sets from %s", resp.Drained, resp.CategoryID)
			for _, id := range resp.SetIDs {
				fmt.Printf("  %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "Sets to drain")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")

	return cmd
}

func poolDropCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "drop <category>",
		Short: "Drop a whole category pool",
		Long:  "Delete a category's queue and metadata; dropped sets never return to circulation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("dropping pool %q discards every queued set; re-run with --yes to confirm", args[0])
			}

			err := newClient().do(context.Background(), http.MethodDelete, "/v1/admin/pools/"+args[0], nil, nil)
			if err != nil {
				return err
			}

			printer := output.NewPrinter(output.FormatTable)
			printer.Success("pool %s dropped", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the drop")

	return cmd
}
