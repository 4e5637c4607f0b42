package main

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/quizforge/quizforge/internal/jobtracker"
	"github.com/quizforge/quizforge/internal/output"
)

func buildCmd() *cobra.Command {
	var (
		numSets      int
		itemsPerSet  int
		categories   []string
		wait         bool
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build question sets from the content store",
		Long:  "Start an async build run that assembles sets from unconsumed items and enqueues them into the pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"num_sets_per_category": numSets,
				"items_per_set":         itemsPerSet,
			}
			if len(categories) > 0 {
				body["categories"] = categories
			}

			var accepted struct {
				JobID string `json:"job_id"`
			}
			if err := newClient().do(context.Background(), http.MethodPost, "/v1/sets/generate", body, &accepted); err != nil {
				return err
			}

			printer := output.NewPrinter(output.ParseFormat(outputFormat))
			if !wait {
				printer.Success("build started: job %s", accepted.JobID)
				printer.Info("follow with: quizforge job %s", accepted.JobID)
				return nil
			}
			return waitForJob(printer, accepted.JobID)
		},
	}

	cmd.Flags().IntVar(&numSets, "sets", 3, "Sets to build per category")
	cmd.Flags().IntVar(&itemsPerSet, "items", 10, "Items per set")
	cmd.Flags().StringSliceVarP(&categories, "category", "c", nil, "Restrict to category id (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll the job until it finishes")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")

	return cmd
}

func generateCmd() *cobra.Command {
	var (
		questions    int
		categories   []string
		wait         bool
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate new questions with the configured LLM provider",
		Long:  "Start an async generation run that writes new questions into the content store",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"questions_per_category": questions,
			}
			if len(categories) > 0 {
				body["categories"] = categories
			}

			var accepted struct {
				JobID string `json:"job_id"`
			}
			if err := newClient().do(context.Background(), http.MethodPost, "/v1/admin/generate", body, &accepted); err != nil {
				return err
			}

			printer := output.NewPrinter(output.ParseFormat(outputFormat))
			if !wait {
				printer.Success("generation started: job %s", accepted.JobID)
				printer.Info("follow with: quizforge job %s", accepted.JobID)
				return nil
			}
			return waitForJob(printer, accepted.JobID)
		},
	}

	cmd.Flags().IntVar(&questions, "questions", 20, "Questions to generate per category")
	cmd.Flags().StringSliceVarP(&categories, "category", "c", nil, "Restrict to category id (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll the job until it finishes")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")

	return cmd
}

func jobCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show an async job's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job jobtracker.Job
			if err := newClient().get(context.Background(), "/v1/jobs/"+args[0], &job); err != nil {
				return err
			}

			printer := output.NewPrinter(output.ParseFormat(outputFormat))
			return printer.PrintJob(jobView(job))
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")

	return cmd
}
