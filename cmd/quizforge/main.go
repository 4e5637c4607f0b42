package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes per the CLI contract: wrapper scripts retry backend outages and
// treat validation failures as caller bugs.
const (
	exitValidation = 1
	exitBackend    = 2
)

var serverURL string

func main() {
	rootCmd := &cobra.Command{
		Use:   "quizforge",
		Short: "QuizForge admin CLI",
		Long:  "Manage QuizForge set pools, per-user allocations, and runtime limits over the daemon API",
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Daemon base URL")

	rootCmd.AddCommand(
		buildCmd(),
		allocateCmd(),
		mergeCmd(),
		poolCmd(),
		userCmd(),
		limitsCmd(),
		runsCmd(),
		generateCmd(),
		jobCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode classifies a command failure. Unreachable daemon, 5xx, rate-limit
// pushback, and backend reason codes exit 2; everything else exits 1.
func exitCode(err error) int {
	var conn *connError
	if errors.As(err, &conn) {
		return exitBackend
	}
	var backend *backendError
	if errors.As(err, &backend) {
		return exitBackend
	}
	var api *apiError
	if errors.As(err, &api) {
		if api.Status >= http.StatusInternalServerError || api.Status == http.StatusTooManyRequests {
			return exitBackend
		}
		return exitValidation
	}
	return exitValidation
}
