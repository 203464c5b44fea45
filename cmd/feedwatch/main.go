package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "feedwatch",
		Short: "Poll upstream feeds into a deduplicated time-partitioned store",
		Long: `feedwatch polls paginated upstream feeds, stores every record at most once
and exposes throughput, error and staleness metrics so silent ingestion
failures are visible.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newGapsCmd(),
	)
	return root
}
