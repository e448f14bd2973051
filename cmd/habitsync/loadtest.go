package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/habittrack/habitsync/internal/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Stress the outbox and processor against a scratch remote",
	Long: `Append mutations from concurrent writers to a scratch database, then
drain them to a scratch SQLite remote that fails a share of deliveries on
purpose. Verifies that ids are unique and gap-free and that every mutation
is delivered exactly once despite retries.

Your own database is not touched.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cfg := loadtest.DefaultConfig()
		cfg.Writers, _ = cmd.Flags().GetInt("writers")
		cfg.MutationsPerWriter, _ = cmd.Flags().GetInt("mutations")
		cfg.FailureRate, _ = cmd.Flags().GetFloat64("failure-rate")
		cfg.Seed, _ = cmd.Flags().GetInt64("seed")
		cfg.PageSize = settings.PageSize
		cfg.Logger = logger.Logger

		dir, err := os.MkdirTemp("", "habitsync-loadtest-")
		if err != nil {
			FatalError("failed to create scratch dir: %v", err)
		}
		defer os.RemoveAll(dir)

		ctx := cmd.Context()
		target, err := loadtest.OpenTarget(ctx, dir, logger.Logger)
		if err != nil {
			FatalError("%v", err)
		}
		defer target.Close()

		fmt.Printf("Running load test: %d writers x %d mutations, failure rate %.0f%%\n",
			cfg.Writers, cfg.MutationsPerWriter, cfg.FailureRate*100)

		report, err := target.Run(ctx, cfg)
		if report != nil {
			if jsonOutput {
				outputJSON(report)
			} else {
				report.Fprint(os.Stdout)
			}
		}
		if err != nil {
			FatalError("load test failed: %v", err)
		}
	},
}

func init() {
	defaults := loadtest.DefaultConfig()
	loadtestCmd.Flags().Int("writers", defaults.Writers, "Concurrent writers")
	loadtestCmd.Flags().Int("mutations", defaults.MutationsPerWriter, "Mutations per writer")
	loadtestCmd.Flags().Float64("failure-rate", defaults.FailureRate, "Share of deliveries to fail, in [0, 1)")
	loadtestCmd.Flags().Int64("seed", defaults.Seed, "Random seed")

	rootCmd.AddCommand(loadtestCmd)
}
