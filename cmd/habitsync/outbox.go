package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/ui"
)

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "sync",
	Short:   "Inspect and manage the mutation outbox",
	Long: `The outbox durably queues every local write until the remote
acknowledges it. Failed deliveries are retried with exponential backoff
(2s, 4s, 8s ... capped at 5 minutes).`,
}

var outboxAddCmd = &cobra.Command{
	Use:   "add <create|update|delete> <entity-type> <entity-id> [payload-json]",
	Short: "Queue a raw mutation",
	Long: `Queue a mutation without touching local entity tables.

Examples:
  habitsync outbox add update habit h1 '{"id":"h1","name":"Read"}'
  habitsync outbox add delete schedule 20240115`,
	Args: cobra.RangeArgs(3, 4),
	Run: func(cmd *cobra.Command, args []string) {
		op, err := schema.ParseOperation(args[0])
		if err != nil {
			FatalError("%v", err)
		}

		var payload any
		if len(args) == 4 {
			raw := json.RawMessage(args[3])
			if !json.Valid(raw) {
				FatalError("payload is not valid JSON")
			}
			payload = raw
		}

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		id, err := a.Outbox.AddMutation(ctx, op, args[1], args[2], payload)
		if err != nil {
			FatalError("failed to queue mutation: %v", err)
		}

		if jsonOutput {
			outputJSON(map[string]any{"id": id})
			return
		}
		fmt.Printf("%s Queued mutation %d (%s %s/%s)\n", ui.RenderPass("✓"), id, op, args[1], args[2])
	},
}

var outboxPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List undelivered mutations",
	Long: `List undelivered mutations. By default only records whose retry time
has passed are shown; --all includes records still backing off.`,
	Run: func(cmd *cobra.Command, _ []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		var (
			records []*schema.MutationRecord
			err     error
		)
		if all {
			records, err = a.Outbox.ListUndelivered(ctx, limit)
		} else {
			records, err = a.Outbox.GetPendingMutations(ctx, limit)
		}
		if err != nil {
			FatalError("failed to list mutations: %v", err)
		}

		if jsonOutput {
			if records == nil {
				records = []*schema.MutationRecord{}
			}
			outputJSON(records)
			return
		}
		ui.Mutations(os.Stdout, records, a.Now())
	},
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show outbox counts by status",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		stats, err := a.GetStats(ctx)
		if err != nil {
			FatalError("failed to read stats: %v", err)
		}

		if jsonOutput {
			outputJSON(stats)
			return
		}
		fmt.Println(ui.Stats(stats))
	},
}

var outboxCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete delivered mutations older than the retention window",
	Run: func(cmd *cobra.Command, _ []string) {
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			days = settings.RetentionDays
		}

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		n, err := a.Cleanup(ctx, days)
		if err != nil {
			FatalError("cleanup failed: %v", err)
		}

		if jsonOutput {
			outputJSON(map[string]int{"deleted": n, "days": days})
			return
		}
		fmt.Printf("%s Deleted %d delivered mutations older than %d days\n", ui.RenderPass("✓"), n, days)
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Make every failed mutation due now",
	Long: `Clear the backoff delay of failed mutations so the next sync pass
attempts them immediately. Retry counts are kept.`,
	Run: func(cmd *cobra.Command, _ []string) {
		sync, _ := cmd.Flags().GetBool("sync")

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		n, err := a.Outbox.RetryNow(ctx)
		if err != nil {
			FatalError("failed to reset backoff: %v", err)
		}
		if !jsonOutput {
			fmt.Printf("%s %d failed mutations are due now\n", ui.RenderPass("✓"), n)
		}
		if !sync {
			if jsonOutput {
				outputJSON(map[string]int{"reset": n})
			}
			return
		}
		runSync(ctx, a)
	},
}

func init() {
	outboxPendingCmd.Flags().Int("limit", 50, "Maximum records to list")
	outboxPendingCmd.Flags().Bool("all", false, "Include records still backing off")
	outboxCleanupCmd.Flags().Int("days", 0, "Retention in days (default: outbox.retention-days)")
	outboxRetryCmd.Flags().Bool("sync", false, "Run a sync pass afterwards")

	outboxCmd.AddCommand(outboxAddCmd, outboxPendingCmd, outboxStatsCmd, outboxCleanupCmd, outboxRetryCmd)
	rootCmd.AddCommand(outboxCmd)
}
