package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/habittrack/habitsync/internal/app"
	"github.com/habittrack/habitsync/internal/daemon"
	"github.com/habittrack/habitsync/internal/sync"
	"github.com/habittrack/habitsync/internal/syncerr"
	"github.com/habittrack/habitsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Deliver due outbox mutations to the remote",
	Long: `Run delivery passes until nothing due remains. Each pass takes at most
sync.page-size records, oldest first. Failures are rescheduled with backoff
and do not stop the pass.

Use --once for a single pass.`,
	Run: func(cmd *cobra.Command, _ []string) {
		once, _ := cmd.Flags().GetBool("once")

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		if once {
			res, err := a.TriggerSync(ctx)
			reportSync(res, err, 0)
			return
		}
		runSync(ctx, a)
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Reconcile local data with the remote",
	Long: `Fetch schedules, habits and archived habits from the remote and merge
them with local data. Newer timestamps win; on a schedule tie the items of
both sides are combined, local first.

Nothing is written unless the whole merged result validates.`,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		report, err := a.SyncFromRemote(ctx)
		if err != nil {
			if syncerr.IsSchema(err) {
				FatalError("remote needs setup: %v\nRun 'habitsync remote setup' first.", err)
			}
			FatalError("pull failed: %v", err)
		}

		if jsonOutput {
			outputJSON(report)
			return
		}
		printReport(report)
	},
}

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Upload every local schedule now",
	Long: `Upload all local schedules, bypassing the debounce window. Local
schedules are validated as a whole before anything is sent.`,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		if err := a.PushAll(ctx); err != nil {
			FatalError("push failed: %v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"status": string(a.CurrentStatus())})
			return
		}
		fmt.Printf("%s Pushed local schedules (%s)\n", ui.RenderPass("✓"), ui.StatusLine(a.CurrentStatus()))
	},
}

// runSync drains the outbox and reports the aggregated result.
func runSync(ctx context.Context, a *app.App) {
	start := time.Now()
	res, err := a.SyncAll(ctx)
	reportSync(res, err, time.Since(start))
}

func reportSync(res daemon.Result, err error, took time.Duration) {
	if err != nil {
		FatalError("sync failed: %v", err)
	}

	if jsonOutput {
		out := map[string]any{"result": res}
		if res.Err != nil {
			out["errors"] = res.Err.Error()
		}
		outputJSON(out)
	} else {
		line := ui.Result(res)
		if took > 0 {
			line += ui.RenderMuted(fmt.Sprintf(" (%s)", took.Round(time.Millisecond)))
		}
		fmt.Println(line)
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("⚠"), res.Err)
		}
	}

	if res.NeedsSetup {
		exit(1)
	}
}

func printReport(r sync.Report) {
	row := func(name string, c sync.CollectionReport) {
		fmt.Printf("  %-16s local %-4d remote %-4d merged %-4d %s\n",
			name, c.Local, c.Remote, c.Merged, ui.RenderAccent(fmt.Sprintf("+%d", c.Added)))
	}
	fmt.Printf("%s Reconciled with remote\n", ui.RenderPass("✓"))
	row("schedules", r.Schedules)
	row("habits", r.Habits)
	row("archived habits", r.ArchivedHabits)
}

func init() {
	syncCmd.Flags().Bool("once", false, "Run a single delivery pass")

	rootCmd.AddCommand(syncCmd, pullCmd, pushCmd)
}
