package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/habittrack/habitsync/internal/daemon"
	"github.com/habittrack/habitsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync loop",
	Long: `Run the sync processor until interrupted.

A delivery pass runs every sync.interval and whenever a wake condition
fires: a new mutation, connectivity returning, or a signal file written to
the signal directory (see 'habitsync signal'). Delivered mutations older
than outbox.retention-days are purged every outbox.cleanup-interval.

Example usage:
  habitsync daemon
  habitsync daemon --dashboard --port 9000`,
	Run: func(cmd *cobra.Command, _ []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := openApp(ctx)
		defer a.Close()

		if withDashboard {
			stop := startDashboard(ctx, cmd, a)
			defer stop()
		}

		d, err := a.Daemon()
		if err != nil {
			FatalError("failed to create daemon: %v", err)
		}

		fmt.Printf("%s Sync daemon running (interval %s, signals in %s)\n",
			ui.RenderPass("✓"), settings.SyncInterval, settings.SignalDir)
		fmt.Println("Press Ctrl+C to stop...")

		if err := d.Start(ctx); err != nil {
			FatalError("daemon failed: %v", err)
		}
		fmt.Println("\nSync daemon stopped")
	},
}

var signalCmd = &cobra.Command{
	Use:     "signal <condition>",
	GroupID: "sync",
	Short:   "Wake a running daemon",
	Long: fmt.Sprintf(`Write a signal file that a running daemon picks up.

Conditions: %s
The special signal "offline" marks the remote unreachable until the next
successful probe or an "online" signal.`, conditionList()),
	Args: cobra.ExactArgs(1),
	ValidArgsFunction: func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		names := []string{daemon.SignalOffline}
		for _, c := range daemon.Conditions {
			names = append(names, string(c))
		}
		return names, cobra.ShellCompDirectiveNoFileComp
	},
	Run: func(_ *cobra.Command, args []string) {
		if err := daemon.WriteSignal(settings.SignalDir, args[0]); err != nil {
			FatalError("%v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"signal": args[0], "dir": settings.SignalDir})
			return
		}
		fmt.Printf("%s Signalled %s\n", ui.RenderPass("✓"), args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Probe the remote and show sync status",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		online := a.Network.Check(ctx)
		stats, err := a.GetStats(ctx)
		if err != nil {
			FatalError("failed to read stats: %v", err)
		}
		var st daemon.Status
		switch {
		case !online:
			st = daemon.StatusOffline
		case stats.Pending+stats.Failed > 0:
			st = daemon.StatusPending
		default:
			st = daemon.StatusSynced
		}

		if jsonOutput {
			outputJSON(map[string]any{
				"status":    st,
				"online":    online,
				"client_id": a.ClientID,
				"remote":    settings.RemoteURL,
				"outbox":    stats,
			})
			return
		}
		fmt.Println(ui.StatusLine(st))
		fmt.Printf("client  %s\n", a.ClientID)
		fmt.Printf("remote  %s\n", remoteLabel())
		fmt.Println(ui.Stats(stats))
	},
}

func remoteLabel() string {
	if settings.RemoteURL == "" {
		return ui.RenderMuted("not configured")
	}
	return fmt.Sprintf("%s (%s)", settings.RemoteURL, settings.RemoteKind)
}

func conditionList() string {
	names := make([]string, len(daemon.Conditions))
	for i, c := range daemon.Conditions {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Also serve the monitor dashboard")
	daemonCmd.Flags().IntP("port", "p", 0, "Dashboard port (default: dashboard.port)")

	rootCmd.AddCommand(daemonCmd, signalCmd, statusCmd)
}
