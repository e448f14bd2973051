package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/habittrack/habitsync/internal/app"
	"github.com/habittrack/habitsync/internal/dashboard"
	"github.com/habittrack/habitsync/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start the real-time monitor dashboard",
	Long: `Start an HTTP and WebSocket server for monitoring the outbox.

WebSocket messages (ws://localhost:PORT/ws):
- stats: outbox counts and the current sync status
- status: sync status changes
- sync_complete: a delivery pass finished
- cleanup: delivered mutations were purged

HTTP API:
  GET  /health
  GET  /api/stats
  GET  /api/pending?limit=N
  POST /api/sync
  POST /api/cleanup?days=N
  POST /api/wake/{condition}

Example usage:
  habitsync dashboard                   # Start on dashboard.port (8080)
  habitsync dashboard --port 9000       # Start on custom port`,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := openApp(ctx)
		defer a.Close()

		stop := startDashboard(ctx, cmd, a)
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		stop()
		fmt.Println("Dashboard server stopped")
	},
}

// startDashboard serves the monitor API for a and returns a stop function.
func startDashboard(ctx context.Context, cmd *cobra.Command, a *app.App) func() {
	port, _ := cmd.Flags().GetInt("port")
	if port <= 0 {
		port = settings.DashboardPort
	}

	server := dashboard.NewServer(&dashboard.Config{
		Port:   port,
		Logger: a.Logger(),
	})
	handler := dashboard.NewHandler(server, a, a.Logger())

	if err := server.Start(); err != nil {
		FatalError("failed to start dashboard: %v", err)
	}
	handler.Start(ctx, settings.SyncInterval)

	addr := server.GetAddr()
	if _, p, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort("localhost", p)
	}
	fmt.Printf("%s Dashboard server started on http://%s\n", ui.RenderPass("✓"), addr)
	fmt.Printf("WebSocket endpoint: ws://%s/ws\n", addr)
	fmt.Printf("Health check: http://%s/health\n", addr)

	return func() {
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 0, "Port to listen on (default: dashboard.port)")

	rootCmd.AddCommand(dashboardCmd)
}
