// Command habitsync is the command line front end of the sync core: it
// edits habits and schedules, inspects and drains the outbox, reconciles
// with the remote, and runs the sync daemon and the monitor dashboard.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/habittrack/habitsync/internal/app"
	"github.com/habittrack/habitsync/internal/config"
	"github.com/habittrack/habitsync/internal/logging"
	"github.com/habittrack/habitsync/internal/ui"
)

var (
	jsonOutput bool
	dbFlag     string
	logLevel   string

	settings config.Settings
	logger   *logging.Logger

	// exit ends the process after a fatal error
	exit = os.Exit
)

var rootCmd = &cobra.Command{
	Use:   "habitsync",
	Short: "Offline-first sync for habits and schedules",
	Long: `habitsync keeps a local habit tracker usable offline.

Every local change is written to a durable outbox and delivered to the
remote store with retries and exponential backoff. Bulk state is reconciled
with a deterministic last-writer-wins merge.

Configuration is read from .habitsync/config.yaml (see 'habitsync config
init') and HABITSYNC_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		if dbFlag != "" {
			config.Set("db", dbFlag)
		}
		if logLevel != "" {
			config.Set("log.level", logLevel)
		}

		s, err := config.Load()
		if err != nil {
			return err
		}
		settings = s

		l, err := logging.New(logging.Options{
			Level: s.LogLevel,
			JSON:  s.LogJSON,
			File:  s.LogFile,
		})
		if err != nil {
			return err
		}
		logger = l

		ui.Init(os.Stdout)
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "habits", Title: "Habits and schedules:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "Database path (default: .habitsync/habitsync.db)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openApp builds the App for a command, exiting on failure.
func openApp(ctx context.Context) *app.App {
	a, err := app.New(ctx, settings, app.Options{Logger: logger.Logger})
	if err != nil {
		FatalError("failed to open %s: %v", settings.DBPath, err)
	}
	return a
}

// FatalError prints an error (as JSON with --json) and exits 1.
func FatalError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		outputJSONError(msg)
	} else {
		fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), msg)
	}
	exit(1)
}

func outputJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		exit(1)
	}
}

func outputJSONError(msg string) {
	encoder := json.NewEncoder(os.Stderr)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(map[string]string{"error": msg})
}
