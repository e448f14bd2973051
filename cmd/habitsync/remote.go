package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/habittrack/habitsync/internal/remote"
	"github.com/habittrack/habitsync/internal/syncerr"
	"github.com/habittrack/habitsync/internal/ui"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "setup",
	Short:   "Check and provision the remote store",
	Long: `The remote is configured with remote.kind and remote.url:

  http     REST backend; entity routes from the remote.routes TOML file
  sqlite   a SQLite file, for local testing and shared drives
  libsql   a libSQL/Turso database (libsql://...)`,
}

var remoteCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the remote is reachable and set up",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		version, err := a.CheckRemote(ctx)
		if jsonOutput {
			out := map[string]any{
				"remote":      settings.RemoteURL,
				"kind":        settings.RemoteKind,
				"version":     version,
				"want":        remote.SchemaVersion,
				"ok":          err == nil,
				"needs_setup": syncerr.IsSchema(err),
			}
			if err != nil {
				out["error"] = err.Error()
			}
			outputJSON(out)
			return
		}

		fmt.Printf("remote  %s\n", remoteLabel())
		switch {
		case err == nil:
			fmt.Printf("%s Schema %s is compatible\n", ui.RenderPass("✓"), version)
		case syncerr.IsSchema(err):
			FatalError("remote needs setup: %v\nRun 'habitsync remote setup'.", err)
		default:
			FatalError("%v", err)
		}
	},
}

var remoteSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the remote tables (sqlite and libsql remotes)",
	Long: `Create the tables the client syncs against and record the schema
version. Safe to run more than once. HTTP backends are provisioned by their
operators.`,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		if err := a.SetupRemote(ctx); err != nil {
			FatalError("setup failed: %v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"version": remote.SchemaVersion})
			return
		}
		fmt.Printf("%s Remote schema %s ready\n", ui.RenderPass("✓"), remote.SchemaVersion)
	},
}

func init() {
	remoteCmd.AddCommand(remoteCheckCmd, remoteSetupCmd)
	rootCmd.AddCommand(remoteCmd)
}
