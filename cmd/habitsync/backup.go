package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/habittrack/habitsync/internal/backup"
	"github.com/habittrack/habitsync/internal/config"
	"github.com/habittrack/habitsync/internal/ui"
)

var backupCmd = &cobra.Command{
	Use:     "backup",
	GroupID: "advanced",
	Short:   "Export and restore local data as JSONL",
	Long: `Local schedules, habits and archived habits can be written to a JSONL
file, one record per line, and restored from one. A restore replaces local
data only if every record in the file validates. The outbox is not touched.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create [path]",
	Short: "Write local data to a JSONL file",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := filepath.Join(config.DirName, "backups", "habitsync-"+time.Now().Format("20060102-150405")+".jsonl")
		if len(args) == 1 {
			path = args[0]
		}

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		res, err := backup.Create(ctx, a.DB, path)
		if err != nil {
			FatalError("backup failed: %v", err)
		}
		if jsonOutput {
			outputJSON(map[string]any{"path": path, "result": res})
			return
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		printBackupCounts(res)
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <path>",
	Short: "Replace local data from a JSONL file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		noCopy, _ := cmd.Flags().GetBool("no-copy")

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		res, err := backup.Restore(ctx, a.DB, args[0], backup.RestoreOptions{
			DryRun:   dryRun,
			KeepCopy: !noCopy,
			Now:      a.Now,
		})
		if err != nil {
			if backup.IsNotExist(err) {
				FatalError("backup file %s not found", args[0])
			}
			FatalError("restore failed: %v", err)
		}

		if jsonOutput {
			outputJSON(map[string]any{"dry_run": dryRun, "result": res})
			return
		}
		if dryRun {
			fmt.Printf("%s %s is valid (dry run, nothing written)\n", ui.RenderPass("✓"), args[0])
		} else {
			fmt.Printf("%s Restored from %s\n", ui.RenderPass("✓"), args[0])
		}
		printBackupCounts(res)
		if res.BackupCreated != "" {
			fmt.Printf("Previous data saved to %s\n", res.BackupCreated)
		}
	},
}

func printBackupCounts(res *backup.Result) {
	fmt.Printf("  schedules        %d\n", res.Schedules)
	fmt.Printf("  habits           %d\n", res.Habits)
	fmt.Printf("  archived habits  %d\n", res.ArchivedHabits)
}

func init() {
	backupRestoreCmd.Flags().Bool("dry-run", false, "Validate the file without writing")
	backupRestoreCmd.Flags().Bool("no-copy", false, "Do not save the current data before restoring")

	backupCmd.AddCommand(backupCreateCmd, backupRestoreCmd)
	rootCmd.AddCommand(backupCmd)
}
