package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/habittrack/habitsync/internal/config"
	"github.com/habittrack/habitsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Write or show configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default .habitsync/config.yaml",
	Run: func(cmd *cobra.Command, _ []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := filepath.Join(config.DirName, "config.yaml")
		if err := config.WriteDefault(path, force); err != nil {
			FatalError("%v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"path": path})
			return
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(*cobra.Command, []string) {
		if jsonOutput {
			all := config.AllSettings()
			if r, ok := all["remote"].(map[string]any); ok && r["token"] != "" {
				r["token"] = "********"
			}
			outputJSON(all)
			return
		}

		data, err := config.EffectiveYAML()
		if err != nil {
			FatalError("%v", err)
		}
		if used := config.ConfigFileUsed(); used != "" {
			fmt.Println(ui.RenderMuted("# from " + used))
		}
		os.Stdout.Write(data)
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
