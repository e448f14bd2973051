package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/habittrack/habitsync/internal/app"
	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/ui"
)

var habitCmd = &cobra.Command{
	Use:     "habit",
	GroupID: "habits",
	Short:   "Create, check off and archive habits",
	Long: `Every habit change is written locally and queued in the outbox for
delivery to the remote.`,
}

var habitColors = []string{"", "red", "orange", "yellow", "green", "blue", "purple"}

var habitAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Create a habit",
	Long: `Create a habit. Without a name on an interactive terminal a form is
shown.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		h := schema.Habit{}
		h.ID, _ = cmd.Flags().GetString("id")
		h.Description, _ = cmd.Flags().GetString("description")
		h.Color, _ = cmd.Flags().GetString("color")
		h.WeeklyTarget, _ = cmd.Flags().GetInt("target")

		if len(args) == 1 {
			h.Name = args[0]
		} else if ui.IsTerminal(os.Stdin) && !jsonOutput {
			if err := habitForm(&h); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Cancelled")
					return
				}
				FatalError("%v", err)
			}
		} else {
			FatalError("habit name is required")
		}

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		saved, err := a.SaveHabit(ctx, h)
		if err != nil {
			FatalError("failed to save habit: %v", err)
		}
		if jsonOutput {
			outputJSON(saved)
			return
		}
		fmt.Printf("%s Created habit %s (%s)\n", ui.RenderPass("✓"), ui.RenderAccent(saved.Name), saved.ID)
	},
}

func habitForm(h *schema.Habit) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Name").
				Value(&h.Name).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("name is required")
					}
					return nil
				}),
			huh.NewText().
				Title("Description").
				Value(&h.Description),
			huh.NewSelect[string]().
				Title("Color").
				Options(huh.NewOptions(habitColors...)...).
				Value(&h.Color),
		),
	).Run()
}

var habitRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a habit",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		h, err := a.DB.GetHabit(ctx, args[0])
		if err != nil {
			FatalError("failed to load habit %s: %v", args[0], err)
		}
		h.Name = args[1]
		saved, err := a.SaveHabit(ctx, h)
		if err != nil {
			FatalError("failed to save habit: %v", err)
		}
		if jsonOutput {
			outputJSON(saved)
			return
		}
		fmt.Printf("%s Renamed %s to %s\n", ui.RenderPass("✓"), saved.ID, ui.RenderAccent(saved.Name))
	},
}

var habitCheckCmd = &cobra.Command{
	Use:   "check <id>",
	Short: "Toggle a habit's checkmark for a day",
	Long: `Toggle the checkmark for today, or for the day given with --on.

Examples:
  habitsync habit check h1
  habitsync habit check h1 --on 2024-01-14
  habitsync habit check h1 --on yesterday`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		on, _ := cmd.Flags().GetString("on")

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		day, err := parseDay(on, a.Now())
		if err != nil {
			FatalError("%v", err)
		}
		h, err := a.ToggleCheckmark(ctx, args[0], day)
		if err != nil {
			FatalError("failed to toggle checkmark: %v", err)
		}

		if jsonOutput {
			outputJSON(h)
			return
		}
		date := day.Format(app.DateLayout)
		if h.Checkmarks[date] {
			fmt.Printf("%s %s done on %s\n", ui.RenderPass("✓"), h.Name, date)
		} else {
			fmt.Printf("%s %s cleared on %s\n", ui.RenderMuted("○"), h.Name, date)
		}
	},
}

var habitDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a habit",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		if err := a.DeleteHabit(ctx, args[0]); err != nil {
			FatalError("failed to delete habit %s: %v", args[0], err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"deleted": args[0]})
			return
		}
		fmt.Printf("%s Deleted habit %s\n", ui.RenderPass("✓"), args[0])
	},
}

var habitArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Move a habit to the archive",
	Long: `Archive a habit, freezing its streaks. The move is queued as a habit
delete followed by an archived habit create.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		streak, _ := cmd.Flags().GetInt("streak")
		longest, _ := cmd.Flags().GetInt("longest")

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		archived, err := a.ArchiveHabit(ctx, args[0], streak, longest)
		if err != nil {
			FatalError("failed to archive habit %s: %v", args[0], err)
		}
		if jsonOutput {
			outputJSON(archived)
			return
		}
		fmt.Printf("%s Archived %s (streak %d, longest %d)\n",
			ui.RenderPass("✓"), archived.Name, archived.Streak, archived.LongestStreak)
	},
}

var habitRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Move an archived habit back to the active list",
	Long: `Restore an archived habit with no checkmarks. The move is queued as an
archived habit delete followed by a habit create.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		h, err := a.RestoreHabit(ctx, args[0])
		if err != nil {
			FatalError("failed to restore habit %s: %v", args[0], err)
		}
		if jsonOutput {
			outputJSON(h)
			return
		}
		fmt.Printf("%s Restored %s\n", ui.RenderPass("✓"), ui.RenderAccent(h.Name))
	},
}

var habitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List habits",
	Run: func(cmd *cobra.Command, _ []string) {
		archived, _ := cmd.Flags().GetBool("archived")

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		if archived {
			list, err := a.ArchivedHabits(ctx)
			if err != nil {
				FatalError("failed to list archived habits: %v", err)
			}
			if jsonOutput {
				outputJSON(nonNil(list))
				return
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			for _, h := range list {
				fmt.Fprintf(w, "%s\t%s\tarchived %s\tstreak %d/%d\n", h.ID, h.Name, h.ArchivedDate, h.Streak, h.LongestStreak)
			}
			w.Flush()
			return
		}

		list, err := a.Habits(ctx)
		if err != nil {
			FatalError("failed to list habits: %v", err)
		}
		if jsonOutput {
			outputJSON(nonNil(list))
			return
		}
		if len(list) == 0 {
			fmt.Println(ui.RenderMuted("no habits"))
			return
		}
		today := a.Now().Format(app.DateLayout)
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		for _, h := range list {
			mark := ui.RenderMuted("○")
			if h.Checkmarks[today] {
				mark = ui.RenderPass("✓")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mark, h.ID, h.Name, ui.RenderMuted(h.Description))
		}
		w.Flush()
	},
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func init() {
	habitAddCmd.Flags().String("id", "", "Habit id (default: generated)")
	habitAddCmd.Flags().StringP("description", "d", "", "Description")
	habitAddCmd.Flags().String("color", "", "Display color")
	habitAddCmd.Flags().Int("target", 0, "Weekly target")
	habitCheckCmd.Flags().String("on", "", "Day to toggle: YYYY-MM-DD or natural language (default: today)")
	habitArchiveCmd.Flags().Int("streak", 0, "Current streak at archive time")
	habitArchiveCmd.Flags().Int("longest", 0, "Longest streak")
	habitListCmd.Flags().Bool("archived", false, "List archived habits")

	habitCmd.AddCommand(habitAddCmd, habitRenameCmd, habitCheckCmd, habitDeleteCmd, habitArchiveCmd, habitRestoreCmd, habitListCmd)
	rootCmd.AddCommand(habitCmd)
}
