package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/habittrack/habitsync/internal/db"
	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/ui"
)

var scheduleCmd = &cobra.Command{
	Use:     "schedule",
	GroupID: "habits",
	Short:   "Edit and show day schedules",
	Long: `Schedule edits are saved locally at once and uploaded after edits go
quiet for sync.debounce. Only the final state of an edited day is sent.`,
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set <HH:MM> <task>",
	Short: "Set the task of a time slot",
	Long: `Set the task of a time slot on a day (default: today).

Examples:
  habitsync schedule set 09:00 "Write"
  habitsync schedule set 18:30 "Run" --day tomorrow --done`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		done, _ := cmd.Flags().GetBool("done")
		editSchedule(cmd, schema.ScheduleItem{Time: args[0], Task: args[1], Completed: done}, false)
	},
}

var scheduleClearCmd = &cobra.Command{
	Use:   "clear <HH:MM>",
	Short: "Remove a time slot",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		editSchedule(cmd, schema.ScheduleItem{Time: args[0]}, true)
	},
}

func editSchedule(cmd *cobra.Command, item schema.ScheduleItem, remove bool) {
	dayFlag, _ := cmd.Flags().GetString("day")
	noUpload, _ := cmd.Flags().GetBool("no-upload")

	ctx := cmd.Context()
	a := openApp(ctx)
	defer a.Close()

	day, err := parseDay(dayFlag, a.Now())
	if err != nil {
		FatalError("%v", err)
	}
	s, err := a.EditScheduleItem(ctx, day, item, remove)
	if err != nil {
		FatalError("failed to edit schedule: %v", err)
	}

	// A one-shot command cannot wait out the debounce window
	var uploadErr error
	if !noUpload {
		uploadErr = a.Saver.Flush(ctx)
	}

	if jsonOutput {
		out := map[string]any{"schedule": s, "status": a.CurrentStatus()}
		if uploadErr != nil {
			out["upload_error"] = uploadErr.Error()
		}
		outputJSON(out)
		return
	}
	printSchedule(s)
	if uploadErr != nil {
		fmt.Printf("%s Saved locally; upload failed: %v\n", ui.RenderWarn("⚠"), uploadErr)
	}
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a day's schedule",
	Run: func(cmd *cobra.Command, _ []string) {
		dayFlag, _ := cmd.Flags().GetString("day")

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		day, err := parseDay(dayFlag, a.Now())
		if err != nil {
			FatalError("%v", err)
		}
		s, err := a.Schedule(ctx, day)
		if errors.Is(err, db.ErrNotFound) {
			s = schema.NewSchedule(day)
		} else if err != nil {
			FatalError("failed to load schedule: %v", err)
		}

		if jsonOutput {
			outputJSON(s)
			return
		}
		printSchedule(s)
	},
}

func printSchedule(s schema.Schedule) {
	fmt.Println(ui.Title.Render(fmt.Sprintf("%s %s", s.Weekday, s.Date)))
	if len(s.Items) == 0 {
		fmt.Println(ui.RenderMuted("  nothing scheduled"))
		return
	}
	for _, it := range s.Items {
		mark := ui.RenderMuted("○")
		if it.Completed {
			mark = ui.RenderPass("✓")
		}
		fmt.Printf("  %s %s  %s\n", mark, it.Time, it.Task)
	}
}

func init() {
	for _, c := range []*cobra.Command{scheduleSetCmd, scheduleClearCmd, scheduleShowCmd} {
		c.Flags().String("day", "", "Day: YYYY-MM-DD or natural language (default: today)")
	}
	scheduleSetCmd.Flags().Bool("done", false, "Mark the slot completed")
	for _, c := range []*cobra.Command{scheduleSetCmd, scheduleClearCmd} {
		c.Flags().Bool("no-upload", false, "Only save locally; a running daemon or the next push uploads it")
	}

	scheduleCmd.AddCommand(scheduleSetCmd, scheduleClearCmd, scheduleShowCmd)
	rootCmd.AddCommand(scheduleCmd)
}
