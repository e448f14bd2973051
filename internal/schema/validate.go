package schema

import (
	"fmt"
	"strings"

	"github.com/habittrack/habitsync/internal/syncerr"
)

// ValidateSchedules runs the pre-save integrity pass over a full schedule
// collection. It reports every duplicate day and every missing field at
// once so the user sees the whole problem.
func ValidateSchedules(schedules []Schedule) error {
	var problems []string
	seen := make(map[int64]int, len(schedules))

	for i, s := range schedules {
		if s.DayID <= 0 {
			problems = append(problems, fmt.Sprintf("schedule[%d]: missing day_id", i))
		} else if prev, ok := seen[s.DayID]; ok {
			problems = append(problems, fmt.Sprintf("schedule[%d]: duplicate day_id %d (first at %d)", i, s.DayID, prev))
		} else {
			seen[s.DayID] = i
		}
		if strings.TrimSpace(s.Date) == "" {
			problems = append(problems, fmt.Sprintf("schedule[%d]: missing date", i))
		}
		if s.Items == nil {
			problems = append(problems, fmt.Sprintf("schedule[%d]: items must be a list", i))
		}
		for j, item := range s.Items {
			if strings.TrimSpace(item.Time) == "" {
				problems = append(problems, fmt.Sprintf("schedule[%d].items[%d]: missing time", i, j))
			}
		}
	}

	if len(problems) > 0 {
		return &syncerr.IntegrityError{Collection: "schedules", Problems: problems}
	}
	return nil
}

// ValidateHabits checks a habit collection for duplicate or missing ids and
// missing names.
func ValidateHabits(habits []Habit) error {
	var problems []string
	seen := make(map[string]int, len(habits))

	for i, h := range habits {
		problems = appendIDProblems(problems, "habit", i, h.ID, seen)
		if strings.TrimSpace(h.Name) == "" {
			problems = append(problems, fmt.Sprintf("habit[%d]: missing name", i))
		}
	}

	if len(problems) > 0 {
		return &syncerr.IntegrityError{Collection: "habits", Problems: problems}
	}
	return nil
}

// ValidateArchivedHabits checks an archived habit collection.
func ValidateArchivedHabits(archived []ArchivedHabit) error {
	var problems []string
	seen := make(map[string]int, len(archived))

	for i, a := range archived {
		problems = appendIDProblems(problems, "archived_habit", i, a.ID, seen)
		if strings.TrimSpace(a.Name) == "" {
			problems = append(problems, fmt.Sprintf("archived_habit[%d]: missing name", i))
		}
		if strings.TrimSpace(a.ArchivedDate) == "" {
			problems = append(problems, fmt.Sprintf("archived_habit[%d]: missing archived_date", i))
		}
	}

	if len(problems) > 0 {
		return &syncerr.IntegrityError{Collection: "archived_habits", Problems: problems}
	}
	return nil
}

func appendIDProblems(problems []string, kind string, i int, id string, seen map[string]int) []string {
	if strings.TrimSpace(id) == "" {
		return append(problems, fmt.Sprintf("%s[%d]: missing id", kind, i))
	}
	if prev, ok := seen[id]; ok {
		return append(problems, fmt.Sprintf("%s[%d]: duplicate id %q (first at %d)", kind, i, id, prev))
	}
	seen[id] = i
	return problems
}

// Validate checks a single habit before it is queued.
func (h *Habit) Validate() error {
	return ValidateHabits([]Habit{*h})
}

// Validate checks a single archived habit before it is queued.
func (a *ArchivedHabit) Validate() error {
	return ValidateArchivedHabits([]ArchivedHabit{*a})
}

// Validate checks a single schedule before it is saved.
func (s *Schedule) Validate() error {
	return ValidateSchedules([]Schedule{*s})
}
