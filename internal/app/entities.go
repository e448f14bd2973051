package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/habittrack/habitsync/internal/db"
	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

// DateLayout is the checkmark and archive date format.
const DateLayout = "2006-01-02"

// SaveHabit creates or updates a habit and queues the change. A habit
// without an id gets a new one.
func (a *App) SaveHabit(ctx context.Context, h schema.Habit) (schema.Habit, error) {
	now := a.clock.Now().UTC()
	h.Name = strings.TrimSpace(h.Name)

	op := schema.OpUpdate
	if h.ID == "" {
		h.ID = uuid.NewString()
		op = schema.OpCreate
	} else {
		existing, err := a.DB.GetHabit(ctx, h.ID)
		switch {
		case errors.Is(err, db.ErrNotFound):
			op = schema.OpCreate
		case err != nil:
			return schema.Habit{}, err
		default:
			h.CreatedAt = existing.CreatedAt
			if h.Checkmarks == nil {
				h.Checkmarks = existing.Checkmarks
			}
		}
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	if h.Checkmarks == nil {
		h.Checkmarks = map[string]bool{}
	}
	h.UpdatedAt = now
	h.Source = schema.SourceLocal

	if err := h.Validate(); err != nil {
		return schema.Habit{}, err
	}
	if err := a.DB.UpsertHabit(ctx, &h); err != nil {
		return schema.Habit{}, err
	}
	if _, err := a.Outbox.AddMutation(ctx, op, schema.EntityHabit, h.ID, h); err != nil {
		return schema.Habit{}, fmt.Errorf("failed to queue habit %s: %w", h.ID, err)
	}
	return h, nil
}

// DeleteHabit removes a habit and queues the delete.
func (a *App) DeleteHabit(ctx context.Context, id string) error {
	h, err := a.DB.GetHabit(ctx, id)
	if err != nil {
		return err
	}
	if err := a.DB.DeleteHabit(ctx, id); err != nil {
		return err
	}
	// The last known state travels with the delete
	if _, err := a.Outbox.AddMutation(ctx, schema.OpDelete, schema.EntityHabit, id, h); err != nil {
		return fmt.Errorf("failed to queue habit delete %s: %w", id, err)
	}
	return nil
}

// ToggleCheckmark flips the habit's checkmark for the day containing on.
func (a *App) ToggleCheckmark(ctx context.Context, id string, on time.Time) (schema.Habit, error) {
	h, err := a.DB.GetHabit(ctx, id)
	if err != nil {
		return schema.Habit{}, err
	}

	date := on.Format(DateLayout)
	if h.Checkmarks == nil {
		h.Checkmarks = map[string]bool{}
	}
	if h.Checkmarks[date] {
		delete(h.Checkmarks, date)
	} else {
		h.Checkmarks[date] = true
	}
	h.UpdatedAt = a.clock.Now().UTC()
	h.Source = schema.SourceLocal

	if err := a.DB.UpsertHabit(ctx, &h); err != nil {
		return schema.Habit{}, err
	}
	if _, err := a.Outbox.AddMutation(ctx, schema.OpUpdate, schema.EntityHabit, h.ID, h); err != nil {
		return schema.Habit{}, fmt.Errorf("failed to queue habit %s: %w", h.ID, err)
	}
	return h, nil
}

// ArchiveHabit moves a habit to the archive with the given streaks and
// queues both halves of the move: a habit delete and an archived habit
// create.
func (a *App) ArchiveHabit(ctx context.Context, id string, streak, longest int) (schema.ArchivedHabit, error) {
	h, err := a.DB.GetHabit(ctx, id)
	if err != nil {
		return schema.ArchivedHabit{}, err
	}
	if streak < 0 || longest < 0 {
		return schema.ArchivedHabit{}, &syncerr.IntegrityError{Collection: "archived_habits", Problems: []string{"streaks cannot be negative"}}
	}

	archived := h.Archive(a.clock.Now().UTC(), streak, max(streak, longest))
	archived.Source = schema.SourceLocal
	if err := a.DB.ArchiveHabit(ctx, &archived); err != nil {
		return schema.ArchivedHabit{}, err
	}

	if _, err := a.Outbox.AddMutation(ctx, schema.OpDelete, schema.EntityHabit, id, h); err != nil {
		return schema.ArchivedHabit{}, fmt.Errorf("failed to queue habit delete %s: %w", id, err)
	}
	if _, err := a.Outbox.AddMutation(ctx, schema.OpCreate, schema.EntityArchivedHabit, id, archived); err != nil {
		return schema.ArchivedHabit{}, fmt.Errorf("failed to queue archived habit %s: %w", id, err)
	}
	return archived, nil
}

// RestoreHabit moves an archived habit back to the active list and queues
// both halves of the move: an archived habit delete and a habit create.
// The restored habit starts with no checkmarks.
func (a *App) RestoreHabit(ctx context.Context, id string) (schema.Habit, error) {
	archived, err := a.DB.GetArchivedHabit(ctx, id)
	if err != nil {
		return schema.Habit{}, err
	}

	h := archived.Restore(a.clock.Now().UTC())
	h.Source = schema.SourceLocal
	if err := a.DB.RestoreHabit(ctx, &h); err != nil {
		return schema.Habit{}, err
	}

	if _, err := a.Outbox.AddMutation(ctx, schema.OpDelete, schema.EntityArchivedHabit, id, archived); err != nil {
		return schema.Habit{}, fmt.Errorf("failed to queue archived habit delete %s: %w", id, err)
	}
	if _, err := a.Outbox.AddMutation(ctx, schema.OpCreate, schema.EntityHabit, id, h); err != nil {
		return schema.Habit{}, fmt.Errorf("failed to queue habit %s: %w", id, err)
	}
	return h, nil
}

// EditScheduleItem sets the item at item.Time on the day containing day.
// An empty task with remove set deletes the slot. The schedule is written
// locally at once and uploaded on the debounced path.
func (a *App) EditScheduleItem(ctx context.Context, day time.Time, item schema.ScheduleItem, remove bool) (schema.Schedule, error) {
	if _, err := time.Parse("15:04", item.Time); err != nil {
		return schema.Schedule{}, &syncerr.IntegrityError{Collection: "schedules", Problems: []string{fmt.Sprintf("invalid time %q (want HH:MM)", item.Time)}}
	}

	now := a.clock.Now().UTC()
	s, err := a.DB.GetSchedule(ctx, schema.DayIDFor(day))
	if errors.Is(err, db.ErrNotFound) {
		s = schema.NewSchedule(day)
		s.CreatedAt = now
	} else if err != nil {
		return schema.Schedule{}, err
	}

	if strings.TrimSpace(item.Task) == "" {
		item.Completed = false
	}

	i := slices.IndexFunc(s.Items, func(it schema.ScheduleItem) bool { return it.Time == item.Time })
	switch {
	case remove && i >= 0:
		s.Items = slices.Delete(s.Items, i, i+1)
	case remove:
	case i >= 0:
		s.Items[i] = item
	default:
		s.Items = append(s.Items, item)
	}
	slices.SortFunc(s.Items, func(x, y schema.ScheduleItem) int { return strings.Compare(x.Time, y.Time) })
	s.UpdatedAt = now
	s.Source = schema.SourceLocal

	if err := s.Validate(); err != nil {
		return schema.Schedule{}, err
	}
	if err := a.DB.UpsertSchedule(ctx, &s); err != nil {
		return schema.Schedule{}, err
	}
	if err := a.Saver.MarkDirty(ctx, s.Key()); err != nil {
		return schema.Schedule{}, err
	}
	return s, nil
}

// Habits lists active habits.
func (a *App) Habits(ctx context.Context) ([]schema.Habit, error) {
	return a.DB.ListHabits(ctx)
}

// ArchivedHabits lists archived habits.
func (a *App) ArchivedHabits(ctx context.Context) ([]schema.ArchivedHabit, error) {
	return a.DB.ListArchivedHabits(ctx)
}

// Schedule returns the schedule for the day containing day.
func (a *App) Schedule(ctx context.Context, day time.Time) (schema.Schedule, error) {
	return a.DB.GetSchedule(ctx, schema.DayIDFor(day))
}
