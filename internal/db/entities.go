package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/habittrack/habitsync/internal/schema"
)

// ===== Schedules =====

// ListSchedules returns every local schedule, newest day first.
func (db *DB) ListSchedules(ctx context.Context) ([]schema.Schedule, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT day_id, date, weekday, items, created_at, updated_at, source
	FROM schedules ORDER BY day_id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var out []schema.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}
	return out, nil
}

// GetSchedule returns one schedule, or ErrNotFound.
func (db *DB) GetSchedule(ctx context.Context, dayID int64) (schema.Schedule, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT day_id, date, weekday, items, created_at, updated_at, source
	FROM schedules WHERE day_id = ?
	`, dayID)

	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Schedule{}, fmt.Errorf("schedule %d: %w", dayID, ErrNotFound)
	}
	return s, err
}

// UpsertSchedule inserts or updates one schedule.
func (db *DB) UpsertSchedule(ctx context.Context, s *schema.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return upsertSchedule(ctx, db.conn, s)
}

// DeleteSchedule removes one schedule. Returns nil if it doesn't exist.
func (db *DB) DeleteSchedule(ctx context.Context, dayID int64) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM schedules WHERE day_id = ?`, dayID); err != nil {
		return fmt.Errorf("failed to delete schedule %d: %w", dayID, err)
	}
	return nil
}

// ReplaceSchedules swaps the whole collection atomically. The input is
// validated first; on any error the previous collection is kept.
func (db *DB) ReplaceSchedules(ctx context.Context, schedules []schema.Schedule) error {
	if err := schema.ValidateSchedules(schedules); err != nil {
		return err
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedules`); err != nil {
			return fmt.Errorf("failed to clear schedules: %w", err)
		}
		for i := range schedules {
			if err := upsertSchedule(ctx, tx, &schedules[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertSchedule(ctx context.Context, exec execer, s *schema.Schedule) error {
	items := s.Items
	if items == nil {
		items = []schema.ScheduleItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}

	_, err = exec.ExecContext(ctx, `
	INSERT INTO schedules (day_id, date, weekday, items, created_at, updated_at, source)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(day_id) DO UPDATE SET
		date = excluded.date,
		weekday = excluded.weekday,
		items = excluded.items,
		updated_at = excluded.updated_at,
		source = excluded.source
	`,
		s.DayID,
		s.Date,
		nullString(s.Weekday),
		string(itemsJSON),
		s.CreatedAt.UnixMilli(),
		toMillis(s.UpdatedAt),
		nullString(string(s.Source)),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule %d: %w", s.DayID, err)
	}
	return nil
}

func scanSchedule(row rowScanner) (schema.Schedule, error) {
	var s schema.Schedule
	var weekday, source sql.NullString
	var itemsJSON string
	var created int64
	var updated sql.NullInt64

	if err := row.Scan(&s.DayID, &s.Date, &weekday, &itemsJSON, &created, &updated, &source); err != nil {
		return schema.Schedule{}, err
	}

	if err := json.Unmarshal([]byte(itemsJSON), &s.Items); err != nil {
		return schema.Schedule{}, fmt.Errorf("failed to parse items of schedule %d: %w", s.DayID, err)
	}
	if s.Items == nil {
		s.Items = []schema.ScheduleItem{}
	}
	s.Weekday = weekday.String
	s.Source = schema.Source(source.String)
	s.CreatedAt = fromMillis(sql.NullInt64{Int64: created, Valid: true})
	s.UpdatedAt = fromMillis(updated)
	return s, nil
}

// ===== Habits =====

// ListHabits returns every local habit ordered by id descending.
func (db *DB) ListHabits(ctx context.Context) ([]schema.Habit, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, name, description, color, checkmarks, weekly_target, created_at, updated_at, source
	FROM habits ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query habits: %w", err)
	}
	defer rows.Close()

	var out []schema.Habit
	for rows.Next() {
		h, err := scanHabit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating habits: %w", err)
	}
	return out, nil
}

// GetHabit returns one habit, or ErrNotFound.
func (db *DB) GetHabit(ctx context.Context, id string) (schema.Habit, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT id, name, description, color, checkmarks, weekly_target, created_at, updated_at, source
	FROM habits WHERE id = ?
	`, id)

	h, err := scanHabit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Habit{}, fmt.Errorf("habit %s: %w", id, ErrNotFound)
	}
	return h, err
}

// UpsertHabit inserts or updates one habit.
func (db *DB) UpsertHabit(ctx context.Context, h *schema.Habit) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return upsertHabit(ctx, db.conn, h)
}

// DeleteHabit removes one habit. Returns nil if it doesn't exist.
func (db *DB) DeleteHabit(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM habits WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete habit %s: %w", id, err)
	}
	return nil
}

// ReplaceHabits swaps the whole habit collection atomically.
func (db *DB) ReplaceHabits(ctx context.Context, habits []schema.Habit) error {
	if err := schema.ValidateHabits(habits); err != nil {
		return err
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM habits`); err != nil {
			return fmt.Errorf("failed to clear habits: %w", err)
		}
		for i := range habits {
			if err := upsertHabit(ctx, tx, &habits[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ArchiveHabit moves a habit to the archive in one transaction.
func (db *DB) ArchiveHabit(ctx context.Context, a *schema.ArchivedHabit) error {
	if err := a.Validate(); err != nil {
		return err
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM habits WHERE id = ?`, a.ID); err != nil {
			return fmt.Errorf("failed to remove habit %s: %w", a.ID, err)
		}
		return upsertArchivedHabit(ctx, tx, a)
	})
}

// RestoreHabit moves an archived habit back to the active list in one
// transaction. It undoes ArchiveHabit.
func (db *DB) RestoreHabit(ctx context.Context, h *schema.Habit) error {
	if err := h.Validate(); err != nil {
		return err
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM archived_habits WHERE id = ?`, h.ID); err != nil {
			return fmt.Errorf("failed to remove archived habit %s: %w", h.ID, err)
		}
		return upsertHabit(ctx, tx, h)
	})
}

func upsertHabit(ctx context.Context, exec execer, h *schema.Habit) error {
	marks := h.Checkmarks
	if marks == nil {
		marks = map[string]bool{}
	}
	marksJSON, err := json.Marshal(marks)
	if err != nil {
		return fmt.Errorf("failed to marshal checkmarks: %w", err)
	}

	_, err = exec.ExecContext(ctx, `
	INSERT INTO habits (id, name, description, color, checkmarks, weekly_target, created_at, updated_at, source)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		color = excluded.color,
		checkmarks = excluded.checkmarks,
		weekly_target = excluded.weekly_target,
		updated_at = excluded.updated_at,
		source = excluded.source
	`,
		h.ID,
		h.Name,
		nullString(h.Description),
		nullString(h.Color),
		string(marksJSON),
		h.WeeklyTarget,
		h.CreatedAt.UnixMilli(),
		toMillis(h.UpdatedAt),
		nullString(string(h.Source)),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert habit %s: %w", h.ID, err)
	}
	return nil
}

func scanHabit(row rowScanner) (schema.Habit, error) {
	var h schema.Habit
	var description, color, source sql.NullString
	var marksJSON string
	var created int64
	var updated sql.NullInt64

	err := row.Scan(&h.ID, &h.Name, &description, &color, &marksJSON, &h.WeeklyTarget, &created, &updated, &source)
	if err != nil {
		return schema.Habit{}, err
	}

	if err := json.Unmarshal([]byte(marksJSON), &h.Checkmarks); err != nil {
		return schema.Habit{}, fmt.Errorf("failed to parse checkmarks of habit %s: %w", h.ID, err)
	}
	if h.Checkmarks == nil {
		h.Checkmarks = map[string]bool{}
	}
	h.Description = description.String
	h.Color = color.String
	h.Source = schema.Source(source.String)
	h.CreatedAt = fromMillis(sql.NullInt64{Int64: created, Valid: true})
	h.UpdatedAt = fromMillis(updated)
	return h, nil
}

// ===== Archived habits =====

// ListArchivedHabits returns every archived habit ordered by id descending.
func (db *DB) ListArchivedHabits(ctx context.Context) ([]schema.ArchivedHabit, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, name, description, color, archived_date, streak, longest_streak, updated_at, source
	FROM archived_habits ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived habits: %w", err)
	}
	defer rows.Close()

	var out []schema.ArchivedHabit
	for rows.Next() {
		var a schema.ArchivedHabit
		var description, color, source sql.NullString
		var updated sql.NullInt64
		err := rows.Scan(&a.ID, &a.Name, &description, &color, &a.ArchivedDate,
			&a.Streak, &a.LongestStreak, &updated, &source)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived habit: %w", err)
		}
		a.Description = description.String
		a.Color = color.String
		a.Source = schema.Source(source.String)
		a.UpdatedAt = fromMillis(updated)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archived habits: %w", err)
	}
	return out, nil
}

// GetArchivedHabit returns one archived habit, or ErrNotFound.
func (db *DB) GetArchivedHabit(ctx context.Context, id string) (schema.ArchivedHabit, error) {
	var a schema.ArchivedHabit
	var description, color, source sql.NullString
	var updated sql.NullInt64
	err := db.conn.QueryRowContext(ctx, `
	SELECT id, name, description, color, archived_date, streak, longest_streak, updated_at, source
	FROM archived_habits WHERE id = ?
	`, id).Scan(&a.ID, &a.Name, &description, &color, &a.ArchivedDate,
		&a.Streak, &a.LongestStreak, &updated, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.ArchivedHabit{}, fmt.Errorf("archived habit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return schema.ArchivedHabit{}, fmt.Errorf("failed to get archived habit %s: %w", id, err)
	}
	a.Description = description.String
	a.Color = color.String
	a.Source = schema.Source(source.String)
	a.UpdatedAt = fromMillis(updated)
	return a, nil
}

// DeleteArchivedHabit removes one archived habit.
func (db *DB) DeleteArchivedHabit(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM archived_habits WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete archived habit %s: %w", id, err)
	}
	return nil
}

// ReplaceArchivedHabits swaps the archived collection atomically.
func (db *DB) ReplaceArchivedHabits(ctx context.Context, archived []schema.ArchivedHabit) error {
	if err := schema.ValidateArchivedHabits(archived); err != nil {
		return err
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM archived_habits`); err != nil {
			return fmt.Errorf("failed to clear archived habits: %w", err)
		}
		for i := range archived {
			if err := upsertArchivedHabit(ctx, tx, &archived[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertArchivedHabit(ctx context.Context, exec execer, a *schema.ArchivedHabit) error {
	_, err := exec.ExecContext(ctx, `
	INSERT INTO archived_habits (id, name, description, color, archived_date, streak, longest_streak, updated_at, source)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		color = excluded.color,
		archived_date = excluded.archived_date,
		streak = excluded.streak,
		longest_streak = excluded.longest_streak,
		updated_at = excluded.updated_at,
		source = excluded.source
	`,
		a.ID,
		a.Name,
		nullString(a.Description),
		nullString(a.Color),
		a.ArchivedDate,
		a.Streak,
		a.LongestStreak,
		toMillis(a.UpdatedAt),
		nullString(string(a.Source)),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert archived habit %s: %w", a.ID, err)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
