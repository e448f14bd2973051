// Package backup writes the local entity collections to a JSONL file and
// restores them.
//
// Each line is one record tagged with its collection:
//
//	{"kind":"schedule","data":{"day_id":20240115,...}}
//	{"kind":"habit","data":{"id":"h1",...}}
//	{"kind":"archived_habit","data":{"id":"h9",...}}
//
// The outbox is not part of a backup; undelivered mutations stay in the
// store they were queued in.
package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/habittrack/habitsync/internal/db"
	"github.com/habittrack/habitsync/internal/schema"
)

// Record kinds.
const (
	KindSchedule      = "schedule"
	KindHabit         = "habit"
	KindArchivedHabit = "archived_habit"
)

// Line is one JSONL record.
type Line struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Snapshot holds every local collection.
type Snapshot struct {
	Schedules      []schema.Schedule
	Habits         []schema.Habit
	ArchivedHabits []schema.ArchivedHabit
}

// Len returns the total number of records.
func (s *Snapshot) Len() int {
	return len(s.Schedules) + len(s.Habits) + len(s.ArchivedHabits)
}

// Validate runs integrity validation on every collection.
func (s *Snapshot) Validate() error {
	return multierr.Combine(
		schema.ValidateSchedules(s.Schedules),
		schema.ValidateHabits(s.Habits),
		schema.ValidateArchivedHabits(s.ArchivedHabits),
	)
}

// Result contains statistics about a backup or restore.
type Result struct {
	Schedules      int `json:"schedules"`
	Habits         int `json:"habits"`
	ArchivedHabits int `json:"archived_habits"`
	// BackupCreated is the copy of the previous file, if one was made
	BackupCreated string `json:"backup_created,omitempty"`
}

// Take reads a snapshot from the store.
func Take(ctx context.Context, database *db.DB) (*Snapshot, error) {
	schedules, err := database.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	habits, err := database.ListHabits(ctx)
	if err != nil {
		return nil, err
	}
	archived, err := database.ListArchivedHabits(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Schedules: schedules, Habits: habits, ArchivedHabits: archived}, nil
}

// Encode writes s as JSONL.
func Encode(w io.Writer, s *Snapshot) error {
	enc := json.NewEncoder(w)
	write := func(kind string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", kind, err)
		}
		return enc.Encode(Line{Kind: kind, Data: data})
	}

	for _, sc := range s.Schedules {
		if err := write(KindSchedule, sc); err != nil {
			return err
		}
	}
	for _, h := range s.Habits {
		if err := write(KindHabit, h); err != nil {
			return err
		}
	}
	for _, a := range s.ArchivedHabits {
		if err := write(KindArchivedHabit, a); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads JSONL written by Encode. Blank lines are skipped; an unknown
// kind is an error.
func Decode(r io.Reader) (*Snapshot, error) {
	s := &Snapshot{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line Line
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}

		var err error
		switch line.Kind {
		case KindSchedule:
			var sc schema.Schedule
			if err = json.Unmarshal(line.Data, &sc); err == nil {
				if sc.Items == nil {
					sc.Items = []schema.ScheduleItem{}
				}
				s.Schedules = append(s.Schedules, sc)
			}
		case KindHabit:
			var h schema.Habit
			if err = json.Unmarshal(line.Data, &h); err == nil {
				if h.Checkmarks == nil {
					h.Checkmarks = map[string]bool{}
				}
				s.Habits = append(s.Habits, h)
			}
		case KindArchivedHabit:
			var a schema.ArchivedHabit
			if err = json.Unmarshal(line.Data, &a); err == nil {
				s.ArchivedHabits = append(s.ArchivedHabits, a)
			}
		default:
			return nil, fmt.Errorf("unknown record kind %q at line %d", line.Kind, lineNum)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid %s at line %d: %w", line.Kind, lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	return s, nil
}

// Create writes a backup of the store to path. An existing file is replaced
// atomically.
func Create(ctx context.Context, database *db.DB, path string) (*Result, error) {
	s, err := Take(ctx, database)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	err = Encode(w, s)
	if err == nil {
		err = w.Flush()
	}
	err = multierr.Append(err, f.Close())
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return &Result{
		Schedules:      len(s.Schedules),
		Habits:         len(s.Habits),
		ArchivedHabits: len(s.ArchivedHabits),
	}, nil
}

// RestoreOptions configures Restore.
type RestoreOptions struct {
	// DryRun validates the file without writing
	DryRun bool
	// KeepCopy first writes the current local state next to the input as
	// <path>.before.<timestamp>
	KeepCopy bool
	// Now stamps the copy (default: time.Now)
	Now func() time.Time
}

// Restore replaces the local collections with the contents of path. The
// file is validated first; an invalid backup leaves the store untouched.
func Restore(ctx context.Context, database *db.DB, path string, opts RestoreOptions) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()

	s, err := Decode(f)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("backup failed validation: %w", err)
	}

	result := &Result{
		Schedules:      len(s.Schedules),
		Habits:         len(s.Habits),
		ArchivedHabits: len(s.ArchivedHabits),
	}
	if opts.DryRun {
		return result, nil
	}

	if opts.KeepCopy {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		copyPath := path + ".before." + now().Format("20060102-150405")
		if _, err := Create(ctx, database, copyPath); err != nil {
			return nil, fmt.Errorf("failed to save current state: %w", err)
		}
		result.BackupCreated = copyPath
	}

	if err := database.ReplaceSchedules(ctx, s.Schedules); err != nil {
		return nil, fmt.Errorf("failed to restore schedules: %w", err)
	}
	if err := database.ReplaceHabits(ctx, s.Habits); err != nil {
		return nil, fmt.Errorf("failed to restore habits: %w", err)
	}
	if err := database.ReplaceArchivedHabits(ctx, s.ArchivedHabits); err != nil {
		return nil, fmt.Errorf("failed to restore archived habits: %w", err)
	}
	return result, nil
}

// IsNotExist reports whether err is a missing backup file.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
