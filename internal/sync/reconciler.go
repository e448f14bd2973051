package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/habittrack/habitsync/internal/db"
	"github.com/habittrack/habitsync/internal/merge"
	"github.com/habittrack/habitsync/internal/remote"
	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

// Options configures a Reconciler.
type Options struct {
	Logger *slog.Logger
	// SkipVersionCheck disables the remote schema version preflight
	SkipVersionCheck bool
}

// reconciler implements the Reconciler interface.
type reconciler struct {
	db     *db.DB
	store  remote.Store
	opts   Options
	logger *slog.Logger
}

// New creates a new Reconciler instance.
//
// The database connection must be initialized and have schema created
// before passing to this function.
//
// If opts.Logger is nil, slog.Default() is used.
func New(database *db.DB, store remote.Store, opts Options) Reconciler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &reconciler{
		db:     database,
		store:  store,
		opts:   opts,
		logger: opts.Logger.With("component", "reconciler"),
	}
}

// SyncFromRemote implements Reconciler.SyncFromRemote.
func (r *reconciler) SyncFromRemote(ctx context.Context) (Report, error) {
	if err := r.preflight(ctx); err != nil {
		return Report{}, err
	}

	remoteSchedules, err := r.store.FetchSchedules(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to fetch remote schedules: %w", err)
	}
	remoteHabits, err := r.store.FetchHabits(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to fetch remote habits: %w", err)
	}
	remoteArchived, err := r.store.FetchArchivedHabits(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to fetch remote archived habits: %w", err)
	}

	localSchedules, err := r.db.ListSchedules(ctx)
	if err != nil {
		return Report{}, err
	}
	localHabits, err := r.db.ListHabits(ctx)
	if err != nil {
		return Report{}, err
	}
	localArchived, err := r.db.ListArchivedHabits(ctx)
	if err != nil {
		return Report{}, err
	}

	schedules := merge.MergeSchedules(localSchedules, remoteSchedules)
	habits := merge.MergeHabits(localHabits, remoteHabits)
	archived := merge.MergeArchivedHabits(localArchived, remoteArchived)

	// Validate everything before writing anything
	if err := multierr.Combine(
		schema.ValidateSchedules(schedules),
		schema.ValidateHabits(habits),
		schema.ValidateArchivedHabits(archived),
	); err != nil {
		r.logger.Error("merged data failed validation; local data kept", "error", err)
		return Report{}, err
	}

	if err := r.db.ReplaceSchedules(ctx, schedules); err != nil {
		return Report{}, fmt.Errorf("failed to save merged schedules: %w", err)
	}
	if err := r.db.ReplaceHabits(ctx, habits); err != nil {
		return Report{}, fmt.Errorf("failed to save merged habits: %w", err)
	}
	if err := r.db.ReplaceArchivedHabits(ctx, archived); err != nil {
		return Report{}, fmt.Errorf("failed to save merged archived habits: %w", err)
	}

	report := Report{
		Schedules:      collectionReport(len(localSchedules), len(remoteSchedules), len(schedules)),
		Habits:         collectionReport(len(localHabits), len(remoteHabits), len(habits)),
		ArchivedHabits: collectionReport(len(localArchived), len(remoteArchived), len(archived)),
	}
	report.Added = report.Schedules.Added + report.Habits.Added + report.ArchivedHabits.Added

	r.logger.Info("reconciled with remote",
		"schedules", len(schedules), "habits", len(habits), "archived_habits", len(archived), "added", report.Added)
	return report, nil
}

func (r *reconciler) preflight(ctx context.Context) error {
	v, err := r.store.SchemaVersion(ctx)
	if err != nil {
		if syncerr.IsSchema(err) {
			return fmt.Errorf("remote schema preflight failed: %w", err)
		}
		return fmt.Errorf("failed to read remote schema version: %w", err)
	}
	if r.opts.SkipVersionCheck {
		return nil
	}
	return remote.CheckSchemaVersion(v)
}

func collectionReport(local, remote, merged int) CollectionReport {
	return CollectionReport{
		Local:  local,
		Remote: remote,
		Merged: merged,
		Added:  merge.NetNew(merged, local, remote),
	}
}

// PushSchedules implements Reconciler.PushSchedules.
func (r *reconciler) PushSchedules(ctx context.Context, dayKeys []string) ([]string, error) {
	var (
		batch []schema.Schedule
		keys  []string
		done  []string
		errs  error
	)

	for _, key := range dayKeys {
		dayID, err := schema.ParseDayID(key)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		s, err := r.db.GetSchedule(ctx, dayID)
		if errors.Is(err, db.ErrNotFound) {
			done = append(done, key)
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		batch = append(batch, s)
		keys = append(keys, key)
	}

	if len(batch) > 0 {
		if err := r.store.PushSchedules(ctx, batch); err != nil {
			return done, multierr.Append(errs, fmt.Errorf("failed to push schedules: %w", err))
		}
		done = append(done, keys...)
	}

	return done, errs
}

// ValidateSchedules implements Reconciler.ValidateSchedules.
func (r *reconciler) ValidateSchedules(ctx context.Context) error {
	schedules, err := r.db.ListSchedules(ctx)
	if err != nil {
		return err
	}
	return schema.ValidateSchedules(schedules)
}
