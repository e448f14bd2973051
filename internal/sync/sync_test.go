package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habittrack/habitsync/internal/db"
	"github.com/habittrack/habitsync/internal/remote"
	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

var (
	t1 = time.UnixMilli(1_700_000_000_000).UTC()
	t2 = t1.Add(time.Hour)
)

// stubStore is an in-memory remote.Store.
type stubStore struct {
	version    string
	versionErr error
	schedules  []schema.Schedule
	habits     []schema.Habit
	archived   []schema.ArchivedHabit
	pushed     []schema.Schedule
	pushErr    error
}

func (s *stubStore) FetchSchedules(context.Context) ([]schema.Schedule, error) { return s.schedules, nil }
func (s *stubStore) FetchHabits(context.Context) ([]schema.Habit, error)       { return s.habits, nil }
func (s *stubStore) FetchArchivedHabits(context.Context) ([]schema.ArchivedHabit, error) {
	return s.archived, nil
}
func (s *stubStore) PushSchedules(_ context.Context, schedules []schema.Schedule) error {
	if s.pushErr != nil {
		return s.pushErr
	}
	s.pushed = append(s.pushed, schedules...)
	return nil
}
func (s *stubStore) SchemaVersion(context.Context) (string, error) { return s.version, s.versionErr }

var _ remote.Store = (*stubStore)(nil)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "habitsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.InitSchema())
	return database
}

func sched(dayID int64, updated time.Time, items ...schema.ScheduleItem) schema.Schedule {
	if items == nil {
		items = []schema.ScheduleItem{}
	}
	return schema.Schedule{DayID: dayID, Date: "d", Items: items, CreatedAt: t1, UpdatedAt: updated}
}

func habit(id, name string, updated time.Time) schema.Habit {
	return schema.Habit{ID: id, Name: name, Checkmarks: map[string]bool{}, CreatedAt: t1, UpdatedAt: updated}
}

func TestSyncFromRemote_MergesAndReports(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	for _, s := range []schema.Schedule{sched(20240101, t1), sched(20240102, t1)} {
		require.NoError(t, database.UpsertSchedule(ctx, &s))
	}
	local := habit("h1", "Read", t1)
	require.NoError(t, database.UpsertHabit(ctx, &local))

	store := &stubStore{
		version:   remote.SchemaVersion,
		schedules: []schema.Schedule{sched(20240103, t1), sched(20240104, t1)},
		habits:    []schema.Habit{habit("h1", "Read more", t2), habit("h2", "Run", t1)},
		archived:  []schema.ArchivedHabit{{ID: "h9", Name: "Old", ArchivedDate: "2023-12-01", UpdatedAt: t1}},
	}

	report, err := New(database, store, Options{}).SyncFromRemote(ctx)
	require.NoError(t, err)

	assert.Equal(t, CollectionReport{Local: 2, Remote: 2, Merged: 4, Added: 2}, report.Schedules)
	assert.Equal(t, CollectionReport{Local: 1, Remote: 2, Merged: 2, Added: 0}, report.Habits)
	assert.Equal(t, CollectionReport{Local: 0, Remote: 1, Merged: 1, Added: 0}, report.ArchivedHabits)
	assert.Equal(t, 2, report.Added)

	schedules, err := database.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 4)
	assert.Equal(t, int64(20240104), schedules[0].DayID)

	h, err := database.GetHabit(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "Read more", h.Name, "newer remote wins")
	assert.Equal(t, schema.SourceRemote, h.Source)

	archived, err := database.ListArchivedHabits(ctx)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestSyncFromRemote_TieMergesItems(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	local := sched(20240115, t1, schema.ScheduleItem{Time: "09:00", Task: "Write"}, schema.ScheduleItem{Time: "10:00"})
	require.NoError(t, database.UpsertSchedule(ctx, &local))

	store := &stubStore{
		version: remote.SchemaVersion,
		schedules: []schema.Schedule{sched(20240115, t1,
			schema.ScheduleItem{Time: "10:00", Task: "Walk"},
			schema.ScheduleItem{Time: "09:00", Task: "Remote"},
		)},
	}

	_, err := New(database, store, Options{}).SyncFromRemote(ctx)
	require.NoError(t, err)

	got, err := database.GetSchedule(ctx, 20240115)
	require.NoError(t, err)
	assert.Equal(t, schema.SourceMerged, got.Source)
	assert.Equal(t, []schema.ScheduleItem{{Time: "09:00", Task: "Write"}, {Time: "10:00", Task: "Walk"}}, got.Items)
}

func TestSyncFromRemote_NeedsSetup(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	store, err := remote.OpenSQLite(filepath.Join(t.TempDir(), "remote.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = New(database, store, Options{}).SyncFromRemote(ctx)
	assert.ErrorIs(t, err, syncerr.ErrNeedsSetup)

	// After setup the same remote reconciles
	require.NoError(t, store.InitSchema(ctx))
	s := sched(20240110, t1)
	require.NoError(t, store.PushSchedules(ctx, []schema.Schedule{s}))

	report, err := New(database, store, Options{}).SyncFromRemote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Schedules.Merged)

	got, err := database.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schema.SourceRemote, got[0].Source)
}

func TestSyncFromRemote_IncompatibleVersion(t *testing.T) {
	database := openTestDB(t)
	store := &stubStore{version: "v2.0.0"}

	_, err := New(database, store, Options{}).SyncFromRemote(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrNeedsSetup)

	_, err = New(database, store, Options{SkipVersionCheck: true}).SyncFromRemote(context.Background())
	assert.NoError(t, err)
}

func TestSyncFromRemote_TransportErrorIsNotSetup(t *testing.T) {
	database := openTestDB(t)
	store := &stubStore{versionErr: &syncerr.TransportError{Op: "GET /meta", StatusCode: 502, Err: errors.New("bad gateway")}}

	_, err := New(database, store, Options{}).SyncFromRemote(context.Background())
	require.Error(t, err)
	assert.False(t, syncerr.IsSchema(err))
}

func TestSyncFromRemote_InvalidMergeKeepsLocal(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	local := habit("h1", "Read", t1)
	require.NoError(t, database.UpsertHabit(ctx, &local))
	require.NoError(t, database.UpsertSchedule(ctx, ptr(sched(20240101, t1))))

	store := &stubStore{
		version:   remote.SchemaVersion,
		schedules: []schema.Schedule{sched(20240102, t1)},
		habits:    []schema.Habit{habit("h2", "", t1)}, // missing name
	}

	_, err := New(database, store, Options{}).SyncFromRemote(ctx)
	require.ErrorIs(t, err, syncerr.ErrIntegrity)

	habits, err := database.ListHabits(ctx)
	require.NoError(t, err)
	assert.Len(t, habits, 1)

	// Schedules were valid but are not written either
	schedules, err := database.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, schedules, 1)
}

func TestPushSchedules(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	require.NoError(t, database.UpsertSchedule(ctx, ptr(sched(20240101, t1))))

	store := &stubStore{}
	r := New(database, store, Options{})

	done, err := r.PushSchedules(ctx, []string{"20240101", "20240199", "nope"})
	require.Error(t, err, "invalid key is reported")
	assert.ElementsMatch(t, []string{"20240101", "20240199"}, done)
	require.Len(t, store.pushed, 1)
	assert.Equal(t, int64(20240101), store.pushed[0].DayID)

	store.pushErr = &syncerr.TransportError{Op: "push", Err: errors.New("offline")}
	done, err = r.PushSchedules(ctx, []string{"20240101"})
	require.Error(t, err)
	assert.Empty(t, done)
}

func TestValidateSchedules(t *testing.T) {
	database := openTestDB(t)
	require.NoError(t, New(database, &stubStore{}, Options{}).ValidateSchedules(context.Background()))
}

func ptr[T any](v T) *T { return &v }
