package merge

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/habittrack/habitsync/internal/schema"
)

// Schedules is the adapter for day schedules keyed by DayID.
var Schedules = Adapter[schema.Schedule, int64]{
	Key:          func(s schema.Schedule) int64 { return s.DayID },
	LastModified: func(s schema.Schedule) time.Time { return s.LastModified() },
	Clone:        func(s schema.Schedule) schema.Schedule { return s.Clone() },
	Tag: func(s schema.Schedule, src schema.Source) schema.Schedule {
		s.Source = src
		return s
	},
	MergeTie: func(local, remote schema.Schedule) schema.Schedule {
		local.Items = MergeItems(local.Items, remote.Items)
		return local
	},
}

// Habits is the adapter for habits keyed by ID. Checkmarks are the
// sub-items, keyed by date.
var Habits = Adapter[schema.Habit, string]{
	Key:          func(h schema.Habit) string { return h.ID },
	LastModified: func(h schema.Habit) time.Time { return h.LastModified() },
	Clone:        func(h schema.Habit) schema.Habit { return h.Clone() },
	Tag: func(h schema.Habit, src schema.Source) schema.Habit {
		h.Source = src
		return h
	},
	MergeTie: func(local, remote schema.Habit) schema.Habit {
		local.Checkmarks = MergeCheckmarks(local.Checkmarks, remote.Checkmarks)
		return local
	},
}

// ArchivedHabits is the adapter for archived habits. They have no
// sub-items, so a tie keeps the local record.
var ArchivedHabits = Adapter[schema.ArchivedHabit, string]{
	Key:          func(a schema.ArchivedHabit) string { return a.ID },
	LastModified: func(a schema.ArchivedHabit) time.Time { return a.LastModified() },
	Clone:        func(a schema.ArchivedHabit) schema.ArchivedHabit { return a },
	Tag: func(a schema.ArchivedHabit, src schema.Source) schema.ArchivedHabit {
		a.Source = src
		return a
	},
	MergeTie: func(local, _ schema.ArchivedHabit) schema.ArchivedHabit { return local },
}

// MergeSchedules reconciles two schedule collections.
func MergeSchedules(local, remote []schema.Schedule) []schema.Schedule {
	return Merge(Schedules, local, remote)
}

// MergeHabits reconciles two habit collections.
func MergeHabits(local, remote []schema.Habit) []schema.Habit {
	return Merge(Habits, local, remote)
}

// MergeArchivedHabits reconciles two archived habit collections.
func MergeArchivedHabits(local, remote []schema.ArchivedHabit) []schema.ArchivedHabit {
	return Merge(ArchivedHabits, local, remote)
}

// MergeItems combines the time slots of two versions of the same day.
//
// A remote item fills a slot the local version lacks, or one whose local
// task is blank. Otherwise the local item wins. The result is sorted by
// time ascending.
func MergeItems(local, remote []schema.ScheduleItem) []schema.ScheduleItem {
	byTime := make(map[string]schema.ScheduleItem, len(local)+len(remote))
	for _, item := range local {
		byTime[item.Time] = item
	}
	for _, item := range remote {
		l, ok := byTime[item.Time]
		if !ok || strings.TrimSpace(l.Task) == "" {
			byTime[item.Time] = item
		}
	}

	times := slices.Sorted(maps.Keys(byTime))
	out := make([]schema.ScheduleItem, 0, len(times))
	for _, t := range times {
		out = append(out, byTime[t])
	}
	return out
}

// MergeCheckmarks combines two checkmark maps. Dates the local map has keep
// their local value; dates only the remote has are added.
func MergeCheckmarks(local, remote map[string]bool) map[string]bool {
	out := make(map[string]bool, len(local)+len(remote))
	for date, done := range remote {
		out[date] = done
	}
	for date, done := range local {
		out[date] = done
	}
	return out
}
