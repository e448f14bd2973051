package schema

import (
	"fmt"
	"strconv"
	"time"
)

// Source tags where a reconciled record came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
	SourceMerged Source = "merged"
)

// ScheduleItem is one time slot of a day.
type ScheduleItem struct {
	Time      string `json:"time"` // HH:MM, sorts lexicographically
	Task      string `json:"task"`
	Completed bool   `json:"completed,omitempty"`
}

// Schedule is a single day's plan, keyed by DayID (yyyymmdd).
type Schedule struct {
	DayID     int64          `json:"day_id"`
	Date      string         `json:"date"`
	Weekday   string         `json:"weekday,omitempty"`
	Items     []ScheduleItem `json:"items"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
	Source    Source         `json:"source,omitempty"`
}

// LastModified returns the instant used for conflict resolution: UpdatedAt,
// or CreatedAt for records that were never edited.
func (s *Schedule) LastModified() time.Time {
	if !s.UpdatedAt.IsZero() {
		return s.UpdatedAt
	}
	return s.CreatedAt
}

// Key returns the entity id used in mutations and routes.
func (s *Schedule) Key() string {
	return strconv.FormatInt(s.DayID, 10)
}

// Clone returns a deep copy.
func (s Schedule) Clone() Schedule {
	items := make([]ScheduleItem, len(s.Items))
	copy(items, s.Items)
	s.Items = items
	return s
}

// DayIDFor returns the yyyymmdd key for t.
func DayIDFor(t time.Time) int64 {
	return int64(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// NewSchedule creates an empty schedule for the day containing t.
func NewSchedule(t time.Time) Schedule {
	return Schedule{
		DayID:     DayIDFor(t),
		Date:      t.Format("2006-01-02"),
		Weekday:   t.Weekday().String(),
		Items:     []ScheduleItem{},
		CreatedAt: t,
		UpdatedAt: t,
	}
}

// ParseDayID parses an entity id back into a day key.
func ParseDayID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid day id %q", s)
	}
	return id, nil
}
