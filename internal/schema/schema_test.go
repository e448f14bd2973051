package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/habittrack/habitsync/internal/syncerr"
)

func TestMutationRecord_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		rec     MutationRecord
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid record",
			rec: MutationRecord{
				ID: 1, Timestamp: now, Operation: OpCreate,
				EntityType: EntityHabit, EntityID: "h1", Status: StatusPending,
				Payload: json.RawMessage(`{"name":"Read"}`),
			},
		},
		{
			name:    "zero id",
			rec:     MutationRecord{Timestamp: now, Operation: OpCreate, EntityType: EntityHabit, EntityID: "h1", Status: StatusPending},
			wantErr: true,
			errMsg:  "id must be positive",
		},
		{
			name:    "bad operation",
			rec:     MutationRecord{ID: 1, Timestamp: now, Operation: "upsert", EntityType: EntityHabit, EntityID: "h1", Status: StatusPending},
			wantErr: true,
			errMsg:  "invalid operation",
		},
		{
			name:    "missing entity type",
			rec:     MutationRecord{ID: 1, Timestamp: now, Operation: OpDelete, EntityID: "h1", Status: StatusPending},
			wantErr: true,
			errMsg:  "entity_type is required",
		},
		{
			name:    "missing entity id",
			rec:     MutationRecord{ID: 1, Timestamp: now, Operation: OpDelete, EntityType: EntityHabit, Status: StatusPending},
			wantErr: true,
			errMsg:  "entity_id is required",
		},
		{
			name:    "invalid payload",
			rec:     MutationRecord{ID: 1, Timestamp: now, Operation: OpUpdate, EntityType: EntityHabit, EntityID: "h1", Status: StatusPending, Payload: json.RawMessage(`{`)},
			wantErr: true,
			errMsg:  "payload is not valid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.errMsg)
			}
		})
	}
}

func TestMutationRecord_Due(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	rec := MutationRecord{Status: StatusFailed, NextRetryAt: now.Add(time.Second)}

	if rec.Due(now) {
		t.Error("Due() = true before next_retry_at")
	}
	if !rec.Due(now.Add(time.Second)) {
		t.Error("Due() = false at next_retry_at")
	}

	rec.Status = StatusDelivered
	if rec.Due(now.Add(time.Hour)) {
		t.Error("Due() = true for delivered record")
	}
}

func TestParseOperation(t *testing.T) {
	for _, s := range []string{"create", "update", "delete"} {
		if _, err := ParseOperation(s); err != nil {
			t.Errorf("ParseOperation(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseOperation("merge"); err == nil {
		t.Error("ParseOperation(merge) should fail")
	}
}

func TestValidateSchedules(t *testing.T) {
	good := Schedule{DayID: 20240115, Date: "2024-01-15", Items: []ScheduleItem{{Time: "09:00", Task: "Run"}}}

	if err := ValidateSchedules([]Schedule{good}); err != nil {
		t.Fatalf("ValidateSchedules() failed on valid input: %v", err)
	}

	dup := good
	missing := Schedule{Items: nil}
	err := ValidateSchedules([]Schedule{good, dup, missing})
	if err == nil {
		t.Fatal("ValidateSchedules() should fail")
	}
	if !errors.Is(err, syncerr.ErrIntegrity) {
		t.Errorf("error %v should match ErrIntegrity", err)
	}

	var ie *syncerr.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("error %T is not *IntegrityError", err)
	}
	// duplicate day, missing day, missing date, nil items
	if len(ie.Problems) != 4 {
		t.Errorf("got %d problems, want 4: %v", len(ie.Problems), ie.Problems)
	}
}

func TestValidateHabits(t *testing.T) {
	habits := []Habit{
		{ID: "1", Name: "Read"},
		{ID: "1", Name: "Write"},
		{ID: "", Name: " "},
	}
	err := ValidateHabits(habits)
	var ie *syncerr.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("ValidateHabits() error = %v, want *IntegrityError", err)
	}
	if len(ie.Problems) != 3 {
		t.Errorf("got %d problems, want 3: %v", len(ie.Problems), ie.Problems)
	}

	if err := (&Habit{ID: "2", Name: "Walk"}).Validate(); err != nil {
		t.Errorf("Habit.Validate() failed: %v", err)
	}
}

func TestValidateArchivedHabits(t *testing.T) {
	err := ValidateArchivedHabits([]ArchivedHabit{{ID: "1", Name: "Read"}})
	if err == nil || !strings.Contains(err.Error(), "archived_date") {
		t.Errorf("ValidateArchivedHabits() error = %v, want missing archived_date", err)
	}
}

func TestSchedule_LastModified(t *testing.T) {
	created := time.UnixMilli(1000)
	s := Schedule{CreatedAt: created}
	if !s.LastModified().Equal(created) {
		t.Errorf("LastModified() = %v, want created_at", s.LastModified())
	}
	s.UpdatedAt = created.Add(time.Minute)
	if !s.LastModified().Equal(s.UpdatedAt) {
		t.Errorf("LastModified() = %v, want updated_at", s.LastModified())
	}
}

func TestNewSchedule(t *testing.T) {
	day := time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC)
	s := NewSchedule(day)
	if s.DayID != 20240115 {
		t.Errorf("DayID = %d, want 20240115", s.DayID)
	}
	if s.Date != "2024-01-15" || s.Weekday != "Monday" {
		t.Errorf("Date/Weekday = %s/%s", s.Date, s.Weekday)
	}
	if s.Items == nil {
		t.Error("Items should be an empty list, not nil")
	}

	id, err := ParseDayID(s.Key())
	if err != nil || id != s.DayID {
		t.Errorf("ParseDayID(Key()) = %d, %v", id, err)
	}
}

func TestHabit_CloneIsDeep(t *testing.T) {
	h := Habit{ID: "1", Name: "Read", Checkmarks: map[string]bool{"2024-01-15": true}}
	c := h.Clone()
	c.Checkmarks["2024-01-16"] = true
	if len(h.Checkmarks) != 1 {
		t.Error("Clone() shares the checkmark map")
	}
}
