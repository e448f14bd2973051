package schema

import (
	"maps"
	"time"
)

// Habit is a tracked habit with its daily checkmarks.
type Habit struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Color        string          `json:"color,omitempty"`
	Checkmarks   map[string]bool `json:"checkmarks"` // ISO date -> done
	WeeklyTarget int             `json:"weekly_target,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
	Source       Source          `json:"source,omitempty"`
}

// LastModified returns UpdatedAt, falling back to CreatedAt.
func (h *Habit) LastModified() time.Time {
	if !h.UpdatedAt.IsZero() {
		return h.UpdatedAt
	}
	return h.CreatedAt
}

// Clone returns a deep copy.
func (h Habit) Clone() Habit {
	h.Checkmarks = maps.Clone(h.Checkmarks)
	if h.Checkmarks == nil {
		h.Checkmarks = map[string]bool{}
	}
	return h
}

// ArchivedHabit is a habit moved out of the active list, with its streaks
// frozen at archive time.
type ArchivedHabit struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Color         string    `json:"color,omitempty"`
	ArchivedDate  string    `json:"archived_date"`
	Streak        int       `json:"streak"`
	LongestStreak int       `json:"longest_streak"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
	Source        Source    `json:"source,omitempty"`
}

// LastModified returns UpdatedAt.
func (a *ArchivedHabit) LastModified() time.Time {
	return a.UpdatedAt
}

// Restore turns a back into an active habit with no checkmarks.
func (a *ArchivedHabit) Restore(at time.Time) Habit {
	return Habit{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		Color:       a.Color,
		Checkmarks:  map[string]bool{},
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// Archive freezes h into an ArchivedHabit. Streak arithmetic is left to the
// caller; only the stored values are carried over.
func (h *Habit) Archive(at time.Time, streak, longest int) ArchivedHabit {
	return ArchivedHabit{
		ID:            h.ID,
		Name:          h.Name,
		Description:   h.Description,
		Color:         h.Color,
		ArchivedDate:  at.Format("2006-01-02"),
		Streak:        streak,
		LongestStreak: longest,
		UpdatedAt:     at,
	}
}
