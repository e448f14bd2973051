package remote

import (
	"context"
	"errors"

	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

// ErrNotConfigured is returned by every call on the NotConfigured remote.
var ErrNotConfigured = errors.New("no remote configured")

var (
	_ Remote = (*HTTPClient)(nil)
	_ Remote = (*SQLRemote)(nil)
	_ Remote = notConfigured{}
)

// NotConfigured returns a Remote that is never reachable. Local edits still
// queue; they are delivered once a remote is configured.
func NotConfigured() Remote {
	return notConfigured{}
}

type notConfigured struct{}

func (notConfigured) err(op string) error {
	return &syncerr.TransportError{Op: op, Err: ErrNotConfigured}
}

func (n notConfigured) Apply(context.Context, Request) error {
	return n.err("apply")
}

func (n notConfigured) FetchSchedules(context.Context) ([]schema.Schedule, error) {
	return nil, n.err("fetch schedules")
}

func (n notConfigured) FetchHabits(context.Context) ([]schema.Habit, error) {
	return nil, n.err("fetch habits")
}

func (n notConfigured) FetchArchivedHabits(context.Context) ([]schema.ArchivedHabit, error) {
	return nil, n.err("fetch archived habits")
}

func (n notConfigured) PushSchedules(context.Context, []schema.Schedule) error {
	return n.err("push schedules")
}

func (n notConfigured) SchemaVersion(context.Context) (string, error) {
	return "", n.err("schema version")
}

func (n notConfigured) Ping(context.Context) error {
	return n.err("ping")
}

func (notConfigured) Close() error {
	return nil
}
