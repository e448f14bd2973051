package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

var ts = time.UnixMilli(1_700_000_000_000).UTC()

func habitRequest(id int64, op schema.Operation, habitID string) Request {
	payload, _ := json.Marshal(schema.Habit{ID: habitID, Name: "Read", Checkmarks: map[string]bool{}, CreatedAt: ts})
	if op == schema.OpDelete {
		payload = nil
	}
	return Request{
		MutationID:      id,
		ClientID:        "client-a",
		Operation:       op,
		EntityType:      schema.EntityHabit,
		EntityID:        habitID,
		Payload:         payload,
		ClientTimestamp: ts,
	}
}

// ===== Router =====

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter()
	var got []string
	r.Handle(schema.EntityHabit, ApplierFunc(func(_ context.Context, req Request) error {
		got = append(got, req.EntityID)
		return nil
	}))

	require.NoError(t, r.Apply(context.Background(), habitRequest(1, schema.OpCreate, "h1")))
	assert.Equal(t, []string{"h1"}, got)
	assert.Equal(t, []string{schema.EntityHabit}, r.EntityTypes())
}

func TestRouter_UnknownEntity(t *testing.T) {
	r := NewRouter()
	req := habitRequest(1, schema.OpCreate, "h1")
	req.EntityType = "goal"

	err := r.Apply(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrUnknownEntity)
	assert.True(t, syncerr.IsRetryable(err), "unknown entities are retried, never dropped")
}

func TestRouter_InvalidOperation(t *testing.T) {
	r := NewRouter()
	r.Handle(schema.EntityHabit, ApplierFunc(func(context.Context, Request) error { return nil }))
	req := habitRequest(1, "merge", "h1")
	assert.Error(t, r.Apply(context.Background(), req))
}

func TestRequest_IdempotencyKey(t *testing.T) {
	m := &schema.MutationRecord{ID: 42, Operation: schema.OpUpdate, EntityType: schema.EntityHabit, EntityID: "h1", Timestamp: ts}
	req := RequestFor("client-a", m)
	assert.Equal(t, "client-a:42", req.IdempotencyKey())
	assert.Equal(t, ts, req.ClientTimestamp)
}

// ===== Routes =====

func TestRoutes_Lookup(t *testing.T) {
	routes := DefaultRoutes()

	tests := []struct {
		entity string
		op     schema.Operation
		want   string
	}{
		{schema.EntityHabit, schema.OpCreate, "upsert_habit_mutation"},
		{schema.EntityHabit, schema.OpUpdate, "upsert_habit_mutation"},
		{schema.EntityHabit, schema.OpDelete, "delete_habit_mutation"},
		{schema.EntityArchivedHabit, schema.OpCreate, "upsert_archived_habit_mutation"},
		{schema.EntityArchivedHabit, schema.OpDelete, "delete_archived_habit_mutation"},
		{schema.EntitySchedule, schema.OpUpdate, "upsert_schedule_mutation"},
		{schema.EntitySchedule, schema.OpDelete, "delete_schedule_mutation"},
	}
	for _, tt := range tests {
		t.Run(tt.entity+"/"+string(tt.op), func(t *testing.T) {
			_, rpc, err := routes.Lookup(tt.entity, tt.op)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rpc)
		})
	}

	_, _, err := routes.Lookup("goal", schema.OpCreate)
	assert.ErrorIs(t, err, syncerr.ErrUnknownEntity)
}

func TestLoadRoutes_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[entities.habit]
upsert = "upsert_habit_v2"

[entities.goal]
upsert = "upsert_goal"
delete = "delete_goal"
id_param = "goal_id"
data_param = "goal_data"
`), 0o644))

	routes, err := LoadRoutes(path)
	require.NoError(t, err)

	habit := routes.Entities[schema.EntityHabit]
	assert.Equal(t, "upsert_habit_v2", habit.Upsert)
	assert.Equal(t, "delete_habit_mutation", habit.Delete, "unset fields keep defaults")
	assert.Equal(t, "goal_id", routes.Entities["goal"].IDParam)
}

func TestLoadRoutes_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.toml")
	require.NoError(t, os.WriteFile(path, []byte("[entities.goal]\nupsert = \"x\"\n"), 0o644))

	_, err := LoadRoutes(path)
	assert.Error(t, err)

	_, err = LoadRoutes(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestCheckSchemaVersion(t *testing.T) {
	assert.NoError(t, CheckSchemaVersion("v1.0.0"))
	assert.NoError(t, CheckSchemaVersion("v1.4.2"))

	for _, v := range []string{"", "1.0.0", "v2.0.0", "v0.9.0"} {
		err := CheckSchemaVersion(v)
		assert.ErrorIs(t, err, syncerr.ErrNeedsSetup, "version %q", v)
	}
}

// ===== HTTPClient =====

type rpcCall struct {
	Path string
	Key  string
	Auth string
	Body map[string]any
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, call rpcCall)) (*HTTPClient, *[]rpcCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []rpcCall

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := rpcCall{Path: r.URL.Path, Key: r.Header.Get("Idempotency-Key"), Auth: r.Header.Get("Authorization")}
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			if len(data) > 0 {
				_ = json.Unmarshal(data, &call.Body)
			}
		}
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()
		handler(w, call)
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/", Token: "tok", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c, &calls
}

func TestHTTPClient_Apply(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, _ rpcCall) {
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.Apply(context.Background(), habitRequest(7, schema.OpCreate, "h1")))
	require.Len(t, *calls, 1)

	call := (*calls)[0]
	assert.Equal(t, "/rpc/upsert_habit_mutation", call.Path)
	assert.Equal(t, "client-a:7", call.Key)
	assert.Equal(t, "Bearer tok", call.Auth)
	assert.Equal(t, float64(7), call.Body["mutation_id"])
	assert.Equal(t, "create", call.Body["operation"])
	assert.Equal(t, "h1", call.Body["habit_id"])
	assert.Equal(t, float64(ts.UnixMilli()), call.Body["client_timestamp"])
	data, ok := call.Body["habit_data"].(map[string]any)
	require.True(t, ok, "payload sent as JSON object")
	assert.Equal(t, "Read", data["name"])
}

func TestHTTPClient_ApplyDelete(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, _ rpcCall) {
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.Apply(context.Background(), habitRequest(8, schema.OpDelete, "h1")))
	call := (*calls)[0]
	assert.Equal(t, "/rpc/delete_habit_mutation", call.Path)
	_, hasData := call.Body["habit_data"]
	assert.False(t, hasData)
}

func TestHTTPClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantSchema bool
	}{
		{"not found", http.StatusNotFound, "", true},
		{"failed dependency", http.StatusFailedDependency, "", true},
		{"missing relation", http.StatusBadRequest, `{"code":"42P01","message":"relation \"habits\" does not exist"}`, true},
		{"missing function", http.StatusBadRequest, `Could not find the function upsert_habit_mutation`, true},
		{"server error", http.StatusInternalServerError, "boom", false},
		{"conflict", http.StatusConflict, "busy", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestServer(t, func(w http.ResponseWriter, _ rpcCall) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			err := c.Apply(context.Background(), habitRequest(1, schema.OpUpdate, "h1"))
			require.Error(t, err)
			assert.Equal(t, tt.wantSchema, syncerr.IsSchema(err))
			assert.True(t, syncerr.IsRetryable(err))

			if !tt.wantSchema {
				var te *syncerr.TransportError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, tt.status, te.StatusCode)
			}
		})
	}
}

func TestHTTPClient_NetworkError(t *testing.T) {
	c, err := NewHTTPClient(HTTPConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	require.NoError(t, err)

	err = c.Ping(context.Background())
	var te *syncerr.TransportError
	require.True(t, errors.As(err, &te))
	assert.Zero(t, te.StatusCode)
}

func TestHTTPClient_Collections(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, call rpcCall) {
		switch call.Path {
		case "/collections/schedules":
			if call.Body == nil {
				_ = json.NewEncoder(w).Encode([]schema.Schedule{schema.NewSchedule(ts)})
			}
		case "/collections/habits":
			_ = json.NewEncoder(w).Encode([]schema.Habit{{ID: "h1", Name: "Read"}})
		case "/collections/archived_habits":
			_, _ = w.Write([]byte("[]"))
		case "/meta":
			_, _ = w.Write([]byte(`{"schema_version":"v1.2.0"}`))
		case "/health":
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	schedules, err := c.FetchSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, schema.DayIDFor(ts), schedules[0].DayID)

	habits, err := c.FetchHabits(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Read", habits[0].Name)

	archived, err := c.FetchArchivedHabits(ctx)
	require.NoError(t, err)
	assert.Empty(t, archived)

	v, err := c.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", v)

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.PushSchedules(ctx, schedules))
	assert.Equal(t, "/collections/schedules", (*calls)[len(*calls)-1].Path)
	require.NoError(t, c.Close())
}

func TestNewHTTPClient_RequiresURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{})
	assert.Error(t, err)
}

// ===== SQLRemote =====

func openTestRemote(t *testing.T) *SQLRemote {
	t.Helper()
	r, err := OpenSQLite(filepath.Join(t.TempDir(), "remote.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestSQLRemote_MissingSchema(t *testing.T) {
	r := openTestRemote(t)

	err := r.Apply(context.Background(), habitRequest(1, schema.OpCreate, "h1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrNeedsSetup)

	_, err = r.FetchHabits(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrNeedsSetup)
}

func TestSQLRemote_ApplyAndFetch(t *testing.T) {
	r := openTestRemote(t)
	ctx := context.Background()
	require.NoError(t, r.InitSchema(ctx))
	require.NoError(t, r.InitSchema(ctx), "InitSchema is idempotent")

	v, err := r.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.NoError(t, CheckSchemaVersion(v))

	require.NoError(t, r.Apply(ctx, habitRequest(1, schema.OpCreate, "h1")))
	require.NoError(t, r.Apply(ctx, habitRequest(2, schema.OpCreate, "h2")))
	require.NoError(t, r.Apply(ctx, habitRequest(3, schema.OpDelete, "h2")))

	habits, err := r.FetchHabits(ctx)
	require.NoError(t, err)
	require.Len(t, habits, 1)
	assert.Equal(t, "h1", habits[0].ID)
}

func TestSQLRemote_RedeliveryIsNoOp(t *testing.T) {
	r := openTestRemote(t)
	ctx := context.Background()
	require.NoError(t, r.InitSchema(ctx))

	create := habitRequest(1, schema.OpCreate, "h1")
	require.NoError(t, r.Apply(ctx, create))
	require.NoError(t, r.Apply(ctx, habitRequest(2, schema.OpDelete, "h1")))

	// A lost acknowledgement makes the client resend mutation 1. It must not
	// resurrect the deleted habit.
	require.NoError(t, r.Apply(ctx, create))

	habits, err := r.FetchHabits(ctx)
	require.NoError(t, err)
	assert.Empty(t, habits)

	// The same mutation id from another client is a different delivery
	other := create
	other.ClientID = "client-b"
	require.NoError(t, r.Apply(ctx, other))
	habits, err = r.FetchHabits(ctx)
	require.NoError(t, err)
	assert.Len(t, habits, 1)
}

func TestSQLRemote_FailedApplyIsNotRecorded(t *testing.T) {
	r := openTestRemote(t)
	ctx := context.Background()
	require.NoError(t, r.InitSchema(ctx))

	bad := habitRequest(1, schema.OpCreate, "h1")
	bad.Payload = nil
	require.ErrorIs(t, r.Apply(ctx, bad), syncerr.ErrIntegrity)

	// The retry with a valid payload is applied, not skipped
	require.NoError(t, r.Apply(ctx, habitRequest(1, schema.OpCreate, "h1")))
	habits, err := r.FetchHabits(ctx)
	require.NoError(t, err)
	assert.Len(t, habits, 1)
}

func TestSQLRemote_PushSchedules(t *testing.T) {
	r := openTestRemote(t)
	ctx := context.Background()
	require.NoError(t, r.InitSchema(ctx))

	s := schema.NewSchedule(ts)
	s.Items = []schema.ScheduleItem{{Time: "09:00", Task: "Run"}}
	require.NoError(t, r.PushSchedules(ctx, []schema.Schedule{s}))

	s.Items[0].Task = "Swim"
	require.NoError(t, r.PushSchedules(ctx, []schema.Schedule{s}))

	got, err := r.FetchSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Swim", got[0].Items[0].Task)
	require.NoError(t, r.Ping(ctx))
}

func TestNotConfigured(t *testing.T) {
	r := NotConfigured()
	err := r.Apply(context.Background(), habitRequest(1, schema.OpCreate, "h1"))
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.True(t, syncerr.IsRetryable(err))
	assert.False(t, syncerr.IsSchema(err))
	assert.Error(t, r.Ping(context.Background()))
	assert.NoError(t, r.Close())
}
