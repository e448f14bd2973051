package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/habittrack/habitsync/internal/daemon"
	"github.com/habittrack/habitsync/internal/logging"
	"github.com/habittrack/habitsync/internal/outbox"
	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

type fakeMonitor struct {
	mu        sync.Mutex
	stats     outbox.Stats
	pending   []*schema.MutationRecord
	syncErr   error
	limit     int
	cleanDays int
	woken     []daemon.Condition
	tracker   *daemon.StatusTracker
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		stats:   outbox.Stats{Total: 3, Pending: 2, Delivered: 1},
		pending: []*schema.MutationRecord{{ID: 1, Operation: schema.OpCreate, EntityType: "habit", EntityID: "h1", Status: schema.StatusPending}},
		tracker: daemon.NewStatusTracker(),
	}
}

func (f *fakeMonitor) GetStats(context.Context) (outbox.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeMonitor) GetPendingMutations(_ context.Context, limit int) ([]*schema.MutationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	return f.pending, nil
}

func (f *fakeMonitor) TriggerSync(context.Context) (daemon.Result, error) {
	if f.syncErr != nil {
		return daemon.Result{Attempted: 1, Failed: 1, NeedsSetup: syncerr.IsSchema(f.syncErr)}, f.syncErr
	}
	return daemon.Result{Attempted: 2, Delivered: 2}, nil
}

func (f *fakeMonitor) Cleanup(_ context.Context, days int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanDays = days
	return 4, nil
}

func (f *fakeMonitor) Wake(c daemon.Condition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.woken = append(f.woken, c)
}

func (f *fakeMonitor) CurrentStatus() daemon.Status { return f.tracker.Get() }

func (f *fakeMonitor) SubscribeStatus() (<-chan daemon.Status, func()) { return f.tracker.Subscribe() }

func newTestServer(t *testing.T) (*Server, *fakeMonitor, *httptest.Server) {
	t.Helper()
	server := NewServer(&Config{Port: 0, Logger: logging.Discard()})
	mon := newFakeMonitor()
	NewHandler(server, mon, logging.Discard())
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return server, mon, ts
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestAPI_Stats(t *testing.T) {
	_, mon, ts := newTestServer(t)
	mon.tracker.Set(daemon.StatusPending)

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET /api/stats failed: %v", err)
	}
	var got StatsData
	decode(t, resp, &got)

	if got.Total != 3 || got.Pending != 2 || got.Delivered != 1 || got.Status != daemon.StatusPending {
		t.Errorf("stats = %+v", got)
	}
}

func TestAPI_Pending(t *testing.T) {
	_, mon, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/pending?limit=5")
	if err != nil {
		t.Fatalf("GET /api/pending failed: %v", err)
	}
	var got []schema.MutationRecord
	decode(t, resp, &got)

	if len(got) != 1 || got[0].EntityID != "h1" {
		t.Errorf("pending = %+v", got)
	}
	if mon.limit != 5 {
		t.Errorf("limit = %d, want 5", mon.limit)
	}

	resp, err = http.Get(ts.URL + "/api/pending?limit=lots")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAPI_Sync(t *testing.T) {
	_, mon, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/sync failed: %v", err)
	}
	var got SyncData
	decode(t, resp, &got)
	if resp.StatusCode != http.StatusOK || got.Delivered != 2 {
		t.Errorf("sync = %d %+v", resp.StatusCode, got)
	}

	mon.syncErr = &syncerr.SchemaError{Object: "habits", Err: errors.New("relation \"habits\" does not exist")}
	resp, err = http.Post(ts.URL+"/api/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/sync failed: %v", err)
	}
	decode(t, resp, &got)
	if resp.StatusCode != http.StatusFailedDependency || !got.NeedsSetup || got.Error == "" {
		t.Errorf("sync = %d %+v", resp.StatusCode, got)
	}

	resp, err = http.Get(ts.URL + "/api/sync")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/sync status = %d, want 405", resp.StatusCode)
	}
}

func TestAPI_CleanupAndWake(t *testing.T) {
	_, mon, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/cleanup", "", nil)
	if err != nil {
		t.Fatalf("POST /api/cleanup failed: %v", err)
	}
	var got CleanupData
	decode(t, resp, &got)
	if got.Deleted != 4 || mon.cleanDays != outbox.DefaultRetentionDays {
		t.Errorf("cleanup = %+v days=%d", got, mon.cleanDays)
	}

	resp, err = http.Post(ts.URL+"/api/cleanup?days=30", "", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if mon.cleanDays != 30 {
		t.Errorf("days = %d, want 30", mon.cleanDays)
	}

	resp, err = http.Post(ts.URL+"/api/wake/focus", "", nil)
	if err != nil {
		t.Fatalf("POST /api/wake failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || len(mon.woken) != 1 || mon.woken[0] != daemon.ConditionFocus {
		t.Errorf("wake = %d %v", resp.StatusCode, mon.woken)
	}

	resp, err = http.Post(ts.URL+"/api/wake/lunar", "", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown condition status = %d, want 400", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	var got map[string]any
	decode(t, resp, &got)
	if got["status"] != "ok" || got["sync_status"] != string(daemon.StatusSynced) {
		t.Errorf("health = %v", got)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: logging.Discard()})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" || addr == ":0" {
		t.Fatalf("GetAddr() = %q", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	return msg
}

func TestWebSocket_WelcomeAndStatusBroadcast(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: logging.Discard()})
	mon := newFakeMonitor()
	h := NewHandler(server, mon, logging.Discard())

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.Start(ctx, time.Hour)

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", server.GetAddr()), nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	welcome := readMessage(t, ctx, conn)
	if welcome.Type != MessageTypeStats {
		t.Fatalf("welcome type = %s, want %s", welcome.Type, MessageTypeStats)
	}
	var stats StatsData
	if err := json.Unmarshal(welcome.Data, &stats); err != nil || stats.Total != 3 {
		t.Errorf("welcome stats = %+v (%v)", stats, err)
	}
	if n := server.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}

	mon.tracker.Set(daemon.StatusOffline)
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeStatus)
	}
	var st StatusData
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		t.Fatalf("bad status payload: %v", err)
	}
	if st.Status != daemon.StatusOffline {
		t.Errorf("status = %s, want offline", st.Status)
	}

	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeStats {
		t.Errorf("message type = %s, want stats after status", msg.Type)
	}
}
