package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/habittrack/habitsync/internal/clock"
	"github.com/habittrack/habitsync/internal/db"
	"github.com/habittrack/habitsync/internal/outbox"
	"github.com/habittrack/habitsync/internal/remote"
	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

var epoch = time.UnixMilli(1_700_000_000_000).UTC()

func newTestOutbox(t *testing.T, c clock.Clock) *outbox.Outbox {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "habitsync.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return outbox.New(database, outbox.Options{Clock: c})
}

// fakeApplier fails each mutation a configured number of times, then
// succeeds.
type fakeApplier struct {
	mu       sync.Mutex
	calls    []remote.Request
	failures map[int64]int
	err      error
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{
		failures: make(map[int64]int),
		err:      &syncerr.TransportError{Op: "apply", StatusCode: 503, Err: errors.New("unavailable")},
	}
}

func (f *fakeApplier) Apply(_ context.Context, req remote.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.failures[req.MutationID] > 0 {
		f.failures[req.MutationID]--
		return f.err
	}
	return nil
}

func (f *fakeApplier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func addHabit(t *testing.T, ob *outbox.Outbox, id string) int64 {
	t.Helper()
	mid, err := ob.AddMutation(context.Background(), schema.OpCreate, schema.EntityHabit, id, map[string]any{"name": "Read"})
	if err != nil {
		t.Fatalf("AddMutation() failed: %v", err)
	}
	return mid
}

func TestTriggerSync_OfflineThenOnline(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(epoch)
	ob := newTestOutbox(t, fake)
	applier := newFakeApplier()
	waker := NewWaker()
	network := NewNetworkMonitor(nil, NetworkOptions{Offline: true, Waker: waker})

	tracker := NewStatusTracker()
	proc := NewProcessor(ob, applier, ProcessorOptions{
		ClientID:     "client-a",
		Connectivity: network,
		OnStatus:     tracker.Set,
	})

	id := addHabit(t, ob, "h1")
	rec, err := ob.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Status != schema.StatusPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}

	res, err := proc.TriggerSync(ctx)
	if err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	if res.Skipped != SkipOffline {
		t.Fatalf("Skipped = %q, want offline", res.Skipped)
	}
	if tracker.Get() != StatusOffline {
		t.Errorf("status = %s, want offline", tracker.Get())
	}
	if applier.callCount() != 0 {
		t.Fatalf("applier called while offline")
	}

	network.SetOnline(true)
	select {
	case c := <-waker.C():
		if c != ConditionOnline {
			t.Fatalf("wake condition = %s, want online", c)
		}
	default:
		t.Fatal("going online did not wake the processor")
	}

	res, err = proc.TriggerSync(ctx)
	if err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	if res.Delivered != 1 {
		t.Fatalf("Delivered = %d, want 1", res.Delivered)
	}

	stats, err := ob.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() failed: %v", err)
	}
	want := outbox.Stats{Total: 1, Pending: 0, Failed: 0, Delivered: 1}
	if stats != want {
		t.Errorf("GetStats() = %+v, want %+v", stats, want)
	}
	if tracker.Get() != StatusSynced {
		t.Errorf("status = %s, want synced", tracker.Get())
	}

	req := applier.calls[0]
	if req.IdempotencyKey() != "client-a:1" {
		t.Errorf("IdempotencyKey() = %q", req.IdempotencyKey())
	}
}

func TestTriggerSync_RetriesUntilDelivered(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(epoch)
	ob := newTestOutbox(t, fake)
	applier := newFakeApplier()
	proc := NewProcessor(ob, applier, ProcessorOptions{})

	id := addHabit(t, ob, "h1")
	applier.failures[id] = 2

	// First attempt fails; retry due in 2s
	res, err := proc.TriggerSync(ctx)
	if err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	if res.Failed != 1 || res.Err == nil {
		t.Fatalf("first pass = %+v, want one failure", res)
	}

	// Not due yet
	res, _ = proc.TriggerSync(ctx)
	if res.Attempted != 0 {
		t.Fatalf("attempted %d records before nextRetryAt", res.Attempted)
	}

	fake.Advance(2 * time.Second)
	res, _ = proc.TriggerSync(ctx)
	if res.Failed != 1 {
		t.Fatalf("second pass = %+v, want one failure", res)
	}

	rec, _ := ob.Get(ctx, id)
	if got := rec.NextRetryAt.Sub(fake.Now()); got != 4*time.Second {
		t.Fatalf("backoff after 2 failures = %v, want 4s", got)
	}

	fake.Advance(4 * time.Second)
	res, _ = proc.TriggerSync(ctx)
	if res.Delivered != 1 {
		t.Fatalf("third pass = %+v, want delivery", res)
	}

	rec, err = ob.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Status != schema.StatusDelivered {
		t.Errorf("status = %s, want delivered", rec.Status)
	}
	if rec.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", rec.RetryCount)
	}
	if applier.callCount() != 3 {
		t.Errorf("apply calls = %d, want 3", applier.callCount())
	}
}

func TestTriggerSync_ContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	ob := newTestOutbox(t, clock.NewFake(epoch))
	applier := newFakeApplier()
	tracker := NewStatusTracker()
	proc := NewProcessor(ob, applier, ProcessorOptions{OnStatus: tracker.Set})

	addHabit(t, ob, "h1")
	bad := addHabit(t, ob, "h2")
	addHabit(t, ob, "h3")
	applier.failures[bad] = 1

	res, err := proc.TriggerSync(ctx)
	if err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	if res.Attempted != 3 || res.Delivered != 2 || res.Failed != 1 {
		t.Errorf("result = %+v, want 3 attempted, 2 delivered, 1 failed", res)
	}
	if !errors.Is(res.Err, applier.err) {
		t.Errorf("Result.Err = %v, want the transport error", res.Err)
	}
	if tracker.Get() != StatusError {
		t.Errorf("status = %s, want error", tracker.Get())
	}

	// Delivery order follows ids
	for i, want := range []string{"h1", "h2", "h3"} {
		if applier.calls[i].EntityID != want {
			t.Errorf("call %d = %s, want %s", i, applier.calls[i].EntityID, want)
		}
	}
}

func TestTriggerSync_SchemaErrorStopsPass(t *testing.T) {
	ctx := context.Background()
	ob := newTestOutbox(t, clock.NewFake(epoch))
	applier := newFakeApplier()
	applier.err = &syncerr.SchemaError{Object: "habits", Err: errors.New("relation \"habits\" does not exist")}
	tracker := NewStatusTracker()
	proc := NewProcessor(ob, applier, ProcessorOptions{OnStatus: tracker.Set})

	first := addHabit(t, ob, "h1")
	addHabit(t, ob, "h2")
	applier.failures[first] = 1

	res, err := proc.TriggerSync(ctx)
	if !errors.Is(err, syncerr.ErrNeedsSetup) {
		t.Fatalf("TriggerSync() error = %v, want ErrNeedsSetup", err)
	}
	if !res.NeedsSetup || res.Attempted != 1 {
		t.Errorf("result = %+v, want one attempt and NeedsSetup", res)
	}
	if tracker.Get() != StatusNeedsSetup {
		t.Errorf("status = %s, want needs_setup", tracker.Get())
	}

	stats, _ := ob.GetStats(ctx)
	if stats.Failed != 1 || stats.Pending != 1 {
		t.Errorf("stats = %+v, want 1 failed and 1 pending", stats)
	}
}

func TestTriggerSync_SkipsWhileProcessing(t *testing.T) {
	ctx := context.Background()
	ob := newTestOutbox(t, clock.NewFake(epoch))

	entered := make(chan struct{})
	release := make(chan struct{})
	applier := remote.ApplierFunc(func(context.Context, remote.Request) error {
		close(entered)
		<-release
		return nil
	})
	proc := NewProcessor(ob, applier, ProcessorOptions{})
	addHabit(t, ob, "h1")

	done := make(chan Result, 1)
	go func() {
		res, _ := proc.TriggerSync(ctx)
		done <- res
	}()

	<-entered
	res, err := proc.TriggerSync(ctx)
	if err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	if res.Skipped != SkipBusy {
		t.Errorf("Skipped = %q, want busy", res.Skipped)
	}

	close(release)
	if first := <-done; first.Delivered != 1 {
		t.Errorf("first pass = %+v, want one delivery", first)
	}
	if proc.Processing() {
		t.Error("guard still set after pass")
	}
}

func TestTriggerSync_GuardClearedOnPanic(t *testing.T) {
	ob := newTestOutbox(t, clock.NewFake(epoch))
	proc := NewProcessor(ob, remote.ApplierFunc(func(context.Context, remote.Request) error {
		panic("boom")
	}), ProcessorOptions{})
	addHabit(t, ob, "h1")

	func() {
		defer func() { _ = recover() }()
		_, _ = proc.TriggerSync(context.Background())
	}()

	if proc.Processing() {
		t.Error("guard still set after panic")
	}
}

func TestTriggerSync_RedeliveryAfterLostAck(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(epoch)
	ob := newTestOutbox(t, fake)

	store, err := remote.OpenSQLite(filepath.Join(t.TempDir(), "remote.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	// The first delivery is applied but its acknowledgement is lost
	var lost bool
	applier := remote.ApplierFunc(func(ctx context.Context, req remote.Request) error {
		if err := store.Apply(ctx, req); err != nil {
			return err
		}
		if !lost {
			lost = true
			return &syncerr.TransportError{Op: "apply", Err: errors.New("connection reset")}
		}
		return nil
	})
	proc := NewProcessor(ob, applier, ProcessorOptions{ClientID: "client-a"})

	habit := schema.Habit{ID: "h1", Name: "Read", Checkmarks: map[string]bool{}, CreatedAt: epoch}
	id, err := ob.AddMutation(ctx, schema.OpCreate, schema.EntityHabit, habit.ID, habit)
	if err != nil {
		t.Fatalf("AddMutation() failed: %v", err)
	}
	if _, err := ob.AddMutation(ctx, schema.OpDelete, schema.EntityHabit, habit.ID, nil); err != nil {
		t.Fatalf("AddMutation() failed: %v", err)
	}

	// Create fails (lost ack), delete succeeds
	if _, err := proc.TriggerSync(ctx); err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}

	fake.Advance(time.Minute)
	if _, err := proc.TriggerSync(ctx); err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}

	rec, _ := ob.Get(ctx, id)
	if rec.Status != schema.StatusDelivered {
		t.Fatalf("create status = %s, want delivered", rec.Status)
	}

	habits, err := store.FetchHabits(ctx)
	if err != nil {
		t.Fatalf("FetchHabits() failed: %v", err)
	}
	if len(habits) != 0 {
		t.Errorf("redelivered create resurrected the habit: %+v", habits)
	}
}

func TestDrain_FollowsFullPages(t *testing.T) {
	ctx := context.Background()
	ob := newTestOutbox(t, clock.NewFake(epoch))
	applier := newFakeApplier()
	proc := NewProcessor(ob, applier, ProcessorOptions{PageSize: 2})

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		addHabit(t, ob, id)
	}

	proc.drain(ctx, ConditionManual)

	stats, _ := ob.GetStats(ctx)
	if stats.Delivered != 5 {
		t.Errorf("delivered = %d, want 5", stats.Delivered)
	}
	if proc.Passes() != 3 {
		t.Errorf("passes = %d, want 3", proc.Passes())
	}
}

func TestRun_WakesOnMutation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ob := newTestOutbox(t, clock.Real{})
	waker := NewWaker()
	ob.SetNotifier(waker)
	applier := newFakeApplier()
	proc := NewProcessor(ob, applier, ProcessorOptions{})

	done := make(chan struct{})
	go func() {
		proc.Run(ctx, waker, time.Hour)
		close(done)
	}()

	addHabit(t, ob, "h1")

	deadline := time.Now().Add(5 * time.Second)
	for applier.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("mutation was not delivered after wake")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if waker.Count(ConditionMutation) != 1 {
		t.Errorf("mutation wakes = %d, want 1", waker.Count(ConditionMutation))
	}

	cancel()
	<-done
}
