package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/habittrack/habitsync/internal/clock"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, NewWaker(), nil, nil, nil); err == nil {
		t.Error("expected error for nil processor")
	}
	proc := NewProcessor(nil, nil, ProcessorOptions{})
	if _, err := New(proc, nil, nil, nil, nil); err == nil {
		t.Error("expected error for nil waker")
	}
}

func TestDaemon_SignalsWakeProcessor(t *testing.T) {
	ob := newTestOutbox(t, clock.Real{})
	applier := newFakeApplier()
	waker := NewWaker()
	network := NewNetworkMonitor(nil, NetworkOptions{Offline: true, Waker: waker})
	proc := NewProcessor(ob, applier, ProcessorOptions{Connectivity: network})

	signalDir := filepath.Join(t.TempDir(), "signals")
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	cfg.SignalDir = signalDir

	d, err := New(proc, waker, network, ob, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	addHabit(t, ob, "h1")

	// Offline: nothing is delivered until the online signal arrives
	time.Sleep(100 * time.Millisecond)
	if applier.callCount() != 0 {
		t.Fatal("delivered while offline")
	}

	deadline := time.Now().Add(5 * time.Second)
	for applier.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("online signal did not trigger delivery")
		}
		// Rewrite until the watcher is up
		if err := WriteSignal(signalDir, string(ConditionOnline)); err != nil {
			t.Fatalf("WriteSignal() failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if !network.Online() {
		t.Error("online signal did not update connectivity")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_HandleSignal(t *testing.T) {
	waker := NewWaker()
	network := NewNetworkMonitor(nil, NetworkOptions{Waker: waker})
	proc := NewProcessor(nil, nil, ProcessorOptions{})
	d, err := New(proc, waker, network, nil, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	d.HandleSignal(SignalOffline)
	if network.Online() {
		t.Error("offline signal ignored")
	}
	d.HandleSignal(string(ConditionFocus))
	if waker.Count(ConditionFocus) != 1 {
		t.Error("focus signal did not wake")
	}
	d.HandleSignal("bogus")
}

func TestDaemon_StartFailsOnBadSignalDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.SignalDir = filepath.Join(file, "signals")
	d, err := New(NewProcessor(nil, nil, ProcessorOptions{}), NewWaker(), nil, nil, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := d.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when the signal directory cannot be created")
	}
	if d.watcher != nil {
		t.Error("failed watcher was kept")
	}
}

func TestDaemon_FlushesRestoredUploads(t *testing.T) {
	ob := newTestOutbox(t, clock.Real{})
	waker := NewWaker()
	proc := NewProcessor(ob, newFakeApplier(), ProcessorOptions{})

	up := &recordingUpload{}
	saver, err := NewSaver(SaverOptions{Delay: time.Hour, Upload: up.upload})
	if err != nil {
		t.Fatalf("NewSaver() failed: %v", err)
	}
	t.Cleanup(saver.Close)
	saver.Restore([]string{"20240115"})

	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	cfg.Saver = saver
	d, err := New(proc, waker, nil, nil, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(saver.Pending()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("restored uploads were not flushed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if up.count() != 1 {
		t.Errorf("uploads = %d, want 1", up.count())
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_FlushWaitsForNetwork(t *testing.T) {
	waker := NewWaker()
	network := NewNetworkMonitor(nil, NetworkOptions{Offline: true, Waker: waker})
	up := &recordingUpload{}
	saver, err := NewSaver(SaverOptions{Delay: time.Hour, Upload: up.upload})
	if err != nil {
		t.Fatalf("NewSaver() failed: %v", err)
	}
	t.Cleanup(saver.Close)
	saver.Restore([]string{"20240115"})

	cfg := DefaultConfig()
	cfg.Saver = saver
	d, err := New(NewProcessor(nil, nil, ProcessorOptions{}), waker, network, nil, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	d.flushPending()
	if up.count() != 0 {
		t.Fatal("flushed while offline")
	}

	network.SetOnline(true)
	d.flushPending()
	if up.count() != 1 || len(saver.Pending()) != 0 {
		t.Errorf("uploads = %d, pending = %v", up.count(), saver.Pending())
	}
}
