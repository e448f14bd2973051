package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SignalOffline is a signal file that marks the remote unreachable. It is
// not a wake condition.
const SignalOffline = "offline"

// Signal is a signal file written to the watched directory.
type Signal struct {
	// Name is the file name: a Condition or SignalOffline.
	Name string
	// Path is the absolute path to the file.
	Path string
}

// ValidSignal returns true if name is a recognized signal file name.
func ValidSignal(name string) bool {
	return name == SignalOffline || Condition(name).Valid()
}

// WriteSignal touches the signal file name in dir, creating dir if needed.
func WriteSignal(dir, name string) error {
	if !ValidSignal(name) {
		return fmt.Errorf("unknown signal %q", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create signal directory: %w", err)
	}
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(stamp), 0644); err != nil {
		return fmt.Errorf("failed to write signal %s: %w", name, err)
	}
	return nil
}

// SignalFileWaker implements outbox.BackgroundWaker by writing the
// background signal for a daemon watching dir.
type SignalFileWaker struct {
	Dir string
}

// SupportsBackgroundWake returns true when a signal directory is set.
func (w SignalFileWaker) SupportsBackgroundWake() bool {
	return w.Dir != ""
}

// RequestBackgroundWake writes the background signal.
func (w SignalFileWaker) RequestBackgroundWake(ctx context.Context) error {
	if w.Dir == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return WriteSignal(w.Dir, string(ConditionBackground))
}

// SignalWatcher watches a signal directory for signal files.
// It uses fsnotify for cross-platform file system event monitoring.
type SignalWatcher struct {
	watcher *fsnotify.Watcher
	events  chan Signal
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	closed  bool
	dir     string
}

// NewSignalWatcher creates a new SignalWatcher instance.
// The watcher must be started with Start() before it will emit signals.
func NewSignalWatcher() (*SignalWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &SignalWatcher{
		watcher: watcher,
		events:  make(chan Signal, 16),
		errors:  make(chan error, 4),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir, creating it if needed.
func (sw *SignalWatcher) Start(dir string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}
	if sw.closed {
		return fmt.Errorf("watcher stopped")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create signal directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve signal directory: %w", err)
	}
	if err := sw.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch signal directory %s: %w", abs, err)
	}

	sw.dir = abs
	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()

	return nil
}

// Stop stops watching and blocks until the event goroutine has exited. It
// also releases a watcher whose Start failed or was never called.
func (sw *SignalWatcher) Stop() error {
	sw.mu.Lock()
	if sw.closed {
		sw.mu.Unlock()
		return nil
	}
	sw.closed = true
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)
	err := sw.watcher.Close()

	sw.wg.Wait()

	close(sw.events)
	close(sw.errors)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events returns the channel that emits signals.
// This channel is closed when the watcher is stopped.
func (sw *SignalWatcher) Events() <-chan Signal {
	return sw.events
}

// Errors returns the channel that emits watcher errors.
// This channel is closed when the watcher is stopped.
func (sw *SignalWatcher) Errors() <-chan error {
	return sw.errors
}

// Dir returns the watched directory.
func (sw *SignalWatcher) Dir() string {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.dir
}

func (sw *SignalWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}

			if sig, ok := sw.convertEvent(event); ok {
				select {
				case sw.events <- sig:
				case <-sw.done:
					return
				}
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case sw.errors <- err:
			case <-sw.done:
				return
			}
		}
	}
}

// convertEvent maps a create or write of a known signal file to a Signal.
func (sw *SignalWatcher) convertEvent(event fsnotify.Event) (Signal, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return Signal{}, false
	}

	name := filepath.Base(event.Name)
	if !ValidSignal(name) {
		return Signal{}, false
	}

	return Signal{Name: name, Path: event.Name}, true
}
