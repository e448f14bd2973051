package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/habittrack/habitsync/internal/outbox"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval is the periodic sync interval
	Interval time.Duration

	// CleanupInterval is how often delivered mutations are purged
	CleanupInterval time.Duration

	// RetentionDays is how long delivered mutations are kept
	RetentionDays int

	// SignalDir is watched for signal files; empty disables watching
	SignalDir string

	// Saver, when set, has its pending uploads flushed every Interval
	Saver *Saver

	// Logger for daemon activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:        DefaultInterval,
		CleanupInterval: time.Hour,
		RetentionDays:   outbox.DefaultRetentionDays,
		Logger:          slog.Default(),
	}
}

// Cleaner purges delivered mutations.
type Cleaner interface {
	Cleanup(ctx context.Context, olderThanDays int) (int, error)
}

// Daemon runs the processor, the network monitor, the signal watcher, and
// periodic cleanup until stopped.
type Daemon struct {
	proc    *Processor
	waker   *Waker
	network *NetworkMonitor
	cleaner Cleaner
	config  *Config
	logger  *slog.Logger

	watcher *SignalWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon. network and cleaner may be nil.
//
// Use Start() to begin syncing.
func New(proc *Processor, waker *Waker, network *NetworkMonitor, cleaner Cleaner, config *Config) (*Daemon, error) {
	if proc == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if waker == nil {
		return nil, fmt.Errorf("waker cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		proc:    proc,
		waker:   waker,
		network: network,
		cleaner: cleaner,
		config:  config,
		logger:  config.Logger.With("component", "daemon"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation and blocks until ctx is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting daemon", "interval", d.config.Interval, "signal_dir", d.config.SignalDir)

	if d.config.SignalDir != "" {
		watcher, err := NewSignalWatcher()
		if err != nil {
			return err
		}
		if err := watcher.Start(d.config.SignalDir); err != nil {
			_ = watcher.Stop()
			return err
		}
		d.watcher = watcher
		d.logger.Info("watching for signals", "dir", watcher.Dir())

		d.wg.Add(1)
		go d.watchSignals()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.proc.Run(d.ctx, d.waker, d.config.Interval)
	}()

	if d.network != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.network.Run(d.ctx)
		}()
	}

	if d.cleaner != nil {
		d.wg.Add(1)
		go d.cleanupLoop()
	}

	if d.config.Saver != nil {
		d.wg.Add(1)
		go d.flushLoop()
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.logger.Info("stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn("error closing watcher", "error", err)
		}
	}

	d.wg.Wait()

	d.logger.Info("daemon stopped")
	return nil
}

// HandleSignal applies one signal. Online and offline update the network
// state; every other signal wakes the processor.
func (d *Daemon) HandleSignal(name string) {
	switch {
	case name == SignalOffline:
		if d.network != nil {
			d.network.SetOnline(false)
		}
	case name == string(ConditionOnline) && d.network != nil:
		d.network.SetOnline(true)
		// Already online: still honor the request
		d.waker.Notify(ConditionOnline)
	case Condition(name).Valid():
		d.waker.Notify(Condition(name))
	default:
		d.logger.Warn("ignoring unknown signal", "name", name)
	}
}

func (d *Daemon) watchSignals() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case sig, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.logger.Debug("signal received", "name", sig.Name)
			d.HandleSignal(sig.Name)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("watcher error", "error", err)
		}
	}
}

func (d *Daemon) cleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if _, err := d.cleaner.Cleanup(d.ctx, d.config.RetentionDays); err != nil {
				d.logger.Warn("error cleaning up outbox", "error", err)
			}
		}
	}
}

func (d *Daemon) flushLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		d.flushPending()

		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// flushPending uploads edits left over by the debounced save path, for
// example by a process that exited inside the quiet period.
func (d *Daemon) flushPending() {
	s := d.config.Saver
	if len(s.Pending()) == 0 {
		return
	}
	if d.network != nil && !d.network.Online() {
		return
	}
	if err := s.Flush(d.ctx); err != nil {
		d.logger.Warn("error flushing pending uploads", "error", err)
	}
}
