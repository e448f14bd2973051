package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultProbeInterval is how often the network monitor probes the remote.
const DefaultProbeInterval = 10 * time.Second

// Probe checks whether the remote is reachable.
type Probe func(ctx context.Context) error

// NetworkOptions configures a NetworkMonitor.
type NetworkOptions struct {
	// Interval between probes (default: DefaultProbeInterval)
	Interval time.Duration
	// Waker receives ConditionOnline on every offline to online transition
	Waker *Waker
	// Offline starts the monitor offline until the first successful probe
	Offline bool
	// OnChange is called on every transition
	OnChange func(online bool)
	Logger   *slog.Logger
}

// NetworkMonitor tracks remote reachability. It implements Connectivity.
type NetworkMonitor struct {
	probe    Probe
	interval time.Duration
	waker    *Waker
	onChange func(bool)
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
}

// NewNetworkMonitor creates a monitor. A nil probe makes Check a no-op, so
// only SetOnline changes the state.
func NewNetworkMonitor(probe Probe, opts NetworkOptions) *NetworkMonitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultProbeInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &NetworkMonitor{
		probe:    probe,
		interval: opts.Interval,
		waker:    opts.Waker,
		onChange: opts.OnChange,
		logger:   opts.Logger.With("component", "network"),
		online:   !opts.Offline,
	}
}

// Online implements Connectivity.
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the reachability state. Going from offline to online
// wakes the processor.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}

	if online {
		m.logger.Info("remote reachable")
		if m.waker != nil {
			m.waker.Notify(ConditionOnline)
		}
	} else {
		m.logger.Warn("remote unreachable")
	}
	if m.onChange != nil {
		m.onChange(online)
	}
}

// Check runs the probe once and updates the state.
func (m *NetworkMonitor) Check(ctx context.Context) bool {
	if m.probe == nil {
		return m.Online()
	}

	err := m.probe(ctx)
	if err != nil {
		m.logger.Debug("probe failed", "error", err)
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Run probes immediately and then on every interval until ctx is done.
func (m *NetworkMonitor) Run(ctx context.Context) {
	if m.probe == nil {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
