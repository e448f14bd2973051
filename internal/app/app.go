// Package app wires the store, outbox, remote, processor, saver and
// reconciler once and exposes the operations the CLI and the dashboard use.
//
// An App replaces process-wide singletons: every command builds one from
// settings, uses it, and closes it.
//
//	a, err := app.New(ctx, settings, app.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//	h, err := a.SaveHabit(ctx, schema.Habit{Name: "Read"})
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/habittrack/habitsync/internal/clock"
	"github.com/habittrack/habitsync/internal/config"
	"github.com/habittrack/habitsync/internal/daemon"
	"github.com/habittrack/habitsync/internal/db"
	"github.com/habittrack/habitsync/internal/outbox"
	"github.com/habittrack/habitsync/internal/remote"
	"github.com/habittrack/habitsync/internal/remote/libsql"
	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/sync"
	"github.com/habittrack/habitsync/internal/syncerr"
)

// Options overrides parts of the wiring. Zero values select the defaults
// derived from settings.
type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock
	// Remote replaces the remote built from settings. The App closes it.
	Remote remote.Remote
}

// App is the explicit context object.
type App struct {
	Settings config.Settings
	ClientID string

	DB         *db.DB
	Outbox     *outbox.Outbox
	Remote     remote.Remote
	Processor  *daemon.Processor
	Waker      *daemon.Waker
	Network    *daemon.NetworkMonitor
	Status     *daemon.StatusTracker
	Reconciler sync.Reconciler
	Saver      *daemon.Saver

	clock  clock.Clock
	logger *slog.Logger
}

// New builds an App. The local database is opened and its schema created;
// the remote is opened but not contacted.
func New(ctx context.Context, settings config.Settings, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	database, err := db.Open(settings.DBPath)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchemaContext(ctx); err != nil {
		database.Close()
		return nil, err
	}
	clientID, err := database.ClientID(ctx)
	if err != nil {
		database.Close()
		return nil, err
	}

	rem := opts.Remote
	if rem == nil {
		rem, err = OpenRemote(settings, opts.Logger)
		if err != nil {
			database.Close()
			return nil, err
		}
	}

	a := &App{
		Settings: settings,
		ClientID: clientID,
		DB:       database,
		Remote:   rem,
		Waker:    daemon.NewWaker(),
		Status:   daemon.NewStatusTracker(),
		clock:    opts.Clock,
		logger:   opts.Logger,
	}

	a.Outbox = outbox.New(database, outbox.Options{
		Clock:      opts.Clock,
		Logger:     opts.Logger,
		Notifier:   a.Waker,
		Background: daemon.SignalFileWaker{Dir: settings.SignalDir},
		PageSize:   settings.PageSize,
	})

	a.Network = daemon.NewNetworkMonitor(rem.Ping, daemon.NetworkOptions{
		Interval: settings.ProbeInterval,
		Waker:    a.Waker,
		OnChange: func(online bool) {
			if !online {
				a.Status.Set(daemon.StatusOffline)
			}
		},
		Logger: opts.Logger,
	})

	a.Processor = daemon.NewProcessor(a.Outbox, rem, daemon.ProcessorOptions{
		ClientID:     clientID,
		Connectivity: a.Network,
		PageSize:     settings.PageSize,
		Logger:       opts.Logger,
		OnStatus:     a.Status.Set,
	})

	a.Reconciler = sync.New(database, rem, sync.Options{Logger: opts.Logger})

	a.Saver, err = daemon.NewSaver(daemon.SaverOptions{
		Delay:    settings.Debounce,
		Validate: a.Reconciler.ValidateSchedules,
		Upload:   a.Reconciler.PushSchedules,
		Record:   database.SetPendingUploads,
		OnStatus: a.Status.Set,
		Logger:   opts.Logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	// Uploads a previous process scheduled but never finished
	pending, err := database.PendingUploads(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Saver.Restore(pending)

	return a, nil
}

// OpenRemote builds the remote named by settings.RemoteKind. An empty URL
// gives a remote that is never reachable.
func OpenRemote(settings config.Settings, logger *slog.Logger) (remote.Remote, error) {
	if settings.RemoteURL == "" {
		return remote.NotConfigured(), nil
	}

	switch settings.RemoteKind {
	case "", config.RemoteHTTP:
		cfg := remote.HTTPConfig{
			BaseURL: settings.RemoteURL,
			Token:   settings.RemoteToken,
			Logger:  logger,
		}
		if settings.RemoteRoutes != "" {
			routes, err := remote.LoadRoutes(settings.RemoteRoutes)
			if err != nil {
				return nil, err
			}
			cfg.Routes = &routes
		}
		return remote.NewHTTPClient(cfg)

	case config.RemoteSQLite:
		return remote.OpenSQLite(strings.TrimPrefix(settings.RemoteURL, "file:"), logger)

	case config.RemoteLibSQL:
		return libsql.Open(settings.RemoteURL, settings.RemoteToken, logger)

	default:
		return nil, fmt.Errorf("unknown remote kind %q", settings.RemoteKind)
	}
}

// Close releases the remote and the database. A scheduled debounced upload
// is dropped; its local writes are already durable.
func (a *App) Close() error {
	if a.Saver != nil {
		a.Saver.Close()
	}
	var err error
	if a.Remote != nil {
		err = multierr.Append(err, a.Remote.Close())
	}
	return multierr.Append(err, a.DB.Close())
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Now returns the App's clock reading.
func (a *App) Now() time.Time {
	return a.clock.Now()
}

// TriggerSync probes the remote and runs one delivery pass.
func (a *App) TriggerSync(ctx context.Context) (daemon.Result, error) {
	a.Network.Check(ctx)
	return a.Processor.TriggerSync(ctx)
}

// SyncAll drains every due mutation, pass after pass.
func (a *App) SyncAll(ctx context.Context) (daemon.Result, error) {
	var total daemon.Result
	for {
		res, err := a.TriggerSync(ctx)
		total.Skipped = res.Skipped
		total.Attempted += res.Attempted
		total.Delivered += res.Delivered
		total.Failed += res.Failed
		total.NeedsSetup = total.NeedsSetup || res.NeedsSetup
		total.Err = multierr.Append(total.Err, res.Err)
		if err != nil || !res.More {
			return total, err
		}
	}
}

// SyncFromRemote reconciles the local collections with the remote.
func (a *App) SyncFromRemote(ctx context.Context) (sync.Report, error) {
	a.Status.Set(daemon.StatusSyncing)
	report, err := a.Reconciler.SyncFromRemote(ctx)
	switch {
	case errors.Is(err, remote.ErrNotConfigured):
		a.Status.Set(daemon.StatusOffline)
	case syncerr.IsSchema(err):
		a.Status.Set(daemon.StatusNeedsSetup)
	case err != nil:
		a.Status.Set(daemon.StatusError)
	default:
		a.Status.Set(daemon.StatusSynced)
	}
	return report, err
}

// PushAll uploads every local schedule now.
func (a *App) PushAll(ctx context.Context) error {
	schedules, err := a.DB.ListSchedules(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, len(schedules))
	for i := range schedules {
		keys[i] = schedules[i].Key()
	}
	return a.Saver.ForceSyncAll(ctx, keys)
}

// SetupRemote provisions the remote schema. Only SQL remotes can do this
// themselves; an HTTP backend is provisioned out of band.
func (a *App) SetupRemote(ctx context.Context) error {
	s, ok := a.Remote.(interface {
		InitSchema(ctx context.Context) error
	})
	if !ok {
		return fmt.Errorf("remote %T cannot be provisioned from the client", a.Remote)
	}
	return s.InitSchema(ctx)
}

// CheckRemote pings the remote and verifies its schema version.
func (a *App) CheckRemote(ctx context.Context) (string, error) {
	if err := a.Remote.Ping(ctx); err != nil {
		return "", fmt.Errorf("failed to reach remote: %w", err)
	}
	v, err := a.Remote.SchemaVersion(ctx)
	if err != nil {
		return "", err
	}
	return v, remote.CheckSchemaVersion(v)
}

// Daemon builds a daemon around the App's processor and waker.
func (a *App) Daemon() (*daemon.Daemon, error) {
	return daemon.New(a.Processor, a.Waker, a.Network, a.Outbox, &daemon.Config{
		Interval:        a.Settings.SyncInterval,
		CleanupInterval: a.Settings.CleanupInterval,
		RetentionDays:   a.Settings.RetentionDays,
		SignalDir:       a.Settings.SignalDir,
		Saver:           a.Saver,
		Logger:          a.logger,
	})
}

// Monitor surface.

// GetStats returns outbox counts.
func (a *App) GetStats(ctx context.Context) (outbox.Stats, error) {
	return a.Outbox.GetStats(ctx)
}

// GetPendingMutations returns due mutations without delivering them.
func (a *App) GetPendingMutations(ctx context.Context, limit int) ([]*schema.MutationRecord, error) {
	return a.Outbox.GetPendingMutations(ctx, limit)
}

// Cleanup purges delivered mutations older than days.
func (a *App) Cleanup(ctx context.Context, days int) (int, error) {
	return a.Outbox.Cleanup(ctx, days)
}

// Wake signals the processor.
func (a *App) Wake(c daemon.Condition) {
	a.Waker.Notify(c)
}

// CurrentStatus returns the status indicator.
func (a *App) CurrentStatus() daemon.Status {
	return a.Status.Get()
}

// SubscribeStatus follows status changes.
func (a *App) SubscribeStatus() (<-chan daemon.Status, func()) {
	return a.Status.Subscribe()
}
