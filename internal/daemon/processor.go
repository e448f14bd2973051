package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/habittrack/habitsync/internal/outbox"
	"github.com/habittrack/habitsync/internal/remote"
	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

// DefaultInterval is the periodic sync interval.
const DefaultInterval = 30 * time.Second

// Queue is the part of the outbox the processor drains.
type Queue interface {
	GetPendingMutations(ctx context.Context, limit int) ([]*schema.MutationRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause error) error
}

var _ Queue = (*outbox.Outbox)(nil)

// Connectivity reports whether the remote is believed reachable.
type Connectivity interface {
	Online() bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func() bool

// Online calls f().
func (f ConnectivityFunc) Online() bool { return f() }

// SkipReason explains why a pass did nothing.
type SkipReason string

const (
	SkipNone    SkipReason = ""
	SkipBusy    SkipReason = "busy"
	SkipOffline SkipReason = "offline"
)

// Result summarizes one TriggerSync pass.
type Result struct {
	Skipped    SkipReason `json:"skipped,omitempty"`
	Attempted  int        `json:"attempted"`
	Delivered  int        `json:"delivered"`
	Failed     int        `json:"failed"`
	NeedsSetup bool       `json:"needs_setup,omitempty"`
	// More is set when a full page was delivered and more records may be due.
	More bool `json:"more,omitempty"`
	// Err aggregates the per-record delivery failures.
	Err error `json:"-"`
}

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	// ClientID namespaces idempotency keys
	ClientID string
	// Connectivity gates passes; nil means always online
	Connectivity Connectivity
	// PageSize bounds records per pass (default: outbox.DefaultPageSize)
	PageSize int
	Logger   *slog.Logger
	// OnStatus receives every status the processor reports
	OnStatus func(Status)
}

// Processor delivers due mutations to the remote store.
type Processor struct {
	queue    Queue
	applier  remote.Applier
	clientID string
	conn     Connectivity
	pageSize int
	logger   *slog.Logger
	onStatus func(Status)

	processing atomic.Bool
	passes     atomic.Int64
}

// NewProcessor creates a processor draining queue into applier.
func NewProcessor(queue Queue, applier remote.Applier, opts ProcessorOptions) *Processor {
	if opts.PageSize <= 0 {
		opts.PageSize = outbox.DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Processor{
		queue:    queue,
		applier:  applier,
		clientID: opts.ClientID,
		conn:     opts.Connectivity,
		pageSize: opts.PageSize,
		logger:   opts.Logger.With("component", "processor"),
		onStatus: opts.OnStatus,
	}
}

// Processing returns true while a pass is running.
func (p *Processor) Processing() bool {
	return p.processing.Load()
}

// Passes returns how many passes have run to completion, skips excluded.
func (p *Processor) Passes() int64 {
	return p.passes.Load()
}

// TriggerSync runs one delivery pass.
//
// A pass is skipped if another is running or the remote is offline.
// Records are delivered one at a time in id order. A failed record is
// marked failed and the pass moves on, except for schema errors: those
// stop the pass and return an error matching syncerr.ErrNeedsSetup.
// Store errors are returned directly. Per-record transport failures are
// not errors of the pass; they are aggregated in Result.Err.
func (p *Processor) TriggerSync(ctx context.Context) (Result, error) {
	if !p.processing.CompareAndSwap(false, true) {
		return Result{Skipped: SkipBusy}, nil
	}
	defer p.processing.Store(false)

	if p.conn != nil && !p.conn.Online() {
		p.setStatus(StatusOffline)
		return Result{Skipped: SkipOffline}, nil
	}

	recs, err := p.queue.GetPendingMutations(ctx, p.pageSize)
	if err != nil {
		p.setStatus(StatusError)
		return Result{}, fmt.Errorf("failed to fetch due mutations: %w", err)
	}
	if len(recs) == 0 {
		p.passes.Add(1)
		p.setStatus(StatusSynced)
		return Result{}, nil
	}

	p.setStatus(StatusSyncing)
	var res Result
	var fatal error

	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++

		applyErr := p.applier.Apply(ctx, remote.RequestFor(p.clientID, rec))
		if applyErr == nil {
			if err := p.queue.MarkDelivered(ctx, rec.ID); err != nil {
				// Delivered remotely; redelivery is absorbed by the idempotency key
				p.logger.Warn("failed to mark mutation delivered", "id", rec.ID, "error", err)
				res.Err = multierr.Append(res.Err, err)
				continue
			}
			res.Delivered++
			continue
		}

		res.Failed++
		res.Err = multierr.Append(res.Err, fmt.Errorf("mutation %d: %w", rec.ID, applyErr))
		if err := p.queue.MarkFailed(ctx, rec.ID, applyErr); err != nil {
			p.logger.Warn("failed to mark mutation failed", "id", rec.ID, "error", err)
			res.Err = multierr.Append(res.Err, err)
		}

		if syncerr.IsSchema(applyErr) {
			res.NeedsSetup = true
			fatal = applyErr
			p.logger.Error("remote store needs setup; stopping sync pass", "id", rec.ID, "error", applyErr)
			break
		}
		p.logger.Warn("mutation delivery failed", "id", rec.ID, "entity_type", rec.EntityType, "retry_count", rec.RetryCount+1, "error", applyErr)
	}

	p.passes.Add(1)
	res.More = res.Failed == 0 && res.Delivered == p.pageSize

	switch {
	case res.NeedsSetup:
		p.setStatus(StatusNeedsSetup)
	case res.Failed > 0:
		p.setStatus(StatusError)
	case res.More:
		p.setStatus(StatusPending)
	default:
		p.setStatus(StatusSynced)
	}

	if res.Attempted > 0 {
		p.logger.Info("sync pass complete", "attempted", res.Attempted, "delivered", res.Delivered, "failed", res.Failed)
	}
	return res, fatal
}

// Run triggers passes on every tick and every waker signal until ctx is
// done. A pass that delivered a full page is followed immediately by
// another.
func (p *Processor) Run(ctx context.Context, waker *Waker, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wake <-chan Condition
	if waker != nil {
		wake = waker.C()
	}

	p.drain(ctx, ConditionPeriodic)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx, ConditionPeriodic)
		case c := <-wake:
			p.drain(ctx, c)
		}
	}
}

func (p *Processor) drain(ctx context.Context, c Condition) {
	for ctx.Err() == nil {
		res, err := p.TriggerSync(ctx)
		if err != nil {
			p.logger.Warn("sync pass failed", "condition", c, "error", err)
			return
		}
		if res.Skipped != SkipNone {
			p.logger.Debug("sync pass skipped", "condition", c, "reason", res.Skipped)
			return
		}
		if !res.More {
			return
		}
	}
}

func (p *Processor) setStatus(s Status) {
	if p.onStatus != nil {
		p.onStatus(s)
	}
}
