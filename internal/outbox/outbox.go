// Package outbox implements the mutation log: a durable queue of local
// writes waiting to be delivered to the remote store.
//
// Every local change is appended as an immutable MutationRecord before any
// remote call is attempted, so a failed or skipped delivery never loses the
// write. Records move pending → delivered, or pending → failed → (retry) →
// delivered/failed. Failed records wait min(2^retries × 1s, 5m) before they
// are due again; they are never dropped.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/habittrack/habitsync/internal/clock"
	"github.com/habittrack/habitsync/internal/db"
	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

const (
	// DefaultPageSize is how many due records one delivery pass takes.
	DefaultPageSize = 10
	// DefaultRetentionDays is how long delivered records are kept.
	DefaultRetentionDays = 7
	// DefaultBackoffBase is the delay after the first failure.
	DefaultBackoffBase = time.Second
	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = 5 * time.Minute
)

// Notifier is told, without blocking, that a mutation was appended.
type Notifier interface {
	MutationAdded(id int64)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(id int64)

// MutationAdded calls f(id).
func (f NotifierFunc) MutationAdded(id int64) { f(id) }

// BackgroundWaker is the optional platform capability to wake a sync outside
// this process (for example a daemon watching a signal directory).
type BackgroundWaker interface {
	SupportsBackgroundWake() bool
	RequestBackgroundWake(ctx context.Context) error
}

// Stats summarizes the log by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Delivered int `json:"delivered"`
}

// Options configures an Outbox. Zero values select defaults.
type Options struct {
	Clock       clock.Clock
	Logger      *slog.Logger
	Notifier    Notifier
	Background  BackgroundWaker
	PageSize    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Outbox is the mutation log. It is safe for concurrent use; the store
// serializes writes.
type Outbox struct {
	db          *db.DB
	clock       clock.Clock
	logger      *slog.Logger
	notifier    Notifier
	background  BackgroundWaker
	pageSize    int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// New creates an Outbox over an initialized database.
//
// Example:
//
//	database, err := db.Open(".habitsync/habitsync.db")
//	if err != nil {
//	    return err
//	}
//	if err := database.InitSchema(); err != nil {
//	    return err
//	}
//	log := outbox.New(database, outbox.Options{})
func New(database *db.DB, opts Options) *Outbox {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}

	return &Outbox{
		db:          database,
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "outbox"),
		notifier:    opts.Notifier,
		background:  opts.Background,
		pageSize:    opts.PageSize,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
	}
}

// SetNotifier replaces the append notifier. Used when the processor is
// built after the outbox.
func (o *Outbox) SetNotifier(n Notifier) {
	o.notifier = n
}

// SetBackground replaces the background wake capability.
func (o *Outbox) SetBackground(b BackgroundWaker) {
	o.background = b
}

// SupportsBackgroundWake reports whether out-of-process wake-ups are
// available. Without them only in-process triggers drive delivery.
func (o *Outbox) SupportsBackgroundWake() bool {
	return o.background != nil && o.background.SupportsBackgroundWake()
}

// PageSize returns the default number of records per delivery pass.
func (o *Outbox) PageSize() int {
	return o.pageSize
}

// AddMutation appends a mutation and returns its id.
//
// payload is marshaled once and stored as the entity's full snapshot. After
// the record is durable, the notifier is signaled and a background wake is
// requested; neither blocks or fails the append.
func (o *Outbox) AddMutation(ctx context.Context, op schema.Operation, entityType, entityID string, payload any) (int64, error) {
	if !op.Valid() {
		return 0, &syncerr.IntegrityError{Collection: "outbox", Problems: []string{fmt.Sprintf("invalid operation %q", op)}}
	}
	var problems []string
	if entityType == "" {
		problems = append(problems, "entity_type is required")
	}
	if entityID == "" {
		problems = append(problems, "entity_id is required")
	}
	if len(problems) > 0 {
		return 0, &syncerr.IntegrityError{Collection: "outbox", Problems: problems}
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return 0, err
	}

	now := o.clock.Now()
	rec := &schema.MutationRecord{
		Timestamp:   now,
		CreatedAt:   now,
		Operation:   op,
		EntityType:  entityType,
		EntityID:    entityID,
		Payload:     raw,
		Status:      schema.StatusPending,
		NextRetryAt: now,
	}

	id, err := o.db.AppendMutationContext(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("failed to add mutation: %w", err)
	}

	o.logger.Debug("mutation added", "id", id, "op", op, "entity_type", entityType, "entity_id", entityID)

	if o.notifier != nil {
		o.notifier.MutationAdded(id)
	}
	o.requestBackgroundWake(ctx)

	return id, nil
}

func (o *Outbox) requestBackgroundWake(ctx context.Context) {
	if !o.SupportsBackgroundWake() {
		return
	}
	if err := o.background.RequestBackgroundWake(ctx); err != nil {
		o.logger.Debug("background wake unavailable", "error", err)
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, &syncerr.IntegrityError{Collection: "outbox", Problems: []string{"payload is not valid JSON"}}
		}
		return append(json.RawMessage(nil), p...), nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return raw, nil
}

// GetPendingMutations returns up to limit pending or failed records whose
// retry time has come, oldest id first. limit <= 0 uses the page size.
func (o *Outbox) GetPendingMutations(ctx context.Context, limit int) ([]*schema.MutationRecord, error) {
	if limit <= 0 {
		limit = o.pageSize
	}

	recs, err := o.db.ScanMutations(ctx, db.MutationFilter{
		Statuses: []schema.Status{schema.StatusPending, schema.StatusFailed},
		DueAt:    o.clock.Now(),
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get pending mutations: %w", err)
	}
	return recs, nil
}

// MarkDelivered records a successful delivery. Calling it again for a
// delivered record changes nothing.
func (o *Outbox) MarkDelivered(ctx context.Context, id int64) error {
	now := o.clock.Now()
	_, err := o.db.UpdateMutation(ctx, id, func(rec *schema.MutationRecord) error {
		if rec.Status == schema.StatusDelivered {
			return errAlreadyDelivered
		}
		rec.Status = schema.StatusDelivered
		rec.DeliveredAt = &now
		return nil
	})
	if errors.Is(err, errAlreadyDelivered) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark mutation %d delivered: %w", id, err)
	}
	return nil
}

var errAlreadyDelivered = errors.New("already delivered")

// MarkFailed records a failed delivery and schedules the next attempt
// min(2^retryCount × base, max) from now, where retryCount already includes
// this failure. A delivered record stays delivered.
func (o *Outbox) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	now := o.clock.Now()
	rec, err := o.db.UpdateMutation(ctx, id, func(rec *schema.MutationRecord) error {
		if rec.Status == schema.StatusDelivered {
			return errAlreadyDelivered
		}
		rec.RetryCount++
		rec.NextRetryAt = now.Add(o.Backoff(rec.RetryCount))
		rec.LastError = msg
		rec.FailedAt = &now
		rec.Status = schema.StatusFailed
		return nil
	})
	if errors.Is(err, errAlreadyDelivered) {
		o.logger.Warn("ignoring failure for delivered mutation", "id", id, "error", msg)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark mutation %d failed: %w", id, err)
	}

	o.logger.Debug("mutation failed", "id", id, "retry_count", rec.RetryCount, "next_retry_at", rec.NextRetryAt, "error", msg)
	return nil
}

// Backoff returns the delay before retry number retryCount.
func (o *Outbox) Backoff(retryCount int) time.Duration {
	return Backoff(retryCount, o.backoffBase, o.backoffMax)
}

// Backoff returns min(2^retryCount × base, max).
func Backoff(retryCount int, base, maxDelay time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 62 {
		return maxDelay
	}
	d := base * time.Duration(int64(1)<<retryCount)
	if d <= 0 || d/time.Duration(int64(1)<<retryCount) != base || d > maxDelay {
		return maxDelay
	}
	return d
}

// Cleanup deletes delivered records older than olderThanDays (default 7)
// and returns how many were removed. Pending and failed records are kept
// regardless of age.
func (o *Outbox) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		olderThanDays = DefaultRetentionDays
	}

	cutoff := o.clock.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := o.db.DeleteDeliveredBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up outbox: %w", err)
	}
	if n > 0 {
		o.logger.Info("cleaned up delivered mutations", "count", n, "older_than_days", olderThanDays)
	}
	return int(n), nil
}

// GetStats counts records by status.
func (o *Outbox) GetStats(ctx context.Context) (Stats, error) {
	counts, err := o.db.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get outbox stats: %w", err)
	}

	s := Stats{
		Pending:   counts[schema.StatusPending],
		Failed:    counts[schema.StatusFailed],
		Delivered: counts[schema.StatusDelivered],
	}
	for _, n := range counts {
		s.Total += n
	}
	return s, nil
}

// Get returns one record.
func (o *Outbox) Get(ctx context.Context, id int64) (*schema.MutationRecord, error) {
	return o.db.GetMutation(ctx, id)
}

// ListByEntity returns every record for one entity in id order.
func (o *Outbox) ListByEntity(ctx context.Context, entityType, entityID string) ([]*schema.MutationRecord, error) {
	return o.db.ScanMutations(ctx, db.MutationFilter{EntityType: entityType, EntityID: entityID})
}

// ListUndelivered returns pending and failed records regardless of their
// retry time, oldest first.
func (o *Outbox) ListUndelivered(ctx context.Context, limit int) ([]*schema.MutationRecord, error) {
	return o.db.ScanMutations(ctx, db.MutationFilter{
		Statuses: []schema.Status{schema.StatusPending, schema.StatusFailed},
		Limit:    limit,
	})
}

// RetryNow makes every failed record due immediately. Retry counts are kept,
// so the next failure still backs off from where it left off.
func (o *Outbox) RetryNow(ctx context.Context) (int, error) {
	failed, err := o.db.ScanMutations(ctx, db.MutationFilter{Statuses: []schema.Status{schema.StatusFailed}})
	if err != nil {
		return 0, fmt.Errorf("failed to list failed mutations: %w", err)
	}

	now := o.clock.Now()
	n := 0
	for _, rec := range failed {
		_, err := o.db.UpdateMutation(ctx, rec.ID, func(r *schema.MutationRecord) error {
			if r.Status != schema.StatusFailed {
				return errAlreadyDelivered
			}
			r.NextRetryAt = now
			return nil
		})
		if errors.Is(err, errAlreadyDelivered) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("failed to reschedule mutation %d: %w", rec.ID, err)
		}
		n++
	}

	if n > 0 && o.notifier != nil {
		o.notifier.MutationAdded(0)
	}
	return n, nil
}
