// Package remote implements the remote side of sync: delivering queued
// mutations and reading or writing whole collections.
//
// Every delivery carries the mutation id, namespaced by the client id, as an
// idempotency key. A store that has already applied a key must acknowledge
// the retry without applying it again, so a success whose acknowledgement
// was lost is safe to resend.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

// Request is one mutation delivery.
type Request struct {
	MutationID      int64
	ClientID        string
	Operation       schema.Operation
	EntityType      string
	EntityID        string
	Payload         json.RawMessage
	ClientTimestamp time.Time
}

// RequestFor builds the delivery for a stored mutation.
func RequestFor(clientID string, m *schema.MutationRecord) Request {
	return Request{
		MutationID:      m.ID,
		ClientID:        clientID,
		Operation:       m.Operation,
		EntityType:      m.EntityType,
		EntityID:        m.EntityID,
		Payload:         m.Payload,
		ClientTimestamp: m.Timestamp,
	}
}

// IdempotencyKey identifies the delivery across retries.
func (r Request) IdempotencyKey() string {
	return r.ClientID + ":" + strconv.FormatInt(r.MutationID, 10)
}

// Applier delivers one mutation. Implementations must be idempotent on
// Request.IdempotencyKey.
type Applier interface {
	Apply(ctx context.Context, req Request) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, req Request) error

// Apply calls f(ctx, req).
func (f ApplierFunc) Apply(ctx context.Context, req Request) error { return f(ctx, req) }

// Store reads and writes whole collections for bulk reconciliation.
type Store interface {
	FetchSchedules(ctx context.Context) ([]schema.Schedule, error)
	FetchHabits(ctx context.Context) ([]schema.Habit, error)
	FetchArchivedHabits(ctx context.Context) ([]schema.ArchivedHabit, error)
	PushSchedules(ctx context.Context, schedules []schema.Schedule) error
	SchemaVersion(ctx context.Context) (string, error)
}

// Remote is a full remote backend.
type Remote interface {
	Applier
	Store
	// Ping checks reachability. It is the connectivity probe.
	Ping(ctx context.Context) error
	Close() error
}

// Router dispatches deliveries to per-entity appliers.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Applier
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Applier)}
}

// Handle registers the applier for an entity type, replacing any previous.
func (r *Router) Handle(entityType string, a Applier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[entityType] = a
}

// Apply implements Applier.
func (r *Router) Apply(ctx context.Context, req Request) error {
	r.mu.RLock()
	a, ok := r.routes[req.EntityType]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", syncerr.ErrUnknownEntity, req.EntityType)
	}
	if !req.Operation.Valid() {
		return fmt.Errorf("invalid operation %q for mutation %d", req.Operation, req.MutationID)
	}
	return a.Apply(ctx, req)
}

// EntityTypes returns the registered entity types.
func (r *Router) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.routes))
	for t := range r.routes {
		types = append(types, t)
	}
	return types
}
