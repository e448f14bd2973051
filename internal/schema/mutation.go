// Package schema provides the data structures shared by the outbox, the merge
// engine and the remote adapters.
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of change a mutation carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOperation converts a string to an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("invalid operation %q (must be create, update or delete)", s)
	}
	return op, nil
}

// Status is the delivery state of a mutation.
//
//	pending ──deliver ok──▶ delivered
//	   │                        ▲
//	   └─deliver err─▶ failed ──┘ (retried after backoff)
type Status string

const (
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
	StatusDelivered Status = "delivered"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFailed, StatusDelivered:
		return true
	}
	return false
}

// Entity types routed by the remote adapters.
const (
	EntityHabit         = "habit"
	EntityArchivedHabit = "archived_habit"
	EntitySchedule      = "schedule"
)

// MutationRecord is one queued local write.
//
// Everything except the lifecycle fields (Status, RetryCount, NextRetryAt,
// LastError, DeliveredAt, FailedAt) is fixed at creation.
type MutationRecord struct {
	// ===== Identity =====
	ID int64 `json:"id"`

	// ===== Intent (immutable) =====
	Timestamp  time.Time       `json:"timestamp"`
	CreatedAt  time.Time       `json:"created_at"`
	Operation  Operation       `json:"operation"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// ===== Lifecycle =====
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	NextRetryAt time.Time  `json:"next_retry_at"`
	LastError   string     `json:"last_error,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Validate checks if the record has valid field values.
func (m *MutationRecord) Validate() error {
	if m.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", m.ID)
	}
	if !m.Operation.Valid() {
		return fmt.Errorf("invalid operation %q", m.Operation)
	}
	if m.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if m.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if !m.Status.Valid() {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if m.RetryCount < 0 {
		return fmt.Errorf("retry_count must be non-negative (got %d)", m.RetryCount)
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// Due reports whether the record may be delivered at now.
func (m *MutationRecord) Due(now time.Time) bool {
	if m.Status == StatusDelivered {
		return false
	}
	return !now.Before(m.NextRetryAt)
}

// DecodePayload unmarshals the payload snapshot into v.
func (m *MutationRecord) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("mutation %d has no payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of mutation %d: %w", m.ID, err)
	}
	return nil
}
