// Package syncerr classifies the failures the sync core can hit.
//
// Callers branch on the class, not the message:
//
//	if errors.Is(err, syncerr.ErrNeedsSetup) {
//	    // remote tables are missing; stop syncing until setup runs
//	}
//
// Transport failures are retried with backoff. Schema failures stop the
// current sync attempt. Integrity failures abort a local save before anything
// reaches the outbox.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNeedsSetup is returned when the remote store is missing the tables
	// or functions the client expects.
	ErrNeedsSetup = errors.New("remote store needs setup")

	// ErrIntegrity is returned when local data fails pre-save validation.
	ErrIntegrity = errors.New("local data integrity check failed")

	// ErrUnknownEntity is returned when no remote route exists for an
	// entity type.
	ErrUnknownEntity = errors.New("unknown entity type")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
)

// TransportError is a remote call that failed to reach the store or got a
// non-success response. It is always retryable.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: remote returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SchemaError is a precondition failure on the remote side, such as a
// missing table. It matches ErrNeedsSetup.
type SchemaError struct {
	Object string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Object != "" {
		return fmt.Sprintf("remote schema missing %s: %v", e.Object, e.Err)
	}
	return fmt.Sprintf("remote schema error: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Is reports SchemaError as ErrNeedsSetup.
func (e *SchemaError) Is(target error) bool { return target == ErrNeedsSetup }

// IntegrityError lists every problem found by a validation pass.
type IntegrityError struct {
	Collection string
	Problems   []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s failed integrity check: %s", e.Collection, strings.Join(e.Problems, "; "))
}

// Is reports IntegrityError as ErrIntegrity.
func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// IsRetryable returns true if a delivery that failed with err should be
// attempted again later. Everything except integrity failures is retried;
// schema failures are retried too, but on the backoff schedule only.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrIntegrity)
}

// IsSchema returns true if err means the remote needs setup.
func IsSchema(err error) bool {
	return errors.Is(err, ErrNeedsSetup)
}

// missingSchemaMarkers are fragments backends use when a table or RPC is
// absent. Postgres reports "relation ... does not exist" (42P01); sqlite
// reports "no such table".
var missingSchemaMarkers = []string{
	"42p01",
	"no such table",
	"no such function",
	"could not find the function",
}

// LooksLikeMissingSchema reports whether a backend message describes a
// missing table or function.
func LooksLikeMissingSchema(msg string) bool {
	msg = strings.ToLower(msg)
	if strings.Contains(msg, "relation") && strings.Contains(msg, "does not exist") {
		return true
	}
	for _, marker := range missingSchemaMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
