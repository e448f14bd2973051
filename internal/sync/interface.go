package sync

import "context"

// Reconciler performs full-collection reconciliation between the local
// store and the remote store.
//
// It is used for explicit resyncs, not for every mutation: individual edits
// travel through the outbox.
type Reconciler interface {
	// SyncFromRemote fetches every remote collection, merges each with the
	// full local collection, validates the result and persists it.
	//
	// Returns an error matching syncerr.ErrNeedsSetup if the remote schema
	// is missing or incompatible, and one matching syncerr.ErrIntegrity if
	// the merged data fails validation. In both cases local data is left
	// unchanged.
	//
	// Example:
	//   report, err := r.SyncFromRemote(ctx)
	//   fmt.Printf("%d new records\n", report.Added)
	SyncFromRemote(ctx context.Context) (Report, error)

	// PushSchedules uploads the local schedules for the given day keys and
	// returns the keys that were uploaded. Keys whose schedule no longer
	// exists locally count as uploaded.
	PushSchedules(ctx context.Context, dayKeys []string) ([]string, error)

	// ValidateSchedules runs the integrity check over the full local
	// schedule collection.
	ValidateSchedules(ctx context.Context) error
}

// CollectionReport describes the reconciliation of one collection.
type CollectionReport struct {
	Local  int `json:"local"`
	Remote int `json:"remote"`
	Merged int `json:"merged"`
	Added  int `json:"added"`
}

// Report summarizes a SyncFromRemote run.
type Report struct {
	Schedules      CollectionReport `json:"schedules"`
	Habits         CollectionReport `json:"habits"`
	ArchivedHabits CollectionReport `json:"archived_habits"`
	// Added is the total number of net-new records across collections.
	Added int `json:"added"`
}
