// Package sync reconciles whole collections between the local store and the
// remote store.
//
// # Overview
//
// Individual edits reach the remote through the outbox. Bulk reconciliation
// is the other direction: on an explicit resync, every remote collection is
// fetched and merged with its local counterpart by last-modified time, then
// written back locally in one transaction per collection.
//
//	remote.Store ──fetch──┐
//	                      ├── merge.Merge* ── validate ── db.Replace*
//	db.List* ─────────────┘
//
// # Usage
//
//	r := sync.New(database, remoteStore, sync.Options{Logger: logger})
//	report, err := r.SyncFromRemote(ctx)
//	if errors.Is(err, syncerr.ErrNeedsSetup) {
//	    // run `habitsync remote setup`
//	}
package sync
