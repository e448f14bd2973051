package daemon

import "sync"

// Status is the sync indicator shown to the user.
type Status string

const (
	StatusEditing    Status = "editing"
	StatusPending    Status = "pending"
	StatusSyncing    Status = "syncing"
	StatusSynced     Status = "synced"
	StatusError      Status = "error"
	StatusOffline    Status = "offline"
	StatusNeedsSetup Status = "needs_setup"
)

// StatusTracker holds the current status and fans changes out to
// subscribers. Slow subscribers miss intermediate values but always see
// the latest one.
type StatusTracker struct {
	mu      sync.Mutex
	current Status
	subs    map[int]chan Status
	nextID  int
}

// NewStatusTracker starts in StatusSynced.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		current: StatusSynced,
		subs:    make(map[int]chan Status),
	}
}

// Set updates the status. Setting the current value again is a no-op.
func (t *StatusTracker) Set(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s == t.current {
		return
	}
	t.current = s
	for _, ch := range t.subs {
		// Replace a stale unread value with the newest one
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Get returns the current status.
func (t *StatusTracker) Get() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Subscribe returns a channel receiving status changes and a function that
// unsubscribes and closes it.
func (t *StatusTracker) Subscribe() (<-chan Status, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	ch := make(chan Status, 1)
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs, id)
			close(ch)
		})
	}
}
