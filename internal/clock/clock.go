// Package clock provides the wall clock used for retry scheduling.
//
// Production code uses Real. Tests use Fake to step time past a record's
// next retry instant without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Real is the system clock truncated to milliseconds, the precision records
// are stored with.
type Real struct{}

// Now returns the current time in UTC at millisecond precision.
func (Real) Now() time.Time {
	return time.UnixMilli(time.Now().UnixMilli()).UTC()
}

// Fake is a manually advanced clock. Safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: time.UnixMilli(t.UnixMilli()).UTC()}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = time.UnixMilli(t.UnixMilli()).UTC()
	f.mu.Unlock()
}
