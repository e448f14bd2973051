package daemon

import (
	"fmt"
	"sync"
)

// Condition names why a sync pass was requested.
type Condition string

const (
	ConditionPeriodic   Condition = "periodic"
	ConditionOnline     Condition = "online"
	ConditionVisible    Condition = "visible"
	ConditionFocus      Condition = "focus"
	ConditionMutation   Condition = "mutation"
	ConditionBackground Condition = "background"
	ConditionManual     Condition = "manual"
)

// Conditions lists every wake condition.
var Conditions = []Condition{
	ConditionPeriodic,
	ConditionOnline,
	ConditionVisible,
	ConditionFocus,
	ConditionMutation,
	ConditionBackground,
	ConditionManual,
}

// Valid returns true if c is a known condition.
func (c Condition) Valid() bool {
	for _, known := range Conditions {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCondition parses a condition name.
func ParseCondition(s string) (Condition, error) {
	c := Condition(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown wake condition %q", s)
	}
	return c, nil
}

// Waker delivers wake conditions to Processor.Run. Signals coalesce: while
// one is pending, further signals are dropped, since the next pass drains
// every due record anyway.
type Waker struct {
	ch chan Condition

	mu     sync.Mutex
	counts map[Condition]int
}

// NewWaker creates a waker with room for one pending signal.
func NewWaker() *Waker {
	return &Waker{
		ch:     make(chan Condition, 1),
		counts: make(map[Condition]int),
	}
}

// Notify requests a sync pass without blocking.
func (w *Waker) Notify(c Condition) {
	w.mu.Lock()
	w.counts[c]++
	w.mu.Unlock()

	select {
	case w.ch <- c:
	default:
	}
}

// MutationAdded implements outbox.Notifier.
func (w *Waker) MutationAdded(int64) {
	w.Notify(ConditionMutation)
}

// C returns the channel Run receives signals on.
func (w *Waker) C() <-chan Condition {
	return w.ch
}

// Count returns how many times c was signaled, including coalesced signals.
func (w *Waker) Count(c Condition) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[c]
}
