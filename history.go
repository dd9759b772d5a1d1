package rolloverbot

import (
	"sync"
	"time"
)

// Transition is one recorded scheduler state change.
type Transition struct {
	From   SchedulerState
	To     SchedulerState
	At     time.Time
	Reason string
	Err    error
}

// transitionLog keeps the most recent transitions in a fixed size ring.
type transitionLog struct {
	mu      sync.Mutex
	entries []Transition
	start   int
	size    int
}

func newTransitionLog(limit int) *transitionLog {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &transitionLog{entries: make([]Transition, limit)}
}

func (l *transitionLog) add(t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := len(l.entries)
	if l.size < limit {
		l.entries[(l.start+l.size)%limit] = t
		l.size++
		return
	}
	l.entries[l.start] = t
	l.start = (l.start + 1) % limit
}

// list returns the transitions oldest first.
func (l *transitionLog) list() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transition, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.entries[(l.start+i)%len(l.entries)]
	}
	return out
}
