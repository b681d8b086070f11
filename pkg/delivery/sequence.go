package delivery

import (
	"math"
	"sync"
)

// SequenceAssigner issues monotonic, gapless per-session sequence numbers.
// The first sequence for a session is 1. Concurrent calls for the same
// session never return duplicate values.
type SequenceAssigner struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewSequenceAssigner creates an empty assigner
func NewSequenceAssigner() *SequenceAssigner {
	return &SequenceAssigner{
		last: make(map[string]uint64),
	}
}

// Next returns the next sequence number for a session. Overflow of the
// 64-bit counter is a configuration-level impossibility; it panics rather
// than wrapping around and corrupting ordering.
func (a *SequenceAssigner) Next(sessionID string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.last[sessionID] == math.MaxUint64 {
		panic("delivery: sequence counter overflow for session " + sessionID)
	}

	a.last[sessionID]++
	return a.last[sessionID]
}

// Last returns the most recently issued sequence for a session, or 0 if none
// has been issued.
func (a *SequenceAssigner) Last(sessionID string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last[sessionID]
}

// Drop forgets a session's counter. Called when the owning session is
// destroyed; a session ID is never reused so the counter cannot restart.
func (a *SequenceAssigner) Drop(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.last, sessionID)
}
