package delivery

import (
	"sync"
)

// DefaultDedupWindow is the number of recently seen event IDs retained per
// session. It comfortably covers the realistic retry horizon implied by
// max_retries * max_backoff.
const DefaultDedupWindow = 1000

// DuplicateFilter suppresses redelivered envelopes on the receive side. It
// keeps a bounded FIFO window of seen event IDs; two envelopes with the same
// event ID are the same logical event regardless of retry count or payload.
//
// Each filter is private to one session. Cross-session sharing is not
// permitted so one session's retry storm cannot evict another's window.
type DuplicateFilter struct {
	mu         sync.Mutex
	capacity   int
	seen       map[string]struct{}
	order      []string
	duplicates uint64
}

// NewDuplicateFilter creates a filter holding up to capacity event IDs.
// A capacity <= 0 falls back to DefaultDedupWindow.
func NewDuplicateFilter(capacity int) *DuplicateFilter {
	if capacity <= 0 {
		capacity = DefaultDedupWindow
	}
	return &DuplicateFilter{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Accept records the envelope's event ID and returns true, or returns false
// if the ID was already seen inside the window. Rejections are invisible to
// the application beyond a debug log at the call site.
func (f *DuplicateFilter) Accept(env *Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, dup := f.seen[env.EventID]; dup {
		f.duplicates++
		return false
	}

	if len(f.order) == f.capacity {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.seen, oldest)
	}

	f.seen[env.EventID] = struct{}{}
	f.order = append(f.order, env.EventID)
	return true
}

// Duplicates returns the number of rejected envelopes so far
func (f *DuplicateFilter) Duplicates() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duplicates
}

// Len returns the number of event IDs currently held in the window
func (f *DuplicateFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}
