package eventbus

import (
	"sync"
	"time"

	"github.com/harun/relia/pkg/delivery"
)

// SessionState represents the lifecycle state of a logical session
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateDisconnected
	StateReconnecting
	StateExpired
)

// String returns the lowercase name of the state
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// session is the bus-owned state for one logical session. The connection
// handle is replaced on reconnect, never the session itself. All mutation
// goes through the bus; nothing outside this package touches a session.
type session struct {
	id string

	mu           sync.Mutex
	state        SessionState
	conn         delivery.Sender // nil while disconnected
	lastAcked    uint64
	createdAt    time.Time
	lastActivity time.Time

	// receive side
	filter     *delivery.DuplicateFilter
	recvNext   uint64 // next expected inbound sequence, 0 = none seen yet
	recvBuffer map[uint64]*delivery.Envelope
	recvCap    int // max out-of-order envelopes held back
}

func newSession(id string, dedupWindow int, now time.Time) *session {
	return &session{
		id:           id,
		state:        StateConnecting,
		createdAt:    now,
		lastActivity: now,
		filter:       delivery.NewDuplicateFilter(dedupWindow),
		recvBuffer:   make(map[uint64]*delivery.Envelope),
		recvCap:      dedupWindow,
		recvNext:     1,
	}
}

// touch records activity. Caller holds s.mu.
func (s *session) touch(now time.Time) {
	s.lastActivity = now
}

// ackFloor returns the highest contiguous inbound sequence processed so far.
// Caller holds s.mu.
func (s *session) ackFloor() uint64 {
	return s.recvNext - 1
}

// SessionInfo is a read-only snapshot of a session
type SessionInfo struct {
	ID           string       `json:"id"`
	State        SessionState `json:"state"`
	LastAcked    uint64       `json:"last_acked"`
	Pending      int          `json:"pending"`
	Duplicates   uint64       `json:"duplicates"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
}
