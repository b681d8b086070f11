package delivery

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known event types carried as opaque payloads. The delivery layer has
// no special-case logic for these; they are the minimum set a full agent run
// is expected to emit.
const (
	EventAgentStarted   = "agent_started"
	EventAgentThinking  = "agent_thinking"
	EventToolExecuting  = "tool_executing"
	EventToolCompleted  = "tool_completed"
	EventAgentCompleted = "agent_completed"
)

// Control frame types exchanged alongside application events.
const (
	TypeAck    = "ack"
	TypeResume = "resume"
	TypeError  = "error"
)

// AckState tracks the delivery state of an envelope
type AckState int

const (
	AckPending AckState = iota
	AckAcknowledged
	AckAbandoned
)

// String returns the lowercase name of the ack state
func (s AckState) String() string {
	switch s {
	case AckPending:
		return "pending"
	case AckAcknowledged:
		return "acknowledged"
	case AckAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Envelope is the wire-level unit of a delivery. The JSON-tagged fields are
// the wire shape; AckState and RetryCount are tracker-side metadata and never
// leave the process.
type Envelope struct {
	Type      string          `json:"type"`
	EventID   string          `json:"event_id"`
	Sequence  uint64          `json:"sequence"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	AckState   AckState `json:"-"`
	RetryCount int      `json:"-"`
}

// NewEnvelope creates a pending envelope with a fresh event ID. The event ID
// is assigned exactly once and survives retries unchanged.
func NewEnvelope(sessionID, eventType string, sequence uint64, data json.RawMessage) *Envelope {
	return &Envelope{
		Type:      eventType,
		EventID:   uuid.New().String(),
		Sequence:  sequence,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UTC(),
		AckState:  AckPending,
	}
}

// Ack is the cumulative acknowledgment frame sent by a receiver. Acking
// sequence N acknowledges every sequence <= N.
type Ack struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	UpToSequence uint64 `json:"up_to_sequence"`
}

// NewAck builds an ack frame for a session
func NewAck(sessionID string, upTo uint64) Ack {
	return Ack{Type: TypeAck, SessionID: sessionID, UpToSequence: upTo}
}

// Resume is the reconnection handshake frame. LastAckedSequence is nil for a
// fresh client with no prior state; the server then replays the entire
// pending queue rather than guessing.
type Resume struct {
	Type              string  `json:"type"`
	SessionID         string  `json:"session_id"`
	LastAckedSequence *uint64 `json:"last_acked_sequence,omitempty"`
}

// Sender transmits a single envelope over an active connection. Gateway
// connections and test fakes implement this.
type Sender interface {
	SendEnvelope(env *Envelope) error
}
