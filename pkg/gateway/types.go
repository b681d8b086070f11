package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server-initiated control frame types. Application envelopes carry their
// event type instead; receivers treat any unrecognized type as an event.
const (
	TypeAuthChallenge = "auth.challenge"
	TypeAuthResult    = "auth.result"
	TypeResumed       = "resumed"
)

// Client-initiated control frame types beyond the delivery-level ack/resume.
const (
	TypeAuth = "auth"
)

// AuthChallenge is sent to a client immediately after the upgrade
type AuthChallenge struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// AuthFrame is the client's answer: HMAC-SHA256(shared secret, challenge)
type AuthFrame struct {
	Type      string `json:"type"`
	Signature string `json:"signature"`
}

// AuthResult reports whether the signature checked out
type AuthResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Resumed confirms the resume handshake. Replayed is how many queued
// envelopes were streamed before this frame; live traffic follows it.
type Resumed struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Replayed  int    `json:"replayed"`
}

// ErrorFrame is a coded error sent to a client
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Wire error codes
const (
	CodeParseError      = -32700
	CodeInvalidFrame    = -32600
	CodeAuthRequired    = -32001
	CodeSessionExpired  = -32002
	CodeResumeRequired  = -32003
	CodeRateLimited     = -32005
	CodeTooManyInFlight = -32006
	CodeShuttingDown    = -32010
)

// ClientState represents the handshake state of a gateway connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateAttached
	StateClosed
)

// Client is one WebSocket connection. A client becomes useful only after it
// authenticates and attaches to a session via the resume handshake; the
// session outlives the client, the client never outlives the session.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	SessionID     string // empty until the resume handshake completes
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *FrameRateLimiter
	State         ClientState

	// writeMu serializes writes: replay, live sends, and control frames
	// share one gorilla conn, which allows a single writer at a time.
	writeMu sync.Mutex
}

// WriteJSON sends one frame, serialized against concurrent writers
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// ClientInfo is a read-only snapshot of a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	IPAddress     string    `json:"ip_address"`
	Idle          bool      `json:"idle"`
}
