package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired is returned when a reconnection targets a session
	// that was destroyed after its idle timeout. The caller must start a new
	// logical session; no replay is possible.
	ErrSessionExpired = errors.New("session expired")

	// ErrNotConnected is returned by a transmit attempt while the session
	// has no live connection. Pending envelopes are held for replay instead
	// of burning retry budget on a dead link.
	ErrNotConnected = errors.New("session not connected")

	// ErrRetriesExhausted is the failure reason attached to an envelope that
	// consumed its full retry budget without being acknowledged.
	ErrRetriesExhausted = errors.New("delivery retries exhausted")

	// ErrSessionDestroyed is the failure reason for envelopes still pending
	// when their session is destroyed.
	ErrSessionDestroyed = errors.New("session destroyed")
)

// TransportError wraps a socket-level read or write failure. It triggers
// disconnection and is recoverable via the reconnection machinery; it never
// propagates to publishers.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DeliveryFailure reports a terminal, unrecoverable-without-application-action
// outcome for a single envelope. It is surfaced on the tracker's failure
// channel, never silently dropped.
type DeliveryFailure struct {
	Envelope *Envelope
	Reason   error
}

func (f DeliveryFailure) Error() string {
	return fmt.Sprintf("delivery failed: session=%s seq=%d event=%s retries=%d: %v",
		f.Envelope.SessionID, f.Envelope.Sequence, f.Envelope.EventID, f.Envelope.RetryCount, f.Reason)
}

func (f DeliveryFailure) Unwrap() error {
	return f.Reason
}
