package eventbus

import (
	"github.com/harun/relia/internal/observability"
	"github.com/harun/relia/pkg/delivery"
)

// attach wires a connection to a session and performs the reconnection
// replay: every pending envelope beyond the peer's ack floor is streamed in
// ascending sequence order before the session goes live. While the replay
// runs the session sits in StateReconnecting, so concurrent publishes only
// queue; they are picked up by a later replay pass or by resumed retry
// timers once the session is connected.
func (b *Bus) attach(s *session, conn delivery.Sender, peerLastAcked *uint64) {
	s.mu.Lock()
	s.conn = conn
	s.state = StateReconnecting
	s.touch(b.clock.Now())
	s.mu.Unlock()

	// The peer's ack floor may be ahead of ours when our ack frame was
	// lost in the disconnect. Trust it: the peer has those envelopes.
	cursor := uint64(0)
	if peerLastAcked != nil {
		cursor = *peerLastAcked
		b.Acknowledge(s.id, cursor)
	}

	replayed := 0
	for {
		batch := pendingAbove(b.tracker.Pending(s.id), cursor)
		if len(batch) == 0 {
			break
		}
		for _, env := range batch {
			if err := conn.SendEnvelope(env); err != nil {
				b.logger.Warn().
					Str("session_id", s.id).
					Str("event_id", env.EventID).
					Uint64("sequence", env.Sequence).
					Err(err).
					Msg("Replay send failed, disconnecting session")
				b.Disconnect(s.id)
				return
			}
			cursor = env.Sequence
			replayed++
		}
	}

	s.mu.Lock()
	s.state = StateConnected
	s.touch(b.clock.Now())
	s.mu.Unlock()

	b.tracker.Resume(s.id)
	observability.RecordReplay(replayed)

	b.logger.Info().
		Str("session_id", s.id).
		Int("replayed", replayed).
		Msg("Session connected")
}

// pendingAbove filters an ascending pending list to sequences beyond cursor
func pendingAbove(pending []*delivery.Envelope, cursor uint64) []*delivery.Envelope {
	for i, env := range pending {
		if env.Sequence > cursor {
			return pending[i:]
		}
	}
	return nil
}
