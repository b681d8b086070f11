package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/harun/relia/internal/observability"
	"github.com/harun/relia/internal/tracing"
	"github.com/harun/relia/pkg/delivery"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultIdleTimeout is how long a disconnected session survives before the
// janitor destroys it.
const DefaultIdleTimeout = 5 * time.Minute

// DefaultJanitorSchedule is the cron spec driving idle-session sweeps
const DefaultJanitorSchedule = "@every 1m"

// Config holds bus configuration
type Config struct {
	Logger          zerolog.Logger
	Clock           clock.Clock
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxRetries      int
	FailureBuffer   int
	DedupWindow     int
	IdleTimeout     time.Duration
	JanitorSchedule string
}

// Bus orchestrates send, receive, ack, and reconnect for all sessions. It
// exclusively owns every session and its pending queue; the tracker and
// replay machinery operate only through bus accessors.
type Bus struct {
	cfg    Config
	logger zerolog.Logger
	clock  clock.Clock

	assigner *delivery.SequenceAssigner
	tracker  *delivery.Tracker
	subs     *SubscriptionRegistry

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool

	janitorStop func()
}

// New creates a bus and starts its idle-session janitor
func New(cfg Config) (*Bus, error) {
	observability.EnsureRegistered()

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.JanitorSchedule == "" {
		cfg.JanitorSchedule = DefaultJanitorSchedule
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = delivery.DefaultDedupWindow
	}

	b := &Bus{
		cfg:      cfg,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		assigner: delivery.NewSequenceAssigner(),
		subs:     NewSubscriptionRegistry(cfg.Logger),
		sessions: make(map[string]*session),
	}

	b.tracker = delivery.NewTracker(delivery.TrackerConfig{
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxRetries:     cfg.MaxRetries,
		FailureBuffer:  cfg.FailureBuffer,
		Clock:          cfg.Clock,
		Logger:         cfg.Logger,
	}, b.transmit)

	if err := b.startJanitor(); err != nil {
		return nil, fmt.Errorf("failed to start session janitor: %w", err)
	}

	return b, nil
}

// Failures returns the channel carrying terminal delivery failures
func (b *Bus) Failures() <-chan delivery.DeliveryFailure {
	return b.tracker.Failures()
}

// Publish assigns the next sequence for the session, registers the envelope
// with the delivery tracker, and attempts an immediate send when the session
// is connected. Disconnected sessions queue; the envelope is delivered on
// reconnect. Publish never fails on transport errors: those are handled by
// the reconnection machinery.
func (b *Bus) Publish(ctx context.Context, sessionID, eventType string, data json.RawMessage) (*delivery.Envelope, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("bus is closed")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}
	if eventType == "" {
		return nil, fmt.Errorf("event type is required")
	}

	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"relia.eventbus",
		"eventbus.publish",
		attribute.String("session_id", sessionID),
		attribute.String("event_type", eventType),
	)
	defer span.End()

	s := b.ensureSession(sessionID)

	s.mu.Lock()
	seq := b.assigner.Next(sessionID)
	env := delivery.NewEnvelope(sessionID, eventType, seq, data)
	connected := s.state == StateConnected
	s.touch(b.clock.Now())
	s.mu.Unlock()

	b.tracker.Track(env)
	observability.RecordPublished(eventType)
	observability.SetPendingQueueSize(sessionID, b.tracker.PendingCount(sessionID))

	logger := tracing.LoggerFromContext(ctx, b.logger)
	logger.Debug().
		Str("event_id", env.EventID).
		Str("event_type", eventType).
		Uint64("sequence", seq).
		Bool("connected", connected).
		Msg("Envelope published")

	if connected {
		// Best effort immediate send. On transport failure the transmit
		// path disconnects the session and the envelope stays pending.
		_ = b.transmit(env)
	}

	return env, nil
}

// Acknowledge applies a cumulative ack for a session. Idempotent: repeating
// an ack clears nothing further and is not an error.
func (b *Bus) Acknowledge(sessionID string, upTo uint64) int {
	s := b.getSession(sessionID)
	if s == nil {
		return 0
	}

	cleared := b.tracker.Acknowledge(sessionID, upTo)

	s.mu.Lock()
	if upTo > s.lastAcked {
		s.lastAcked = upTo
	}
	s.touch(b.clock.Now())
	s.mu.Unlock()

	observability.SetPendingQueueSize(sessionID, b.tracker.PendingCount(sessionID))
	return cleared
}

// Abandon cancels a single pending envelope early. Advisory and idempotent.
func (b *Bus) Abandon(eventID string) bool {
	return b.tracker.Abandon(eventID)
}

// Subscribe registers a handler for the given event types (all when none are
// given) and returns a subscription ID for Unsubscribe.
func (b *Bus) Subscribe(handler Handler, types ...string) string {
	return b.subs.Add(handler, types...)
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(subscriptionID string) bool {
	return b.subs.Remove(subscriptionID)
}

// HandleInbound runs a received envelope through the session's duplicate
// filter and, when accepted, through the reorder buffer and out to every
// subscribed handler. It returns the cumulative ack the receiver should send
// upstream and whether the envelope was accepted (false means duplicate).
func (b *Bus) HandleInbound(ctx context.Context, env *delivery.Envelope) (delivery.Ack, bool) {
	ctx = tracing.WithSessionID(ctx, env.SessionID)
	ctx = tracing.WithEventID(ctx, env.EventID)
	ctx, span := tracing.StartSpan(
		ctx,
		"relia.eventbus",
		"eventbus.handle_inbound",
		attribute.String("session_id", env.SessionID),
		attribute.String("event_type", env.Type),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, b.logger)
	s := b.ensureSession(env.SessionID)

	s.mu.Lock()

	// Drop before the filter sees it: a dropped envelope must stay eligible
	// for redelivery, and the ack floor left behind keeps the sender
	// retransmitting it.
	if _, buffered := s.recvBuffer[env.Sequence]; !buffered &&
		env.Sequence > s.recvNext && len(s.recvBuffer) >= s.recvCap {
		ack := delivery.NewAck(env.SessionID, s.ackFloor())
		s.touch(b.clock.Now())
		s.mu.Unlock()

		logger.Warn().
			Uint64("sequence", env.Sequence).
			Uint64("expected", ack.UpToSequence+1).
			Msg("Reorder buffer full, out-of-order envelope dropped")
		return ack, false
	}

	if !s.filter.Accept(env) {
		ack := delivery.NewAck(env.SessionID, s.ackFloor())
		s.touch(b.clock.Now())
		s.mu.Unlock()

		observability.RecordDuplicate()
		logger.Debug().
			Uint64("sequence", env.Sequence).
			Msg("Duplicate suppressed")
		return ack, false
	}

	if env.Sequence < s.recvNext {
		// Sequence already processed but the event ID aged out of the
		// window. Treat as a duplicate by sequence; redelivering would
		// break exactly-once dispatch.
		ack := delivery.NewAck(env.SessionID, s.ackFloor())
		s.touch(b.clock.Now())
		s.mu.Unlock()

		observability.RecordDuplicate()
		logger.Debug().
			Uint64("sequence", env.Sequence).
			Msg("Stale sequence suppressed")
		return ack, false
	}

	// Buffer and drain the contiguous run. WebSocket is ordered per
	// connection but two sockets across a reconnect can interleave, so
	// gaps are held back until the missing sequence arrives via replay.
	s.recvBuffer[env.Sequence] = env
	var ready []*delivery.Envelope
	for {
		next, ok := s.recvBuffer[s.recvNext]
		if !ok {
			break
		}
		delete(s.recvBuffer, s.recvNext)
		ready = append(ready, next)
		s.recvNext++
	}
	ack := delivery.NewAck(env.SessionID, s.ackFloor())
	s.touch(b.clock.Now())
	s.mu.Unlock()

	for _, e := range ready {
		invoked := b.subs.Dispatch(e)
		observability.RecordDelivered(e.Type)
		logger.Debug().
			Str("event_id", e.EventID).
			Str("event_type", e.Type).
			Uint64("sequence", e.Sequence).
			Int("handlers", invoked).
			Msg("Envelope dispatched")
	}

	return ack, true
}

// Connect attaches a connection to a session, creating the session when it
// does not exist yet. Any envelopes queued while disconnected are streamed
// before live traffic resumes.
func (b *Bus) Connect(sessionID string, conn delivery.Sender) {
	s := b.ensureSession(sessionID)
	b.attach(s, conn, nil)
}

// Disconnect detaches the session's connection and freezes its retry
// timers. Pending envelopes are kept for replay.
func (b *Bus) Disconnect(sessionID string) {
	s := b.getSession(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	s.conn = nil
	s.state = StateDisconnected
	s.touch(b.clock.Now())
	s.mu.Unlock()

	b.tracker.Pause(sessionID)

	b.logger.Info().
		Str("session_id", sessionID).
		Int("pending", b.tracker.PendingCount(sessionID)).
		Msg("Session disconnected")
}

// Reconnect attaches a new connection to a known session and replays every
// pending envelope beyond the peer's last acked sequence, in order, before
// any new traffic. A nil peerLastAcked replays the whole pending queue:
// under-replay silently loses messages while over-replay is absorbed by the
// receiver's duplicate filter. Returns ErrSessionExpired when the session
// was destroyed by the idle-timeout janitor.
func (b *Bus) Reconnect(sessionID string, conn delivery.Sender, peerLastAcked *uint64) error {
	s := b.getSession(sessionID)
	if s == nil {
		observability.RecordSessionAudit(context.Background(), "reconnect_rejected", sessionID, "failure", map[string]interface{}{
			"reason": "session expired",
		})
		return delivery.ErrSessionExpired
	}
	b.attach(s, conn, peerLastAcked)
	return nil
}

// SessionInfo returns a snapshot of one session, or false if unknown
func (b *Bus) SessionInfo(sessionID string) (SessionInfo, bool) {
	s := b.getSession(sessionID)
	if s == nil {
		return SessionInfo{}, false
	}
	return b.snapshot(s), true
}

// Sessions returns snapshots of all live sessions sorted by ID
func (b *Bus) Sessions() []SessionInfo {
	b.mu.RLock()
	all := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		all = append(all, s)
	}
	b.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		infos = append(infos, b.snapshot(s))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close stops the janitor and the tracker. Pending envelopes are dropped
// without failure reports: the process is going away.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	stop := b.janitorStop
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	b.tracker.Close()

	b.logger.Info().Msg("Event bus closed")
	return nil
}

// transmit sends an envelope over the session's live connection. It is the
// tracker's transmit function: ErrNotConnected parks the retry instead of
// consuming budget; transport errors disconnect the session.
func (b *Bus) transmit(env *delivery.Envelope) error {
	s := b.getSession(env.SessionID)
	if s == nil {
		return delivery.ErrNotConnected
	}

	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return delivery.ErrNotConnected
	}

	if err := conn.SendEnvelope(env); err != nil {
		terr := &delivery.TransportError{Op: "send", Err: err}
		b.logger.Warn().
			Str("session_id", env.SessionID).
			Str("event_id", env.EventID).
			Err(terr).
			Msg("Transport send failed, disconnecting session")
		b.Disconnect(env.SessionID)
		return terr
	}
	return nil
}

func (b *Bus) getSession(sessionID string) *session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[sessionID]
}

func (b *Bus) ensureSession(sessionID string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		s = newSession(sessionID, b.cfg.DedupWindow, b.clock.Now())
		b.sessions[sessionID] = s
		observability.SetActiveSessions(len(b.sessions))

		b.logger.Info().
			Str("session_id", sessionID).
			Msg("Session created")
	}
	return s
}

func (b *Bus) snapshot(s *session) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:           s.id,
		State:        s.state,
		LastAcked:    s.lastAcked,
		Pending:      b.tracker.PendingCount(s.id),
		Duplicates:   s.filter.Duplicates(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}
