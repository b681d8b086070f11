package delivery

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/harun/relia/internal/observability"
	"github.com/rs/zerolog"
)

// Default retry policy
const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMaxRetries     = 5
	DefaultFailureBuffer  = 128
)

// TransmitFunc sends an envelope over the session's active connection. It
// returns ErrNotConnected when the session has no live connection; any other
// error is treated as a transport failure.
type TransmitFunc func(env *Envelope) error

// TrackerConfig holds tracker tuning
type TrackerConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
	FailureBuffer  int
	Clock          clock.Clock
	Logger         zerolog.Logger
}

type trackedEntry struct {
	env     *Envelope
	timer   *clock.Timer
	backoff time.Duration
	parked  bool
}

// Tracker guarantees at-least-once delivery of every tracked envelope until
// it is acknowledged or abandoned. Each pending envelope carries a retry
// timer with exponential backoff; cumulative acknowledgment cancels timers.
//
// Retry timers freeze while a session is disconnected (Pause). A retry only
// consumes budget when a live connection gave it a chance to be transmitted,
// so a long outage cannot burn the entire budget against a dead link.
type Tracker struct {
	cfg      TrackerConfig
	transmit TransmitFunc
	clock    clock.Clock
	logger   zerolog.Logger

	mu        sync.Mutex
	byEvent   map[string]*trackedEntry
	bySession map[string]map[uint64]*trackedEntry
	paused    map[string]bool
	closed    bool

	failures chan DeliveryFailure
}

// NewTracker creates a tracker that transmits retries through the given
// function. Zero-valued config fields fall back to the package defaults.
func NewTracker(cfg TrackerConfig, transmit TransmitFunc) *Tracker {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.FailureBuffer <= 0 {
		cfg.FailureBuffer = DefaultFailureBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Tracker{
		cfg:       cfg,
		transmit:  transmit,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		byEvent:   make(map[string]*trackedEntry),
		bySession: make(map[string]map[uint64]*trackedEntry),
		paused:    make(map[string]bool),
		failures:  make(chan DeliveryFailure, cfg.FailureBuffer),
	}
}

// Failures returns the channel on which terminal delivery failures are
// reported. The channel is closed by Close.
func (t *Tracker) Failures() <-chan DeliveryFailure {
	return t.failures
}

// Track registers a pending envelope and arms its first retry timer. If the
// session is currently paused the entry is parked until Resume.
func (t *Tracker) Track(env *Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	// Restamp from the tracker's clock so ack latency is measured against
	// the same time source that drives the retry timers.
	env.Timestamp = t.clock.Now().UTC()

	e := &trackedEntry{
		env:     env,
		backoff: t.cfg.InitialBackoff,
	}

	t.byEvent[env.EventID] = e
	sess := t.bySession[env.SessionID]
	if sess == nil {
		sess = make(map[uint64]*trackedEntry)
		t.bySession[env.SessionID] = sess
	}
	sess[env.Sequence] = e

	if t.paused[env.SessionID] {
		e.parked = true
		return
	}
	t.arm(e)
}

// arm schedules the entry's retry timer. Caller holds t.mu.
func (t *Tracker) arm(e *trackedEntry) {
	eventID := e.env.EventID
	e.timer = t.clock.AfterFunc(e.backoff, func() {
		t.expire(eventID)
	})
}

// expire handles a retry timer firing
func (t *Tracker) expire(eventID string) {
	t.mu.Lock()

	e, ok := t.byEvent[eventID]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}

	if t.paused[e.env.SessionID] {
		e.parked = true
		t.mu.Unlock()
		return
	}

	if e.env.RetryCount >= t.cfg.MaxRetries {
		t.abandonLocked(e, ErrRetriesExhausted)
		t.mu.Unlock()
		return
	}

	env := e.env
	t.mu.Unlock()

	// Transmit outside the lock: the transmit func may call back into the
	// bus, which may Pause this tracker on transport failure.
	err := t.transmit(env)

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok = t.byEvent[eventID]
	if !ok || t.closed {
		return
	}

	if err == ErrNotConnected {
		// No live connection: park without consuming retry budget; the
		// reconnection replay will carry this envelope instead.
		e.parked = true
		return
	}

	e.env.RetryCount++
	observability.RecordRetry(e.env.Type)

	t.logger.Debug().
		Str("session_id", e.env.SessionID).
		Str("event_id", eventID).
		Uint64("sequence", e.env.Sequence).
		Int("retry_count", e.env.RetryCount).
		Err(err).
		Msg("Envelope redelivered")

	e.backoff *= 2
	if e.backoff > t.cfg.MaxBackoff {
		e.backoff = t.cfg.MaxBackoff
	}

	if t.paused[e.env.SessionID] {
		e.parked = true
		return
	}
	t.arm(e)
}

// Acknowledge marks every pending envelope with sequence <= upTo as
// acknowledged and cancels its timer. Acknowledgment is cumulative and
// idempotent; acking the same sequence twice is a no-op the second time.
// It returns the number of envelopes cleared.
func (t *Tracker) Acknowledge(sessionID string, upTo uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess := t.bySession[sessionID]
	if len(sess) == 0 {
		return 0
	}

	cleared := 0
	for seq, e := range sess {
		if seq > upTo {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		e.env.AckState = AckAcknowledged
		delete(sess, seq)
		delete(t.byEvent, e.env.EventID)
		cleared++
		observability.ObserveAckLatency(t.clock.Since(e.env.Timestamp))
	}
	if len(sess) == 0 {
		delete(t.bySession, sessionID)
	}

	if cleared > 0 {
		observability.RecordAcknowledged(cleared)
		t.logger.Debug().
			Str("session_id", sessionID).
			Uint64("up_to", upTo).
			Int("cleared", cleared).
			Msg("Cumulative ack applied")
	}
	return cleared
}

// Abandon cancels a single pending envelope early, e.g. when it has been
// superseded. It is advisory and idempotent, and does not report a delivery
// failure: the caller chose to give up.
func (t *Tracker) Abandon(eventID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byEvent[eventID]
	if !ok {
		return false
	}
	t.removeLocked(e)
	e.env.AckState = AckAbandoned
	return true
}

// Pause freezes retry timers for a session. Called on disconnect so retries
// are not sent over a dead socket.
func (t *Tracker) Pause(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.paused[sessionID] = true
	for _, e := range t.bySession[sessionID] {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.parked = true
	}
}

// Resume restarts retry timers for a session against its new connection.
// Parked entries keep the backoff they had reached before the pause.
func (t *Tracker) Resume(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.paused, sessionID)
	for _, e := range t.bySession[sessionID] {
		if !e.parked {
			continue
		}
		e.parked = false
		t.arm(e)
	}
}

// Pending returns the session's unacknowledged envelopes in ascending
// sequence order. This is the replay set source for reconnection.
func (t *Tracker) Pending(sessionID string) []*Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess := t.bySession[sessionID]
	if len(sess) == 0 {
		return nil
	}

	envs := make([]*Envelope, 0, len(sess))
	for _, e := range sess {
		envs = append(envs, e.env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Sequence < envs[j].Sequence })
	return envs
}

// PendingCount returns the number of unacknowledged envelopes for a session
func (t *Tracker) PendingCount(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySession[sessionID])
}

// DropSession abandons every pending envelope for a destroyed session and
// reports each one as a delivery failure with the given reason.
func (t *Tracker) DropSession(sessionID string, reason error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess := t.bySession[sessionID]
	dropped := 0
	for _, e := range sess {
		t.abandonLocked(e, reason)
		dropped++
	}
	delete(t.bySession, sessionID)
	delete(t.paused, sessionID)
	return dropped
}

// abandonLocked marks an entry abandoned and reports the failure. Caller
// holds t.mu.
func (t *Tracker) abandonLocked(e *trackedEntry, reason error) {
	t.removeLocked(e)
	e.env.AckState = AckAbandoned
	observability.RecordAbandoned(e.env.Type)

	t.logger.Warn().
		Str("session_id", e.env.SessionID).
		Str("event_id", e.env.EventID).
		Uint64("sequence", e.env.Sequence).
		Int("retry_count", e.env.RetryCount).
		Err(reason).
		Msg("Envelope abandoned")

	failure := DeliveryFailure{Envelope: e.env, Reason: reason}
	select {
	case t.failures <- failure:
	default:
		t.logger.Error().
			Str("event_id", e.env.EventID).
			Msg("Failure channel full, delivery failure not consumed")
	}
}

// removeLocked detaches an entry from both indexes and stops its timer.
// Caller holds t.mu.
func (t *Tracker) removeLocked(e *trackedEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(t.byEvent, e.env.EventID)
	if sess := t.bySession[e.env.SessionID]; sess != nil {
		delete(sess, e.env.Sequence)
		if len(sess) == 0 {
			delete(t.bySession, e.env.SessionID)
		}
	}
}

// Close stops all timers and closes the failure channel
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true

	for _, e := range t.byEvent {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	close(t.failures)
}
