package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/relia/pkg/delivery"
	"github.com/harun/relia/pkg/gateway"
)

// Default reconnect policy
const (
	DefaultReconnectMin = 1 * time.Second
	DefaultReconnectMax = 30 * time.Second
	DefaultAckInterval  = 200 * time.Millisecond
)

// Handler consumes one delivered envelope. Envelopes arrive in sequence
// order, each exactly once.
type Handler func(env *delivery.Envelope) error

// Config holds consumer configuration
type Config struct {
	URL          string // ws://host:port/ws
	SharedSecret string
	SessionID    string
	Handler      Handler
	Logger       zerolog.Logger

	DedupWindow  int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	AckInterval  time.Duration
}

// Consumer is the receive side of a session. It dials the gateway, performs
// the auth and resume handshakes, dispatches envelopes to the handler, and
// sends cumulative acks. Dropped connections are redialed with exponential
// backoff, resuming from the last acknowledged sequence.
type Consumer struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	filter     *delivery.DuplicateFilter
	nextSeq    uint64
	reorder    map[uint64]*delivery.Envelope
	reorderCap int
	ackDirty   bool
	everAcked  bool
}

// New creates a consumer
func New(cfg Config) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = delivery.DefaultDedupWindow
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if cfg.AckInterval <= 0 {
		cfg.AckInterval = DefaultAckInterval
	}

	return &Consumer{
		cfg:        cfg,
		logger:     cfg.Logger,
		filter:     delivery.NewDuplicateFilter(cfg.DedupWindow),
		nextSeq:    1,
		reorder:    make(map[uint64]*delivery.Envelope),
		reorderCap: cfg.DedupWindow,
	}, nil
}

// LastAcked returns the highest contiguous sequence processed so far
func (c *Consumer) LastAcked() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq - 1
}

// Duplicates returns how many retransmits the duplicate filter suppressed
func (c *Consumer) Duplicates() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.Duplicates()
}

// Run connects and consumes until the context is canceled or the session
// expires on the server. Transport failures are retried with exponential
// backoff; ErrSessionExpired is terminal, the caller must start a fresh
// session.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin

	for {
		err := c.runOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case errors.Is(err, delivery.ErrSessionExpired):
			return err
		case err == nil:
			backoff = c.cfg.ReconnectMin
		default:
			c.logger.Warn().
				Err(err).
				Dur("backoff", backoff).
				Msg("Connection lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// runOnce handles one connection lifetime: dial, auth, resume, consume
func (c *Consumer) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return &delivery.TransportError{Op: "dial", Err: err}
	}
	defer conn.Close()

	// Close the socket when the context dies so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := c.authenticate(conn); err != nil {
		return err
	}
	if err := c.resume(conn); err != nil {
		return err
	}

	c.logger.Info().
		Str("session_id", c.cfg.SessionID).
		Uint64("last_acked", c.LastAcked()).
		Msg("Session resumed")

	// Periodic ack flush so a quiet stretch still confirms progress.
	flushStop := make(chan struct{})
	defer close(flushStop)
	go c.flushLoop(conn, flushStop)

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &delivery.TransportError{Op: "read", Err: err}
		}
		if err := c.handleFrame(raw); err != nil {
			return err
		}
	}
}

// authenticate answers the server's challenge
func (c *Consumer) authenticate(conn *websocket.Conn) error {
	var challenge gateway.AuthChallenge
	if err := conn.ReadJSON(&challenge); err != nil {
		return &delivery.TransportError{Op: "read challenge", Err: err}
	}
	if challenge.Type != gateway.TypeAuthChallenge {
		return fmt.Errorf("expected auth challenge, got %q", challenge.Type)
	}

	if err := conn.WriteJSON(gateway.AuthFrame{
		Type:      gateway.TypeAuth,
		Signature: gateway.Sign(c.cfg.SharedSecret, challenge.Challenge),
	}); err != nil {
		return &delivery.TransportError{Op: "write auth", Err: err}
	}

	var result gateway.AuthResult
	if err := conn.ReadJSON(&result); err != nil {
		return &delivery.TransportError{Op: "read auth result", Err: err}
	}
	if !result.Success {
		return fmt.Errorf("authentication rejected: %s", result.Message)
	}
	return nil
}

// resume sends the resume frame carrying our ack floor. Replayed envelopes
// arrive through the normal read loop; duplicates among them are filtered.
func (c *Consumer) resume(conn *websocket.Conn) error {
	frame := delivery.Resume{
		Type:      delivery.TypeResume,
		SessionID: c.cfg.SessionID,
	}

	c.mu.Lock()
	if c.everAcked {
		floor := c.nextSeq - 1
		frame.LastAckedSequence = &floor
	}
	c.mu.Unlock()

	if err := conn.WriteJSON(frame); err != nil {
		return &delivery.TransportError{Op: "write resume", Err: err}
	}
	return nil
}

// handleFrame routes one inbound frame
func (c *Consumer) handleFrame(raw []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping unparseable frame")
		return nil
	}

	switch head.Type {
	case gateway.TypeResumed:
		return nil
	case delivery.TypeError:
		var frame gateway.ErrorFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return fmt.Errorf("malformed error frame: %w", err)
		}
		if frame.Code == gateway.CodeSessionExpired {
			return delivery.ErrSessionExpired
		}
		c.logger.Warn().
			Int("code", frame.Code).
			Str("message", frame.Message).
			Msg("Gateway reported an error")
		return nil
	default:
		var env delivery.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed envelope")
			return nil
		}
		c.consume(&env)
		return nil
	}
}

// consume runs an envelope through the duplicate filter and the reorder
// buffer, dispatching the contiguous run to the handler.
func (c *Consumer) consume(env *delivery.Envelope) {
	c.mu.Lock()

	// Bounded hold-back: past the cap an out-of-order envelope is dropped
	// before the filter records it, so the server's retransmit of the same
	// event ID is still accepted once the gap closes.
	if _, buffered := c.reorder[env.Sequence]; !buffered &&
		env.Sequence > c.nextSeq && len(c.reorder) >= c.reorderCap {
		c.mu.Unlock()

		c.logger.Warn().
			Str("event_id", env.EventID).
			Uint64("sequence", env.Sequence).
			Msg("Reorder buffer full, out-of-order envelope dropped")
		return
	}

	if !c.filter.Accept(env) || env.Sequence < c.nextSeq {
		c.ackDirty = true
		c.mu.Unlock()

		c.logger.Debug().
			Str("event_id", env.EventID).
			Uint64("sequence", env.Sequence).
			Msg("Duplicate suppressed")
		return
	}

	c.reorder[env.Sequence] = env
	var ready []*delivery.Envelope
	for {
		next, ok := c.reorder[c.nextSeq]
		if !ok {
			break
		}
		delete(c.reorder, c.nextSeq)
		ready = append(ready, next)
		c.nextSeq++
	}
	if len(ready) > 0 {
		c.ackDirty = true
		c.everAcked = true
	}
	c.mu.Unlock()

	for _, e := range ready {
		if err := c.cfg.Handler(e); err != nil {
			c.logger.Warn().
				Err(err).
				Str("event_id", e.EventID).
				Uint64("sequence", e.Sequence).
				Msg("Handler returned error")
		}
	}
}

// flushLoop sends a cumulative ack whenever progress was made since the
// last flush.
func (c *Consumer) flushLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.AckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			dirty := c.ackDirty
			floor := c.nextSeq - 1
			c.ackDirty = false
			c.mu.Unlock()

			if !dirty {
				continue
			}
			if err := conn.WriteJSON(delivery.NewAck(c.cfg.SessionID, floor)); err != nil {
				c.logger.Debug().Err(err).Msg("Ack flush failed, connection is gone")
				return
			}
		}
	}
}
