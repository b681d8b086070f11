package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/relia/internal/observability"
	"github.com/harun/relia/internal/tracing"
	"github.com/harun/relia/pkg/delivery"
	"github.com/harun/relia/pkg/eventbus"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Server is the WebSocket delivery gateway. It owns the edge: upgrades,
// authentication, frame validation, and rate limits. Everything stateful
// about delivery lives in the bus.
type Server struct {
	port            int
	sharedSecret    string
	framesPerMinute int
	maxInFlight     int
	server          *http.Server
	upgrader        websocket.Upgrader
	clients         *ClientRegistry
	authHandler     *AuthHandler
	validator       *FrameValidator
	bus             *eventbus.Bus
	logger          zerolog.Logger
	isShuttingDown  bool
	shutdownMu      sync.RWMutex
	limitsMu        sync.RWMutex
	inFlightFrames  sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Port            int
	SharedSecret    string
	FramesPerMinute int
	MaxInFlight     int
	Bus             *eventbus.Bus
	Logger          zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if cfg.FramesPerMinute <= 0 {
		cfg.FramesPerMinute = DefaultFramesPerMinute
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}

	validator, err := NewFrameValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		port:            cfg.Port,
		sharedSecret:    cfg.SharedSecret,
		framesPerMinute: cfg.FramesPerMinute,
		maxInFlight:     cfg.MaxInFlight,
		clients:         NewClientRegistry(),
		authHandler:     NewAuthHandler(cfg.SharedSecret),
		validator:       validator,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}

	return s, nil
}

// Handler returns the gateway's HTTP handler. Exposed for tests that mount
// the gateway on an httptest server instead of a real port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/publish", s.handlePublish)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start starts the gateway server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway server")

	// Start server in goroutine so it doesn't block
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the gateway server. Sessions stay in the bus so a
// restarted gateway can resume them; only the connections die here.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	// Wait for in-flight frames with timeout
	done := make(chan struct{})
	go func() {
		s.inFlightFrames.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight frames completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	// Close all client connections
	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	s.limitsMu.RLock()
	framesPerMinute, maxInFlight := s.framesPerMinute, s.maxInFlight
	s.limitsMu.RUnlock()

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewFrameRateLimiterWithLimits(framesPerMinute, maxInFlight),
		State:        StateConnecting,
	}

	s.clients.Add(client)

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to send auth challenge")
		conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

// sendAuthChallenge sends an authentication challenge to a client
func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating

	return client.WriteJSON(AuthChallenge{
		Type:      TypeAuthChallenge,
		Challenge: challenge,
	})
}

// handleClient reads frames from a client until the connection dies. On exit
// the session is detached from the bus unless a newer connection already
// took it over.
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		client.State = StateClosed
		s.clients.Remove(client.ID)

		if client.SessionID != "" {
			if _, taken := s.clients.FindBySession(client.SessionID); !taken {
				s.bus.Disconnect(client.SessionID)
			}
		}

		s.logger.Info().
			Str("client_id", client.ID).
			Str("session_id", client.SessionID).
			Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			break
		}

		s.clients.UpdateActivity(client.ID)
		s.handleFrame(client, message)
	}
}

// handleFrame handles a single frame from a client
func (s *Server) handleFrame(client *Client, raw []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		s.sendError(client, CodeParseError, "frame is not valid JSON")
		return
	}

	if err := s.validator.Validate(head.Type, raw); err != nil {
		s.sendError(client, CodeInvalidFrame, err.Error())
		return
	}

	if head.Type == TypeAuth {
		var frame AuthFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendError(client, CodeParseError, "malformed auth frame")
			return
		}
		s.handleAuth(client, frame)
		return
	}

	if !client.Authenticated {
		s.sendError(client, CodeAuthRequired, "authentication required")
		return
	}

	allowed, reason := client.RateLimiter.CheckFrameAllowed()
	if !allowed {
		code := CodeRateLimited
		if reason == "too many in-flight frames" {
			code = CodeTooManyInFlight
		}
		s.sendError(client, code, reason)
		return
	}

	client.RateLimiter.RecordFrameStart()
	s.inFlightFrames.Add(1)
	defer func() {
		client.RateLimiter.RecordFrameEnd()
		s.inFlightFrames.Done()
	}()

	switch head.Type {
	case delivery.TypeResume:
		var frame delivery.Resume
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendError(client, CodeParseError, "malformed resume frame")
			return
		}
		s.handleResume(client, frame)
	case delivery.TypeAck:
		var frame delivery.Ack
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendError(client, CodeParseError, "malformed ack frame")
			return
		}
		s.handleAck(client, frame)
	default:
		s.sendError(client, CodeInvalidFrame, fmt.Sprintf("unknown frame type %q", head.Type))
	}
}

// handleAuth handles an authentication frame
func (s *Server) handleAuth(client *Client, frame AuthFrame) {
	result := s.authHandler.HandleAuthFrame(client, frame.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("client_id", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")

		if client.AuthAttempts >= maxAuthAttempts {
			client.Conn.Close()
		}
		return
	}

	s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
}

// handleResume attaches the client's connection to a bus session, replaying
// queued envelopes before any live traffic. A resume frame carrying
// last_acked_sequence for a session the bus no longer knows means the
// session expired; the client must start over with a fresh session.
func (s *Server) handleResume(client *Client, frame delivery.Resume) {
	if client.SessionID != "" {
		s.sendError(client, CodeInvalidFrame, "connection is already attached to a session")
		return
	}

	// A newer connection for the same session evicts the old one.
	if prev, ok := s.clients.FindBySession(frame.SessionID); ok && prev.ID != client.ID {
		s.logger.Info().
			Str("session_id", frame.SessionID).
			Str("evicted_client_id", prev.ID).
			Msg("Session taken over by new connection")
		prev.SessionID = ""
		prev.Conn.Close()
	}

	sender := &connSender{client: client}
	_, known := s.bus.SessionInfo(frame.SessionID)

	switch {
	case known:
		if err := s.bus.Reconnect(frame.SessionID, sender, frame.LastAckedSequence); err != nil {
			s.sendError(client, CodeSessionExpired, "session expired")
			return
		}
	case frame.LastAckedSequence != nil:
		// The client believes it has session state we no longer hold.
		s.sendError(client, CodeSessionExpired, "session expired")
		return
	default:
		s.bus.Connect(frame.SessionID, sender)
	}

	client.SessionID = frame.SessionID
	client.State = StateAttached

	info, _ := s.bus.SessionInfo(frame.SessionID)
	if err := client.WriteJSON(Resumed{
		Type:      TypeResumed,
		SessionID: frame.SessionID,
		Replayed:  info.Pending,
	}); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send resumed frame")
		return
	}

	s.logger.Info().
		Str("client_id", client.ID).
		Str("session_id", frame.SessionID).
		Int("pending", info.Pending).
		Msg("Client attached to session")
}

// handleAck feeds a cumulative ack frame into the bus
func (s *Server) handleAck(client *Client, frame delivery.Ack) {
	if client.SessionID == "" {
		s.sendError(client, CodeResumeRequired, "resume handshake required before acks")
		return
	}
	if frame.SessionID != client.SessionID {
		s.sendError(client, CodeInvalidFrame, "ack names a session this connection is not attached to")
		return
	}

	cleared := s.bus.Acknowledge(frame.SessionID, frame.UpToSequence)

	s.logger.Debug().
		Str("session_id", frame.SessionID).
		Uint64("up_to", frame.UpToSequence).
		Int("cleared", cleared).
		Msg("Ack frame applied")
}

// sendError sends a coded error frame to a client
func (s *Server) sendError(client *Client, code int, message string) {
	frame := ErrorFrame{
		Type:    delivery.TypeError,
		Code:    code,
		Message: message,
	}

	if err := client.WriteJSON(frame); err != nil {
		s.logger.Error().
			Err(err).
			Str("client_id", client.ID).
			Msg("Failed to send error frame")
	}
}

// publishRequest is the body of a single-shot HTTP publish
type publishRequest struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// handlePublish accepts a single-shot HTTP publish into a session, guarded
// by the shared secret. This is the operator-facing side door; the normal
// path is the embedding process calling Bus.Publish directly.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.Header.Get("X-Relia-Secret") != s.sharedSecret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req publishRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	env, err := s.bus.Publish(ctx, req.SessionID, req.Type, req.Data)
	if err != nil {
		logger.Warn().Err(err).Msg("HTTP publish rejected")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	logger.Info().
		Str("trace_id", traceID).
		Str("session_id", req.SessionID).
		Str("event_type", req.Type).
		Uint64("sequence", env.Sequence).
		Msg("HTTP publish accepted")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Error().Err(err).Msg("Failed to encode publish response")
	}
}

// handleSessions returns a snapshot of every live session, guarded by the
// shared secret.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.Header.Get("X-Relia-Secret") != s.sharedSecret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.bus.Sessions()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode sessions response")
	}
}

// UpdateRateLimits applies new frame rate limits to current and future
// connections. Called on config hot reload.
func (s *Server) UpdateRateLimits(framesPerMinute, maxInFlight int) {
	if framesPerMinute <= 0 {
		framesPerMinute = DefaultFramesPerMinute
	}
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}

	s.limitsMu.Lock()
	s.framesPerMinute = framesPerMinute
	s.maxInFlight = maxInFlight
	s.limitsMu.Unlock()

	for _, client := range s.clients.GetAll() {
		client.RateLimiter.UpdateLimits(framesPerMinute, maxInFlight)
	}

	s.logger.Info().
		Int("frames_per_minute", framesPerMinute).
		Int("max_in_flight", maxInFlight).
		Msg("Rate limits updated")
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
