package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/relia/pkg/delivery"
	"github.com/harun/relia/pkg/eventbus"
	"github.com/harun/relia/pkg/gateway"
)

const testSecret = "test-secret"

type recordingHandler struct {
	mu   sync.Mutex
	envs []*delivery.Envelope
}

func (h *recordingHandler) handle(env *delivery.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.envs = append(h.envs, env)
	return nil
}

func (h *recordingHandler) sequences() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	seqs := make([]uint64, 0, len(h.envs))
	for _, env := range h.envs {
		seqs = append(seqs, env.Sequence)
	}
	return seqs
}

func startGateway(t *testing.T) (*eventbus.Bus, *httptest.Server, string) {
	t.Helper()

	bus, err := eventbus.New(eventbus.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	srv, err := gateway.NewServer(gateway.Config{
		Port:         18081,
		SharedSecret: testSecret,
		Bus:          bus,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return bus, ts, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestConsumer_ReceivesEventsInOrder(t *testing.T) {
	bus, _, wsURL := startGateway(t)

	handler := &recordingHandler{}
	consumer, err := New(Config{
		URL:          wsURL,
		SharedSecret: testSecret,
		SessionID:    "session-a",
		Handler:      handler.handle,
		Logger:       zerolog.Nop(),
		AckInterval:  20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = consumer.Run(ctx) }()

	require.Eventually(t, func() bool {
		info, ok := bus.SessionInfo("session-a")
		return ok && info.State == eventbus.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(context.Background(), "session-a", delivery.EventToolExecuting, json.RawMessage(`{"tool":"bash"}`))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(handler.sequences()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3}, handler.sequences())

	// Cumulative acks drain the pending queue on the server.
	require.Eventually(t, func() bool {
		info, ok := bus.SessionInfo("session-a")
		return ok && info.Pending == 0 && info.LastAcked == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(3), consumer.LastAcked())
}

func TestConsumer_SuppressesRetransmits(t *testing.T) {
	bus, _, wsURL := startGateway(t)

	handler := &recordingHandler{}
	consumer, err := New(Config{
		URL:          wsURL,
		SharedSecret: testSecret,
		SessionID:    "session-a",
		Handler:      handler.handle,
		Logger:       zerolog.Nop(),
		// Slow acks so the server's first retry fires and retransmits.
		AckInterval: 3 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = consumer.Run(ctx) }()

	require.Eventually(t, func() bool {
		info, ok := bus.SessionInfo("session-a")
		return ok && info.State == eventbus.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	_, err = bus.Publish(context.Background(), "session-a", delivery.EventAgentStarted, nil)
	require.NoError(t, err)

	// Wait past the 1s retry backoff: the envelope is sent again, the
	// handler must still see it exactly once.
	require.Eventually(t, func() bool {
		return consumer.Duplicates() >= 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []uint64{1}, handler.sequences())
}

func TestConsumer_ResumesAfterConnectionLoss(t *testing.T) {
	bus, ts, wsURL := startGateway(t)

	handler := &recordingHandler{}
	consumer, err := New(Config{
		URL:          wsURL,
		SharedSecret: testSecret,
		SessionID:    "session-a",
		Handler:      handler.handle,
		Logger:       zerolog.Nop(),
		AckInterval:  20 * time.Millisecond,
		ReconnectMin: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = consumer.Run(ctx) }()

	require.Eventually(t, func() bool {
		info, ok := bus.SessionInfo("session-a")
		return ok && info.State == eventbus.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	_, err = bus.Publish(context.Background(), "session-a", delivery.EventAgentStarted, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return consumer.LastAcked() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Drop every live connection; events published during the outage must
	// arrive after the consumer redials and resumes.
	ts.CloseClientConnections()
	require.Eventually(t, func() bool {
		info, ok := bus.SessionInfo("session-a")
		return ok && info.State == eventbus.StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	_, err = bus.Publish(context.Background(), "session-a", delivery.EventAgentCompleted, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(handler.sequences()) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []uint64{1, 2}, handler.sequences())
}

func TestConsumer_WrongSecretFailsAuth(t *testing.T) {
	_, _, wsURL := startGateway(t)

	consumer, err := New(Config{
		URL:          wsURL,
		SharedSecret: "wrong-secret",
		SessionID:    "session-a",
		Handler:      func(env *delivery.Envelope) error { return nil },
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	err = consumer.runOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication rejected")
}

func TestConsumer_ConfigValidation(t *testing.T) {
	_, err := New(Config{SessionID: "s", Handler: func(env *delivery.Envelope) error { return nil }})
	assert.Error(t, err)

	_, err = New(Config{URL: "ws://localhost/ws", Handler: func(env *delivery.Envelope) error { return nil }})
	assert.Error(t, err)

	_, err = New(Config{URL: "ws://localhost/ws", SessionID: "s"})
	assert.Error(t, err)
}

func TestConsumer_ReorderBufferIsBounded(t *testing.T) {
	handler := &recordingHandler{}
	c, err := New(Config{
		URL:         "ws://unused/ws",
		SessionID:   "session-a",
		Handler:     handler.handle,
		Logger:      zerolog.Nop(),
		DedupWindow: 3,
	})
	require.NoError(t, err)

	envs := make(map[uint64]*delivery.Envelope)
	for seq := uint64(1); seq <= 5; seq++ {
		envs[seq] = delivery.NewEnvelope("session-a", delivery.EventToolCompleted, seq, nil)
	}

	// 2, 3, 4 are held back waiting for 1; 5 overflows the cap and is dropped.
	for _, seq := range []uint64{2, 3, 4, 5} {
		c.consume(envs[seq])
	}
	assert.Empty(t, handler.sequences())
	assert.Zero(t, c.LastAcked())

	// The gap closes and the contiguous run drains.
	c.consume(envs[1])
	assert.Equal(t, []uint64{1, 2, 3, 4}, handler.sequences())
	assert.Equal(t, uint64(4), c.LastAcked())

	// The dropped envelope was never recorded by the filter, so its
	// retransmit still gets through.
	c.consume(envs[5])
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, handler.sequences())
	assert.Equal(t, uint64(5), c.LastAcked())
}
