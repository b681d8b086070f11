package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/relia/pkg/delivery"
	"github.com/harun/relia/pkg/eventbus"
)

const testSecret = "test-secret"

func newTestGateway(t *testing.T) (*Server, *eventbus.Bus, *httptest.Server) {
	t.Helper()

	bus, err := eventbus.New(eventbus.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	srv, err := NewServer(Config{
		Port:         18080,
		SharedSecret: testSecret,
		Bus:          bus,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return srv, bus, ts
}

func dialGateway(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// dialAndAuth runs the challenge/response handshake and leaves the
// connection authenticated.
func dialAndAuth(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	conn := dialGateway(t, ts)

	challenge := readFrame(t, conn)
	require.Equal(t, TypeAuthChallenge, challenge["type"])

	require.NoError(t, conn.WriteJSON(AuthFrame{
		Type:      TypeAuth,
		Signature: Sign(testSecret, challenge["challenge"].(string)),
	}))

	result := readFrame(t, conn)
	require.Equal(t, TypeAuthResult, result["type"])
	require.Equal(t, true, result["success"])

	return conn
}

func attachSession(t *testing.T, conn *websocket.Conn, sessionID string) map[string]interface{} {
	t.Helper()

	require.NoError(t, conn.WriteJSON(delivery.Resume{
		Type:      delivery.TypeResume,
		SessionID: sessionID,
	}))
	resumed := readFrame(t, conn)
	require.Equal(t, TypeResumed, resumed["type"])
	return resumed
}

func TestServer_HandshakeAndLiveDelivery(t *testing.T) {
	_, bus, ts := newTestGateway(t)
	conn := dialAndAuth(t, ts)

	resumed := attachSession(t, conn, "session-a")
	assert.Equal(t, "session-a", resumed["session_id"])
	assert.Equal(t, float64(0), resumed["replayed"])

	env, err := bus.Publish(context.Background(), "session-a", delivery.EventAgentStarted, json.RawMessage(`{"agent":"captain"}`))
	require.NoError(t, err)

	frame := readFrame(t, conn)
	assert.Equal(t, delivery.EventAgentStarted, frame["type"])
	assert.Equal(t, env.EventID, frame["event_id"])
	assert.Equal(t, float64(1), frame["sequence"])

	require.NoError(t, conn.WriteJSON(delivery.NewAck("session-a", 1)))

	require.Eventually(t, func() bool {
		info, ok := bus.SessionInfo("session-a")
		return ok && info.Pending == 0 && info.LastAcked == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ResumeReplaysQueuedEnvelopes(t *testing.T) {
	_, bus, ts := newTestGateway(t)

	// Events published before any consumer connected queue in the session.
	for i := 0; i < 3; i++ {
		_, err := bus.Publish(context.Background(), "session-a", delivery.EventToolExecuting, nil)
		require.NoError(t, err)
	}

	conn := dialAndAuth(t, ts)
	require.NoError(t, conn.WriteJSON(delivery.Resume{
		Type:      delivery.TypeResume,
		SessionID: "session-a",
	}))

	// Replay streams before the resumed confirmation.
	for want := uint64(1); want <= 3; want++ {
		frame := readFrame(t, conn)
		assert.Equal(t, float64(want), frame["sequence"])
	}

	resumed := readFrame(t, conn)
	assert.Equal(t, TypeResumed, resumed["type"])
	assert.Equal(t, float64(3), resumed["replayed"])
}

func TestServer_ResumeExpiredSessionRejected(t *testing.T) {
	_, _, ts := newTestGateway(t)
	conn := dialAndAuth(t, ts)

	lastAcked := uint64(5)
	require.NoError(t, conn.WriteJSON(delivery.Resume{
		Type:              delivery.TypeResume,
		SessionID:         "long-gone",
		LastAckedSequence: &lastAcked,
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, delivery.TypeError, frame["type"])
	assert.Equal(t, float64(CodeSessionExpired), frame["code"])
}

func TestServer_FramesRequireAuthentication(t *testing.T) {
	_, _, ts := newTestGateway(t)
	conn := dialGateway(t, ts)

	challenge := readFrame(t, conn)
	require.Equal(t, TypeAuthChallenge, challenge["type"])

	require.NoError(t, conn.WriteJSON(delivery.NewAck("session-a", 1)))

	frame := readFrame(t, conn)
	assert.Equal(t, delivery.TypeError, frame["type"])
	assert.Equal(t, float64(CodeAuthRequired), frame["code"])
}

func TestServer_BadSignatureFailsAuth(t *testing.T) {
	_, _, ts := newTestGateway(t)
	conn := dialGateway(t, ts)

	challenge := readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(AuthFrame{
		Type:      TypeAuth,
		Signature: Sign("wrong-secret", challenge["challenge"].(string)),
	}))

	result := readFrame(t, conn)
	assert.Equal(t, TypeAuthResult, result["type"])
	assert.Equal(t, false, result["success"])
}

func TestServer_AckBeforeResumeRejected(t *testing.T) {
	_, _, ts := newTestGateway(t)
	conn := dialAndAuth(t, ts)

	require.NoError(t, conn.WriteJSON(delivery.NewAck("session-a", 1)))

	frame := readFrame(t, conn)
	assert.Equal(t, delivery.TypeError, frame["type"])
	assert.Equal(t, float64(CodeResumeRequired), frame["code"])
}

func TestServer_MalformedResumeRejected(t *testing.T) {
	_, _, ts := newTestGateway(t)
	conn := dialAndAuth(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resume"}`)))

	frame := readFrame(t, conn)
	assert.Equal(t, delivery.TypeError, frame["type"])
	assert.Equal(t, float64(CodeInvalidFrame), frame["code"])
}

func TestServer_NewConnectionEvictsOldOne(t *testing.T) {
	_, bus, ts := newTestGateway(t)

	conn1 := dialAndAuth(t, ts)
	attachSession(t, conn1, "session-a")

	conn2 := dialAndAuth(t, ts)
	attachSession(t, conn2, "session-a")

	env, err := bus.Publish(context.Background(), "session-a", delivery.EventAgentThinking, nil)
	require.NoError(t, err)

	frame := readFrame(t, conn2)
	assert.Equal(t, env.EventID, frame["event_id"])

	// The evicted connection is closed by the server.
	require.NoError(t, conn1.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var discard map[string]interface{}
		if err := conn1.ReadJSON(&discard); err != nil {
			break
		}
	}
}

func TestServer_HTTPEndpoints(t *testing.T) {
	_, bus, ts := newTestGateway(t)

	t.Run("healthz is open", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("publish requires the shared secret", func(t *testing.T) {
		body := []byte(`{"session_id":"session-a","type":"agent_started"}`)
		resp, err := http.Post(ts.URL+"/publish", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("publish with secret queues an envelope", func(t *testing.T) {
		body := []byte(`{"session_id":"session-a","type":"agent_started","data":{"agent":"captain"}}`)
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/publish", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-Relia-Secret", testSecret)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		var env delivery.Envelope
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		assert.Equal(t, uint64(1), env.Sequence)

		info, ok := bus.SessionInfo("session-a")
		require.True(t, ok)
		assert.Equal(t, 1, info.Pending)
	})

	t.Run("sessions lists live sessions with secret", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/sessions", nil)
		require.NoError(t, err)
		req.Header.Set("X-Relia-Secret", testSecret)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var infos []eventbus.SessionInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
		require.Len(t, infos, 1)
		assert.Equal(t, "session-a", infos[0].ID)
	})

	t.Run("metrics endpoint responds", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
