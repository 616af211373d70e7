// SPDX-License-Identifier: MIT
package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wearstream/internal/config"
	"wearstream/internal/protocol"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func testConfig() config.SessionConfig {
	cfg := config.Default().Session
	cfg.WriteWait = time.Second
	cfg.PongWait = 2 * time.Second
	cfg.PingInterval = time.Second
	cfg.RetryBackoffBase = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	return cfg
}

func waitForKind(t *testing.T, s *Session, kind StateKind) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State().Kind == kind }, waitFor, tick,
		"state never reached %s, last %s", kind, s.State())
}

func TestConnectIgnoredWhileConnectingOrConnected(t *testing.T) {
	dialer := &fakeDialer{conn: newFakeConn(), block: make(chan struct{})}
	s := New(testConfig(), WithDialer(dialer))
	defer s.Disconnect()

	require.True(t, s.Connect(context.Background(), "ws://peer/ws"))
	assert.Equal(t, Connecting, s.State().Kind)
	require.Eventually(t, func() bool { return dialer.calls.Load() == 1 }, waitFor, tick)

	assert.False(t, s.Connect(context.Background(), "ws://peer/ws"))
	assert.Equal(t, Connecting, s.State().Kind)

	close(dialer.block)
	waitForKind(t, s, Connected)

	assert.False(t, s.Connect(context.Background(), "ws://other/ws"))
	assert.Equal(t, Connected, s.State().Kind)
	assert.Equal(t, int32(1), dialer.calls.Load(), "no second handshake")
	assert.Equal(t, "ws://peer/ws", s.Address())
}

func TestDisconnectIdempotent(t *testing.T) {
	t.Run("from disconnected", func(t *testing.T) {
		s := New(testConfig(), WithDialer(&fakeDialer{conn: newFakeConn()}))
		rec := &recorder{}
		s.Subscribe(rec.observe)

		s.Disconnect()
		s.Disconnect()
		assert.Equal(t, Disconnected, s.State().Kind)
		assert.Empty(t, rec.kinds(), "no transition when already disconnected")
	})

	t.Run("from connecting", func(t *testing.T) {
		conn := newFakeConn()
		dialer := &fakeDialer{conn: conn, block: make(chan struct{})}
		s := New(testConfig(), WithDialer(dialer))

		require.True(t, s.Connect(context.Background(), "ws://peer/ws"))
		s.Disconnect()
		assert.Equal(t, Disconnected, s.State().Kind)
		s.Disconnect()
		assert.Equal(t, Disconnected, s.State().Kind)

		// A handshake completing after the disconnect must not revive the session.
		close(dialer.block)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, Disconnected, s.State().Kind)
		assert.Zero(t, conn.writeCount())
	})

	t.Run("from connected", func(t *testing.T) {
		conn := newFakeConn()
		s := New(testConfig(), WithDialer(&fakeDialer{conn: conn}))
		rec := &recorder{}
		s.Subscribe(rec.observe)

		require.True(t, s.Connect(context.Background(), "ws://peer/ws"))
		waitForKind(t, s, Connected)

		s.Disconnect()
		s.Disconnect()
		assert.Equal(t, Disconnected, s.State().Kind)
		assert.True(t, conn.isClosed())
		assert.Equal(t, 1, conn.controlCount(websocket.CloseMessage), "one normal-closure frame")
		assert.Equal(t, []StateKind{Connecting, Connected, Disconnected}, rec.kinds())
	})
}

func TestSendRequiresConnected(t *testing.T) {
	conn := newFakeConn()
	s := New(testConfig(), WithDialer(&fakeDialer{conn: conn}))

	assert.False(t, s.Send(protocol.AudioStop{}))
	assert.Zero(t, conn.writeCount())

	require.True(t, s.Connect(context.Background(), "ws://peer/ws"))
	waitForKind(t, s, Connected)
	assert.True(t, s.Send(protocol.AudioChunk{PCM: []byte{1, 2}}))
	assert.Equal(t, 1, conn.writeCount())

	s.Disconnect()
	assert.False(t, s.Send(protocol.AudioStop{}))
	assert.False(t, s.Send(protocol.Frame{Image: []byte{1}}))
	assert.Equal(t, 1, conn.writeCount(), "rejected sends never reach the connection")
}

func TestSendNotReachingNetworkWhileConnecting(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conn: conn, block: make(chan struct{})}
	s := New(testConfig(), WithDialer(dialer))
	defer s.Disconnect()

	require.True(t, s.Connect(context.Background(), "ws://peer/ws"))
	assert.False(t, s.Send(protocol.AudioStop{}))
	assert.Zero(t, conn.writeCount())
}

func TestDialFailureMovesThroughError(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	s := New(testConfig(), WithDialer(dialer))
	rec := &recorder{}
	s.Subscribe(rec.observe)

	require.True(t, s.Connect(context.Background(), "ws://peer/ws"))
	require.Eventually(t, func() bool { return len(rec.kinds()) == 3 }, waitFor, tick)

	assert.Equal(t, []StateKind{Connecting, Failed, Disconnected}, rec.kinds())
	rec.mu.Lock()
	reason := rec.states[1].Reason
	rec.mu.Unlock()
	assert.Contains(t, reason, "connection refused")

	// A failed session accepts a new connect.
	assert.True(t, s.Connect(context.Background(), "ws://peer/ws"))
	s.Disconnect()
}

func TestDialRetriesWithBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.DialAttempts = 3
	dialer := &fakeDialer{conn: newFakeConn(), err: errors.New("refused"), failures: 2}
	s := New(cfg, WithDialer(dialer))
	defer s.Disconnect()

	require.True(t, s.Connect(context.Background(), "ws://peer/ws"))
	waitForKind(t, s, Connected)
	assert.Equal(t, int32(3), dialer.calls.Load())
}

func TestConnectionIDHeader(t *testing.T) {
	dialer := &fakeDialer{conn: newFakeConn()}
	s := New(testConfig(), WithDialer(dialer))
	defer s.Disconnect()

	require.True(t, s.Connect(context.Background(), "ws://peer/ws"))
	waitForKind(t, s, Connected)

	header := dialer.header.Load().(http.Header)
	assert.Equal(t, s.ConnectionID(), header.Get(ConnectionIDHeader))
	assert.Len(t, s.ConnectionID(), 36)
}

func TestInboundMessagesDeliveredInOrder(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	var got []string
	s := New(testConfig(), WithDialer(&fakeDialer{conn: conn}), WithHandler(func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	}))
	defer s.Disconnect()

	require.True(t, s.Connect(context.Background(), "ws://peer/ws"))
	waitForKind(t, s, Connected)

	for _, m := range []string{"a", "b", "c"} {
		conn.inbox <- []byte(m)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, waitFor, tick)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestDisconnectWaitsForHandler(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var mu sync.Mutex
	var got []string
	s := New(testConfig(), WithDialer(&fakeDialer{conn: conn}), WithHandler(func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
		if string(data) == "a" {
			entered <- struct{}{}
			<-release
		}
	}))

	require.True(t, s.Connect(context.Background(), "ws://peer/ws"))
	waitForKind(t, s, Connected)

	conn.inbox <- []byte("a")
	<-entered
	conn.inbox <- []byte("b")

	done := make(chan struct{})
	go func() {
		s.Disconnect()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Disconnect returned while the handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, got, "nothing handled after Disconnect")
	assert.Equal(t, Disconnected, s.State().Kind)
}

func TestWriteErrorFailsSession(t *testing.T) {
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")
	s := New(testConfig(), WithDialer(&fakeDialer{conn: conn}))
	rec := &recorder{}
	s.Subscribe(rec.observe)

	require.True(t, s.Connect(context.Background(), "ws://peer/ws"))
	waitForKind(t, s, Connected)

	assert.False(t, s.Send(protocol.AudioStop{}))
	require.Eventually(t, func() bool { return len(rec.kinds()) == 4 }, waitFor, tick)
	assert.Equal(t, []StateKind{Connecting, Connected, Failed, Disconnected}, rec.kinds())
	assert.True(t, conn.isClosed())
}

func TestContextCancelDisconnects(t *testing.T) {
	conn := newFakeConn()
	s := New(testConfig(), WithDialer(&fakeDialer{conn: conn}))
	rec := &recorder{}
	s.Subscribe(rec.observe)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, s.Connect(ctx, "ws://peer/ws"))
	waitForKind(t, s, Connected)

	cancel()
	require.Eventually(t, func() bool { return rec.last().Kind == Disconnected }, waitFor, tick)
	assert.NotContains(t, rec.kinds(), Failed)
	assert.True(t, conn.isClosed())
}

func TestUnsubscribe(t *testing.T) {
	s := New(testConfig(), WithDialer(&fakeDialer{conn: newFakeConn()}))
	rec := &recorder{}
	cancel := s.Subscribe(rec.observe)
	cancel()

	require.True(t, s.Connect(context.Background(), "ws://peer/ws"))
	waitForKind(t, s, Connected)
	s.Disconnect()
	assert.Empty(t, rec.kinds())
}

// newServer starts a WebSocket server running handler for each connection.
func newServer(t *testing.T, handler func(*websocket.Conn, *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestSessionAgainstWebSocketServer(t *testing.T) {
	serverDone := make(chan error, 1)
	addr := newServer(t, func(conn *websocket.Conn, r *http.Request) {
		if r.Header.Get(ConnectionIDHeader) == "" {
			serverDone <- errors.New("missing connection id")
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			serverDone <- err
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			serverDone <- err
			return
		}
		reply, _ := json.Marshal(map[string]string{"status": "audio_recording_started", "seen": msg["type"].(string)})
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			serverDone <- err
			return
		}
		_, _, err = conn.ReadMessage()
		serverDone <- err
	})

	received := make(chan []byte, 1)
	s := New(testConfig(), WithHandler(func(data []byte) { received <- data }))

	require.True(t, s.Connect(context.Background(), addr))
	waitForKind(t, s, Connected)
	require.True(t, s.Send(protocol.AudioChunk{PCM: []byte{0, 1}}))

	select {
	case data := <-received:
		assert.JSONEq(t, `{"status":"audio_recording_started","seen":"audio_stream"}`, string(data))
	case <-time.After(waitFor):
		t.Fatal("no reply from server")
	}

	s.Disconnect()
	select {
	case err := <-serverDone:
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "server saw %v", err)
	case <-time.After(waitFor):
		t.Fatal("server never saw the close")
	}
}

func TestPingTimeoutFailsSession(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	// Never reading means the server never answers pings.
	addr := newServer(t, func(*websocket.Conn, *http.Request) { <-release })

	cfg := testConfig()
	cfg.PongWait = 200 * time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond
	s := New(cfg)
	rec := &recorder{}
	s.Subscribe(rec.observe)

	require.True(t, s.Connect(context.Background(), addr))
	require.Eventually(t, func() bool { return len(rec.kinds()) == 4 }, waitFor, tick)
	assert.Equal(t, []StateKind{Connecting, Connected, Failed, Disconnected}, rec.kinds())
}

func TestPeerNormalCloseDisconnects(t *testing.T) {
	addr := newServer(t, func(conn *websocket.Conn, _ *http.Request) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})

	s := New(testConfig())
	rec := &recorder{}
	s.Subscribe(rec.observe)

	require.True(t, s.Connect(context.Background(), addr))
	require.Eventually(t, func() bool { return len(rec.kinds()) == 3 }, waitFor, tick)
	assert.Equal(t, []StateKind{Connecting, Connected, Disconnected}, rec.kinds())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", State{Kind: Connected}.String())
	assert.Equal(t, "error(timeout)", State{Kind: Failed, Reason: "timeout"}.String())
	assert.Equal(t, "StateKind(9)", StateKind(9).String())
}
