// SPDX-License-Identifier: MIT
package peer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wearstream/internal/config"
	"wearstream/internal/protocol"
)

const waitFor = 2 * time.Second

func newTestPeer(t *testing.T, cfg config.PeerConfig, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	p := New(cfg, opts...)
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(func() {
		p.Close()
		srv.Close()
	})
	return p, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.OutboundMessage) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// next reads one message and classifies it the way the client does.
func next(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.Classify(data)
	require.NoError(t, err)
	return ev
}

func TestAudioRoundTripWithEcho(t *testing.T) {
	_, srv := newTestPeer(t, config.PeerConfig{Echo: true, ChunkBytes: 4})
	conn := dial(t, srv)

	send(t, conn, protocol.AudioChunk{PCM: []byte{1, 2, 3, 4, 5, 6}})
	started, ok := next(t, conn).(protocol.AudioStatus)
	require.True(t, ok)
	assert.Equal(t, StatusRecordingStarted, started.Status)
	assert.True(t, strings.HasPrefix(started.SessionID, "ws_"))

	send(t, conn, protocol.AudioChunk{PCM: []byte{7, 8}})
	send(t, conn, protocol.AudioStop{})

	stopped, ok := next(t, conn).(protocol.AudioStatus)
	require.True(t, ok)
	assert.Equal(t, StatusRecordingStopped, stopped.Status)
	assert.Equal(t, started.SessionID, stopped.SessionID)
	assert.True(t, stopped.StreamingBack)
	assert.Positive(t, stopped.Duration)

	first, ok := next(t, conn).(protocol.AudioPlayback)
	require.True(t, ok)
	assert.Equal(t, protocol.AudioPlayback{Chunk: []byte{1, 2, 3, 4}, Index: 0, Total: 2}, first)

	last, ok := next(t, conn).(protocol.AudioPlayback)
	require.True(t, ok)
	assert.Equal(t, protocol.AudioPlayback{Chunk: []byte{5, 6, 7, 8}, Index: 1, Total: 2, IsLast: true}, last)
}

func TestNewUtteranceGetsNewSession(t *testing.T) {
	_, srv := newTestPeer(t, config.PeerConfig{ChunkBytes: 4800})
	conn := dial(t, srv)

	send(t, conn, protocol.AudioChunk{PCM: []byte{1, 2}})
	first := next(t, conn).(protocol.AudioStatus)
	send(t, conn, protocol.AudioStop{})
	stopped := next(t, conn).(protocol.AudioStatus)
	assert.False(t, stopped.StreamingBack)

	send(t, conn, protocol.AudioChunk{PCM: []byte{3, 4}})
	second := next(t, conn).(protocol.AudioStatus)
	assert.Equal(t, StatusRecordingStarted, second.Status)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestFrameReply(t *testing.T) {
	_, srv := newTestPeer(t, config.PeerConfig{ChunkBytes: 4800})
	conn := dial(t, srv)

	send(t, conn, protocol.Frame{Image: []byte{0xff, 0xd8, 0xff}, Processor: 2})

	result, ok := next(t, conn).(protocol.MediaResult)
	require.True(t, ok)
	assert.Equal(t, "caption", result.Kind)
	assert.Equal(t, "frame 1: 3 bytes for processor 2", result.Text)
}

func TestMalformedInputGetsError(t *testing.T) {
	_, srv := newTestPeer(t, config.PeerConfig{ChunkBytes: 4800})
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	perr, ok := next(t, conn).(protocol.Error)
	require.True(t, ok)
	assert.Contains(t, perr.Message, "invalid message")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio_stream","audio_chunk":"%%%"}`)))
	perr, ok = next(t, conn).(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, "invalid audio_chunk", perr.Message)
}

func TestBroadcastDirective(t *testing.T) {
	p, srv := newTestPeer(t, config.PeerConfig{ChunkBytes: 4800})
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return p.Clients() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, p.Broadcast(map[string]any{
		"text":         protocol.SetProcessorDirective,
		"processor_id": 2,
		"reason":       "speech detected",
	}))

	assert.Equal(t, protocol.SetProcessor{ID: 2, Reason: "speech detected"}, next(t, conn))
}

func TestProcessorsEndpoint(t *testing.T) {
	custom := []protocol.ProcessorDescriptor{{ID: 9, Name: "Custom", Dependencies: []int{}, ExpectsInput: "image"}}
	_, srv := newTestPeer(t, config.PeerConfig{ChunkBytes: 4800}, WithProcessors(custom))

	resp, err := http.Get(srv.URL + "/processors")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list protocol.ProcessorList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, custom, list.Processors)
}

func TestClientCountTracksDisconnects(t *testing.T) {
	p, srv := newTestPeer(t, config.PeerConfig{ChunkBytes: 4800})
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return p.Clients() == 1 }, waitFor, 5*time.Millisecond)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	require.Eventually(t, func() bool { return p.Clients() == 0 }, waitFor, 5*time.Millisecond)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := New(config.PeerConfig{Listen: addr, ChunkBytes: 4800})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, waitFor, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("ListenAndServe did not return")
	}
}

func TestPlaybackChunkWireShape(t *testing.T) {
	data, err := json.Marshal(playbackChunk{
		Type:        protocol.TypeAudioPlayback,
		AudioChunk:  base64.StdEncoding.EncodeToString([]byte{1, 2}),
		TotalChunks: 1,
		IsLastChunk: true,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"audio_playback","audio_chunk":"AQI=","chunk_index":0,"total_chunks":1,"is_last_chunk":true}`, string(data))
}
