// SPDX-License-Identifier: MIT
//
// Package peer is a local stand-in for the processing service. It speaks
// the same wire protocol on /ws, serves the processor catalog on
// /processors and can echo finished utterances back as playback chunks.
package peer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wearstream/internal/audio"
	"wearstream/internal/config"
	"wearstream/internal/log"
	"wearstream/internal/protocol"
)

// Status values sent by the peer.
const (
	StatusRecordingStarted = "audio_recording_started"
	StatusRecordingStopped = "audio_recording_stopped"
)

// DefaultProcessors is the catalog served when none is configured.
var DefaultProcessors = []protocol.ProcessorDescriptor{
	{ID: 0, Name: "Scene Captioning", Dependencies: []int{}, ExpectsInput: "image", Description: "Describe each frame"},
	{ID: 1, Name: "Conversation", Dependencies: []int{}, ExpectsInput: "audio", Description: "Transcribe and answer speech"},
	{ID: 2, Name: "Emotion", Dependencies: []int{1}, ExpectsInput: "audio", Description: "Score vocal expression"},
}

// request mirrors every field a client may send.
type request struct {
	Image      *string `json:"image"`
	Processor  int     `json:"processor"`
	Type       string  `json:"type"`
	AudioChunk string  `json:"audio_chunk"`
}

// reply is the union of fields the peer writes.
type reply struct {
	Type          string  `json:"type,omitempty"`
	Text          string  `json:"text,omitempty"`
	Status        string  `json:"status,omitempty"`
	Error         string  `json:"error,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	Duration      float64 `json:"duration,omitempty"`
	StreamingBack *bool   `json:"streaming_back,omitempty"`
}

type playbackChunk struct {
	Type        string `json:"type"`
	AudioChunk  string `json:"audio_chunk"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	IsLastChunk bool   `json:"is_last_chunk"`
}

// Option configures a Server.
type Option func(*Server)

// WithProcessors replaces DefaultProcessors.
func WithProcessors(p []protocol.ProcessorDescriptor) Option {
	return func(s *Server) { s.processors = p }
}

// WithFormat sets the PCM format used to report utterance durations.
func WithFormat(f audio.Format) Option {
	return func(s *Server) { s.format = f }
}

// Server is the stub peer.
type Server struct {
	cfg        config.PeerConfig
	format     audio.Format
	processors []protocol.ProcessorDescriptor
	upgrader   websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*client]bool

	server *http.Server
}

// client is one accepted connection and its in-progress utterance.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	sessionID string
	pcm       []byte
	frames    int
}

// New creates a Server. Nothing listens until ListenAndServe.
func New(cfg config.PeerConfig, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		format:     audio.Format{SampleRate: config.DefaultSampleRate, Channels: config.DefaultChannels},
		processors: DefaultProcessors,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Local development peer
			},
		},
		clients: make(map[*client]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.ChunkBytes <= 0 {
		s.cfg.ChunkBytes = config.DefaultPeerChunkBytes
	}
	return s
}

// Handler routes /ws, /processors and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /processors", s.handleProcessors)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("peer: listen on %s: %w", s.cfg.Listen, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Peer: listening on %s (ws at /ws, catalog at /processors)", ln.Addr())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Broadcast writes v as JSON to every connected client. Use it to push
// directives such as SET_PROCESSOR.
func (s *Server) Broadcast(v any) error {
	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.write(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// Close drops every client connection.
func (s *Server) Close() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.clients = make(map[*client]bool)
}

func (s *Server) handleProcessors(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(protocol.ProcessorList{Processors: s.processors}); err != nil {
		log.Warnf("Peer: writing catalog: %v", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("Peer: upgrade error: %v", err)
		return
	}

	c := &client{conn: conn}
	s.clientsMu.Lock()
	s.clients[c] = true
	total := len(s.clients)
	s.clientsMu.Unlock()
	log.Infof("Peer: client connected (id %s), total: %d", r.Header.Get("X-Connection-Id"), total)

	go s.serve(c)
}

// serve reads until the client goes away.
func (s *Server) serve(c *client) {
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		total := len(s.clients)
		s.clientsMu.Unlock()
		_ = c.conn.Close()
		log.Infof("Peer: client disconnected, total: %d", total)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("Peer: read: %v", err)
			}
			return
		}
		if err := s.handleMessage(c, data); err != nil {
			log.Warnf("Peer: %v", err)
			return
		}
	}
}

// handleMessage answers one client message. Only write failures are
// returned; malformed input gets an error reply.
func (s *Server) handleMessage(c *client, data []byte) error {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return c.write(reply{Error: "invalid message: " + err.Error()})
	}

	switch {
	case req.Type == protocol.TypeAudioStream:
		return s.handleAudio(c, req.AudioChunk)
	case req.Type == protocol.TypeAudioStreamStop:
		return s.finishUtterance(c)
	case req.Image != nil:
		return s.handleFrame(c, *req.Image, req.Processor)
	default:
		log.Debugf("Peer: ignoring message of type %q", req.Type)
		return nil
	}
}

func (s *Server) handleAudio(c *client, chunk string) error {
	if chunk == "" {
		return nil
	}
	pcm, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		return c.write(reply{Error: "invalid audio_chunk"})
	}

	if c.sessionID == "" {
		c.sessionID = "ws_" + uuid.NewString()
		log.Infof("Peer: recording started (session %s)", c.sessionID)
		if err := c.write(reply{Status: StatusRecordingStarted, SessionID: c.sessionID}); err != nil {
			return err
		}
	}
	c.pcm = append(c.pcm, pcm...)
	return nil
}

func (s *Server) finishUtterance(c *client) error {
	if c.sessionID == "" {
		return nil
	}
	pcm, sessionID := c.pcm, c.sessionID
	c.pcm, c.sessionID = nil, ""

	echo := s.cfg.Echo && len(pcm) > 0
	duration := s.format.Duration(len(pcm)).Seconds()
	log.Infof("Peer: recording stopped (session %s, %.2fs)", sessionID, duration)

	if err := c.write(reply{
		Status:        StatusRecordingStopped,
		SessionID:     sessionID,
		Duration:      duration,
		StreamingBack: &echo,
	}); err != nil {
		return err
	}
	if !echo {
		return nil
	}
	return s.streamBack(c, pcm)
}

// streamBack sends pcm as consecutive audio_playback chunks.
func (s *Server) streamBack(c *client, pcm []byte) error {
	size := s.cfg.ChunkBytes
	total := (len(pcm) + size - 1) / size

	for i := range total {
		end := min((i+1)*size, len(pcm))
		if err := c.write(playbackChunk{
			Type:        protocol.TypeAudioPlayback,
			AudioChunk:  base64.StdEncoding.EncodeToString(pcm[i*size : end]),
			ChunkIndex:  i,
			TotalChunks: total,
			IsLastChunk: i == total-1,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleFrame(c *client, image string, processor int) error {
	jpeg, err := protocol.DecodeImage(image)
	if err != nil {
		return c.write(reply{Error: "invalid image"})
	}
	c.frames++
	return c.write(reply{
		Type: "caption",
		Text: fmt.Sprintf("frame %d: %d bytes for processor %d", c.frames, len(jpeg), processor),
	})
}

func (c *client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(config.DefaultWriteWait))
	return c.conn.WriteJSON(v)
}
