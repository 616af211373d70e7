// SPDX-License-Identifier: MIT
//
// Package session owns the single WebSocket connection to the processing
// peer and exposes its lifecycle as an observable state.
//
//	Disconnected -> Connecting -> Connected
//	Connecting|Connected -> Error(reason) -> Disconnected   (failure)
//	any -> Disconnected                                      (Disconnect)
//
// Every transition is delivered to all current observers before the next
// transition is accepted. Observers run synchronously and must not call
// Connect or Disconnect themselves.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wearstream/internal/config"
	"wearstream/internal/log"
	"wearstream/internal/protocol"
)

// ConnectionIDHeader carries the per-connection UUID on the handshake.
const ConnectionIDHeader = "X-Connection-Id"

// ErrPeerClosed is reported when the peer sends a non-normal close frame.
var ErrPeerClosed = errors.New("session: peer closed the connection")

// Handler receives every inbound text or binary message in arrival order.
type Handler func(data []byte)

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithHandler sets the inbound message handler. It runs on the receive
// goroutine and must not call Disconnect.
func WithHandler(h Handler) Option {
	return func(s *Session) { s.handler = h }
}

// Session is the Transport Session.
type Session struct {
	cfg     config.SessionConfig
	dialer  Dialer
	handler Handler

	// transMu serializes transitions and observer delivery.
	transMu sync.Mutex

	mu        sync.Mutex // guards the fields below
	state     State
	address   string
	connID    string
	conn      Conn
	cancel    context.CancelFunc
	gen       uint64
	observers map[int]func(State)
	nextObs   int

	writeMu sync.Mutex // serializes data frames (gorilla/websocket requirement)

	// dispatchMu is held while the handler runs. Disconnect takes it to
	// wait out a message already being handled.
	dispatchMu sync.Mutex
}

// New creates a disconnected Session.
func New(cfg config.SessionConfig, opts ...Option) *Session {
	s := &Session{
		cfg:       cfg,
		state:     State{Kind: Disconnected},
		observers: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = NewWebSocketDialer(cfg.DialTimeout)
	}
	if s.handler == nil {
		s.handler = func([]byte) {}
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Address returns the address of the current or last connection.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// ConnectionID returns the UUID of the current or last connection attempt.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Subscribe registers fn for every subsequent transition. The returned
// function removes it.
func (s *Session) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// setState must be called with transMu held.
func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	observers := make([]func(State), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	log.Debugf("Session: state -> %s", next)
	for _, fn := range observers {
		fn(next)
	}
}

// Connect starts a handshake with address unless the session is already
// connecting or connected, in which case it logs and returns false. ctx
// bounds the lifetime of the connection: cancelling it tears the session
// down like Disconnect.
func (s *Session) Connect(ctx context.Context, address string) bool {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	s.mu.Lock()
	if s.state.Kind != Disconnected {
		current := s.state
		s.mu.Unlock()
		log.Infof("Session: connect to %s ignored, session is %s", address, current)
		return false
	}
	s.gen++
	gen := s.gen
	connCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.address = address
	s.connID = uuid.NewString()
	connID := s.connID
	s.mu.Unlock()

	s.setState(State{Kind: Connecting})
	go s.run(connCtx, gen, address, connID)
	return true
}

// Disconnect closes the connection with a normal-closure frame and moves to
// Disconnected from any state. Calling it again is a no-op. Once it
// returns the handler is not called again for the closed connection.
func (s *Session) Disconnect() {
	s.disconnect()

	// Wait for a handler call that started before the generation changed.
	s.dispatchMu.Lock()
	s.dispatchMu.Unlock()
}

func (s *Session) disconnect() {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	s.mu.Lock()
	s.gen++
	conn, cancel := s.conn, s.cancel
	s.conn, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.closeConn(conn)
		log.Infof("Session: disconnected from %s", s.Address())
	}
	s.setState(State{Kind: Disconnected})
}

// Send encodes msg and writes it as one text frame. It returns false
// without touching the network unless the session is Connected.
func (s *Session) Send(msg protocol.OutboundMessage) bool {
	s.mu.Lock()
	if s.state.Kind != Connected || s.conn == nil {
		s.mu.Unlock()
		return false
	}
	conn, gen := s.conn, s.gen
	s.mu.Unlock()

	data, err := protocol.Encode(msg)
	if err != nil {
		log.Errorf("Session: %v", err)
		return false
	}

	s.writeMu.Lock()
	err = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, data)
	}
	s.writeMu.Unlock()

	if err != nil {
		log.Warnf("Session: write %s failed: %v", msg.Kind(), err)
		// fail takes transMu, which an observer calling Send may hold.
		go s.fail(gen, fmt.Errorf("write: %w", err))
		return false
	}
	return true
}

func (s *Session) run(ctx context.Context, gen uint64, address, connID string) {
	conn, err := s.dial(ctx, address, connID)
	if err != nil {
		if ctx.Err() == nil {
			log.Errorf("Session: connect to %s failed: %v", address, err)
		}
		s.fail(gen, err)
		return
	}

	s.transMu.Lock()
	s.mu.Lock()
	stale := s.gen != gen
	if !stale {
		s.conn = conn
	}
	s.mu.Unlock()
	if stale {
		s.transMu.Unlock()
		_ = conn.Close()
		return
	}
	s.setState(State{Kind: Connected})
	s.transMu.Unlock()

	log.Infof("Session: connected to %s (id %s)", address, connID)

	go s.keepAlive(ctx, gen, conn)
	s.readLoop(ctx, gen, conn)
}

// dial performs up to DialAttempts handshakes with jittered exponential
// backoff between them.
func (s *Session) dial(ctx context.Context, address, connID string) (Conn, error) {
	header := http.Header{}
	header.Set(ConnectionIDHeader, connID)

	attempts := max(s.cfg.DialAttempts, 1)
	backoff := s.cfg.RetryBackoffBase
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, resp, err := s.dialer.DialContext(ctx, address, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			if s.cfg.MaxMessageSize > 0 {
				conn.SetReadLimit(s.cfg.MaxMessageSize)
			}
			return conn, nil
		}
		lastErr = err

		if attempt < attempts {
			delay := calculateBackoff(backoff, s.cfg.RetryBackoffMax)
			log.Warnf("Session: attempt %d/%d failed: %v, retrying in %s", attempt, attempts, err, delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			backoff = min(backoff*2, s.cfg.RetryBackoffMax)
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempts, lastErr)
}

func (s *Session) readLoop(ctx context.Context, gen uint64, conn Conn) {
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				s.fail(gen, ctx.Err())
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Infof("Session: peer closed the connection")
				s.closed(gen)
				return
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				err = fmt.Errorf("%w: %d %s", ErrPeerClosed, ce.Code, ce.Text)
			}
			s.fail(gen, fmt.Errorf("read: %w", err))
			return
		}
		extend()

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.dispatch(gen, data)
	}
}

// dispatch hands data to the handler unless gen was released meanwhile.
func (s *Session) dispatch(gen uint64, data []byte) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	current := s.gen == gen
	s.mu.Unlock()
	if current {
		s.handler(data)
	}
}

func (s *Session) keepAlive(ctx context.Context, gen uint64, conn Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Unblocks readLoop when the caller's context ends. A no-op
			// when Disconnect or fail already released this generation.
			s.fail(gen, ctx.Err())
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.fail(gen, fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// fail moves a live generation through Error to Disconnected. Stale
// generations are ignored, so a Disconnect always wins.
func (s *Session) fail(gen uint64, cause error) {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	conn, ok := s.release(gen)
	if !ok {
		return
	}
	if errors.Is(cause, context.Canceled) {
		if conn != nil {
			s.closeConn(conn)
		}
		s.setState(State{Kind: Disconnected})
		return
	}
	if conn != nil {
		_ = conn.Close()
	}
	log.Warnf("Session: %v", cause)
	s.setState(State{Kind: Failed, Reason: cause.Error()})
	s.setState(State{Kind: Disconnected})
}

// closed handles a normal close initiated by the peer.
func (s *Session) closed(gen uint64) {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	conn, ok := s.release(gen)
	if !ok {
		return
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.setState(State{Kind: Disconnected})
}

// release detaches the connection of generation gen. It reports false when
// gen is no longer current.
func (s *Session) release(gen uint64) (Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return nil, false
	}
	s.gen++
	conn, cancel := s.conn, s.cancel
	s.conn, s.cancel = nil, nil
	if cancel != nil {
		cancel()
	}
	return conn, true
}

func (s *Session) closeConn(conn Conn) {
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(s.cfg.WriteWait)); err != nil {
		log.Debugf("Session: close frame not sent: %v", err)
	}
	_ = conn.Close()
}
