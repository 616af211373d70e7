// SPDX-License-Identifier: MIT
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var errFakeClosed = errors.New("fake: use of closed connection")

type fakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	controls []int
	writeErr error

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbox:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, messageType)
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error        { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error       { return nil }
func (c *fakeConn) SetReadLimit(int64)                     {}
func (c *fakeConn) SetPongHandler(func(appData string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) controlCount(messageType int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.controls {
		if t == messageType {
			n++
		}
	}
	return n
}

// fakeDialer hands out conn. When block is non-nil each dial waits for it
// (or for ctx). The first failures dials return err.
type fakeDialer struct {
	conn     *fakeConn
	block    chan struct{}
	err      error
	failures int32

	calls  atomic.Int32
	header atomic.Value
}

func (d *fakeDialer) DialContext(ctx context.Context, _ string, header http.Header) (Conn, *http.Response, error) {
	n := d.calls.Add(1)
	d.header.Store(header.Clone())
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if d.err != nil && (d.failures == 0 || n <= d.failures) {
		return nil, nil, d.err
	}
	return d.conn, nil, nil
}

// recorder collects every transition delivered to an observer.
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) observe(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) kinds() []StateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]StateKind, len(r.states))
	for i, s := range r.states {
		kinds[i] = s.Kind
	}
	return kinds
}

func (r *recorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return State{}
	}
	return r.states[len(r.states)-1]
}
