// SPDX-License-Identifier: MIT
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"wearstream/internal/events"
	"wearstream/internal/log"
	"wearstream/internal/session"
)

// ErrPeerClosed is returned by Run when the peer ends the session cleanly.
var ErrPeerClosed = errors.New("client: session closed by peer")

const pollInterval = 50 * time.Millisecond

// stateWatch queues session transitions for a waiting goroutine. Delivery
// happens under the session's transition lock, so push never blocks and
// never drops a state.
type stateWatch struct {
	mu      sync.Mutex
	pending []session.State
	ready   chan struct{}
}

func (w *stateWatch) push(st session.State) {
	w.mu.Lock()
	w.pending = append(w.pending, st)
	w.mu.Unlock()

	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// next blocks until a transition is queued or ctx ends.
func (w *stateWatch) next(ctx context.Context) (session.State, error) {
	for {
		w.mu.Lock()
		if len(w.pending) > 0 {
			st := w.pending[0]
			w.pending = w.pending[1:]
			w.mu.Unlock()
			return st, nil
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return session.State{}, ctx.Err()
		case <-w.ready:
		}
	}
}

func (c *Client) watchStates() (*stateWatch, func()) {
	w := &stateWatch{ready: make(chan struct{}, 1)}
	cancel := c.bus.Subscribe(events.SessionState, func(e events.Event) {
		w.push(e.Payload.(session.State))
	})
	return w, cancel
}

// connect starts the session and waits until it is Connected.
func (c *Client) connect(ctx context.Context, states *stateWatch) error {
	if !c.Connect(ctx) {
		return fmt.Errorf("session is already %s", c.State())
	}

	var failure string
	for {
		st, err := states.next(ctx)
		if err != nil {
			return err
		}
		switch st.Kind {
		case session.Connected:
			return nil
		case session.Failed:
			failure = st.Reason
		case session.Disconnected:
			return fmt.Errorf("connect to %s: %s", c.cfg.Session.Address, failure)
		}
	}
}

// Run connects, streams the microphone and plays responses until ctx is
// cancelled or the session ends.
func (c *Client) Run(ctx context.Context) error {
	states, unsubscribe := c.watchStates()
	defer unsubscribe()
	defer c.Close()

	if err := c.connect(ctx, states); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if _, err := c.RefreshCatalog(ctx); err != nil {
		log.Warnf("Client: catalog unavailable: %v", err)
	}
	if !c.StartRecording() {
		return errors.New("client: could not start recording")
	}

	var failure string
	for {
		st, err := states.next(ctx)
		if err != nil {
			return nil
		}
		switch st.Kind {
		case session.Failed:
			failure = st.Reason
		case session.Disconnected:
			if ctx.Err() != nil {
				return nil
			}
			if failure != "" {
				return fmt.Errorf("client: session failed: %s", failure)
			}
			return ErrPeerClosed
		}
	}
}

// SimulateOptions configures Simulate.
type SimulateOptions struct {
	Frames []string      // image files sent in order, paced to the frame budget
	Linger time.Duration // how long to wait for responses after the last input
}

// Simulate streams the configured audio source and a sequence of frames,
// then waits for outstanding playback before closing the session.
func (c *Client) Simulate(ctx context.Context, opts SimulateOptions) error {
	states, unsubscribe := c.watchStates()
	defer unsubscribe()
	defer c.Close()

	if err := c.connect(ctx, states); err != nil {
		return err
	}
	if !c.StartRecording() {
		return errors.New("client: could not start recording")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.streamFrames(gctx, opts.Frames)
	})
	g.Go(func() error {
		return waitUntil(gctx, func() bool { return !c.IsRecording() })
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	log.Infof("Client: input finished, waiting up to %s for responses", opts.Linger)

	lingerCtx, cancel := context.WithTimeout(ctx, opts.Linger)
	defer cancel()
	// Give the peer a moment to start answering before checking for idle.
	select {
	case <-lingerCtx.Done():
		return nil
	case <-time.After(min(opts.Linger/2, time.Second)):
	}
	_ = waitUntil(lingerCtx, func() bool { return !c.IsPlaying() && c.playback.Accumulating() == 0 })
	return nil
}

func (c *Client) streamFrames(ctx context.Context, files []string) error {
	for i, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if err := c.SendFrameWait(ctx, raw); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnf("Client: frame %d (%s): %v", i, path, err)
		}
	}
	log.Infof("Client: sent %d frames", len(files))
	return nil
}

// waitUntil polls cond until it holds or ctx ends.
func waitUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
