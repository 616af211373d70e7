// SPDX-License-Identifier: MIT
/*
Package audio implements the two media pipelines of the client:

  - Capture pulls PCM16 from a MicSource on a dedicated goroutine and hands
    every buffer to a callback, usually the outbound encoder.
  - Playback reassembles chunked utterances and drains them to a Sink on a
    lazily started goroutine.

Hardware handles are owned by exactly one pipeline session. Every loop
releases its handle before it exits, whether it was stopped, cancelled or
hit a device error.
*/
package audio

import (
	"context"
	"errors"
	"sync"

	"wearstream/internal/log"
	"wearstream/internal/metrics"
	"wearstream/pkg/bitint"
)

// CaptureOption configures a Capture.
type CaptureOption func(*Capture)

// WithPermission installs the capture permission check consulted by
// StartRecording.
func WithPermission(granted func() bool) CaptureOption {
	return func(c *Capture) { c.permit = granted }
}

// WithTap opens a Tap for every recording session.
func WithTap(factory TapFactory) CaptureOption {
	return func(c *Capture) { c.tapFactory = factory }
}

// WithBufferBytes sets the preferred read size. The source's minimum
// buffer size wins when it is larger.
func WithBufferBytes(n int) CaptureOption {
	return func(c *Capture) { c.bufferBytes = n }
}

// OnStopped registers fn to run once after every recording session ends,
// whether it was stopped or failed.
func OnStopped(fn func()) CaptureOption {
	return func(c *Capture) { c.onStopped = fn }
}

// Capture is the Audio Capture Pipeline.
type Capture struct {
	sources     SourceFactory
	permit      func() bool
	tapFactory  TapFactory
	bufferBytes int
	onStopped   func()

	mu        sync.Mutex
	recording bool
	onChunk   func([]byte)
	tap       Tap
	cancel    context.CancelFunc
	done      chan struct{}
	stopping  chan struct{} // closed once the previous session has finished
}

// NewCapture returns an idle pipeline acquiring sources from factory.
func NewCapture(factory SourceFactory, opts ...CaptureOption) *Capture {
	c := &Capture{
		sources: factory,
		permit:  func() bool { return true },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsRecording reports whether a capture loop is running.
func (c *Capture) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// StartRecording acquires a source and starts the capture loop, calling
// onChunk with every non-empty buffer read. It returns false without
// starting anything when already recording, while the previous session is
// still releasing its source, when permission is denied, or when the source
// is unusable.
func (c *Capture) StartRecording(onChunk func([]byte)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recording {
		log.Warnf("Capture: already recording")
		return false
	}
	if c.stopping != nil {
		select {
		case <-c.stopping:
			c.stopping = nil
		default:
			log.Warnf("Capture: previous recording still stopping")
			return false
		}
	}
	if !c.permit() {
		log.Warnf("Capture: microphone permission denied")
		return false
	}

	src, err := c.sources()
	if err != nil {
		log.Errorf("Capture: failed to open source: %v", err)
		return false
	}
	minSize := src.MinBufferSize()
	if minSize <= 0 {
		log.Errorf("Capture: invalid minimum buffer size %d", minSize)
		_ = src.Close()
		return false
	}
	if err := src.Start(); err != nil {
		log.Errorf("Capture: failed to start source: %v", err)
		_ = src.Close()
		return false
	}

	size := bitint.AlignDown(max(minSize, c.bufferBytes), BytesPerSample)
	if size <= 0 {
		size = minSize
	}

	var tap Tap
	if c.tapFactory != nil {
		if tap, err = c.tapFactory(); err != nil {
			log.Warnf("Capture: recording tap disabled: %v", err)
			tap = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.recording = true
	c.onChunk = onChunk
	c.tap = tap
	c.cancel = cancel
	c.done = done
	metrics.SetRecording(true)

	log.Infof("Capture: recording started (%d byte buffers)", size)
	go c.loop(ctx, src, make([]byte, size), done)
	return true
}

// StopRecording cancels the loop, waits for it to release the source and
// clears the callback. It is a no-op when not recording. It must not be
// called from the onChunk callback.
func (c *Capture) StopRecording() {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return
	}
	cancel, done, tap := c.cancel, c.done, c.tap
	stopped := c.detachLocked()
	c.mu.Unlock()

	cancel()
	<-done
	c.finish(tap, stopped)
	log.Infof("Capture: recording stopped")
}

func (c *Capture) loop(ctx context.Context, src MicSource, buf []byte, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			release(src)
			return
		}

		n, err := src.Read(buf)
		if ctx.Err() != nil {
			release(src)
			return
		}
		if err != nil {
			if errors.Is(err, ErrSourceExhausted) {
				log.Infof("Capture: source exhausted")
			} else {
				log.Errorf("Capture: read failed, stopping: %v", err)
			}
			release(src)
			c.selfStop(done)
			return
		}
		if n > 0 {
			c.forward(buf[:n])
		}
	}
}

// forward copies the buffer so the loop can reuse buf.
func (c *Capture) forward(pcm []byte) {
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)

	c.mu.Lock()
	onChunk, tap := c.onChunk, c.tap
	c.mu.Unlock()

	metrics.RecordCapture(len(chunk))
	metrics.SetCaptureLevel(Level(chunk))
	if tap != nil {
		if err := tap.Write(chunk); err != nil {
			log.Warnf("Capture: tap write failed: %v", err)
		}
	}
	if onChunk != nil {
		onChunk(chunk)
	}
}

// selfStop clears the session after a device error, unless StopRecording
// already did.
func (c *Capture) selfStop(done chan struct{}) {
	c.mu.Lock()
	if c.done != done {
		c.mu.Unlock()
		return
	}
	tap := c.tap
	c.cancel()
	stopped := c.detachLocked()
	c.mu.Unlock()

	c.finish(tap, stopped)
}

// detachLocked clears the session and returns the channel finish closes.
// StartRecording refuses to begin a new session until then.
func (c *Capture) detachLocked() chan struct{} {
	c.recording = false
	c.onChunk = nil
	c.tap = nil
	c.cancel = nil
	c.done = nil
	c.stopping = make(chan struct{})
	return c.stopping
}

func (c *Capture) finish(tap Tap, stopped chan struct{}) {
	defer close(stopped)

	if tap != nil {
		if err := tap.Close(); err != nil {
			log.Warnf("Capture: closing tap: %v", err)
		}
	}
	metrics.SetRecording(false)
	if c.onStopped != nil {
		c.onStopped()
	}
}

func release(src MicSource) {
	if err := src.Stop(); err != nil {
		log.Warnf("Capture: stopping source: %v", err)
	}
	if err := src.Close(); err != nil {
		log.Warnf("Capture: closing source: %v", err)
	}
}
