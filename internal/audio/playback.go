// SPDX-License-Identifier: MIT
package audio

import (
	"context"
	"sync"
	"time"

	"wearstream/internal/log"
	"wearstream/internal/metrics"
	"wearstream/internal/protocol"
	"wearstream/pkg/bitint"
)

// DefaultGraceDelay separates the two empty-queue polls that end a drain.
const DefaultGraceDelay = 150 * time.Millisecond

// Playback is the Audio Playback Pipeline.
type Playback struct {
	sinks SinkFactory
	grace time.Duration

	mu      sync.Mutex
	acc     Accumulator
	queue   [][]byte
	playing bool
	cancel  context.CancelFunc
	done    chan struct{}
	last    chan struct{} // done of the most recently started drain loop
}

// NewPlayback returns an idle pipeline. No sink is opened until the first
// unit is enqueued.
func NewPlayback(factory SinkFactory, grace time.Duration) *Playback {
	if grace <= 0 {
		grace = DefaultGraceDelay
	}
	return &Playback{sinks: factory, grace: grace}
}

// IsPlaying reports whether the drain loop is running.
func (p *Playback) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Queued returns the number of units waiting to be played.
func (p *Playback) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Accumulating returns the bytes held for an unfinished utterance.
func (p *Playback) Accumulating() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acc.Pending()
}

// HandleChunk accumulates ev and enqueues the utterance once its last
// chunk arrives.
func (p *Playback) HandleChunk(ev protocol.AudioPlayback) {
	p.mu.Lock()
	defer p.mu.Unlock()

	unit, complete := p.acc.Add(ev)
	if complete {
		log.Debugf("Playback: utterance complete (%d bytes)", len(unit))
		p.enqueueLocked(unit)
	}
}

// Enqueue adds one playable unit, starting the drain loop if it is idle.
func (p *Playback) Enqueue(unit []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueLocked(unit)
}

func (p *Playback) enqueueLocked(unit []byte) {
	if len(unit) == 0 {
		return
	}
	p.queue = append(p.queue, unit)
	if p.playing {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	prev := p.last
	p.playing = true
	p.cancel = cancel
	p.done = done
	p.last = done
	metrics.SetPlaying(true)

	go p.drain(ctx, prev, done)
}

// StopPlayback cancels the drain loop, waits for it to release the sink
// and clears the queue and accumulator. Safe to call when idle.
func (p *Playback) StopPlayback() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.queue = nil
	p.acc.Reset()
	p.playing = false
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	p.mu.Lock()
	if !p.playing {
		metrics.SetPlaying(false)
	}
	p.mu.Unlock()
	log.Infof("Playback: stopped")
}

// drain owns the sink for one playback session. It waits for the previous
// loop, if any, to release its sink before opening one.
func (p *Playback) drain(ctx context.Context, prev, done chan struct{}) {
	defer close(done)

	if prev != nil {
		<-prev
	}
	if ctx.Err() != nil {
		return
	}

	for {
		sink, err := p.openSink()
		if err != nil {
			log.Errorf("Playback: audio sink unavailable: %v", err)
			p.abandon(done)
			return
		}

		p.play(ctx, sink)
		closeSink(sink)

		if ctx.Err() != nil || p.idle(done) {
			return
		}
		// A unit arrived while the sink was being released.
	}
}

func (p *Playback) openSink() (Sink, error) {
	sink, err := p.sinks()
	if err != nil {
		return nil, err
	}
	if err := sink.Start(); err != nil {
		_ = sink.Close()
		return nil, err
	}
	return sink, nil
}

// play drains units until the queue is seen empty on two polls one grace
// delay apart, or ctx is cancelled.
func (p *Playback) play(ctx context.Context, sink Sink) {
	emptyPolls := 0
	for ctx.Err() == nil {
		if unit, ok := p.dequeue(); ok {
			emptyPolls = 0
			p.write(ctx, sink, unit)
			continue
		}

		emptyPolls++
		if emptyPolls >= 2 {
			return
		}

		timer := time.NewTimer(p.grace)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// write plays unit in sink-sized pieces. A failed write abandons the rest
// of the unit only.
func (p *Playback) write(ctx context.Context, sink Sink, unit []byte) {
	size := bitint.AlignDown(sink.BufferSize(), BytesPerSample)
	if size <= 0 {
		size = len(unit)
	}

	for off := 0; off < len(unit); off += size {
		if ctx.Err() != nil {
			return
		}
		end := min(off+size, len(unit))
		n, err := sink.Write(unit[off:end])
		if err != nil || n < 0 {
			log.Warnf("Playback: write failed at %d/%d bytes (n=%d): %v", off, len(unit), n, err)
			metrics.RecordPlaybackUnit(true)
			return
		}
	}
	metrics.RecordPlaybackUnit(false)
}

func (p *Playback) dequeue() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	unit := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return unit, true
}

// idle marks the pipeline stopped if the queue is still empty. It reports
// false when new work arrived and the loop must continue.
func (p *Playback) idle(done chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != done {
		return true
	}
	if len(p.queue) > 0 {
		return false
	}
	p.cancel()
	p.playing = false
	p.cancel = nil
	p.done = nil
	metrics.SetPlaying(false)
	log.Debugf("Playback: idle")
	return true
}

// abandon reports not playing after the sink could not be acquired. The
// queued units are dropped.
func (p *Playback) abandon(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != done {
		return
	}
	p.cancel()
	p.queue = nil
	p.playing = false
	p.cancel = nil
	p.done = nil
	metrics.SetPlaying(false)
}

func closeSink(sink Sink) {
	if err := sink.Stop(); err != nil {
		log.Warnf("Playback: stopping sink: %v", err)
	}
	if err := sink.Close(); err != nil {
		log.Warnf("Playback: closing sink: %v", err)
	}
}
