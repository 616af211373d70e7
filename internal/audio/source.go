// SPDX-License-Identifier: MIT
package audio

import "errors"

// ErrSourceExhausted is returned by finite sources once every buffer has
// been delivered.
var ErrSourceExhausted = errors.New("audio: source exhausted")

// MicSource is a blocking PCM producer. One source is owned by exactly one
// recording session: Start, a run of Read calls, then Stop and Close.
type MicSource interface {
	// MinBufferSize reports the smallest usable read size in bytes. A value
	// <= 0 means the hardware cannot be used.
	MinBufferSize() int
	Start() error
	// Read blocks until len(p) bytes or fewer are available. Any error is a
	// hardware fault and ends the recording.
	Read(p []byte) (int, error)
	Stop() error
	Close() error
}

// SourceFactory acquires a fresh MicSource for each recording session.
type SourceFactory func() (MicSource, error)

// Sink is a blocking PCM consumer owned by one playback session.
type Sink interface {
	// BufferSize is the preferred write size in bytes.
	BufferSize() int
	Start() error
	// Write plays p. An error or a negative count aborts the current unit.
	Write(p []byte) (int, error)
	Stop() error
	Close() error
}

// SinkFactory acquires a Sink when a playback session starts.
type SinkFactory func() (Sink, error)

// Tap observes every buffer forwarded by the capture loop.
type Tap interface {
	Write(pcm []byte) error
	Close() error
}

// TapFactory opens a Tap for one recording session.
type TapFactory func() (Tap, error)
