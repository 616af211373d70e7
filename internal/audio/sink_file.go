// SPDX-License-Identifier: MIT
package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WAVSink plays into a WAV file, one file per playback session.
type WAVSink struct {
	rec        *Recorder
	bufferSize int
}

// NewWAVSinkFactory returns a SinkFactory writing playback_<time>.wav files
// into dir. bufferFrames sets the write granularity.
func NewWAVSinkFactory(dir string, f Format, bufferFrames int) SinkFactory {
	return func() (Sink, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create playback dir: %w", err)
		}
		name := fmt.Sprintf("playback_%s.wav", time.Now().Format("20060102_150405.000"))
		rec, err := NewRecorder(filepath.Join(dir, name), f)
		if err != nil {
			return nil, err
		}
		return &WAVSink{rec: rec, bufferSize: bufferFrames * f.Channels * BytesPerSample}, nil
	}
}

// Path returns the file being written.
func (s *WAVSink) Path() string { return s.rec.Path() }

func (s *WAVSink) BufferSize() int { return s.bufferSize }

func (s *WAVSink) Start() error { return nil }

func (s *WAVSink) Write(p []byte) (int, error) {
	if err := s.rec.Write(p); err != nil {
		return -1, err
	}
	return len(p), nil
}

func (s *WAVSink) Stop() error { return nil }

func (s *WAVSink) Close() error { return s.rec.Close() }
