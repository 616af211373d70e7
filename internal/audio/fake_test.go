// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"sync"
	"time"
)

var errDevice = errors.New("device unplugged")

// fakeMic serves scripted buffers, then fails with readErr if set, or
// returns empty reads.
type fakeMic struct {
	mu       sync.Mutex
	minSize  int
	startErr error
	reads    [][]byte
	readErr  error
	readWait time.Duration

	starts, stops, closes int
}

func (m *fakeMic) MinBufferSize() int { return m.minSize }

func (m *fakeMic) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	return m.startErr
}

func (m *fakeMic) Read(p []byte) (int, error) {
	m.mu.Lock()
	if m.closes > 0 {
		m.mu.Unlock()
		return 0, errors.New("read on closed source")
	}
	if len(m.reads) > 0 {
		n := copy(p, m.reads[0])
		m.reads = m.reads[1:]
		m.mu.Unlock()
		return n, nil
	}
	err := m.readErr
	m.mu.Unlock()

	if err != nil {
		return 0, err
	}
	time.Sleep(max(m.readWait, time.Millisecond))
	return 0, nil
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *fakeMic) released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops == 1 && m.closes == 1
}

// fakeSink records every write. Writes numbered failAt (1-based) fail.
type fakeSink struct {
	mu         sync.Mutex
	bufSize    int
	failAt     map[int]bool
	negative   bool
	writeDelay time.Duration

	writes                [][]byte
	calls                 int
	starts, stops, closes int
}

func (s *fakeSink) BufferSize() int { return s.bufSize }

func (s *fakeSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return nil
}

func (s *fakeSink) Write(p []byte) (int, error) {
	if s.writeDelay > 0 {
		time.Sleep(s.writeDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAt[s.calls] {
		if s.negative {
			return -1, nil
		}
		return 0, errDevice
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (s *fakeSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSink) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func (s *fakeSink) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}

// sinkFactory hands out a new fakeSink per playback session.
type sinkFactory struct {
	mu      sync.Mutex
	proto   fakeSink
	sinks   []*fakeSink
	openErr error

	// overlaps counts opens made while an earlier sink was still open.
	overlaps int
}

func (f *sinkFactory) open() (Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	for _, prev := range f.sinks {
		if !prev.closed() {
			f.overlaps++
		}
	}
	s := &fakeSink{
		bufSize:    f.proto.bufSize,
		failAt:     f.proto.failAt,
		negative:   f.proto.negative,
		writeDelay: f.proto.writeDelay,
	}
	f.sinks = append(f.sinks, s)
	return s, nil
}

func (f *sinkFactory) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

func (f *sinkFactory) overlapping() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlaps
}

func (f *sinkFactory) sink(i int) *fakeSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[i]
}

type memTap struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

func (t *memTap) Write(pcm []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = append(t.data, pcm...)
	return nil
}

func (t *memTap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
