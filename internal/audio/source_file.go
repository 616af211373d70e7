// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// ErrSourceStopped is returned by Read after Stop.
var ErrSourceStopped = errors.New("audio: source stopped")

// LoadWAV decodes a PCM WAV file and converts it to mono s16le at
// target.SampleRate.
func LoadWAV(path string, target Format) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid WAV file", path)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", path, err)
	}

	channels := int(d.NumChans)
	if channels < 1 {
		return nil, fmt.Errorf("%s: no channels", path)
	}
	depth := int(d.BitDepth)
	frames := len(buf.Data) / channels

	mono := make([]int16, frames)
	for i := range frames {
		sum := 0
		for c := range channels {
			sum += to16(buf.Data[i*channels+c], depth)
		}
		mono[i] = int16(sum / channels)
	}

	if rate := int(d.SampleRate); rate != target.SampleRate {
		mono = resample(mono, rate, target.SampleRate)
	}
	return Int16ToBytes(mono), nil
}

func to16(s, depth int) int {
	switch {
	case depth == 8:
		return (s - 128) << 8
	case depth > 16:
		return s >> (depth - 16)
	default:
		return s
	}
}

// resample converts by linear interpolation.
func resample(in []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		a := float64(in[j])
		b := a
		if j+1 < len(in) {
			b = float64(in[j+1])
		}
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// FileSource replays a PCM buffer as if it came from a microphone, one
// fixed-size chunk per Read. The final chunk is zero-padded.
type FileSource struct {
	pcm      []byte
	format   Format
	chunk    int
	realtime bool

	mu        sync.Mutex
	pos       int
	started   time.Time
	delivered int
	stopped   chan struct{}
	stopOnce  sync.Once
}

// NewFileSource serves pcm in chunks of chunkDuration. When realtime is
// set, Read paces delivery to the wall clock.
func NewFileSource(pcm []byte, f Format, chunkDuration time.Duration, realtime bool) *FileSource {
	return &FileSource{
		pcm:      pcm,
		format:   f,
		chunk:    f.BytesFor(chunkDuration),
		realtime: realtime,
		stopped:  make(chan struct{}),
	}
}

// NewSyntheticSource generates d of low-level noise, standing in for
// microphone background when no file is given.
func NewSyntheticSource(d time.Duration, f Format, chunkDuration time.Duration) *FileSource {
	samples := make([]int16, f.BytesFor(d)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(rand.IntN(201) - 100)
	}
	return NewFileSource(Int16ToBytes(samples), f, chunkDuration, true)
}

func (s *FileSource) MinBufferSize() int { return s.chunk }

func (s *FileSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = time.Now()
	return nil
}

func (s *FileSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.pos >= len(s.pcm) {
		s.mu.Unlock()
		return 0, ErrSourceExhausted
	}
	n := copy(p, s.pcm[s.pos:])
	clear(p[n:])
	s.pos += n
	s.delivered += len(p)
	due := s.started.Add(s.format.Duration(s.delivered - len(p)))
	s.mu.Unlock()

	if s.realtime {
		timer := time.NewTimer(time.Until(due))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stopped:
			return 0, ErrSourceStopped
		}
	}
	return len(p), nil
}

func (s *FileSource) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

func (s *FileSource) Close() error {
	return s.Stop()
}

// Remaining returns the bytes not yet delivered.
func (s *FileSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(len(s.pcm)-s.pos, 0)
}
