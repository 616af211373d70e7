// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"wearstream/internal/log"
)

const (
	wavBitDepth  = 16
	wavFormatPCM = 1
)

// Recorder writes captured PCM16 to a WAV file.
type Recorder struct {
	mu         sync.Mutex
	path       string
	outputFile *os.File
	wavEncoder *wav.Encoder
	sampleBuf  *audio.IntBuffer // Reusable buffer for format conversion
	written    int
}

// NewRecorder creates path and writes a WAV header for f.
func NewRecorder(path string, f Format) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	return &Recorder{
		path:       path,
		outputFile: file,
		wavEncoder: wav.NewEncoder(file, f.SampleRate, wavBitDepth, f.Channels, wavFormatPCM),
		sampleBuf: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: f.Channels,
				SampleRate:  f.SampleRate,
			},
			SourceBitDepth: wavBitDepth,
		},
	}, nil
}

// NewRecorderFactory returns a TapFactory creating one timestamped WAV
// file per recording session in dir.
func NewRecorderFactory(dir string, f Format) TapFactory {
	return func() (Tap, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create recording dir: %w", err)
		}
		name := fmt.Sprintf("audio_stream_%s.wav", time.Now().Format("20060102_150405.000"))
		return NewRecorder(filepath.Join(dir, name), f)
	}
}

// Path returns the file being written.
func (r *Recorder) Path() string {
	return r.path
}

// Write appends one PCM16 buffer.
func (r *Recorder) Write(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wavEncoder == nil {
		return fmt.Errorf("recorder closed")
	}

	n := len(pcm) / BytesPerSample
	if cap(r.sampleBuf.Data) < n {
		r.sampleBuf.Data = make([]int, n)
	}
	r.sampleBuf.Data = r.sampleBuf.Data[:n]
	for i, s := range BytesToInt16(pcm) {
		r.sampleBuf.Data[i] = int(s)
	}

	if err := r.wavEncoder.Write(r.sampleBuf); err != nil {
		return fmt.Errorf("error writing to WAV file: %w", err)
	}
	r.written += n * BytesPerSample
	return nil
}

// Close finalizes the WAV header and closes the file. The file is closed
// even when the header cannot be written. Safe to call twice.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var encErr, fileErr error
	if r.wavEncoder != nil {
		if err := r.wavEncoder.Close(); err != nil {
			encErr = fmt.Errorf("finalize WAV header: %w", err)
		}
		r.wavEncoder = nil
	}

	if r.outputFile != nil {
		fileErr = r.outputFile.Close()
		r.outputFile = nil
		if encErr == nil && fileErr == nil {
			log.Infof("Recorder: wrote %d bytes to %s", r.written, r.path)
		}
	}

	return errors.Join(encErr, fileErr)
}
