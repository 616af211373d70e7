// SPDX-License-Identifier: MIT
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"

	"wearstream/internal/audio"
	"wearstream/internal/config"
	"wearstream/internal/log"
)

// Mic is a blocking PortAudio input stream implementing audio.MicSource.
type Mic struct {
	stream *portaudio.Stream
	buf    []int16
}

// OpenMic initializes PortAudio and opens a mono s16 input stream. The
// returned Mic owns one PortAudio reference, released by Close.
func OpenMic(cfg config.AudioConfig) (*Mic, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}

	info, err := InputDevice(cfg.InputDevice)
	if err != nil {
		_ = Terminate()
		return nil, fmt.Errorf("input device: %w", err)
	}

	latency := info.DefaultHighInputLatency
	if cfg.LowLatency {
		latency = info.DefaultLowInputLatency
	}

	buf := make([]int16, cfg.FramesPerBuffer*config.DefaultChannels)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: config.DefaultChannels,
			Latency:  latency,
		},
		FramesPerBuffer: cfg.FramesPerBuffer,
		SampleRate:      cfg.SampleRate,
	}

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = Terminate()
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}

	log.Infof("Mic: %s at %.0f Hz, %d frames/buffer, latency %s",
		info.Name, cfg.SampleRate, cfg.FramesPerBuffer, latency.Round(time.Millisecond))
	return &Mic{stream: stream, buf: buf}, nil
}

// MicFactory adapts OpenMic to audio.SourceFactory.
func MicFactory(cfg config.AudioConfig) audio.SourceFactory {
	return func() (audio.MicSource, error) {
		return OpenMic(cfg)
	}
}

func (m *Mic) MinBufferSize() int {
	return len(m.buf) * audio.BytesPerSample
}

func (m *Mic) Start() error {
	return m.stream.Start()
}

// Read blocks for one hardware buffer. Overflows are logged and the
// buffer is still delivered.
func (m *Mic) Read(p []byte) (int, error) {
	if err := m.stream.Read(); err != nil {
		if !errors.Is(err, portaudio.InputOverflowed) {
			return 0, err
		}
		log.Debugf("Mic: input overflowed")
	}
	return copy(p, audio.Int16ToBytes(m.buf)), nil
}

func (m *Mic) Stop() error {
	return m.stream.Stop()
}

// Close closes the stream and drops the PortAudio reference.
func (m *Mic) Close() error {
	err := m.stream.Close()
	if terr := Terminate(); err == nil {
		err = terr
	}
	return err
}
