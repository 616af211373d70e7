// SPDX-License-Identifier: MIT
package device

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"

	"wearstream/internal/audio"
	"wearstream/internal/config"
	"wearstream/internal/log"
)

// Speaker is a blocking PortAudio output stream implementing audio.Sink.
type Speaker struct {
	stream *portaudio.Stream
	buf    []int16
}

// OpenSpeaker initializes PortAudio and opens a mono s16 output stream
// with PlaybackFrames frames per write.
func OpenSpeaker(cfg config.AudioConfig) (*Speaker, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}

	info, err := OutputDevice(cfg.OutputDevice)
	if err != nil {
		_ = Terminate()
		return nil, fmt.Errorf("output device: %w", err)
	}

	latency := info.DefaultHighOutputLatency
	if cfg.LowLatency {
		latency = info.DefaultLowOutputLatency
	}

	buf := make([]int16, cfg.PlaybackFrames*config.DefaultChannels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: config.DefaultChannels,
			Latency:  latency,
		},
		FramesPerBuffer: cfg.PlaybackFrames,
		SampleRate:      cfg.SampleRate,
	}

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = Terminate()
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}

	log.Debugf("Speaker: %s at %.0f Hz", info.Name, cfg.SampleRate)
	return &Speaker{stream: stream, buf: buf}, nil
}

// SpeakerFactory adapts OpenSpeaker to audio.SinkFactory.
func SpeakerFactory(cfg config.AudioConfig) audio.SinkFactory {
	return func() (audio.Sink, error) {
		return OpenSpeaker(cfg)
	}
}

func (s *Speaker) BufferSize() int {
	return len(s.buf) * audio.BytesPerSample
}

func (s *Speaker) Start() error {
	return s.stream.Start()
}

// Write plays up to one hardware buffer; a short final piece is padded
// with silence.
func (s *Speaker) Write(p []byte) (int, error) {
	n := min(len(p), s.BufferSize())
	copied := copy(s.buf, audio.BytesToInt16(p[:n]))
	clear(s.buf[copied:])

	if err := s.stream.Write(); err != nil {
		if !errors.Is(err, portaudio.OutputUnderflowed) {
			return -1, err
		}
		log.Debugf("Speaker: output underflowed")
	}
	return n, nil
}

func (s *Speaker) Stop() error {
	return s.stream.Stop()
}

// Close closes the stream and drops the PortAudio reference.
func (s *Speaker) Close() error {
	err := s.stream.Close()
	if terr := Terminate(); err == nil {
		err = terr
	}
	return err
}
