// SPDX-License-Identifier: MIT
package config

import "time"

// Core configuration constants that define the boundaries and defaults
// for the streaming client.
const (
	// Transport defaults.
	DefaultAddress          = "ws://localhost:8000/ws"
	DefaultProcessor        = 0
	DefaultDialTimeout      = 10 * time.Second
	DefaultDialAttempts     = 1
	DefaultRetryBackoffBase = 500 * time.Millisecond
	DefaultRetryBackoffMax  = 5 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultPongWait         = 60 * time.Second
	DefaultPingInterval     = (DefaultPongWait * 9) / 10 // Must be less than pong wait
	DefaultMaxMessageSize   = 16 * 1024 * 1024
	DefaultCatalogTimeout   = 10 * time.Second

	// Audio defaults. The peer expects 24 kHz mono signed 16-bit PCM.
	DefaultDeviceID        = MinDeviceID            // System default device
	DefaultSampleRate      = 24000                  // Hz
	DefaultChannels        = 1                      // Mono
	DefaultFramesPerBuffer = 2400                   // 100ms at 24kHz
	DefaultPlaybackFrames  = 1024                   // Sink write granularity
	DefaultPlaybackGrace   = 150 * time.Millisecond // Idle poll gap before the drain loop exits

	// Frame defaults, matching what the wearable app sends.
	DefaultFPS         = 10.0
	DefaultJPEGQuality = 30
	DefaultMaxWidth    = 640
	DefaultMaxHeight   = 360

	// Recording defaults.
	DefaultRecordingDir = "./recordings"
	DefaultFormat       = "wav"
	DefaultBitDepth     = 16

	// Ambient defaults.
	DefaultLogLevel       = "info"
	DefaultMetricsAddress = ":9464"
	DefaultPeerListen     = ":8000"
	DefaultPeerChunkBytes = 4800 // 100ms of 24kHz mono PCM16

	// Hardware and processing limits.
	MinDeviceID     = -1     // -1 represents system default device
	MinSampleRate   = 8000   // Minimum usable sample rate (Hz)
	MaxSampleRate   = 192000 // Maximum supported sample rate (Hz)
	MaxBufferFrames = 8192 * 4
)

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		LogLevel: DefaultLogLevel,
		Session: SessionConfig{
			Address:          DefaultAddress,
			Processor:        DefaultProcessor,
			DialTimeout:      DefaultDialTimeout,
			DialAttempts:     DefaultDialAttempts,
			RetryBackoffBase: DefaultRetryBackoffBase,
			RetryBackoffMax:  DefaultRetryBackoffMax,
			WriteWait:        DefaultWriteWait,
			PongWait:         DefaultPongWait,
			PingInterval:     DefaultPingInterval,
			MaxMessageSize:   DefaultMaxMessageSize,
			CatalogTimeout:   DefaultCatalogTimeout,
		},
		Audio: AudioConfig{
			InputDevice:     DefaultDeviceID,
			OutputDevice:    DefaultDeviceID,
			SampleRate:      DefaultSampleRate,
			FramesPerBuffer: DefaultFramesPerBuffer,
			PlaybackFrames:  DefaultPlaybackFrames,
			PlaybackGrace:   DefaultPlaybackGrace,
			LowLatency:      false,
		},
		Media: MediaConfig{
			FPS:         DefaultFPS,
			JPEGQuality: DefaultJPEGQuality,
			MaxWidth:    DefaultMaxWidth,
			MaxHeight:   DefaultMaxHeight,
		},
		Recording: RecordingConfig{
			Enabled:   false,
			OutputDir: DefaultRecordingDir,
			Format:    DefaultFormat,
			BitDepth:  DefaultBitDepth,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: DefaultMetricsAddress,
		},
		Peer: PeerConfig{
			Listen:     DefaultPeerListen,
			Echo:       true,
			ChunkBytes: DefaultPeerChunkBytes,
		},
	}
}
