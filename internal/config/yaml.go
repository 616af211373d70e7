// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. WEARSTREAM_SESSION_ADDRESS.
const EnvPrefix = "WEARSTREAM_"

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL"`        // Logging level ("debug", "info", "warn", "error").
	Session   SessionConfig   `yaml:"session" envPrefix:"SESSION_"`     // Transport session settings.
	Audio     AudioConfig     `yaml:"audio" envPrefix:"AUDIO_"`         // Capture and playback settings.
	Media     MediaConfig     `yaml:"media" envPrefix:"MEDIA_"`         // Frame preparation settings.
	Recording RecordingConfig `yaml:"recording" envPrefix:"RECORDING_"` // Local WAV recording of captured audio.
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`     // Prometheus exporter.
	Peer      PeerConfig      `yaml:"peer" envPrefix:"PEER_"`           // Local stub peer.
}

// SessionConfig holds settings for the single bidirectional connection.
type SessionConfig struct {
	Address          string        `yaml:"address" env:"ADDRESS"`                       // ws:// or wss:// live endpoint.
	Processor        int           `yaml:"processor" env:"PROCESSOR"`                   // Processor id attached to outbound frames.
	DialTimeout      time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`             // Handshake timeout per attempt.
	DialAttempts     int           `yaml:"dial_attempts" env:"DIAL_ATTEMPTS"`           // Handshake attempts before giving up.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base" env:"RETRY_BACKOFF_BASE"` // First backoff between attempts.
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max" env:"RETRY_BACKOFF_MAX"`   // Backoff cap.
	WriteWait        time.Duration `yaml:"write_wait" env:"WRITE_WAIT"`                 // Deadline for a single write.
	PongWait         time.Duration `yaml:"pong_wait" env:"PONG_WAIT"`                   // Read timeout; a missing pong fails the session.
	PingInterval     time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`           // Keep-alive period while connected.
	MaxMessageSize   int64         `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`     // Inbound read limit in bytes.
	CatalogTimeout   time.Duration `yaml:"catalog_timeout" env:"CATALOG_TIMEOUT"`       // Processor catalog request timeout.
}

// AudioConfig holds settings related to audio capture and playback.
type AudioConfig struct {
	InputDevice     int           `yaml:"input_device" env:"INPUT_DEVICE"`           // PortAudio device index for capture (-1 for default).
	OutputDevice    int           `yaml:"output_device" env:"OUTPUT_DEVICE"`         // PortAudio device index for playback (-1 for default).
	SampleRate      float64       `yaml:"sample_rate" env:"SAMPLE_RATE"`             // Sample rate in Hz for both directions.
	FramesPerBuffer int           `yaml:"frames_per_buffer" env:"FRAMES_PER_BUFFER"` // Frames per capture read.
	PlaybackFrames  int           `yaml:"playback_frames" env:"PLAYBACK_FRAMES"`     // Frames per sink write.
	PlaybackGrace   time.Duration `yaml:"playback_grace" env:"PLAYBACK_GRACE"`       // Delay between the two empty-queue polls.
	LowLatency      bool          `yaml:"low_latency" env:"LOW_LATENCY"`             // Request low latency settings from PortAudio.
}

// MediaConfig holds settings for preparing still frames before upload.
type MediaConfig struct {
	FPS         float64 `yaml:"fps" env:"FPS"`                   // Upper bound on frames sent per second.
	JPEGQuality int     `yaml:"jpeg_quality" env:"JPEG_QUALITY"` // Re-encode quality (1-100).
	MaxWidth    int     `yaml:"max_width" env:"MAX_WIDTH"`       // Frames are scaled down to fit.
	MaxHeight   int     `yaml:"max_height" env:"MAX_HEIGHT"`
}

// RecordingConfig holds settings related to audio recording functionality.
type RecordingConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`       // Tee captured audio to a WAV file.
	OutputDir string `yaml:"output_dir" env:"OUTPUT_DIR"` // Directory to save recorded audio files.
	Format    string `yaml:"format" env:"FORMAT"`         // File format for recordings (wav only).
	BitDepth  int    `yaml:"bit_depth" env:"BIT_DEPTH"`   // Bit depth for recorded audio (16).
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Address string `yaml:"address" env:"ADDRESS"`
}

// PeerConfig controls the local stub peer started by the `peer` command.
type PeerConfig struct {
	Listen     string `yaml:"listen" env:"LISTEN"`           // host:port for /ws and /processors.
	Echo       bool   `yaml:"echo" env:"ECHO"`               // Stream each finished utterance back as audio_playback.
	ChunkBytes int    `yaml:"chunk_bytes" env:"CHUNK_BYTES"` // Size of echoed playback chunks.
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations ("wearstream.yaml", "config.yaml"). If no file is found,
// it uses built-in defaults. After loading defaults or from file, it loads a ".env" file
// when present, applies environment variable overrides and validates the final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range []string{"wearstream.yaml", "config.yaml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides AFTER loading from file.
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides loads ".env" from the working directory (a missing file is
// fine) and then overlays every WEARSTREAM_* variable onto the config.
func (cfg *Config) applyEnvOverrides() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	// Session Validation
	if c.Session.Address != "" {
		u, err := url.Parse(c.Session.Address)
		if err != nil {
			return fmt.Errorf("session.address %q: %w", c.Session.Address, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("session.address %q must use ws:// or wss://", c.Session.Address)
		}
	}
	if c.Session.DialAttempts < 1 {
		return fmt.Errorf("session.dial_attempts must be at least 1")
	}
	if c.Session.PongWait <= 0 || c.Session.PingInterval <= 0 {
		return fmt.Errorf("session.pong_wait and session.ping_interval must be positive")
	}
	if c.Session.PingInterval >= c.Session.PongWait {
		return fmt.Errorf("session.ping_interval (%s) must be less than session.pong_wait (%s)",
			c.Session.PingInterval, c.Session.PongWait)
	}

	// Audio Validation
	if c.Audio.SampleRate < MinSampleRate || c.Audio.SampleRate > MaxSampleRate {
		return fmt.Errorf("audio.sample_rate %.0f out of range [%d, %d]", c.Audio.SampleRate, MinSampleRate, MaxSampleRate)
	}
	if c.Audio.FramesPerBuffer <= 0 || c.Audio.FramesPerBuffer > MaxBufferFrames {
		return fmt.Errorf("audio.frames_per_buffer %d out of range (0, %d]", c.Audio.FramesPerBuffer, MaxBufferFrames)
	}
	if c.Audio.PlaybackFrames <= 0 || c.Audio.PlaybackFrames > MaxBufferFrames {
		return fmt.Errorf("audio.playback_frames %d out of range (0, %d]", c.Audio.PlaybackFrames, MaxBufferFrames)
	}
	if c.Audio.InputDevice < MinDeviceID || c.Audio.OutputDevice < MinDeviceID {
		return fmt.Errorf("audio device ids must be >= %d", MinDeviceID)
	}

	// Media Validation
	if c.Media.FPS <= 0 {
		return fmt.Errorf("media.fps must be positive")
	}
	if c.Media.JPEGQuality < 1 || c.Media.JPEGQuality > 100 {
		return fmt.Errorf("media.jpeg_quality %d out of range [1, 100]", c.Media.JPEGQuality)
	}

	// Recording Validation
	if c.Recording.Enabled {
		if c.Recording.Format != "wav" {
			return fmt.Errorf("recording.format %q not supported (wav only)", c.Recording.Format)
		}
		if c.Recording.BitDepth != 16 {
			return fmt.Errorf("recording.bit_depth %d not supported (16 only)", c.Recording.BitDepth)
		}
	}

	// Peer Validation
	if c.Peer.ChunkBytes <= 0 || c.Peer.ChunkBytes%2 != 0 {
		return fmt.Errorf("peer.chunk_bytes %d must be a positive even number", c.Peer.ChunkBytes)
	}

	return nil
}
