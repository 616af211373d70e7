// SPDX-License-Identifier: MIT
//
// Package protocol defines the JSON wire format spoken with the processing
// peer: the outbound message union, the inbound event union and the
// classifier that maps one decoded message onto exactly one event.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Wire values of the outbound "type" field.
const (
	TypeAudioStream     = "audio_stream"
	TypeAudioStreamStop = "audio_stream_stop"
)

// ImageDataURLPrefix is prepended to every outbound frame's base64 payload.
const ImageDataURLPrefix = "data:image/jpeg;base64,"

// OutboundMessage is one of Frame, AudioChunk or AudioStop.
type OutboundMessage interface {
	// Kind names the message for logs and metrics labels.
	Kind() string
	outbound()
}

// Frame carries one JPEG-encoded still image and the processor that should
// handle it.
type Frame struct {
	Image     []byte
	Processor int
}

// AudioChunk carries raw 16-bit little-endian mono PCM.
type AudioChunk struct {
	PCM []byte
}

// AudioStop tells the peer the current audio stream has ended.
type AudioStop struct{}

func (Frame) Kind() string      { return "frame" }
func (AudioChunk) Kind() string { return "audio" }
func (AudioStop) Kind() string  { return "audio_stop" }

func (Frame) outbound()      {}
func (AudioChunk) outbound() {}
func (AudioStop) outbound()  {}

type frameWire struct {
	Image     string `json:"image"`
	Processor int    `json:"processor"`
}

type audioWire struct {
	Type       string `json:"type"`
	AudioChunk string `json:"audio_chunk"`
}

type stopWire struct {
	Type string `json:"type"`
}

// Encode serializes msg into a single JSON text message.
func Encode(msg OutboundMessage) ([]byte, error) {
	var v any
	switch m := msg.(type) {
	case Frame:
		v = frameWire{
			Image:     ImageDataURLPrefix + base64.StdEncoding.EncodeToString(m.Image),
			Processor: m.Processor,
		}
	case AudioChunk:
		v = audioWire{
			Type:       TypeAudioStream,
			AudioChunk: base64.StdEncoding.EncodeToString(m.PCM),
		}
	case AudioStop:
		v = stopWire{Type: TypeAudioStreamStop}
	default:
		return nil, fmt.Errorf("protocol: unsupported outbound message %T", msg)
	}
	return json.Marshal(v)
}
