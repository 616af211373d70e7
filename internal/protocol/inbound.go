// SPDX-License-Identifier: MIT
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Markers recognized by the classifier.
const (
	TypeAudioPlayback     = "audio_playback"
	SetProcessorDirective = "SET_PROCESSOR"
	audioRecordingMarker  = "audio_recording"
)

// Event is one of AudioPlayback, SetProcessor, AudioStatus, Error,
// MediaResult or Status.
type Event interface {
	event()
}

// AudioPlayback is one chunk of a synthesized utterance.
type AudioPlayback struct {
	Chunk  []byte
	Index  int
	Total  int
	IsLast bool
}

// SetProcessor asks the client to switch the processor attached to frames.
type SetProcessor struct {
	ID     int
	Reason string
}

// AudioStatus reports a server-side audio recording lifecycle change.
type AudioStatus struct {
	Status        string
	SessionID     string
	Path          string
	Duration      float64
	StreamingBack bool
}

// Error is a peer-reported error.
type Error struct {
	Message string
}

// MediaResult carries a processed image and/or text. Kind echoes the
// message's "type" field when present (transcript, agent_token, ...).
type MediaResult struct {
	Kind     string
	Image    []byte
	Text     string
	HasImage bool
	HasText  bool
}

// Status is a bare status line.
type Status struct {
	Message string
}

func (AudioPlayback) event() {}
func (SetProcessor) event()  {}
func (AudioStatus) event()   {}
func (Error) event()         {}
func (MediaResult) event()   {}
func (Status) event()        {}

// inbound mirrors every optional field the peer may send.
type inbound struct {
	Image         *string         `json:"image"`
	Text          json.RawMessage `json:"text"`
	Status        *string         `json:"status"`
	Error         json.RawMessage `json:"error"`
	Type          string          `json:"type"`
	AudioChunk    string          `json:"audio_chunk"`
	ChunkIndex    int             `json:"chunk_index"`
	TotalChunks   int             `json:"total_chunks"`
	IsLastChunk   bool            `json:"is_last_chunk"`
	SessionID     string          `json:"session_id"`
	Filepath      string          `json:"filepath"`
	Duration      float64         `json:"duration"`
	StreamingBack bool            `json:"streaming_back"`
	ProcessorID   int             `json:"processor_id"`
	Reason        string          `json:"reason"`
}

// Classify decodes one wire message and maps it to an Event. The first
// matching rule wins:
//
//  1. type "audio_playback" with a non-empty audio_chunk -> AudioPlayback
//  2. text exactly "SET_PROCESSOR"                     -> SetProcessor
//  3. status containing "audio_recording"              -> AudioStatus
//  4. non-null error                                   -> Error
//  5. image and/or text                                -> MediaResult
//  6. status                                           -> Status
//
// A message matching none of them yields (nil, nil). Malformed JSON or
// base64 yields an error; callers drop that message and carry on.
func Classify(data []byte) (Event, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: decode message: %w", err)
	}

	if msg.Type == TypeAudioPlayback && msg.AudioChunk != "" {
		chunk, err := base64.StdEncoding.DecodeString(msg.AudioChunk)
		if err != nil {
			return nil, fmt.Errorf("protocol: decode audio_chunk: %w", err)
		}
		return AudioPlayback{
			Chunk:  chunk,
			Index:  msg.ChunkIndex,
			Total:  msg.TotalChunks,
			IsLast: msg.IsLastChunk,
		}, nil
	}

	text, hasText, textIsString := decodeText(msg.Text)
	if textIsString && text == SetProcessorDirective {
		return SetProcessor{ID: msg.ProcessorID, Reason: msg.Reason}, nil
	}

	if msg.Status != nil && strings.Contains(*msg.Status, audioRecordingMarker) {
		return AudioStatus{
			Status:        *msg.Status,
			SessionID:     msg.SessionID,
			Path:          msg.Filepath,
			Duration:      msg.Duration,
			StreamingBack: msg.StreamingBack,
		}, nil
	}

	if present(msg.Error) {
		message, _, _ := decodeText(msg.Error)
		return Error{Message: message}, nil
	}

	if msg.Image != nil || hasText {
		result := MediaResult{Kind: msg.Type, Text: text, HasText: hasText}
		if msg.Image != nil {
			img, err := DecodeImage(*msg.Image)
			if err != nil {
				return nil, err
			}
			result.Image = img
			result.HasImage = true
		}
		return result, nil
	}

	if msg.Status != nil {
		return Status{Message: *msg.Status}, nil
	}

	return nil, nil
}

// DecodeImage accepts either a data URL or bare base64.
func DecodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	img, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode image: %w", err)
	}
	return img, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeText renders a string-or-structure field. Strings are unquoted,
// anything else is returned as compact JSON.
func decodeText(raw json.RawMessage) (text string, ok bool, isString bool) {
	if !present(raw) {
		return "", false, false
	}
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, true, true
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw), true, false
	}
	return buf.String(), true, false
}
