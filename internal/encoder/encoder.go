// SPDX-License-Identifier: MIT
//
// Package encoder turns captured frames and audio buffers into outbound
// messages and submits each one to the session exactly once.
package encoder

import (
	"wearstream/internal/metrics"
	"wearstream/internal/protocol"
)

// Sender is satisfied by *session.Session.
type Sender interface {
	Send(msg protocol.OutboundMessage) bool
}

// Encoder is stateless; it never buffers and never retries.
type Encoder struct {
	sender Sender
}

// New returns an Encoder submitting to sender.
func New(sender Sender) *Encoder {
	return &Encoder{sender: sender}
}

// SendFrame submits one JPEG frame tagged with processor. It reports false
// when the session is not connected.
func (e *Encoder) SendFrame(jpeg []byte, processor int) bool {
	return e.send(protocol.Frame{Image: jpeg, Processor: processor})
}

// SendAudio submits one PCM buffer as-is.
func (e *Encoder) SendAudio(pcm []byte) bool {
	return e.send(protocol.AudioChunk{PCM: pcm})
}

// SendAudioStop marks the end of the current audio stream.
func (e *Encoder) SendAudioStop() bool {
	return e.send(protocol.AudioStop{})
}

func (e *Encoder) send(msg protocol.OutboundMessage) bool {
	ok := e.sender.Send(msg)
	metrics.RecordOutbound(msg.Kind(), ok)
	return ok
}
