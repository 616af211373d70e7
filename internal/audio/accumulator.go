// SPDX-License-Identifier: MIT
package audio

import "wearstream/internal/protocol"

// Accumulator reassembles the chunks of one utterance. Chunks are appended
// in arrival order; chunk_index and total_chunks are informational only.
type Accumulator struct {
	buf    []byte
	active bool
	chunks int
}

// Add appends ev's payload. When ev is the last chunk it returns the whole
// utterance and resets.
func (a *Accumulator) Add(ev protocol.AudioPlayback) (unit []byte, complete bool) {
	if !a.active {
		a.buf = nil
		a.chunks = 0
		a.active = true
	}
	a.buf = append(a.buf, ev.Chunk...)
	a.chunks++

	if !ev.IsLast {
		return nil, false
	}
	unit = a.buf
	a.Reset()
	return unit, true
}

// Reset drops any partial utterance.
func (a *Accumulator) Reset() {
	a.buf = nil
	a.active = false
	a.chunks = 0
}

// Pending returns the number of buffered bytes.
func (a *Accumulator) Pending() int {
	return len(a.buf)
}

// Chunks returns how many chunks the current utterance has so far.
func (a *Accumulator) Chunks() int {
	return a.chunks
}
