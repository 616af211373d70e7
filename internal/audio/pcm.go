// SPDX-License-Identifier: MIT
package audio

import (
	"encoding/binary"
	"time"
)

// BytesPerSample is the size of one signed 16-bit little-endian sample.
const BytesPerSample = 2

// Format describes interleaved s16le PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * BytesPerSample
}

// Duration returns how long n bytes of f last.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// BytesFor returns the whole-frame byte count closest below d.
func (f Format) BytesFor(d time.Duration) int {
	frameBytes := f.Channels * BytesPerSample
	if frameBytes <= 0 {
		return 0
	}
	frames := int(int64(d) * int64(f.SampleRate) / int64(time.Second))
	return frames * frameBytes
}

// Int16ToBytes converts samples to little-endian PCM16.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 converts little-endian PCM16 to samples. A trailing odd
// byte is ignored.
func BytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}
