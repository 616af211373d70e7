// SPDX-License-Identifier: MIT
package audio

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// SilenceDBFS is reported for empty or all-zero buffers.
const SilenceDBFS = -96.0

// Level returns the peak and RMS of a PCM16 buffer in dBFS.
func Level(pcm []byte) (peakDBFS, rmsDBFS float64) {
	samples := BytesToInt16(pcm)
	if len(samples) == 0 {
		return SilenceDBFS, SilenceDBFS
	}

	x := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = math.Abs(float64(s)) / 32768.0
	}

	peak := floats.Max(x)
	rms := floats.Norm(x, 2) / math.Sqrt(float64(len(x)))
	return ToDBFS(peak), ToDBFS(rms)
}

// ToDBFS converts a linear amplitude in 0..1 to dBFS, clamped at SilenceDBFS.
func ToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return SilenceDBFS
	}
	db := 20 * math.Log10(amplitude)
	if db < SilenceDBFS {
		return SilenceDBFS
	}
	return db
}
