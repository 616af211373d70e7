// SPDX-License-Identifier: MIT
package audio

import (
	"math"
	"testing"

	"wearstream/pkg/utils"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		wantPeak float64
		wantRMS  float64
	}{
		{"empty", nil, SilenceDBFS, SilenceDBFS},
		{"silence", []int16{0, 0, 0, 0}, SilenceDBFS, SilenceDBFS},
		{"full scale square", []int16{-32768, -32768, -32768}, 0, 0},
		{"half scale", []int16{16384, -16384}, -6.0206, -6.0206},
		{"single spike", []int16{16384, 0, 0, 0}, -6.0206, -12.0412},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peak, rms := Level(Int16ToBytes(tt.samples))
			if math.Abs(peak-tt.wantPeak) > 0.01 {
				t.Errorf("peak = %.4f, want %.4f", peak, tt.wantPeak)
			}
			if math.Abs(rms-tt.wantRMS) > 0.01 {
				t.Errorf("rms = %.4f, want %.4f", rms, tt.wantRMS)
			}
		})
	}
}

func TestToDBFSClamps(t *testing.T) {
	if got := ToDBFS(1e-9); got != SilenceDBFS {
		t.Errorf("ToDBFS(1e-9) = %f, want %f", got, SilenceDBFS)
	}
	if got := ToDBFS(-1); got != SilenceDBFS {
		t.Errorf("ToDBFS(-1) = %f, want %f", got, SilenceDBFS)
	}
}

func TestLevelOfSine(t *testing.T) {
	// One full second so the RMS window covers whole periods.
	pcm := utils.PCM16(utils.GenerateSineWave(24000, 24000, 440, 0.5))

	peak, rms := Level(pcm)
	if math.Abs(peak-(-6.02)) > 0.05 {
		t.Errorf("peak = %.3f, want about -6.02", peak)
	}
	// A sine's RMS sits 3.01 dB below its peak.
	if math.Abs(rms-(-9.03)) > 0.05 {
		t.Errorf("rms = %.3f, want about -9.03", rms)
	}
}
