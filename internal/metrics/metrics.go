// SPDX-License-Identifier: MIT
//
// Package metrics exposes the client's Prometheus instruments and the
// helpers the pipelines use to update them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wearstream"

var (
	// sessionState is 1 for the current state label and 0 for the others.
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current transport session state (1 for the active state)",
		},
		[]string{"state"},
	)

	// outboundTotal counts encoder submissions by message kind.
	outboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Total outbound messages submitted to the session",
		},
		[]string{"kind", "status"}, // status: sent, rejected
	)

	// inboundTotal counts classified inbound events.
	inboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Total inbound messages by classified event",
		},
		[]string{"event"}, // event: audio_playback, ..., dropped, decode_error
	)

	// captureBytesTotal counts PCM bytes forwarded by the capture loop.
	captureBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_bytes_total",
			Help:      "Total PCM bytes read from the microphone",
		},
	)

	// captureLevel holds the most recent buffer's level in dBFS.
	captureLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_level_dbfs",
			Help:      "Level of the most recent captured buffer in dBFS",
		},
		[]string{"measure"}, // measure: peak, rms
	)

	recording = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_active",
			Help:      "1 while the capture pipeline is recording",
		},
	)

	playing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_active",
			Help:      "1 while the playback drain loop is running",
		},
	)

	// playbackUnitsTotal counts utterances by outcome.
	playbackUnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_units_total",
			Help:      "Total playable units drained to the sink",
		},
		[]string{"status"}, // status: played, aborted
	)

	// catalogFetchTotal counts processor catalog requests.
	catalogFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_fetch_total",
			Help:      "Total processor catalog fetches",
		},
		[]string{"status"}, // status: success, error
	)

	framesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames skipped by the frame-rate limiter",
		},
	)

	allMetrics = []prometheus.Collector{
		sessionState,
		outboundTotal,
		inboundTotal,
		captureBytesTotal,
		captureLevel,
		recording,
		playing,
		playbackUnitsTotal,
		catalogFetchTotal,
		framesDroppedTotal,
	}
)

var sessionStates = []string{"disconnected", "connecting", "connected", "error"}

// SetSessionState marks state as the active session state.
func SetSessionState(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		sessionState.WithLabelValues(s).Set(v)
	}
}

// RecordOutbound counts one encoder submission.
func RecordOutbound(kind string, sent bool) {
	status := "sent"
	if !sent {
		status = "rejected"
	}
	outboundTotal.WithLabelValues(kind, status).Inc()
}

// RecordInbound counts one inbound message under its event name.
func RecordInbound(event string) {
	inboundTotal.WithLabelValues(event).Inc()
}

// RecordCapture counts bytes forwarded by the capture loop.
func RecordCapture(n int) {
	captureBytesTotal.Add(float64(n))
}

// SetCaptureLevel publishes the level of the latest captured buffer.
func SetCaptureLevel(peakDBFS, rmsDBFS float64) {
	captureLevel.WithLabelValues("peak").Set(peakDBFS)
	captureLevel.WithLabelValues("rms").Set(rmsDBFS)
}

// SetRecording flips the capture_active gauge.
func SetRecording(active bool) {
	recording.Set(boolToFloat(active))
}

// SetPlaying flips the playback_active gauge.
func SetPlaying(active bool) {
	playing.Set(boolToFloat(active))
}

// RecordPlaybackUnit counts one drained unit.
func RecordPlaybackUnit(aborted bool) {
	status := "played"
	if aborted {
		status = "aborted"
	}
	playbackUnitsTotal.WithLabelValues(status).Inc()
}

// RecordCatalogFetch counts one catalog request.
func RecordCatalogFetch(ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	catalogFetchTotal.WithLabelValues(status).Inc()
}

// RecordFrameDropped counts one frame skipped by the rate limiter.
func RecordFrameDropped() {
	framesDroppedTotal.Inc()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
