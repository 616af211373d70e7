// SPDX-License-Identifier: MIT
package media

import (
	"context"

	"golang.org/x/time/rate"

	"wearstream/internal/metrics"
)

// Limiter holds frame uploads to at most fps per second with a burst of one.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter returns a Limiter for fps frames per second. A non-positive
// fps disables limiting.
func NewLimiter(fps float64) *Limiter {
	limit := rate.Inf
	if fps > 0 {
		limit = rate.Limit(fps)
	}
	return &Limiter{limiter: rate.NewLimiter(limit, 1)}
}

// Allow reports whether a frame may be sent now. Refused frames are counted
// as dropped; live sources call this and skip the frame.
func (l *Limiter) Allow() bool {
	if l.limiter.Allow() {
		return true
	}
	metrics.RecordFrameDropped()
	return false
}

// Wait blocks until the next frame may be sent. Replayed sources use it to
// pace a fixed sequence.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
