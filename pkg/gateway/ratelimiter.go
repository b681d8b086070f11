package gateway

import (
	"sync"
	"time"
)

// Default per-client frame limits
const (
	DefaultFramesPerMinute = 600
	DefaultMaxInFlight     = 32
)

// FrameRateLimiter implements sliding window rate limiting of inbound frames
// per client. Ack and resume frames are cheap but a misbehaving client must
// not be able to monopolize the bus lock.
type FrameRateLimiter struct {
	mu              sync.Mutex
	framesPerMinute int
	maxInFlight     int
	frames          []time.Time
	inFlight        int
}

// NewFrameRateLimiter creates a rate limiter with default limits
func NewFrameRateLimiter() *FrameRateLimiter {
	return NewFrameRateLimiterWithLimits(DefaultFramesPerMinute, DefaultMaxInFlight)
}

// NewFrameRateLimiterWithLimits creates a rate limiter with custom limits
func NewFrameRateLimiterWithLimits(framesPerMinute, maxInFlight int) *FrameRateLimiter {
	return &FrameRateLimiter{
		framesPerMinute: framesPerMinute,
		maxInFlight:     maxInFlight,
		frames:          make([]time.Time, 0),
	}
}

// CheckFrameAllowed checks if an inbound frame is allowed under the limits
func (r *FrameRateLimiter) CheckFrameAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxInFlight {
		return false, "too many in-flight frames"
	}

	r.pruneLocked(time.Now())
	if len(r.frames) >= r.framesPerMinute {
		return false, "rate limit exceeded"
	}

	return true, ""
}

// RecordFrameStart records the start of frame processing
func (r *FrameRateLimiter) RecordFrameStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = append(r.frames, time.Now())
	r.inFlight++
}

// RecordFrameEnd records the end of frame processing
func (r *FrameRateLimiter) RecordFrameEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}

// UpdateLimits updates the rate limits, e.g. on config hot reload
func (r *FrameRateLimiter) UpdateLimits(framesPerMinute, maxInFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.framesPerMinute = framesPerMinute
	r.maxInFlight = maxInFlight
}

// GetStats returns the current window count and in-flight count
func (r *FrameRateLimiter) GetStats() (frameCount, inFlightCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(time.Now())
	return len(r.frames), r.inFlight
}

// pruneLocked drops frames older than the window. Caller holds r.mu.
func (r *FrameRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	valid := r.frames[:0]
	for _, ts := range r.frames {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	r.frames = valid
}
