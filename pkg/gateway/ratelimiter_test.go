package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameRateLimiter_CheckFrameAllowed(t *testing.T) {
	t.Run("should allow frames under limit", func(t *testing.T) {
		limiter := NewFrameRateLimiterWithLimits(10, 5)

		for i := 0; i < 5; i++ {
			allowed, reason := limiter.CheckFrameAllowed()
			assert.True(t, allowed)
			assert.Empty(t, reason)
			limiter.RecordFrameStart()
			limiter.RecordFrameEnd()
		}
	})

	t.Run("should reject when in-flight limit exceeded", func(t *testing.T) {
		limiter := NewFrameRateLimiterWithLimits(100, 3)

		for i := 0; i < 3; i++ {
			limiter.RecordFrameStart()
		}

		allowed, reason := limiter.CheckFrameAllowed()
		assert.False(t, allowed)
		assert.Equal(t, "too many in-flight frames", reason)
	})

	t.Run("should reject when rate limit exceeded", func(t *testing.T) {
		limiter := NewFrameRateLimiterWithLimits(5, 10)

		for i := 0; i < 5; i++ {
			limiter.RecordFrameStart()
			limiter.RecordFrameEnd()
		}

		allowed, reason := limiter.CheckFrameAllowed()
		assert.False(t, allowed)
		assert.Equal(t, "rate limit exceeded", reason)
	})

	t.Run("should allow again after in-flight frames finish", func(t *testing.T) {
		limiter := NewFrameRateLimiterWithLimits(100, 1)

		limiter.RecordFrameStart()
		allowed, _ := limiter.CheckFrameAllowed()
		assert.False(t, allowed)

		limiter.RecordFrameEnd()
		allowed, reason := limiter.CheckFrameAllowed()
		assert.True(t, allowed)
		assert.Empty(t, reason)
	})
}

func TestFrameRateLimiter_UpdateLimits(t *testing.T) {
	limiter := NewFrameRateLimiterWithLimits(1, 1)

	limiter.RecordFrameStart()
	limiter.RecordFrameEnd()
	allowed, _ := limiter.CheckFrameAllowed()
	assert.False(t, allowed)

	limiter.UpdateLimits(100, 10)
	allowed, reason := limiter.CheckFrameAllowed()
	assert.True(t, allowed)
	assert.Empty(t, reason)
}

func TestFrameRateLimiter_GetStats(t *testing.T) {
	limiter := NewFrameRateLimiterWithLimits(100, 10)

	limiter.RecordFrameStart()
	limiter.RecordFrameStart()
	limiter.RecordFrameEnd()

	frames, inFlight := limiter.GetStats()
	assert.Equal(t, 2, frames)
	assert.Equal(t, 1, inFlight)
}
