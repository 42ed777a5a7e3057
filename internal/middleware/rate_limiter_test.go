package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 5, BurstSize: 5})
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("p1:u1"))
	}
}

func TestAllowRejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 2, BurstSize: 3})
	for i := 0; i < 3; i++ {
		rl.Allow("p1:u1")
	}
	assert.False(t, rl.Allow("p1:u1"))
}

func TestAllowTracksKeysIndependently(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	assert.True(t, rl.Allow("p1:u1"))
	assert.False(t, rl.Allow("p1:u1"))
	assert.True(t, rl.Allow("p2:u1"))
}
