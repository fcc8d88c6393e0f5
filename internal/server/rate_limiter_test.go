package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/raaihank/batch-embedder/internal/config"
)

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2})

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	// Buckets are independent per client
	assert.True(t, rl.Allow("b"))
	assert.Equal(t, 2, rl.Clients())
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1})
	rl.Allow("a")

	rl.CleanupIdle(time.Now().Add(-time.Minute))
	assert.Equal(t, 1, rl.Clients())

	rl.CleanupIdle(time.Now().Add(time.Minute))
	assert.Equal(t, 0, rl.Clients())

	rl.StartCleanupRoutine(time.Millisecond)
	rl.Stop()
	rl.Stop()
}
