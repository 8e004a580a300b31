package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, 10*time.Second)

	assert.True(t, rl.Allow(base))
	assert.True(t, rl.Allow(base.Add(1*time.Second)))
	assert.True(t, rl.Allow(base.Add(2*time.Second)))
	assert.False(t, rl.Allow(base.Add(3*time.Second)))

	// The first event leaves the window at exactly +10s.
	assert.True(t, rl.Allow(base.Add(10*time.Second)))
	assert.False(t, rl.Allow(base.Add(10*time.Second)))
	assert.True(t, rl.Allow(base.Add(11*time.Second)))
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	now := time.Now()
	for range rateLimitEvents {
		assert.True(t, rl.Allow(now))
	}
	assert.False(t, rl.Allow(now))
}
