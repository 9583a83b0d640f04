package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsUpToBurstThenDenies(t *testing.T) {
	rl := NewRateLimiter(1) // 1 token/sec, burst 1

	assert.True(t, rl.Allow("sys-1"))
	assert.False(t, rl.Allow("sys-1"))
}

func TestRateLimiterTracksSystemsIndependently(t *testing.T) {
	rl := NewRateLimiter(1)

	assert.True(t, rl.Allow("sys-1"))
	assert.True(t, rl.Allow("sys-2"))
	assert.False(t, rl.Allow("sys-1"))
}
