package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	req := require.New(t)
	limiter := newRateLimiter(3, 30*time.Millisecond)

	for i := 0; i < 3; i++ {
		req.True(limiter.allow(), "frame %d should pass within the burst", i)
	}
	req.False(limiter.allow())

	req.Eventually(limiter.allow, time.Second, 5*time.Millisecond)
}

func TestRateLimiterNormalizesArguments(t *testing.T) {
	limiter := newRateLimiter(0, 0)
	require.True(t, limiter.allow())
	require.False(t, limiter.allow())
}
