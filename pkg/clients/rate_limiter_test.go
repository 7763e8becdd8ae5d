package clients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowsBurstThenBlocks(t *testing.T) {
	rl := NewTokenBucketRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(), "burst request %d", i)
	}
	assert.False(t, rl.Allow())

	stats := rl.GetStats()
	assert.Equal(t, int64(3), stats.AllowedRequests)
	assert.Equal(t, int64(1), stats.BlockedRequests)
}

func TestTokenBucketRefills(t *testing.T) {
	rl := NewTokenBucketRateLimiter(100, 1)

	require.True(t, rl.Allow())
	require.False(t, rl.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, rl.Allow())
}

func TestTokenBucketWaitRespectsContext(t *testing.T) {
	rl := NewTokenBucketRateLimiter(0.1, 1)
	require.True(t, rl.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucketWaitSucceeds(t *testing.T) {
	rl := NewTokenBucketRateLimiter(100, 1)
	require.True(t, rl.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, rl.Wait(ctx))
}

func TestSetRate(t *testing.T) {
	rl := NewTokenBucketRateLimiter(1, 1)
	rl.SetRate(50)
	assert.Equal(t, float64(50), rl.GetStats().Rate)
}
