package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelaysDoubleStrictly(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 5)

	prev := b.Delay(1)
	assert.Equal(t, 100*time.Millisecond, prev)

	for attempt := 2; attempt <= 5; attempt++ {
		d := b.Delay(attempt)
		assert.Equal(t, prev*2, d, "attempt %d", attempt)
		prev = d
	}
}

func TestBackoffExhaustion(t *testing.T) {
	b := NewBackoff(time.Second, 3)

	assert.False(t, b.Exhausted(1))
	assert.False(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(4))
}

func TestBackoffDelayClampsPastBudget(t *testing.T) {
	b := NewBackoff(time.Second, 3)

	assert.Equal(t, b.Delay(3), b.Delay(10))
	assert.Equal(t, b.Delay(1), b.Delay(0))
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)

	assert.Equal(t, time.Second, b.Base)
	assert.Equal(t, 5, b.MaxAttempts)
}
