package clients

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testBreaker(t *testing.T, timeout time.Duration) *CircuitBreaker {
	t.Helper()
	return NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          timeout,
	}, zaptest.NewLogger(t))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := testBreaker(t, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, cb.Allow())
		cb.RecordFailure()
	}

	assert.False(t, cb.Allow())
	assert.Equal(t, "open", cb.GetState().State)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := testBreaker(t, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	// Never three in a row, so the circuit stays closed.
	assert.True(t, cb.Allow())
	assert.Equal(t, "closed", cb.GetState().State)
}

func TestBreakerHalfOpenThenCloses(t *testing.T) {
	cb := testBreaker(t, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.False(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.Allow())
	assert.Equal(t, "half_open", cb.GetState().State)

	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.GetState().State)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := testBreaker(t, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, "open", cb.GetState().State)
	assert.False(t, cb.Allow())
}

func TestBreakerExecute(t *testing.T) {
	cb := testBreaker(t, time.Minute)

	err := cb.Execute(func() error { return nil })
	require.NoError(t, err)

	failing := fmt.Errorf("boom")
	for i := 0; i < 3; i++ {
		err = cb.Execute(func() error { return failing })
		require.ErrorIs(t, err, failing)
	}

	err = cb.Execute(func() error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}
