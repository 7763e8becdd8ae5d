// Package connector provides the connector manager and the reconnect
// policy shared by source implementations. Concrete sources live in the
// rest and ws subpackages.
package connector

import (
	"context"
	"time"

	"github.com/feedlinehq/feedline/pkg/errors"
)

// Backoff computes exponential reconnect delays. The delay for attempt
// n is base * 2^(n-1); the counter is owned by the caller and reset only
// on a successful session or an explicit stop.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// NewBackoff returns a backoff policy with the given base delay and
// attempt budget.
func NewBackoff(base time.Duration, maxAttempts int) Backoff {
	if base <= 0 {
		base = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return Backoff{Base: base, MaxAttempts: maxAttempts}
}

// Delay returns the delay before the given attempt (1-based). Attempts
// past the budget return the final delay; Exhausted gates them.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > b.MaxAttempts {
		attempt = b.MaxAttempts
	}
	return b.Base << uint(attempt-1)
}

// Exhausted reports whether the attempt number exceeds the budget.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt > b.MaxAttempts
}

// Sleep blocks for the attempt's delay or until ctx is cancelled.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeConnection, "reconnect wait cancelled")
	}
}
