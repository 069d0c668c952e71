package writer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the per-sink retry behavior of the dual writer. It is
// injected at construction so failure handling is testable with simulated
// sinks.
type RetryPolicy struct {
	// MaxAttempts is the total number of write attempts per sink (>= 1).
	MaxAttempts int

	// BackoffBase is the initial delay between attempts.
	BackoffBase time.Duration

	// BackoffCap bounds the exponential growth of the delay.
	BackoffCap time.Duration

	// AttemptTimeout bounds each individual sink call. A timed-out call
	// counts as a failed attempt.
	AttemptTimeout time.Duration
}

// NewBackOff returns a fresh backoff sequence for one write: exponential with
// jitter, capped, and limited to MaxAttempts total tries.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BackoffBase
	b.MaxInterval = p.BackoffCap
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}
