package clienthttp

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryNotify is called after failed attempt number attempt (1-indexed) of
// max, before waiting wait.
type RetryNotify func(attempt, max int, err error, wait time.Duration)

// NewBackOff returns the backoff policy shared by every retry loop: retry n
// waits base * 2^n (2s, 4s, 8s for a one second base), without jitter.
func NewBackOff(base time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retry runs op up to maxAttempts times, stopping at the first success.
// op receives the 1-indexed attempt number. It returns the number of
// attempts made and the last error. A cancelled ctx ends the loop with the
// context error.
func Retry(ctx context.Context, base time.Duration, maxAttempts int, op func(attempt int) error, notify RetryNotify) (int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(NewBackOff(base), uint64(maxAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return op(attempt)
	}, policy, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, maxAttempts, err, wait)
		}
	})
	return attempt, err
}
