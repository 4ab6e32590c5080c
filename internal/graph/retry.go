package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds retries of a remote call. Waits double from BaseDelay
// and are capped at MaxDelay; MaxAttempts counts the first call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is five attempts with waits of 1s, 2s, 4s and 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 8 * time.Second}
}

// newBackOff returns a deterministic exponential schedule for the policy.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()
	return b
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// policy's attempts are used up. A Retry-After value on the error replaces
// the scheduled wait for that attempt only.
func retry[T any](ctx context.Context, policy RetryPolicy, sleep Sleeper, logger zerolog.Logger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	schedule := policy.newBackOff()
	attempts := max(policy.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		if attempt >= attempts {
			logger.Error().Err(err).Str("op", op).Int("attempts", attempt).Msg("giving up after retryable failures")
			return zero, fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, op, attempt, err)
		}

		wait := schedule.NextBackOff()
		if ra := retryAfter(err); ra > 0 {
			wait = ra
		}
		logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("retrying remote call")
		if err := sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}
