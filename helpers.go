package triageflow

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ToPtr returns a pointer to the given value.
// This is useful for building StatePatch literals.
func ToPtr[T any](v T) *T {
	return &v
}

// CalculateBackoff calculates the backoff delay for a retry attempt.
// It supports three strategies:
//   - EXPONENTIAL: baseDelay * 2^(attempt-1)
//   - LINEAR: baseDelay * attempt
//   - NONE: no backoff delay
//
// attempt is 1 for the first retry. Returns 0 for attempt 0.
func CalculateBackoff(baseDelay time.Duration, attempt int, strategy BackoffStrategy) time.Duration {
	if attempt <= 0 {
		return 0
	}

	switch strategy {
	case BackoffExponential:
		multiplier := 1 << (attempt - 1)
		return baseDelay * time.Duration(multiplier)
	case BackoffLinear:
		return baseDelay * time.Duration(attempt)
	case BackoffNone:
		return 0
	default:
		return baseDelay * time.Duration(attempt)
	}
}

// Retry runs fn under policy, retrying only transient failures.
// The returned error is the last failure; attempts reports how many tries ran.
func Retry(ctx context.Context, policy RetryPolicy, logger zerolog.Logger, fn func(ctx context.Context, attempt int) error) (attempts int, err error) {
	max := policy.Attempts()
	for attempt := 0; attempt < max; attempt++ {
		attempts = attempt + 1

		if attempt > 0 {
			delay := policy.Delay(attempt)
			logger.Warn().
				Str("event", EventNodeRetrying).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(err).
				Msg("Retrying external call")
			if waitErr := Sleep(ctx, delay); waitErr != nil {
				return attempts, waitErr
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if policy.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		err = fn(callCtx, attempt)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return attempts, nil
		}
		if ctx.Err() != nil {
			return attempts, err
		}
		if !IsTransient(err) {
			return attempts, err
		}
	}
	return attempts, err
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
