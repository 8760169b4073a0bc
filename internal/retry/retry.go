package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "sjsage522/pricetracker/pkg/errors"

	"github.com/cenkalti/backoff/v5"
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy controls how an operation is retried
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRateLimited is called with every rate limited failure before waiting
	OnRateLimited func(err error)
	// OnRetry is called before each wait
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep defaults to a context aware timer
	Sleep SleepFunc
}

// DefaultPolicy returns 3 attempts starting at one second, capped at a minute
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
}

// WithRateLimitHook returns a copy of p that calls fn on rate limited failures
// in addition to any hook already set
func (p Policy) WithRateLimitHook(fn func(err error)) Policy {
	prev := p.OnRateLimited
	p.OnRateLimited = func(err error) {
		if prev != nil {
			prev(err)
		}
		fn(err)
	}
	return p
}

// ExhaustedError is returned when every attempt failed with a retryable error
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsExhausted reports whether err came from running out of attempts
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Do runs op until it succeeds, fails with a non-retryable error or runs out
// of attempts. Transient, rate limited and store errors are retried with
// exponential backoff and jitter; rate limited errors wait twice as long.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !apperrors.IsRetryable(err) {
			return zero, err
		}
		rateLimited := apperrors.Classify(err) == apperrors.ErrorTypeRateLimit
		if rateLimited && p.OnRateLimited != nil {
			p.OnRateLimited(err)
		}
		if attempt == attempts {
			break
		}

		delay := b.NextBackOff()
		if rateLimited {
			delay *= 2
			if ra := apperrors.RetryAfter(err); ra > delay {
				delay = ra
			}
			if p.MaxDelay > 0 && delay > 2*p.MaxDelay {
				delay = 2 * p.MaxDelay
			}
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
