// Package retry wraps a single provider call with bounded, exponentially
// backed-off retries. Only errors classified as transient are retried.
package retry

import (
	"context"
	"time"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
)

// Policy defines retry behavior for a provider call.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is slept before the second attempt; each later delay doubles.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Retryable decides whether an error is worth another attempt.
	// Defaults to merrors.IsErrorRetryable.
	Retryable func(error) bool `yaml:"-"`

	// OnRetry is called before each sleep. Optional.
	OnRetry func(attempt int, delay time.Duration, err error) `yaml:"-"`

	// Sleep waits for d or until ctx is done. Defaults to a timer-based sleep.
	Sleep func(ctx context.Context, d time.Duration) error `yaml:"-"`
}

// DefaultPolicy returns three attempts with a two second initial delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Delay returns the wait before attempt number attempt+1, where attempt is 1-based.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Do calls op until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = merrors.IsErrorRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts || !retryable(err) {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// DoErr is Do for operations that return only an error.
func DoErr(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
