// Package retry runs backend calls under an exponential backoff policy that
// only retries errors classified as retryable.
package retry

import (
	"context"
	"errors"
	"time"

	"talkingheads/internal/config"
	"talkingheads/internal/services"
)

// Policy describes how often and how patiently a call is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// CallTimeout bounds each attempt. Expiry converts to a retryable error.
	CallTimeout time.Duration
}

// FromConfig builds the backend retry policy from pipeline settings.
func FromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Pipeline.BaseDelayMillis) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Pipeline.MaxDelayMillis) * time.Millisecond,
		Multiplier:  cfg.Pipeline.Multiplier,
		CallTimeout: cfg.CallTimeout(),
	}
}

// Delay returns the wait before the given 1-based retry.
func (p Policy) Delay(retry int) time.Duration {
	delay := float64(p.BaseDelay)
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < retry; i++ {
		delay *= mult
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Notify is called before each retry with the failed attempt number, the
// upcoming delay, and the error that triggered it.
type Notify func(attempt int, delay time.Duration, err error)

// Do calls op until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. It returns the number of attempts made alongside the final
// error.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) error, notify Notify) (int, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, services.Wrap(services.ErrCancelled, "retry", "attempt", "", err)
		}
		lastErr = callOnce(ctx, policy.CallTimeout, attempt, op)
		if lastErr == nil {
			return attempt, nil
		}
		if !services.IsRetryable(lastErr) || attempt == attempts {
			return attempt, lastErr
		}
		delay := policy.Delay(attempt)
		if notify != nil {
			notify(attempt, delay, lastErr)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return attempt, services.Wrap(services.ErrCancelled, "retry", "backoff", "", ctx.Err())
			}
		}
	}
	return attempts, lastErr
}

func callOnce(ctx context.Context, timeout time.Duration, attempt int, op func(context.Context, int) error) error {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := op(callCtx, attempt)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return services.Wrap(services.ErrCancelled, "retry", "attempt", "", ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		if !errors.Is(err, services.ErrRetryable) {
			return services.Wrap(services.ErrRetryable, "retry", "attempt", "call timed out", err)
		}
	}
	return err
}
