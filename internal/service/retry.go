package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

// RetryConfig bounds retries of transient backend failures.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	attempts := c.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.BaseDelay),
		backoff.WithMaxInterval(c.MaxDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.2),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retryTransient runs op until it succeeds, fails with a non-transient error
// or runs out of attempts. It returns the number of attempts made.
func retryTransient[T any](ctx context.Context, cfg RetryConfig, op func() (T, error), notify func(err error, wait time.Duration)) (T, int, error) {
	attempts := 0
	v, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempts++
		v, err := op()
		if err != nil && !model.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, cfg.backOff(ctx), notify)
	return v, attempts, err
}
