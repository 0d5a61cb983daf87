package service

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned when the condition is not met within the budget.
var ErrPollTimeout = errors.New("poll timed out")

// PollConfig bounds a polling loop. Intervals are used in order and the last
// one repeats.
type PollConfig struct {
	Schedule []time.Duration
	Timeout  time.Duration
}

// Poll calls fetch until done reports true, sleeping between calls on the
// schedule. It returns the last fetched value with ErrPollTimeout when the
// budget runs out. A fetch error aborts the loop.
func Poll[T any](ctx context.Context, cfg PollConfig, fetch func(context.Context) (T, error), done func(T) bool) (T, error) {
	var last T
	deadline := time.Now().Add(cfg.Timeout)

	for attempt := 0; ; attempt++ {
		v, err := fetch(ctx)
		if err != nil {
			return last, err
		}
		last = v
		if done(v) {
			return v, nil
		}

		wait := interval(cfg.Schedule, attempt)
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return last, fmt.Errorf("after %s: %w", cfg.Timeout, ErrPollTimeout)
		}
		if wait > remaining {
			wait = remaining
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return last, ctx.Err()
		case <-t.C:
		}
	}
}

func interval(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return time.Second
	}
	if attempt >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempt]
}
