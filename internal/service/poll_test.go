package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll(t *testing.T) {
	cfg := PollConfig{Schedule: []time.Duration{time.Millisecond}, Timeout: time.Second}

	t.Run("returns when done", func(t *testing.T) {
		n := 0
		v, err := Poll(context.Background(), cfg,
			func(context.Context) (int, error) { n++; return n, nil },
			func(v int) bool { return v == 3 },
		)
		require.NoError(t, err)
		assert.Equal(t, 3, v)
	})

	t.Run("fetch error aborts", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		_, err := Poll(context.Background(), cfg,
			func(context.Context) (int, error) { calls++; return 0, boom },
			func(int) bool { return false },
		)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("timeout returns last value", func(t *testing.T) {
		short := PollConfig{Schedule: []time.Duration{time.Millisecond}, Timeout: 10 * time.Millisecond}
		v, err := Poll(context.Background(), short,
			func(context.Context) (string, error) { return "in_progress", nil },
			func(string) bool { return false },
		)
		assert.ErrorIs(t, err, ErrPollTimeout)
		assert.Equal(t, "in_progress", v)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := PollConfig{Schedule: []time.Duration{time.Hour}, Timeout: time.Hour}
		_, err := Poll(ctx, slow,
			func(context.Context) (int, error) { return 0, nil },
			func(int) bool { return false },
		)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestInterval(t *testing.T) {
	schedule := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}
	assert.Equal(t, time.Second, interval(schedule, 0))
	assert.Equal(t, 5*time.Second, interval(schedule, 2))
	assert.Equal(t, 5*time.Second, interval(schedule, 10))
	assert.Equal(t, time.Second, interval(nil, 0))
}
