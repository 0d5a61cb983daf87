package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-assistant/internal/llm"
	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

func newInjector(t *testing.T) (*HumanMessageInjector, *llm.FakeBackend) {
	t.Helper()
	backend := llm.NewFakeBackend()
	backend.SeedThread("thread_a")
	coord := NewRunCoordinator(backend, testRunConfig, logger.NewNop())
	return NewHumanMessageInjector(backend, coord, "[Human operator]", logger.NewNop()), backend
}

func TestInject(t *testing.T) {
	ctx := context.Background()

	t.Run("appends tagged message", func(t *testing.T) {
		inj, backend := newInjector(t)
		res, err := inj.Inject(ctx, "thread_a", "We called the customer.", "corr-1", "")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Empty(t, res.RunID)

		msgs := backend.Messages("thread_a")
		require.Len(t, msgs, 1)
		assert.Equal(t, llm.RoleAssistant, msgs[0].Role)
		assert.Equal(t, "[Human operator] We called the customer.", msgs[0].Text)
		assert.Zero(t, backend.Calls("create_run"))
	})

	t.Run("starts a run", func(t *testing.T) {
		inj, backend := newInjector(t)
		res, err := inj.Inject(ctx, "thread_a", "Follow up please.", "corr-1", "asst_1")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.NotEmpty(t, res.RunID)
		assert.Equal(t, 1, backend.Calls("create_run"))
	})

	t.Run("run failure is partial success", func(t *testing.T) {
		inj, backend := newInjector(t)
		backend.CreateRunErrors = []error{errors.New("assistant not found")}
		res, err := inj.Inject(ctx, "thread_a", "Follow up please.", "corr-1", "asst_missing")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Contains(t, res.RunError, "assistant not found")
		assert.Len(t, backend.Messages("thread_a"), 1)
	})

	t.Run("unknown thread", func(t *testing.T) {
		inj, backend := newInjector(t)
		res, err := inj.Inject(ctx, "thread_missing", "Hello", "corr-1", "")
		assert.ErrorIs(t, err, model.ErrThreadNotFound)
		assert.False(t, res.Success)
		assert.Zero(t, backend.Calls("create_message"))
	})

	t.Run("busy thread", func(t *testing.T) {
		inj, backend := newInjector(t)
		backend.SeedRun("thread_a", model.RunStatusInProgress)
		backend.CancelErr = errors.New("refused")
		res, err := inj.Inject(ctx, "thread_a", "Hello", "corr-1", "")
		assert.ErrorIs(t, err, model.ErrRunConflict)
		assert.False(t, res.Success)
		assert.Empty(t, backend.Messages("thread_a"))
	})
}

func TestOperatorContent(t *testing.T) {
	assert.Equal(t, "[Op] hi", OperatorContent("[Op] ", "hi"))
	assert.Equal(t, "hi", OperatorContent("", "hi"))
}
