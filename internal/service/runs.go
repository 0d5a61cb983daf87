package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/llm"
	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/metrics"
)

// busyRounds is how many times a rejected append or run creation re-runs the
// readiness check before giving up with model.ErrRunConflict.
const busyRounds = 2

// replyWindow is how many recent thread messages are searched for a run's reply.
const replyWindow = 10

// RunConfig tunes the RunCoordinator.
type RunConfig struct {
	PollSchedule []time.Duration
	Timeout      time.Duration
	// CancelSettle bounds the wait for a cancelled run to reach a terminal state.
	CancelSettle time.Duration
}

// RunCoordinator keeps at most one active run per thread. The backend is the
// arbiter: readiness is decided from the remote run state, never from a local lock.
type RunCoordinator struct {
	backend llm.Backend
	cfg     RunConfig
	logger  *logger.Logger
}

// NewRunCoordinator creates a new run coordinator.
func NewRunCoordinator(backend llm.Backend, cfg RunConfig, log *logger.Logger) *RunCoordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if len(cfg.PollSchedule) == 0 {
		cfg.PollSchedule = []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}
	}
	return &RunCoordinator{backend: backend, cfg: cfg, logger: log.Named("runs")}
}

// EnsureThreadReady cancels the thread's active run, if any. It returns
// model.ErrRunConflict when the thread cannot be freed.
func (c *RunCoordinator) EnsureThreadReady(ctx context.Context, threadID string) error {
	log := c.logger.With(zap.String("thread_id", threadID))

	latest, err := c.backend.LatestRun(ctx, threadID)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if latest == nil || !latest.Status.IsActive() {
		return nil
	}

	log = log.With(zap.String("run_id", latest.ID), zap.String("status", string(latest.Status)))
	if latest.Status != model.RunStatusCancelling {
		if _, err := c.backend.CancelRun(ctx, threadID, latest.ID); err != nil {
			metrics.RunCancellationsTotal.WithLabelValues("failed").Inc()
			log.Warn("failed to cancel active run", zap.Error(err))

			current, rerr := c.backend.RetrieveRun(ctx, threadID, latest.ID)
			if rerr == nil && current.Status.IsTerminal() {
				return nil
			}
			return fmt.Errorf("run %s: %w", latest.ID, model.ErrRunConflict)
		}
		metrics.RunCancellationsTotal.WithLabelValues("requested").Inc()
		log.Info("cancelled active run")
	}

	settle := c.cfg.CancelSettle
	if settle <= 0 {
		return nil
	}
	step := settle / 4
	if step <= 0 {
		step = settle
	}
	_, err = Poll(ctx, PollConfig{Schedule: []time.Duration{step}, Timeout: settle},
		func(ctx context.Context) (*model.Run, error) {
			return c.backend.RetrieveRun(ctx, threadID, latest.ID)
		},
		func(r *model.Run) bool { return r.Status.IsTerminal() },
	)
	if err != nil && !errors.Is(err, ErrPollTimeout) {
		return fmt.Errorf("waiting for cancellation: %w", err)
	}
	// Still cancelling is tolerated here; a rejected append re-checks readiness.
	return nil
}

// Append adds content to the thread once it is ready.
func (c *RunCoordinator) Append(ctx context.Context, threadID string, role llm.Role, content string) error {
	return c.whenReady(ctx, threadID, func() error {
		_, err := c.backend.CreateMessage(ctx, threadID, role, content)
		return err
	})
}

// StartRun creates a run once the thread is ready.
func (c *RunCoordinator) StartRun(ctx context.Context, threadID, assistantID string) (*model.Run, error) {
	var run *model.Run
	err := c.whenReady(ctx, threadID, func() error {
		var err error
		run, err = c.backend.CreateRun(ctx, threadID, assistantID)
		return err
	})
	return run, err
}

func (c *RunCoordinator) whenReady(ctx context.Context, threadID string, op func() error) error {
	for round := 0; ; round++ {
		if err := c.EnsureThreadReady(ctx, threadID); err != nil {
			return err
		}
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, llm.ErrRunActive) {
			return err
		}
		if round+1 >= busyRounds {
			return fmt.Errorf("thread %s stayed busy: %w", threadID, model.ErrRunConflict)
		}
		c.logger.Debug("thread busy, re-checking readiness", zap.String("thread_id", threadID))
	}
}

// Await polls a run until it is terminal and returns the assistant's reply.
// A run that times out is cancelled so the next message finds the thread free.
func (c *RunCoordinator) Await(ctx context.Context, run *model.Run) (string, error) {
	start := time.Now()
	final, err := Poll(ctx, PollConfig{Schedule: c.cfg.PollSchedule, Timeout: c.cfg.Timeout},
		func(ctx context.Context) (*model.Run, error) {
			return c.backend.RetrieveRun(ctx, run.ThreadID, run.ID)
		},
		func(r *model.Run) bool { return r.Status.IsTerminal() },
	)
	if errors.Is(err, ErrPollTimeout) {
		metrics.RecordRun("timeout", time.Since(start).Seconds())
		c.cancelQuietly(ctx, run)
		return "", &model.BackendError{Service: "llm", Op: "await_run", Kind: model.KindTimeout, Err: err}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.cancelQuietly(ctx, run)
		}
		return "", err
	}
	metrics.RecordRun(string(final.Status), time.Since(start).Seconds())

	if final.Status != model.RunStatusCompleted {
		rfe := &model.RunFailedError{RunID: final.ID, Status: final.Status, Code: final.LastErrorCode, LastError: final.LastError}
		if kind, ok := runErrorKind(final.LastErrorCode); ok {
			return "", &model.BackendError{Service: "llm", Op: "run", Kind: kind, Err: rfe}
		}
		return "", rfe
	}
	return c.reply(ctx, final)
}

// runErrorKind maps the backend's closed set of run error codes.
func runErrorKind(code string) (model.ErrorKind, bool) {
	switch code {
	case "rate_limit_exceeded":
		return model.KindRateLimited, true
	case "server_error":
		return model.KindServer, true
	}
	return "", false
}

func (c *RunCoordinator) reply(ctx context.Context, run *model.Run) (string, error) {
	msgs, err := c.backend.ListMessages(ctx, run.ThreadID, replyWindow)
	if err != nil {
		return "", fmt.Errorf("reading reply: %w", err)
	}
	for _, m := range msgs {
		if m.Role == llm.RoleAssistant && m.RunID == run.ID {
			return m.Text, nil
		}
	}
	// Some backends omit the run id on messages.
	for _, m := range msgs {
		if m.Role == llm.RoleAssistant && m.RunID == "" {
			return m.Text, nil
		}
	}
	return "", fmt.Errorf("run %s completed without a reply", run.ID)
}

func (c *RunCoordinator) cancelQuietly(ctx context.Context, run *model.Run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := c.backend.CancelRun(ctx, run.ThreadID, run.ID); err != nil {
		c.logger.Warn("failed to cancel timed out run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// ExecuteAndAwait appends content as the user's turn, runs the assistant and
// returns its reply.
func (c *RunCoordinator) ExecuteAndAwait(ctx context.Context, threadID, assistantID, content string) (string, error) {
	if err := c.Append(ctx, threadID, llm.RoleUser, content); err != nil {
		return "", err
	}
	run, err := c.StartRun(ctx, threadID, assistantID)
	if err != nil {
		return "", err
	}
	return c.Await(ctx, run)
}

// Superseded reports whether err means the run was cancelled because a newer
// message took over the thread.
func Superseded(err error) bool {
	var rfe *model.RunFailedError
	return errors.As(err, &rfe) && rfe.Status == model.RunStatusCancelled
}
