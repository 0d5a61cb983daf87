package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/llm"
	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

// HumanMessageInjector appends operator-written text to a thread as prior
// assistant context.
type HumanMessageInjector struct {
	backend llm.Backend
	coord   *RunCoordinator
	prefix  string
	logger  *logger.Logger
}

// NewHumanMessageInjector creates a new injector.
func NewHumanMessageInjector(backend llm.Backend, coord *RunCoordinator, prefix string, log *logger.Logger) *HumanMessageInjector {
	return &HumanMessageInjector{backend: backend, coord: coord, prefix: prefix, logger: log.Named("injector")}
}

// Inject appends text to the thread. When assistantID is set a run is started
// so the assistant reacts right away; a run that cannot start leaves the
// injection successful and is reported in RunError.
func (i *HumanMessageInjector) Inject(ctx context.Context, threadID, text, correlationID, assistantID string) (*model.InjectResult, error) {
	log := i.logger.With(zap.String("correlation_id", correlationID), zap.String("thread_id", threadID))

	if err := i.backend.RetrieveThread(ctx, threadID); err != nil {
		if errors.Is(err, model.ErrThreadNotFound) {
			return failed(fmt.Sprintf("thread %s does not exist", threadID)), err
		}
		return failed("could not look up thread"), fmt.Errorf("retrieving thread: %w", err)
	}

	if err := i.coord.Append(ctx, threadID, llm.RoleAssistant, OperatorContent(i.prefix, text)); err != nil {
		if errors.Is(err, model.ErrRunConflict) {
			log.Warn("thread busy, operator message not injected", zap.Error(err))
			return failed("thread has an active run that could not be cancelled"), err
		}
		return failed("could not append message"), fmt.Errorf("appending operator message: %w", err)
	}

	res := &model.InjectResult{Success: true, Detail: "message injected"}
	if assistantID == "" {
		log.Info("operator message injected")
		return res, nil
	}

	run, err := i.coord.StartRun(ctx, threadID, assistantID)
	if err != nil {
		log.Warn("operator message injected, run not started", zap.Error(err))
		res.Detail = "message injected, run could not start"
		res.RunError = err.Error()
		return res, nil
	}
	res.Detail = "message injected, run started"
	res.RunID = run.ID
	log.Info("operator message injected", zap.String("run_id", run.ID))
	return res, nil
}

func failed(detail string) *model.InjectResult {
	return &model.InjectResult{Success: false, Detail: detail}
}
