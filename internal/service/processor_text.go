package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/llm"
	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/metrics"
)

// TextProcessor answers text messages, retrying transient backend failures.
type TextProcessor struct {
	coord          *RunCoordinator
	messages       *MessageService
	store          MessageStore
	retry          RetryConfig
	operatorPrefix string
}

// NewTextProcessor creates a new text processor.
func NewTextProcessor(coord *RunCoordinator, messages *MessageService, store MessageStore, retry RetryConfig, operatorPrefix string) *TextProcessor {
	return &TextProcessor{
		coord:          coord,
		messages:       messages,
		store:          store,
		retry:          retry,
		operatorPrefix: operatorPrefix,
	}
}

// Process stores the message, re-injects pending operator messages and runs
// the assistant on the user's turn.
func (p *TextProcessor) Process(ctx context.Context, req *Request, msg *model.TextMessage) (Result, error) {
	log := req.Logger
	thread := req.Conversation.ThreadID

	if _, err := p.messages.SaveText(ctx, req.Conversation, msg.MessageID, msg.Body); err != nil {
		if errors.Is(err, model.ErrDuplicateMessage) {
			return Result{}, err
		}
		log.Error("failed to store text message", zap.Error(err))
	}

	if err := p.injectPending(ctx, req); err != nil {
		if cause := abortCause(err); cause != nil {
			return Result{}, cause
		}
		log.Warn("failed to re-inject operator messages", zap.Error(err))
	}

	appended := false
	reply, attempts, err := retryTransient(ctx, p.retry, func() (string, error) {
		if !appended {
			if err := p.coord.Append(ctx, thread, llm.RoleUser, msg.Body); err != nil {
				return "", err
			}
			appended = true
		}
		run, err := p.coord.StartRun(ctx, thread, req.AssistantID)
		if err != nil {
			return "", err
		}
		return p.coord.Await(ctx, run)
	}, func(err error, wait time.Duration) {
		kind := model.KindOf(err)
		metrics.TextRetriesTotal.WithLabelValues(string(kind)).Inc()
		log.Warn("retrying text turn", zap.String("kind", string(kind)), zap.Duration("wait", wait), zap.Error(err))
	})
	if err == nil {
		log.Info("text turn completed", zap.Int("attempts", attempts))
		return Result{Reply: reply}, nil
	}

	if cause := abortCause(err); cause != nil {
		return Result{}, cause
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	log.Error("text turn failed", zap.Int("attempts", attempts), zap.Error(err))
	return degraded(apologyFor(err), err), nil
}

// injectPending appends operator messages written since the last assistant
// turn, oldest first, and records each one on the ledger.
func (p *TextProcessor) injectPending(ctx context.Context, req *Request) error {
	thread := req.Conversation.ThreadID
	pending, err := p.store.PendingOperatorMessages(ctx, req.Conversation.ID, thread)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := p.coord.Append(ctx, thread, llm.RoleAssistant, OperatorContent(p.operatorPrefix, m.Content)); err != nil {
			return err
		}
		if err := p.store.RecordInjection(ctx, m.ID, thread); err != nil {
			req.Logger.Warn("failed to record injection", zap.String("message_id", m.ID), zap.Error(err))
		}
	}
	if len(pending) > 0 {
		req.Logger.Info("re-injected operator messages", zap.Int("count", len(pending)))
	}
	return nil
}

// OperatorContent tags text written by a human operator.
func OperatorContent(prefix, text string) string {
	if prefix == "" {
		return text
	}
	return strings.TrimSpace(prefix) + " " + text
}
