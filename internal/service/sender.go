package service

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/metrics"
)

// SenderConfig paces outbound replies.
type SenderConfig struct {
	FirstBlockMin  time.Duration
	FirstBlockMax  time.Duration
	InterBlock     time.Duration
	MaxBlockLength int
}

// ResponseSender delivers a reply as ordered, paced blocks and stores each
// delivered block.
type ResponseSender struct {
	transport Transport
	messages  *MessageService
	cfg       SenderConfig
	logger    *logger.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
}

// NewResponseSender creates a new response sender.
func NewResponseSender(transport Transport, messages *MessageService, cfg SenderConfig, log *logger.Logger) *ResponseSender {
	return &ResponseSender{
		transport: transport,
		messages:  messages,
		cfg:       cfg,
		logger:    log.Named("sender"),
		sleep:     sleepCtx,
		jitter:    rand.Int63n,
	}
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

func (s *ResponseSender) firstDelay() time.Duration {
	lo, hi := s.cfg.FirstBlockMin, s.cfg.FirstBlockMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.jitter(int64(hi-lo)+1))
}

// Deliver sends reply to the conversation's contact. Blocks go out strictly in
// order; a failed send stops delivery and the blocks already sent stay stored.
func (s *ResponseSender) Deliver(ctx context.Context, reply string, conv *model.Conversation, conn *model.ChannelConnection, to, correlationID string) ([]*model.Message, error) {
	blocks := SplitBlocks(reply, s.cfg.MaxBlockLength)
	if len(blocks) == 0 {
		return nil, nil
	}
	log := s.logger.With(
		zap.String("correlation_id", correlationID),
		zap.String("conversation_id", conv.ID),
		zap.Int("blocks", len(blocks)),
	)

	if err := s.sleep(ctx, s.firstDelay()); err != nil {
		return nil, err
	}

	var sent []*model.Message
	for i, block := range blocks {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.InterBlock); err != nil {
				return sent, err
			}
		}

		channelID, err := s.transport.SendText(ctx, conn, to, block)
		if err != nil {
			metrics.BlocksSentTotal.WithLabelValues("failed").Inc()
			log.Error("failed to send reply block", zap.Int("block", i), zap.Error(err))
			return sent, fmt.Errorf("sending block %d/%d: %w", i+1, len(blocks), err)
		}
		metrics.BlocksSentTotal.WithLabelValues("sent").Inc()

		msg, err := s.messages.SaveAssistantReply(ctx, conv, block, channelID)
		if err != nil {
			log.Error("failed to store reply block", zap.Int("block", i), zap.String("channel_message_id", channelID), zap.Error(err))
			continue
		}
		sent = append(sent, msg)
	}
	log.Info("reply delivered")
	return sent, nil
}
