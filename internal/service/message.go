package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/cache"
	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/metrics"
)

// MessageService writes the append-only message log.
type MessageService struct {
	store     MessageStore
	processed *cache.ProcessedSet
	publisher Publisher
	logger    *logger.Logger
	now       func() time.Time
}

// NewMessageService creates a new message service.
func NewMessageService(store MessageStore, processed *cache.ProcessedSet, publisher Publisher, log *logger.Logger) *MessageService {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &MessageService{
		store:     store,
		processed: processed,
		publisher: publisher,
		logger:    log.Named("messages"),
		now:       time.Now,
	}
}

// MediaRef describes stored media attached to a message.
type MediaRef struct {
	MediaID  string
	URL      string
	MimeType string
	// Duration in seconds, audio only.
	Duration float64
}

func (s *MessageService) newMessage(conv *model.Conversation, role model.Role, typ model.MessageType, content, externalID string) *model.Message {
	return &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		Role:           role,
		Type:           typ,
		Content:        content,
		ExternalID:     externalID,
		CreatedAt:      s.now().UTC(),
	}
}

// SaveText stores an inbound text message.
func (s *MessageService) SaveText(ctx context.Context, conv *model.Conversation, externalID, text string) (*model.Message, error) {
	m := s.newMessage(conv, model.RoleUser, model.MessageTypeText, text, externalID)
	return m, s.save(ctx, m)
}

// SaveImage stores an inbound image with its caption as content.
func (s *MessageService) SaveImage(ctx context.Context, conv *model.Conversation, externalID, caption string, media MediaRef) (*model.Message, error) {
	m := s.newMessage(conv, model.RoleUser, model.MessageTypeImage, caption, externalID)
	m.MediaID, m.MediaURL, m.MediaMimeType = media.MediaID, media.URL, media.MimeType
	return m, s.save(ctx, m)
}

// SaveAudio stores an inbound audio message with its transcript as content.
// The transcript is empty when transcription failed.
func (s *MessageService) SaveAudio(ctx context.Context, conv *model.Conversation, externalID, transcript string, media MediaRef) (*model.Message, error) {
	m := s.newMessage(conv, model.RoleUser, model.MessageTypeAudio, transcript, externalID)
	m.MediaID, m.MediaURL, m.MediaMimeType, m.MediaDuration = media.MediaID, media.URL, media.MimeType, media.Duration
	return m, s.save(ctx, m)
}

// SaveAssistantReply stores one delivered reply block. externalID is the
// channel id returned by the send, if any.
func (s *MessageService) SaveAssistantReply(ctx context.Context, conv *model.Conversation, text, externalID string) (*model.Message, error) {
	m := s.newMessage(conv, model.RoleAssistant, model.MessageTypeText, text, externalID)
	return m, s.save(ctx, m)
}

// SaveOperatorMessage stores a message written by a human operator.
func (s *MessageService) SaveOperatorMessage(ctx context.Context, conv *model.Conversation, text, externalID string) (*model.Message, error) {
	m := s.newMessage(conv, model.RoleHumanOperator, model.MessageTypeText, text, externalID)
	return m, s.save(ctx, m)
}

// List returns the most recent messages of a conversation, oldest first.
func (s *MessageService) List(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	return s.store.ListMessages(ctx, conversationID, limit)
}

func (s *MessageService) save(ctx context.Context, m *model.Message) error {
	if err := s.store.InsertMessage(ctx, m); err != nil {
		return err
	}
	if m.ExternalID != "" {
		s.processed.Mark(m.ExternalID)
	}
	if m.MediaID != "" {
		s.processed.Mark(m.MediaID)
	}
	metrics.MessagesTotal.WithLabelValues(m.WorkspaceID, string(m.Role)).Inc()

	seq, err := s.publisher.PublishMessage(ctx, m)
	if err != nil {
		s.logger.Warn("failed to publish message",
			zap.String("message_id", m.ID),
			zap.String("conversation_id", m.ConversationID),
			zap.Error(err),
		)
		return nil
	}
	m.Sequence = seq
	return nil
}

// RecordInjection notes that an operator message reached a thread.
func (s *MessageService) RecordInjection(ctx context.Context, messageID, threadID string) error {
	return s.store.RecordInjection(ctx, messageID, threadID)
}
