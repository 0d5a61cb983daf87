package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/llm"
	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

// ConversationService binds contacts to conversations and conversations to
// remote threads.
type ConversationService struct {
	store     ConversationStore
	backend   llm.Backend
	publisher Publisher
	logger    *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(store ConversationStore, backend llm.Backend, publisher Publisher, log *logger.Logger) *ConversationService {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &ConversationService{
		store:     store,
		backend:   backend,
		publisher: publisher,
		logger:    log.Named("conversations"),
	}
}

// GetOrCreateConversation returns the contact's latest conversation, creating
// it and its thread as needed. Failures wrap model.ErrConversationUnavailable.
func (s *ConversationService) GetOrCreateConversation(ctx context.Context, contactID string) (*model.Conversation, error) {
	log := s.logger.With(zap.String("contact_id", contactID))

	conv, err := s.store.LatestConversationForContact(ctx, contactID)
	switch {
	case err == nil && conv.HasThread():
		return conv, nil

	case err == nil:
		threadID, err := s.backend.CreateThread(ctx)
		if err != nil {
			return nil, unavailable("creating thread", err)
		}
		if err := s.store.SetConversationThread(ctx, conv.ID, threadID); err != nil {
			return nil, unavailable("attaching thread", err)
		}
		conv.ThreadID = threadID
		log.Info("attached thread to conversation", zap.String("conversation_id", conv.ID), zap.String("thread_id", threadID))
		return conv, nil

	case errors.Is(err, model.ErrNotFound):
		// Resolve the contact before creating a remote thread so a deleted
		// contact does not leave an orphan thread behind.
		contact, err := s.store.GetContact(ctx, contactID)
		if err != nil {
			return nil, unavailable("resolving contact", err)
		}
		threadID, err := s.backend.CreateThread(ctx)
		if err != nil {
			return nil, unavailable("creating thread", err)
		}
		conv = &model.Conversation{
			ID:          uuid.Must(uuid.NewV7()).String(),
			WorkspaceID: contact.WorkspaceID,
			ContactID:   contact.ID,
			ThreadID:    threadID,
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, unavailable("creating conversation", err)
		}
		log.Info("conversation created", zap.String("conversation_id", conv.ID), zap.String("thread_id", threadID))
		return conv, nil

	default:
		return nil, unavailable("loading conversation", err)
	}
}

// CreateNewThreadForConversation replaces the conversation's thread with a
// fresh one.
func (s *ConversationService) CreateNewThreadForConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	threadID, err := s.backend.CreateThread(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}
	if err := s.store.SetConversationThread(ctx, conv.ID, threadID); err != nil {
		return nil, err
	}

	previous := conv.ThreadID
	conv.ThreadID = threadID
	s.logger.Info("thread reset",
		zap.String("conversation_id", conv.ID),
		zap.String("previous_thread_id", previous),
		zap.String("thread_id", threadID),
	)
	s.publishEvent(ctx, conv, model.EventTypeThreadReset, "thread replaced", map[string]any{
		"previous_thread_id": previous,
		"thread_id":          threadID,
	})
	return conv, nil
}

// Get retrieves a conversation by ID within a workspace.
func (s *ConversationService) Get(ctx context.Context, workspaceID, conversationID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.WorkspaceID != workspaceID {
		return nil, model.ErrNotFound
	}
	return conv, nil
}

// Contact returns a contact by id.
func (s *ConversationService) Contact(ctx context.Context, contactID string) (*model.Contact, error) {
	return s.store.GetContact(ctx, contactID)
}

// ByThread returns the conversation a thread belongs to.
func (s *ConversationService) ByThread(ctx context.Context, threadID string) (*model.Conversation, error) {
	return s.store.GetConversationByThread(ctx, threadID)
}

func (s *ConversationService) publishEvent(ctx context.Context, conv *model.Conversation, typ model.EventType, reason string, meta map[string]any) {
	ev := &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		Type:           typ,
		Reason:         reason,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := s.publisher.PublishEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to publish event", zap.String("type", string(typ)), zap.Error(err))
	}
}

func unavailable(step string, err error) error {
	return fmt.Errorf("%s: %w: %w", step, model.ErrConversationUnavailable, err)
}
