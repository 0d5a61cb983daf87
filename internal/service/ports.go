// Package service implements the inbound WhatsApp pipeline: de-duplication,
// conversation and thread management, run coordination, media processing,
// operator injection, storage and paced replies.
package service

import (
	"context"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

// Transport is the messaging channel.
type Transport interface {
	SendText(ctx context.Context, conn *model.ChannelConnection, to, text string) (string, error)
	GetMediaURL(ctx context.Context, conn *model.ChannelConnection, mediaID string) (string, error)
	DownloadMedia(ctx context.Context, conn *model.ChannelConnection, url string) ([]byte, string, error)
	MarkAsRead(ctx context.Context, conn *model.ChannelConnection, messageID string) error
}

// ObjectStorage keeps uploaded media.
type ObjectStorage interface {
	// Upload stores data under path unless it exists; it reports whether it already did.
	Upload(ctx context.Context, path string, data []byte, contentType string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	PublicURL(path string) string
}

// Publisher fans stored messages and pipeline events out to the activity log.
type Publisher interface {
	PublishMessage(ctx context.Context, msg *model.Message) (uint64, error)
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// MessageStore persists the append-only message log.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *model.Message) error
	ExternalIDExists(ctx context.Context, externalID string) (bool, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	PendingOperatorMessages(ctx context.Context, conversationID, threadID string) ([]model.Message, error)
	RecordInjection(ctx context.Context, messageID, threadID string) error
}

// ConversationStore persists contacts and conversations.
type ConversationStore interface {
	GetContact(ctx context.Context, id string) (*model.Contact, error)
	LatestConversationForContact(ctx context.Context, contactID string) (*model.Conversation, error)
	CreateConversation(ctx context.Context, c *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetConversationByThread(ctx context.Context, threadID string) (*model.Conversation, error)
	SetConversationThread(ctx context.Context, conversationID, threadID string) error
}

// NopPublisher drops everything.
type NopPublisher struct{}

func (NopPublisher) PublishMessage(context.Context, *model.Message) (uint64, error) { return 0, nil }

func (NopPublisher) PublishEvent(context.Context, *model.ConversationEvent) (uint64, error) {
	return 0, nil
}
